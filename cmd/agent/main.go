// The agent is the headless replica an editor plugin talks to. It keeps
// one document synced with a gateway and exposes a localhost websocket
// speaking index-based frames; translation to stable element ids stays
// on this side, so the editor never sees ids, frontiers or reconnects.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"scribe/sync/internal/client"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/presence"
)

// editorFrame is one command from the editor. Indexes address the
// visible content only.
type editorFrame struct {
	Action string `json:"action"`
	Index  int    `json:"index"`
	Count  int    `json:"count,omitempty"`
	Text   string `json:"text,omitempty"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
}

type agentFrame struct {
	Type         string                 `json:"type"`
	Content      string                 `json:"content,omitempty"`
	Synced       bool                   `json:"synced,omitempty"`
	Participants []presence.Participant `json:"participants,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

type editorConn struct {
	conn *websocket.Conn
	send chan agentFrame
}

// hub fans agent frames out to every connected editor. New editors get
// the current document and participant list on register.
type hub struct {
	conns      map[*editorConn]bool
	register   chan *editorConn
	unregister chan *editorConn
	broadcast  chan agentFrame
	snapshot   func() []agentFrame
}

func newHub(snapshot func() []agentFrame) *hub {
	return &hub{
		conns:      make(map[*editorConn]bool),
		register:   make(chan *editorConn),
		unregister: make(chan *editorConn),
		broadcast:  make(chan agentFrame, 64),
		snapshot:   snapshot,
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.conns[c] = true
			for _, frame := range h.snapshot() {
				h.push(c, frame)
			}
		case c := <-h.unregister:
			if _, ok := h.conns[c]; ok {
				delete(h.conns, c)
				close(c.send)
			}
		case frame := <-h.broadcast:
			for c := range h.conns {
				h.push(c, frame)
			}
		}
	}
}

func (h *hub) push(c *editorConn, frame agentFrame) {
	select {
	case c.send <- frame:
	default:
		delete(h.conns, c)
		close(c.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func serveEditor(h *hub, cl *client.Client, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("editor upgrade: %v", err)
		return
	}
	c := &editorConn{conn: conn, send: make(chan agentFrame, 32)}
	h.register <- c
	go c.writePump()
	c.readPump(h, cl)
}

func (c *editorConn) readPump(h *hub, cl *client.Client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame editorFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.reply(agentFrame{Type: "error", Error: "malformed frame"})
			continue
		}
		if err := apply(cl, frame); err != nil {
			c.reply(agentFrame{Type: "error", Error: err.Error()})
		}
	}
}

func (c *editorConn) reply(frame agentFrame) {
	select {
	case c.send <- frame:
	default:
	}
}

func (c *editorConn) writePump() {
	defer c.conn.Close()
	for frame := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteJSON(frame); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, nil)
}

func apply(cl *client.Client, f editorFrame) error {
	switch f.Action {
	case "insert":
		return cl.Insert(f.Index, f.Text)
	case "delete":
		count := f.Count
		if count == 0 {
			count = 1
		}
		return cl.Delete(f.Index, count)
	case "presence":
		field := f.Field
		if field == "" {
			field = "cursor"
		}
		return cl.SetPresence(field, f.Value)
	default:
		return fmt.Errorf("unknown action %q", f.Action)
	}
}

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8991", "address the editor websocket listens on")
		server      = flag.String("server", "", "gateway base URL; empty discovers one over mDNS")
		documentID  = flag.String("doc", "", "document id to sync")
		participant = flag.String("participant", "", "participant name shown to peers")
		stateDir    = flag.String("state", "./scribe-agent", "directory for the journal and site identity")
	)
	flag.Parse()
	if *documentID == "" {
		log.Fatal("a document id is required: -doc")
	}
	if err := os.MkdirAll(*stateDir, 0o755); err != nil {
		log.Fatalf("failed to create state dir: %v", err)
	}
	name := *participant
	if name == "" {
		name, _ = os.Hostname()
	}

	// The site identity must survive restarts or the journal's ops and
	// new edits would mint under different sites.
	site, err := loadSite(filepath.Join(*stateDir, "site"))
	if err != nil {
		log.Fatalf("site identity: %v", err)
	}

	var h *hub
	cl, err := client.New(client.Options{
		ServerURL:   *server,
		DocumentID:  *documentID,
		Site:        site,
		Participant: name,
		JournalPath: filepath.Join(*stateDir, "journal.db"),
		OnChange: func(content string) {
			h.broadcast <- agentFrame{Type: "document", Content: content, Synced: true}
		},
		OnParticipants: func(list []presence.Participant) {
			h.broadcast <- agentFrame{Type: "participants", Participants: list}
		},
	})
	if err != nil {
		log.Fatalf("client setup failed: %v", err)
	}
	h = newHub(func() []agentFrame {
		return []agentFrame{
			{Type: "document", Content: cl.Content(), Synced: cl.Synced()},
			{Type: "participants", Participants: cl.Participants()},
		}
	})
	go h.run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl.Start(ctx)

	r := mux.NewRouter()
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		serveEditor(h, cl, w, req)
	})
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"synced":%t,"pending":%d}`, cl.Synced(), cl.Pending())
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Scribe agent for %s listening on %s (site %s)", *documentID, *addr, site)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("agent server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	cancel()
	cl.Close()
}

func loadSite(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if site := strings.TrimSpace(string(raw)); site != "" {
			return site, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	site := crdt.NewSiteID()
	if err := os.WriteFile(path, []byte(site+"\n"), 0o600); err != nil {
		return "", err
	}
	return site, nil
}

package app

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/session"
	"scribe/sync/internal/util"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsFrameLimit = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocket upgrades the connection and attaches the client to a
// live room. The first frame on the socket is always the welcome; the
// client's site id and participant name come from query parameters so a
// reconnecting editor keeps its identity.
func (s *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["id"]
	site := r.URL.Query().Get("site")
	if site == "" {
		site = crdt.NewSiteID()
	}
	participant := r.URL.Query().Get("participant")
	if participant == "" {
		participant = "anonymous"
	}

	room, err := s.service.OpenRoom(r.Context(), documentID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade %s: %v", documentID, err)
		return
	}

	client := &session.Client{
		ID:          util.NewID("conn"),
		Site:        site,
		Participant: participant,
		Send:        make(chan session.Outbound, 64),
	}
	if _, err := room.Join(client); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "session closed"), time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	go writePump(conn, client)
	readPump(conn, room, client)
}

// readPump owns the read side until the connection dies. Malformed
// frames are dropped without detaching the client; only transport
// errors end the session.
func readPump(conn *websocket.Conn, room *session.Document, client *session.Client) {
	defer func() {
		room.Leave(client.ID)
		conn.Close()
	}()

	conn.SetReadLimit(wsFrameLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read %s: %v", client.ID, err)
			}
			return
		}
		var msg session.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("websocket frame %s: %v", client.ID, err)
			continue
		}
		if err := room.Deliver(client.ID, msg); err != nil {
			return
		}
	}
}

// writePump drains the client's send channel onto the socket. A closed
// channel means the room detached the client.
func writePump(conn *websocket.Conn, client *session.Client) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case out, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(out); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

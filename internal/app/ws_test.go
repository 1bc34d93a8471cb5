package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/session"
)

func dialWS(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+path, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readWSFrame returns the next frame of the wanted type, discarding
// roster and other interleaved traffic.
func readWSFrame(t *testing.T, conn *websocket.Conn, wantType string) session.Outbound {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var out session.Outbound
		if err := conn.ReadJSON(&out); err != nil {
			t.Fatalf("waiting for %s frame: %v", wantType, err)
		}
		if out.Type == wantType {
			return out
		}
	}
}

func TestWebSocketSessionRoundTrip(t *testing.T) {
	ta := newTestApp(t)
	seedDocument(t, ta.ms, "doc-ws", "Live doc")
	srv := httptest.NewServer(ta.handler)
	t.Cleanup(srv.Close)

	alice := dialWS(t, srv.URL, "/api/documents/doc-ws/ws?site=alpha&participant=alice")
	welcome := readWSFrame(t, alice, session.TypeWelcome)
	if welcome.Welcome == nil || welcome.Welcome.DocumentID != "doc-ws" {
		t.Fatalf("welcome frame = %+v", welcome)
	}
	if welcome.Welcome.Content != "" {
		t.Fatalf("welcome content = %q, want empty document", welcome.Welcome.Content)
	}

	bob := dialWS(t, srv.URL, "/api/documents/doc-ws/ws?site=beta&participant=bob")
	if w := readWSFrame(t, bob, session.TypeWelcome); w.Welcome == nil || w.Welcome.DocumentID != "doc-ws" {
		t.Fatalf("bob welcome frame = %+v", w)
	}

	// Alice hears about bob through the roster broadcast.
	for {
		frame := readWSFrame(t, alice, session.TypeParticipants)
		if len(frame.Participants) == 2 {
			break
		}
	}

	op := crdt.Op{
		Site:    "alpha",
		Counter: 1,
		Kind:    crdt.KindInsert,
		Target:  crdt.ElementID{Site: "alpha", Counter: 1},
		Value:   "h",
		SentAt:  time.Now(),
	}
	if err := alice.WriteJSON(session.Message{Type: session.TypeOp, Op: &op}); err != nil {
		t.Fatalf("write op frame: %v", err)
	}
	relayed := readWSFrame(t, bob, session.TypeOp)
	if relayed.Op == nil || relayed.Op.Value != "h" || relayed.Op.DocumentID != "doc-ws" {
		t.Fatalf("relayed op = %+v", relayed.Op)
	}

	resp, err := srv.Client().Get(srv.URL + "/api/documents/doc-ws/content")
	if err != nil {
		t.Fatalf("GET content error = %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if body["content"] != "h" {
		t.Fatalf("content after socket op = %v, want h", body["content"])
	}
}

func TestWebSocketRejectsUnknownDocument(t *testing.T) {
	ta := newTestApp(t)
	srv := httptest.NewServer(ta.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/documents/ghost/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Dial(unknown document) succeeded, want a failed handshake")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("handshake response = %+v, want 404", resp)
	}
}

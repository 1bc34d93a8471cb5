package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/session"
)

// fakeGateway is a one-document stand-in for the syncd websocket
// endpoint. Every connection gets the welcome returned by the welcome
// func; inbound frames land on a channel for the test to inspect and
// outbound frames are pushed through a channel to the live connection.
type fakeGateway struct {
	srv      *httptest.Server
	inbound  chan session.Message
	outbound chan session.Outbound

	mu        sync.Mutex
	welcomes  int
	lastQuery url.Values
}

func newFakeGateway(t *testing.T, welcome func() session.Welcome) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		inbound:  make(chan session.Message, 64),
		outbound: make(chan session.Outbound, 16),
	}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.lastQuery = r.URL.Query()
		g.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello := welcome()
		g.mu.Lock()
		g.welcomes++
		g.mu.Unlock()
		if err := conn.WriteJSON(session.Outbound{
			Type:       session.TypeWelcome,
			DocumentID: hello.DocumentID,
			Welcome:    &hello,
		}); err != nil {
			return
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var msg session.Message
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				select {
				case g.inbound <- msg:
				default:
				}
			}
		}()
		for {
			select {
			case frame, ok := <-g.outbound:
				if !ok {
					return
				}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}))
	t.Cleanup(func() {
		close(g.outbound)
		g.srv.Close()
	})
	return g
}

func (g *fakeGateway) welcomeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.welcomes
}

func (g *fakeGateway) query(key string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastQuery.Get(key)
}

// waitMsg pulls inbound frames until one of the wanted type arrives,
// discarding the rest (ticks produce interleaved acks).
func waitMsg(t *testing.T, g *fakeGateway, wantType string) session.Message {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-g.inbound:
			if msg.Type == wantType {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q frame reached the gateway in time", wantType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func remoteInsert(site string, counter uint64, origin crdt.ElementID, value string) crdt.Op {
	return crdt.Op{
		Site:       site,
		Counter:    counter,
		DocumentID: "doc-1",
		Kind:       crdt.KindInsert,
		Target:     crdt.ElementID{Site: site, Counter: counter},
		Origin:     origin,
		Value:      value,
		SentAt:     time.Now(),
	}
}

func TestRoomURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "http becomes ws",
			base: "http://host:8990",
			want: "ws://host:8990/api/documents/doc-9/ws?participant=ana&site=alpha",
		},
		{
			name: "https becomes wss",
			base: "https://sync.example.com",
			want: "wss://sync.example.com/api/documents/doc-9/ws?participant=ana&site=alpha",
		},
		{
			name: "ws kept",
			base: "ws://host:7000",
			want: "ws://host:7000/api/documents/doc-9/ws?participant=ana&site=alpha",
		},
		{
			name: "base path trailing slash trimmed",
			base: "http://host/sync/",
			want: "ws://host/sync/api/documents/doc-9/ws?participant=ana&site=alpha",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://host",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := roomURL(tt.base, "doc-9", "alpha", "ana")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("roomURL(%q) error = nil, want error", tt.base)
				}
				return
			}
			if err != nil {
				t.Fatalf("roomURL(%q) error = %v", tt.base, err)
			}
			if got != tt.want {
				t.Errorf("roomURL(%q) = %q, want %q", tt.base, got, tt.want)
			}
		})
	}
}

func TestNewValidatesOptions(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("New() without a document id should fail")
	}
	if _, err := New(Options{DocumentID: "  "}); err == nil {
		t.Fatal("New() with a blank document id should fail")
	}

	minted, err := New(Options{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer minted.Close()
	if minted.Site() == "" {
		t.Error("New() should mint a site id when none is given")
	}

	pinned, err := New(Options{DocumentID: "doc-1", Site: "alpha"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer pinned.Close()
	if got := pinned.Site(); got != "alpha" {
		t.Errorf("Site() = %q, want %q", got, "alpha")
	}
}

func TestOfflineEditing(t *testing.T) {
	c, err := New(Options{DocumentID: "doc-1", Site: "alpha", Participant: "ana"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	if err := c.Insert(0, "hello"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := c.Insert(5, "!"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := c.Delete(0, 2); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := c.Content(); got != "llo!" {
		t.Fatalf("Content() = %q, want %q", got, "llo!")
	}
	if got := c.Len(); got != 4 {
		t.Errorf("Len() = %d, want 4", got)
	}
	if got := c.Frontier()["alpha"]; got != 8 {
		t.Errorf("Frontier()[alpha] = %d, want 8", got)
	}
	if c.Synced() {
		t.Error("Synced() = true with no connection")
	}
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}

	if err := c.Insert(99, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Insert(99) error = %v, want ErrOutOfRange", err)
	}
	if err := c.Insert(-1, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Insert(-1) error = %v, want ErrOutOfRange", err)
	}
	if err := c.Delete(1, 99); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Delete(1, 99) error = %v, want ErrOutOfRange", err)
	}

	if err := c.Insert(0, ""); err != nil {
		t.Errorf("Insert() of empty text error = %v", err)
	}
	if err := c.Delete(1, 0); err != nil {
		t.Errorf("Delete() of zero count error = %v", err)
	}
	if got := c.Content(); got != "llo!" {
		t.Errorf("Content() after no-ops = %q, want %q", got, "llo!")
	}

	if err := c.SetPresence("", "3"); err == nil {
		t.Error("SetPresence() with a blank field should fail")
	}
	if err := c.SetPresence("cursor", "3"); err != nil {
		t.Errorf("SetPresence() offline error = %v", err)
	}
}

func TestClosedClientRejectsEdits(t *testing.T) {
	c, err := New(Options{DocumentID: "doc-1", Site: "alpha"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := c.Insert(0, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert() after close error = %v, want ErrClosed", err)
	}
	if err := c.Delete(0, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete() after close error = %v, want ErrClosed", err)
	}
	if err := c.SetPresence("cursor", "0"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetPresence() after close error = %v, want ErrClosed", err)
	}
}

func TestJournalRestoreAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	first, err := New(Options{DocumentID: "doc-1", Site: "alpha", JournalPath: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Insert(0, "hi"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := first.Insert(2, "!"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := first.Delete(0, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := first.Content(); got != "i!" {
		t.Fatalf("Content() = %q, want %q", got, "i!")
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(Options{DocumentID: "doc-1", Site: "alpha", JournalPath: path})
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	if got := second.Content(); got != "i!" {
		t.Fatalf("Content() after restart = %q, want %q", got, "i!")
	}
	if got := second.Frontier()["alpha"]; got != 4 {
		t.Errorf("Frontier()[alpha] after restart = %d, want 4", got)
	}

	// The restored counter must keep advancing, not reissue stamps.
	if err := second.Insert(0, "y"); err != nil {
		t.Fatalf("Insert() after restart error = %v", err)
	}
	if got := second.Content(); got != "yi!" {
		t.Errorf("Content() = %q, want %q", got, "yi!")
	}
	if got := second.Frontier()["alpha"]; got != 5 {
		t.Errorf("Frontier()[alpha] = %d, want 5", got)
	}
	if err := second.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Same journal file, different document: nothing bleeds over.
	other, err := New(Options{DocumentID: "doc-2", Site: "alpha", JournalPath: path})
	if err != nil {
		t.Fatalf("New() for second document error = %v", err)
	}
	defer other.Close()
	if got := other.Content(); got != "" {
		t.Errorf("Content() for untouched document = %q, want empty", got)
	}
}

func TestGatewayRoundTrip(t *testing.T) {
	seed := crdt.NewSequence("doc-1", "origin")
	if _, err := seed.LocalInsertText(crdt.RootID, "ab"); err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	elements, frontier := seed.Dump()
	g := newFakeGateway(t, func() session.Welcome {
		return session.Welcome{
			DocumentID:   "doc-1",
			Content:      "ab",
			Elements:     elements,
			Frontier:     frontier,
			Participants: []presence.Participant{{ID: "ana", Online: true}},
		}
	})

	var (
		recordMu    sync.Mutex
		lastContent string
		rosterCalls int
	)
	c, err := New(Options{
		ServerURL:   g.srv.URL,
		DocumentID:  "doc-1",
		Site:        "beta",
		Participant: "bo",
		OnChange: func(content string) {
			recordMu.Lock()
			lastContent = content
			recordMu.Unlock()
		},
		OnParticipants: func([]presence.Participant) {
			recordMu.Lock()
			rosterCalls++
			recordMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitFor(t, "welcome", func() bool { return c.Synced() && c.Content() == "ab" })
	if got := g.query("site"); got != "beta" {
		t.Errorf("dial site query = %q, want %q", got, "beta")
	}
	if got := g.query("participant"); got != "bo" {
		t.Errorf("dial participant query = %q, want %q", got, "bo")
	}
	if got := len(c.Participants()); got != 1 {
		t.Errorf("Participants() after welcome = %d, want 1", got)
	}
	ack := waitMsg(t, g, session.TypeAck)
	if got := ack.Frontier["origin"]; got != 2 {
		t.Errorf("ack frontier[origin] = %d, want 2", got)
	}

	// A remote insert lands; its duplicate is absorbed.
	in := remoteInsert("gamma", 1, crdt.ElementID{Site: "origin", Counter: 2}, "c")
	g.outbound <- session.Outbound{Type: session.TypeOp, DocumentID: "doc-1", Op: &in}
	waitFor(t, "remote insert", func() bool { return c.Content() == "abc" })
	g.outbound <- session.Outbound{Type: session.TypeOp, DocumentID: "doc-1", Op: &in}

	// Local edits reach the wire with stable addressing.
	if err := c.Insert(3, "d"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	sent := waitMsg(t, g, session.TypeOp)
	if sent.Op == nil {
		t.Fatal("op frame without an op")
	}
	if sent.Op.Kind != crdt.KindInsert || sent.Op.Value != "d" {
		t.Errorf("sent op = %s %q, want insert %q", sent.Op.Kind, sent.Op.Value, "d")
	}
	if sent.Op.Site != "beta" || sent.Op.Counter != 1 {
		t.Errorf("sent op stamp = %s:%d, want beta:1", sent.Op.Site, sent.Op.Counter)
	}
	if want := (crdt.ElementID{Site: "gamma", Counter: 1}); sent.Op.Origin != want {
		t.Errorf("sent op origin = %v, want %v", sent.Op.Origin, want)
	}

	if err := c.Delete(0, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	del := waitMsg(t, g, session.TypeOp)
	if del.Op == nil || del.Op.Kind != crdt.KindDelete {
		t.Fatalf("expected a delete frame, got %+v", del.Op)
	}
	if want := (crdt.ElementID{Site: "origin", Counter: 1}); del.Op.Target != want {
		t.Errorf("delete target = %v, want %v", del.Op.Target, want)
	}
	if got := c.Content(); got != "bcd" {
		t.Fatalf("Content() = %q, want %q", got, "bcd")
	}

	// Catch-up batches arrive on sync frames.
	batch := remoteInsert("gamma", 2, crdt.ElementID{Site: "beta", Counter: 1}, "e")
	g.outbound <- session.Outbound{
		Type:       session.TypeSync,
		DocumentID: "doc-1",
		Ops:        []crdt.Op{batch},
		Frontier:   crdt.Frontier{"origin": 2, "gamma": 2, "beta": 2},
	}
	waitFor(t, "sync batch", func() bool { return c.Content() == "bcde" })
	if got := c.Pending(); got != 0 {
		t.Errorf("Pending() = %d, want 0", got)
	}

	// Presence flows both ways.
	if err := c.SetPresence("cursor", "4"); err != nil {
		t.Fatalf("SetPresence() error = %v", err)
	}
	pres := waitMsg(t, g, session.TypePresence)
	if pres.Presence == nil {
		t.Fatal("presence frame without an update")
	}
	if pres.Presence.ParticipantID != "bo" || pres.Presence.Field != "cursor" || pres.Presence.Value != "4" {
		t.Errorf("presence update = %+v, want bo cursor=4", pres.Presence)
	}
	if pres.Presence.Clock != 1 {
		t.Errorf("presence clock = %d, want 1", pres.Presence.Clock)
	}

	g.outbound <- session.Outbound{
		Type:       session.TypePresence,
		DocumentID: "doc-1",
		Presence:   &presence.Update{ParticipantID: "ana", Field: "cursor", Value: "2", Clock: 1},
	}
	waitFor(t, "remote presence", func() bool {
		for _, p := range c.Participants() {
			if p.ID == "ana" && p.Fields["cursor"].Value == "2" {
				return true
			}
		}
		return false
	})

	g.outbound <- session.Outbound{
		Type:       session.TypeParticipants,
		DocumentID: "doc-1",
		Participants: []presence.Participant{
			{ID: "ana", Online: true},
			{ID: "bo", Online: true},
		},
	}
	waitFor(t, "roster", func() bool { return len(c.Participants()) == 2 })

	waitFor(t, "change callback", func() bool {
		recordMu.Lock()
		defer recordMu.Unlock()
		return lastContent == "bcde"
	})
	recordMu.Lock()
	gotRosters := rosterCalls
	recordMu.Unlock()
	if gotRosters < 2 {
		t.Errorf("OnParticipants fired %d times, want at least 2", gotRosters)
	}
}

func TestWelcomeReplaysJournaledEdits(t *testing.T) {
	g := newFakeGateway(t, func() session.Welcome {
		return session.Welcome{DocumentID: "doc-1", Frontier: crdt.NewFrontier()}
	})

	path := filepath.Join(t.TempDir(), "journal.db")
	c, err := New(Options{
		ServerURL:   g.srv.URL,
		DocumentID:  "doc-1",
		Site:        "beta",
		Participant: "bo",
		JournalPath: path,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	// Edits made before any connection exists survive the reseed.
	if err := c.Insert(0, "hi"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if c.Synced() {
		t.Fatal("Synced() = true before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitFor(t, "welcome", func() bool { return c.Synced() })
	if got := c.Content(); got != "hi" {
		t.Fatalf("Content() after reseed = %q, want %q", got, "hi")
	}

	first := waitMsg(t, g, session.TypeOp)
	if first.Op == nil || first.Op.Value != "h" || first.Op.Counter != 1 {
		t.Fatalf("first replayed op = %+v, want h at beta:1", first.Op)
	}
	if first.Op.Origin != crdt.RootID {
		t.Errorf("first replayed op origin = %v, want root", first.Op.Origin)
	}
	second := waitMsg(t, g, session.TypeOp)
	if second.Op == nil || second.Op.Value != "i" || second.Op.Counter != 2 {
		t.Fatalf("second replayed op = %+v, want i at beta:2", second.Op)
	}

	ack := waitMsg(t, g, session.TypeAck)
	if got := ack.Frontier["beta"]; got != 2 {
		t.Errorf("ack frontier[beta] = %d, want 2", got)
	}
}

func TestResyncForcesFreshWelcome(t *testing.T) {
	seed := crdt.NewSequence("doc-1", "origin")
	if _, err := seed.LocalInsertText(crdt.RootID, "ab"); err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	elements, frontier := seed.Dump()
	g := newFakeGateway(t, func() session.Welcome {
		return session.Welcome{
			DocumentID: "doc-1",
			Content:    "ab",
			Elements:   elements,
			Frontier:   frontier,
		}
	})

	c, err := New(Options{ServerURL: g.srv.URL, DocumentID: "doc-1", Site: "beta"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	waitFor(t, "first welcome", func() bool { return c.Synced() })
	if got := g.welcomeCount(); got != 1 {
		t.Fatalf("welcome count = %d, want 1", got)
	}

	g.outbound <- session.Outbound{Type: session.TypeResync, DocumentID: "doc-1"}
	waitFor(t, "reconnect after resync", func() bool {
		return g.welcomeCount() == 2 && c.Synced()
	})
	if got := c.Content(); got != "ab" {
		t.Errorf("Content() after reseed = %q, want %q", got, "ab")
	}
}

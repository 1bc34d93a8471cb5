// Package client is the participant side of the sync protocol: a
// replica that joins a document over a websocket, mirrors the server's
// operation stream into its own sequence and journals local edits
// before sending them. Editors address content by visible index; the
// client owns the translation to stable element ids, so offline edits
// and reconnects never shift positions under concurrent changes.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"scribe/sync/internal/causal"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/journal"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	frameLimit   = 1 << 20
	tickInterval = 5 * time.Second
)

var (
	ErrClosed     = errors.New("client closed")
	ErrOutOfRange = errors.New("index out of range")
)

// Options configure a document replica.
type Options struct {
	// ServerURL is the gateway base URL, e.g. http://localhost:8990.
	// Empty means discover one on the local network over mDNS.
	ServerURL   string
	DocumentID  string
	Site        string // minted when empty
	Participant string

	// JournalPath enables the local op journal. Without it, edits made
	// while offline die with the process.
	JournalPath string

	CausalTimeout time.Duration

	// OnChange fires after the visible content changed, OnParticipants
	// after the participant list did. Both run on client goroutines.
	OnChange       func(content string)
	OnParticipants func([]presence.Participant)
}

// Client is one replica of one document. Editing methods are safe for
// concurrent use and work whether or not a connection is up; journaled
// edits replay after the next welcome.
type Client struct {
	opts Options
	site string

	mu           sync.Mutex
	seq          *crdt.Sequence
	buf          *causal.Buffer
	participants []presence.Participant
	server       crdt.Frontier // last frontier the gateway reported
	lastAck      crdt.Frontier
	presClock    uint64
	stalls       int
	synced       bool

	journal *journal.Journal

	writeMu sync.Mutex
	conn    *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.DocumentID) == "" {
		return nil, errors.New("document id is required")
	}
	if opts.Site == "" {
		opts.Site = crdt.NewSiteID()
	}
	if opts.Participant == "" {
		opts.Participant = "anonymous"
	}
	c := &Client{
		opts:   opts,
		site:   opts.Site,
		server: crdt.NewFrontier(),
		done:   make(chan struct{}),
	}
	c.seq = crdt.NewSequence(opts.DocumentID, opts.Site)
	c.buf = causal.NewBuffer(c.seq, opts.CausalTimeout)
	if opts.JournalPath != "" {
		j, err := journal.Open(opts.JournalPath)
		if err != nil {
			return nil, err
		}
		c.journal = j
		if err := c.restoreJournal(); err != nil {
			j.Close()
			return nil, err
		}
	}
	return c, nil
}

// restoreJournal rebuilds the edits earlier runs minted, so the replica
// shows them before any connection exists. Remote state arrives with the
// next welcome.
func (c *Client) restoreJournal() error {
	ops, err := c.journal.List(c.opts.DocumentID)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Site == c.site {
			c.seq.Resume(op.Counter)
		}
		if _, err := c.buf.Enqueue(op); err != nil {
			return fmt.Errorf("replay journal: %w", err)
		}
	}
	return nil
}

// Start connects in the background and keeps the connection alive with
// exponential backoff. It returns immediately; the replica is editable
// before the first connection succeeds.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.disconnect()
		if c.journal != nil {
			c.journal.Close()
		}
	})
	return nil
}

func (c *Client) Site() string { return c.site }

func (c *Client) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Materialize()
}

func (c *Client) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Len()
}

func (c *Client) Frontier() crdt.Frontier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Frontier()
}

// Synced reports whether a welcome has been processed on the current
// connection.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Pending counts received operations still waiting for their causal
// prerequisites.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Pending()
}

func (c *Client) Participants() []presence.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantsLocked()
}

func (c *Client) participantsLocked() []presence.Participant {
	out := make([]presence.Participant, len(c.participants))
	copy(out, c.participants)
	return out
}

// Insert inserts text so that it starts at the given visible index.
func (c *Client) Insert(index int, text string) error {
	if text == "" {
		return nil
	}
	if c.closed() {
		return ErrClosed
	}
	c.mu.Lock()
	if index < 0 || index > c.seq.Len() {
		c.mu.Unlock()
		return fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, index, c.seq.Len())
	}
	origin := c.seq.OriginFor(index)
	ops, err := c.seq.LocalInsertText(origin, text)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.journalLocked(ops)
	content := c.seq.Materialize()
	c.mu.Unlock()

	for i := range ops {
		c.send(session.Message{Type: session.TypeOp, Op: &ops[i]})
	}
	c.fireChange(content)
	return nil
}

// Delete tombstones count visible elements starting at index.
func (c *Client) Delete(index, count int) error {
	if count == 0 {
		return nil
	}
	if c.closed() {
		return ErrClosed
	}
	c.mu.Lock()
	if index < 0 || count < 0 || index+count > c.seq.Len() {
		c.mu.Unlock()
		return fmt.Errorf("%w: delete [%d,%d), length %d", ErrOutOfRange, index, index+count, c.seq.Len())
	}
	ids := make([]crdt.ElementID, 0, count)
	for i := index; i < index+count; i++ {
		id, ok := c.seq.IDAt(i)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: delete at %d", ErrOutOfRange, i)
		}
		ids = append(ids, id)
	}
	ops := make([]crdt.Op, 0, count)
	for _, id := range ids {
		op, err := c.seq.LocalDelete(id)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		ops = append(ops, op)
	}
	c.journalLocked(ops)
	content := c.seq.Materialize()
	c.mu.Unlock()

	for i := range ops {
		c.send(session.Message{Type: session.TypeOp, Op: &ops[i]})
	}
	c.fireChange(content)
	return nil
}

// journalLocked records minted ops before they go out. A journal write
// failure loses crash durability, not the edit; the ops still reach the
// server.
func (c *Client) journalLocked(ops []crdt.Op) {
	if c.journal == nil {
		return
	}
	if err := c.journal.AppendAll(ops); err != nil {
		log.Printf("client %s: journal: %v", c.opts.DocumentID, err)
	}
}

// SetPresence publishes one awareness field, e.g. a cursor position.
// Presence is ephemeral; updates made while offline are dropped.
func (c *Client) SetPresence(field, value string) error {
	if field == "" {
		return errors.New("presence field is required")
	}
	if c.closed() {
		return ErrClosed
	}
	c.mu.Lock()
	c.presClock++
	u := presence.Update{
		ParticipantID: c.opts.Participant,
		Field:         field,
		Value:         value,
		Clock:         c.presClock,
	}
	c.mu.Unlock()
	c.send(session.Message{Type: session.TypePresence, Presence: &u})
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		welcomed, err := c.serve(ctx)
		if c.closed() || ctx.Err() != nil {
			return
		}
		if welcomed {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		if err != nil {
			log.Printf("client %s: connection lost: %v (retry in %s)", c.opts.DocumentID, err, wait.Round(time.Millisecond))
		}
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-time.After(wait):
		}
	}
}

// serve runs one connection to the gateway until it breaks. The first
// frame on a healthy connection is the welcome; everything afterwards is
// the live stream.
func (c *Client) serve(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	conn.SetReadLimit(frameLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(writeWait))
	})

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	stop := make(chan struct{})
	go c.tickLoop(stop)

	welcomed := false
	var readErr error
	for {
		var frame session.Outbound
		if err := conn.ReadJSON(&frame); err != nil {
			readErr = err
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if frame.Type == session.TypeWelcome {
			welcomed = true
		}
		c.handle(frame)
	}

	close(stop)
	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	conn.Close()
	c.mu.Lock()
	c.synced = false
	c.mu.Unlock()
	return welcomed, readErr
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	base := c.opts.ServerURL
	if base == "" {
		discovered, err := Discover(ctx, 5*time.Second)
		if err != nil {
			return nil, err
		}
		base = discovered
	}
	target, err := roomURL(base, c.opts.DocumentID, c.site, c.opts.Participant)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", target, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

func roomURL(base, documentID, site, participant string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url %q: unsupported scheme", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/documents/" + documentID + "/ws"
	q := u.Query()
	q.Set("site", site)
	q.Set("participant", participant)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) handle(frame session.Outbound) {
	switch frame.Type {
	case session.TypeWelcome:
		if frame.Welcome != nil {
			c.welcome(*frame.Welcome)
		}
	case session.TypeOp:
		if frame.Op != nil {
			c.ingest([]crdt.Op{*frame.Op}, nil)
		}
	case session.TypeSync:
		c.ingest(frame.Ops, frame.Frontier)
	case session.TypePresence:
		if frame.Presence != nil {
			c.applyPresence(*frame.Presence)
		}
	case session.TypeParticipants:
		c.setParticipants(frame.Participants)
	case session.TypeResync:
		// The gateway gave up waiting for prerequisites from this site.
		// Reconnecting replaces local state with a fresh welcome and
		// replays the journal on top.
		log.Printf("client %s: gateway requested resync", c.opts.DocumentID)
		c.disconnect()
	case session.TypeError:
		log.Printf("client %s: gateway: %s", c.opts.DocumentID, frame.Error)
	}
}

// welcome reseeds the replica from the gateway's dump and replays
// journaled edits the gateway does not have yet.
func (c *Client) welcome(w session.Welcome) {
	c.mu.Lock()
	c.buf.Reset()
	if err := c.seq.Seed(w.Elements, w.Frontier); err != nil {
		c.mu.Unlock()
		log.Printf("client %s: seed: %v", c.opts.DocumentID, err)
		c.disconnect()
		return
	}
	c.server = w.Frontier.Clone()
	c.participants = w.Participants
	c.stalls = 0

	var pending []crdt.Op
	if c.journal != nil {
		ops, err := c.journal.PendingSince(c.opts.DocumentID, w.Frontier)
		if err != nil {
			log.Printf("client %s: journal: %v", c.opts.DocumentID, err)
		}
		for _, op := range ops {
			if op.Site == c.site {
				c.seq.Resume(op.Counter)
			}
			if _, err := c.buf.Enqueue(op); err != nil {
				log.Printf("client %s: journal replay %s: %v", c.opts.DocumentID, op.Stamp(), err)
				continue
			}
			pending = append(pending, op)
		}
	}
	c.synced = true
	content := c.seq.Materialize()
	frontier := c.seq.Frontier()
	participants := c.participantsLocked()
	c.mu.Unlock()

	for i := range pending {
		c.send(session.Message{Type: session.TypeOp, Op: &pending[i]})
	}
	c.ack(frontier)
	c.compactJournal()
	c.fireChange(content)
	c.fireParticipants(participants)
}

// ingest feeds remote operations through the causal buffer. Duplicates
// are absorbed; parked operations surface once their prerequisites do.
func (c *Client) ingest(ops []crdt.Op, server crdt.Frontier) {
	if len(ops) == 0 && server == nil {
		return
	}
	c.mu.Lock()
	changed := false
	for _, op := range ops {
		status, err := c.buf.Enqueue(op)
		if err != nil {
			log.Printf("client %s: drop op %s: %v", c.opts.DocumentID, op.Stamp(), err)
			continue
		}
		if status == causal.StatusApplied {
			changed = true
		}
	}
	if server != nil {
		c.server.Merge(server)
	}
	var content string
	if changed {
		content = c.seq.Materialize()
	}
	c.mu.Unlock()

	if server != nil {
		c.compactJournal()
	}
	if changed {
		c.fireChange(content)
	}
}

func (c *Client) applyPresence(u presence.Update) {
	c.mu.Lock()
	for i := range c.participants {
		p := &c.participants[i]
		if p.ID != u.ParticipantID {
			continue
		}
		if f, ok := p.Fields[u.Field]; ok && u.Clock <= f.Clock {
			c.mu.Unlock()
			return
		}
		if p.Fields == nil {
			p.Fields = make(map[string]presence.Field)
		}
		p.Fields[u.Field] = presence.Field{Value: u.Value, Clock: u.Clock}
		p.Online = true
		list := c.participantsLocked()
		c.mu.Unlock()
		c.fireParticipants(list)
		return
	}
	c.participants = append(c.participants, presence.Participant{
		ID:     u.ParticipantID,
		Online: true,
		Fields: map[string]presence.Field{u.Field: {Value: u.Value, Clock: u.Clock}},
	})
	list := c.participantsLocked()
	c.mu.Unlock()
	c.fireParticipants(list)
}

func (c *Client) setParticipants(list []presence.Participant) {
	c.mu.Lock()
	c.participants = list
	out := c.participantsLocked()
	c.mu.Unlock()
	c.fireParticipants(out)
}

// tickLoop acknowledges applied state and watches for stalls while a
// connection is up.
func (c *Client) tickLoop(stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Client) tick() {
	c.mu.Lock()
	frontier := c.seq.Frontier()
	ackDue := !frontier.Equal(c.lastAck)
	if ackDue {
		c.lastAck = frontier.Clone()
	}
	syncDue := false
	reseed := false
	if c.buf.Pending() > 0 {
		if err := c.buf.Sweep(time.Now()); err != nil {
			c.stalls++
			if c.stalls == 1 {
				// First ask the gateway to fill the gap from its log; a
				// full reseed is the remedy when that does not help.
				syncDue = true
			} else {
				reseed = true
			}
		} else {
			c.stalls = 0
		}
	} else {
		c.stalls = 0
	}
	c.mu.Unlock()

	if ackDue {
		c.ack(frontier)
	}
	if syncDue {
		c.send(session.Message{Type: session.TypeSync, Frontier: frontier})
	}
	if reseed {
		log.Printf("client %s: stalled past timeout, reconnecting for a reseed", c.opts.DocumentID)
		c.mu.Lock()
		c.stalls = 0
		c.mu.Unlock()
		c.disconnect()
	}
}

func (c *Client) ack(frontier crdt.Frontier) {
	c.send(session.Message{Type: session.TypeAck, Frontier: frontier})
}

// compactJournal drops journaled ops the gateway's frontier covers; they
// are durable server side and will never need replaying.
func (c *Client) compactJournal() {
	if c.journal == nil {
		return
	}
	c.mu.Lock()
	server := c.server.Clone()
	c.mu.Unlock()
	if len(server) == 0 {
		return
	}
	if _, err := c.journal.Compact(c.opts.DocumentID, server); err != nil {
		log.Printf("client %s: journal compact: %v", c.opts.DocumentID, err)
	}
}

func (c *Client) send(msg session.Message) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return // offline; journaled ops replay with the next welcome
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Printf("client %s: write: %v", c.opts.DocumentID, err)
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) disconnect() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) fireChange(content string) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(content)
	}
}

func (c *Client) fireParticipants(list []presence.Participant) {
	if c.opts.OnParticipants != nil {
		c.opts.OnParticipants(list)
	}
}

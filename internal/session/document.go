package session

import (
	"context"
	"errors"
	"log"
	"time"

	"scribe/sync/internal/causal"
	"scribe/sync/internal/conflict"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/events"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/store"
	"scribe/sync/internal/version"
)

// ErrClosed is returned for calls against a document session that has
// shut down.
var ErrClosed = errors.New("document session closed")

const (
	sweepInterval   = 5 * time.Second
	compactInterval = 10 * time.Minute
)

type joinRequest struct {
	client *Client
	reply  chan *Welcome
}

type clientMessage struct {
	clientID string
	msg      Message
}

// Document is one live editing room. A single goroutine owns the
// replica and the causal buffer; every other goroutine reaches them
// through channels only.
type Document struct {
	id       string
	instance string

	seq *crdt.Sequence
	buf *causal.Buffer

	store    dataStore
	versions *version.Manager
	presence *presence.Manager
	bus      events.Bus
	opts     Options

	clients map[string]*Client
	acked   map[string]crdt.Frontier

	joins   chan joinRequest
	leaves  chan string
	inbound chan clientMessage
	exec    chan func()
	relay   <-chan events.Event
	unsub   func()
	done    chan struct{}
	stopped chan struct{}

	opsSince       int
	lastSnapshotAt time.Time
	lastActivity   time.Time

	baseCtx context.Context
}

func (d *Document) ID() string { return d.id }

// Join registers the client, returning the full state handshake. The
// element dump includes tombstones so the client can anchor concurrent
// edits that reference deleted positions.
func (d *Document) Join(c *Client) (*Welcome, error) {
	req := joinRequest{client: c, reply: make(chan *Welcome, 1)}
	select {
	case d.joins <- req:
	case <-d.done:
		return nil, ErrClosed
	}
	select {
	case w := <-req.reply:
		return w, nil
	case <-d.stopped:
		return nil, ErrClosed
	}
}

// Leave detaches the client and closes its send channel.
func (d *Document) Leave(clientID string) {
	select {
	case d.leaves <- clientID:
	case <-d.done:
	}
}

// Deliver hands one inbound frame to the room. It blocks while the room
// is busy; transports call it from their per-connection read loop.
func (d *Document) Deliver(clientID string, msg Message) error {
	select {
	case d.inbound <- clientMessage{clientID: clientID, msg: msg}:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

// do runs fn on the room goroutine and waits for it.
func (d *Document) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case d.exec <- func() { fn(); close(ran) }:
	case <-d.done:
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-d.stopped:
		return ErrClosed
	}
}

// State returns the current materialized content and frontier.
func (d *Document) State() (string, crdt.Frontier, error) {
	var content string
	var f crdt.Frontier
	err := d.do(func() {
		content = d.seq.Materialize()
		f = d.seq.Frontier()
	})
	return content, f, err
}

// Participants reports current presence for the room.
func (d *Document) Participants() []presence.Participant {
	return d.presence.Snapshot(d.id)
}

// DetectConflicts runs annotation conflict detection against the live
// element positions.
func (d *Document) DetectConflicts(pending []conflict.Annotation) ([]conflict.Descriptor, error) {
	var found []conflict.Descriptor
	err := d.do(func() {
		found = conflict.Detect(pending, d.seq)
	})
	return found, err
}

// Snapshot captures the room's live state as a named version.
func (d *Document) Snapshot(author string) (store.Snapshot, error) {
	var snap store.Snapshot
	var serr error
	err := d.do(func() {
		snap, serr = d.versions.CreateSnapshot(d.baseCtx, d.seq, author)
		if serr != nil {
			return
		}
		d.opsSince = 0
		d.lastSnapshotAt = time.Now()
		d.publish(events.Event{Type: events.TypeSnapshotCreated, SnapshotID: snap.ID, Frontier: snap.Frontier})
	})
	if err != nil {
		return store.Snapshot{}, err
	}
	return snap, serr
}

// Restore rewrites the live document back to a snapshot through
// compensating operations and fans them out like any other edit.
func (d *Document) Restore(snapshotID string) ([]crdt.Op, error) {
	var ops []crdt.Op
	var rerr error
	err := d.do(func() {
		ops, rerr = d.versions.RestoreTo(d.baseCtx, d.seq, snapshotID)
		if rerr != nil {
			return
		}
		for i := range ops {
			d.opsSince++
			d.broadcast("", Outbound{Type: TypeOp, DocumentID: d.id, Op: &ops[i]})
			d.publish(events.Event{Type: events.TypeOp, Op: &ops[i]})
		}
		if len(ops) > 0 {
			d.lastActivity = time.Now()
			d.maybeSnapshot(time.Now())
		}
	})
	if err != nil {
		return nil, err
	}
	return ops, rerr
}

// CatchUp folds operations recorded by other gateways into the live
// replica and reports how many applied.
func (d *Document) CatchUp() (int, error) {
	var n int
	var cerr error
	err := d.do(func() {
		n, cerr = d.catchUp()
	})
	if err != nil {
		return 0, err
	}
	return n, cerr
}

// Idle reports whether the room has no clients and has been quiet for
// at least maxIdle.
func (d *Document) Idle(maxIdle time.Duration) bool {
	idle := false
	err := d.do(func() {
		idle = len(d.clients) == 0 && time.Since(d.lastActivity) >= maxIdle
	})
	return err == nil && idle
}

// Stop asks the room goroutine to snapshot pending work and exit.
func (d *Document) Stop() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
}

func (d *Document) run() {
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	compact := time.NewTicker(compactInterval)
	defer compact.Stop()

	for {
		select {
		case req := <-d.joins:
			d.handleJoin(req)
		case clientID := <-d.leaves:
			d.handleLeave(clientID)
		case cm := <-d.inbound:
			d.handleMessage(cm)
		case fn := <-d.exec:
			fn()
		case ev, ok := <-d.relay:
			if !ok {
				d.relay = nil
				continue
			}
			d.handleRelay(ev)
		case now := <-sweep.C:
			d.handleSweep(now)
		case <-compact.C:
			d.compactTombstones()
		case <-d.done:
			d.shutdown()
			return
		}
	}
}

func (d *Document) handleJoin(req joinRequest) {
	c := req.client
	d.presence.Join(d.id, c.Participant)
	d.lastActivity = time.Now()

	elements, frontier := d.seq.Dump()
	w := &Welcome{
		DocumentID:   d.id,
		Content:      d.seq.Materialize(),
		Elements:     elements,
		Frontier:     frontier,
		Participants: d.presence.Snapshot(d.id),
	}
	// The welcome frame is queued before the client is registered for
	// broadcasts, so it is always the first frame on the socket.
	d.send(c, Outbound{Type: TypeWelcome, DocumentID: d.id, Welcome: w})
	d.clients[c.ID] = c
	req.reply <- w
	d.broadcast(c.ID, Outbound{Type: TypeParticipants, DocumentID: d.id, Participants: w.Participants})
}

func (d *Document) handleLeave(clientID string) {
	c, ok := d.clients[clientID]
	if !ok {
		return
	}
	delete(d.clients, clientID)
	delete(d.acked, clientID)
	close(c.Send)
	d.presence.Leave(d.id, c.Participant)
	d.lastActivity = time.Now()
	d.broadcast("", Outbound{Type: TypeParticipants, DocumentID: d.id, Participants: d.presence.Snapshot(d.id)})
}

func (d *Document) handleMessage(cm clientMessage) {
	c, ok := d.clients[cm.clientID]
	if !ok {
		return
	}
	d.lastActivity = time.Now()
	switch cm.msg.Type {
	case TypeOp:
		d.handleOp(c, cm.msg.Op)
	case TypePresence:
		d.handlePresence(c, cm.msg.Presence)
	case TypeAck:
		if cm.msg.Frontier != nil {
			d.acked[c.ID] = cm.msg.Frontier.Clone()
		}
	case TypeSync:
		d.handleSync(c, cm.msg.Frontier)
	default:
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: "unknown message type " + cm.msg.Type})
	}
}

// handleOp records the operation durably, applies or parks it, then
// fans it out on receipt. Peers park out-of-order deliveries in their
// own buffers, so forwarding never waits for causal order.
func (d *Document) handleOp(c *Client, op *crdt.Op) {
	if op == nil {
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: "op frame without op"})
		return
	}
	op.DocumentID = d.id
	if err := op.Validate(); err != nil {
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: err.Error()})
		return
	}
	if err := d.store.AppendOp(d.baseCtx, *op); err != nil {
		log.Printf("session %s: append op %s: %v", d.id, op.Stamp(), err)
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: "operation not recorded, retry"})
		return
	}
	status, err := d.buf.Enqueue(*op)
	if err != nil {
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: err.Error()})
		return
	}
	if status == causal.StatusDuplicate {
		return
	}
	d.opsSince++
	d.broadcast(c.ID, Outbound{Type: TypeOp, DocumentID: d.id, Op: op})
	d.publish(events.Event{Type: events.TypeOp, Op: op})
	d.maybeSnapshot(time.Now())
}

func (d *Document) handlePresence(c *Client, u *presence.Update) {
	if u == nil {
		return
	}
	if u.ParticipantID == "" {
		u.ParticipantID = c.Participant
	}
	if err := d.presence.Apply(d.id, *u); err != nil {
		return // stale clock, newer state already won
	}
	d.broadcast(c.ID, Outbound{Type: TypePresence, DocumentID: d.id, Presence: u})
	d.publish(events.Event{Type: events.TypePresence, Presence: u})
}

// handleSync replays the log past the client's frontier. A client that
// reconnects after missing broadcasts asks for the gap instead of a
// full rejoin.
func (d *Document) handleSync(c *Client, f crdt.Frontier) {
	if f == nil {
		f = crdt.NewFrontier()
	}
	ops, err := d.store.OpsSince(d.baseCtx, d.id, f)
	if err != nil {
		log.Printf("session %s: sync backlog: %v", d.id, err)
		d.send(c, Outbound{Type: TypeError, DocumentID: d.id, Error: "backlog unavailable, retry"})
		return
	}
	d.acked[c.ID] = f.Clone()
	d.send(c, Outbound{Type: TypeSync, DocumentID: d.id, Ops: ops, Frontier: d.seq.Frontier()})
}

func (d *Document) handleRelay(ev events.Event) {
	if ev.Origin == d.instance {
		return
	}
	switch ev.Type {
	case events.TypeOp:
		if ev.Op == nil {
			return
		}
		op := *ev.Op
		status, err := d.buf.Enqueue(op)
		if err != nil {
			log.Printf("session %s: relayed op %s: %v", d.id, op.Stamp(), err)
			return
		}
		if status == causal.StatusDuplicate {
			return
		}
		d.lastActivity = time.Now()
		d.opsSince++
		d.broadcast("", Outbound{Type: TypeOp, DocumentID: d.id, Op: &op})
	case events.TypePresence:
		if ev.Presence == nil {
			return
		}
		if err := d.presence.Apply(d.id, *ev.Presence); err != nil {
			return
		}
		d.broadcast("", Outbound{Type: TypePresence, DocumentID: d.id, Presence: ev.Presence})
	case events.TypeSnapshotCreated:
		d.opsSince = 0
		d.lastSnapshotAt = time.Now()
	}
}

func (d *Document) handleSweep(now time.Time) {
	if err := d.buf.Sweep(now); err != nil {
		var stalled *causal.StalledError
		if errors.As(err, &stalled) {
			d.recoverStalled(now, stalled.Sites)
		}
	}
	if expired := d.presence.SweepDocument(d.id, now); len(expired) > 0 {
		d.broadcast("", Outbound{Type: TypeParticipants, DocumentID: d.id, Participants: d.presence.Snapshot(d.id)})
	}
	d.maybeSnapshot(now)
}

// recoverStalled retries the shared log before giving up on a site: on a
// multi-gateway bus a dropped relay is repaired by the log, and only a
// prerequisite that truly never arrived forces the site's clients to
// rejoin.
func (d *Document) recoverStalled(now time.Time, sites []string) {
	if n, err := d.catchUp(); err != nil {
		log.Printf("session %s: catch up after stall: %v", d.id, err)
	} else if n > 0 {
		err := d.buf.Sweep(now)
		if err == nil {
			return
		}
		var stalled *causal.StalledError
		if errors.As(err, &stalled) {
			sites = stalled.Sites
		}
	}
	for _, site := range sites {
		dropped := d.buf.DropSite(site)
		log.Printf("session %s: dropped %d stalled ops from site %s, resync requested", d.id, dropped, site)
		for _, c := range d.clients {
			if c.Site == site {
				d.send(c, Outbound{Type: TypeResync, DocumentID: d.id})
			}
		}
	}
}

func (d *Document) catchUp() (int, error) {
	ops, err := d.store.OpsSince(d.baseCtx, d.id, d.seq.Frontier())
	if err != nil {
		return 0, err
	}
	applied := 0
	for i := range ops {
		status, err := d.buf.Enqueue(ops[i])
		if err != nil {
			log.Printf("session %s: skip logged op %s: %v", d.id, ops[i].Stamp(), err)
			continue
		}
		if status == causal.StatusDuplicate {
			continue
		}
		if status == causal.StatusApplied {
			applied++
		}
		d.broadcast("", Outbound{Type: TypeOp, DocumentID: d.id, Op: &ops[i]})
	}
	return applied, nil
}

func (d *Document) maybeSnapshot(now time.Time) {
	if d.opsSince <= 0 {
		return
	}
	if d.opsSince < d.opts.SnapshotOps && now.Sub(d.lastSnapshotAt) < d.opts.SnapshotInterval {
		return
	}
	snap, err := d.versions.CreateSnapshot(d.baseCtx, d.seq, "auto")
	if err != nil {
		log.Printf("session %s: auto snapshot: %v", d.id, err)
		return
	}
	d.opsSince = 0
	d.lastSnapshotAt = now
	if err := d.store.TouchDocument(d.baseCtx, d.id); err != nil {
		log.Printf("session %s: touch document: %v", d.id, err)
	}
	d.publish(events.Event{Type: events.TypeSnapshotCreated, SnapshotID: snap.ID, Frontier: snap.Frontier})
}

// compactTombstones prunes tombstones every connected client has moved
// past. The acked floor is the pointwise minimum of client frontiers;
// with no acks yet there is no safe floor and the pass is skipped.
func (d *Document) compactTombstones() {
	if len(d.clients) == 0 || len(d.acked) < len(d.clients) {
		return
	}
	var floor crdt.Frontier
	for _, f := range d.acked {
		if floor == nil {
			floor = f.Clone()
			continue
		}
		for site, counter := range floor {
			if fc := f[site]; fc < counter {
				if fc == 0 {
					delete(floor, site)
				} else {
					floor[site] = fc
				}
			}
		}
	}
	if len(floor) == 0 {
		return
	}
	if removed := d.seq.Compact(floor, d.opts.TombstoneRetention); removed > 0 {
		log.Printf("session %s: compacted %d tombstones", d.id, removed)
	}
}

func (d *Document) publish(ev events.Event) {
	ev.DocumentID = d.id
	ev.Origin = d.instance
	ev.At = time.Now()
	if err := d.bus.Publish(d.baseCtx, ev); err != nil {
		log.Printf("session %s: publish %s: %v", d.id, ev.Type, err)
	}
}

func (d *Document) send(c *Client, out Outbound) bool {
	select {
	case c.Send <- out:
		return true
	default:
		return false
	}
}

// broadcast fans out to every client except exceptID. Clients whose
// send buffer is full are dropped; they reconnect and sync the gap.
func (d *Document) broadcast(exceptID string, out Outbound) {
	var dead []string
	for id, c := range d.clients {
		if id == exceptID {
			continue
		}
		if !d.send(c, out) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		c := d.clients[id]
		delete(d.clients, id)
		delete(d.acked, id)
		close(c.Send)
		d.presence.Leave(d.id, c.Participant)
		log.Printf("session %s: dropped slow client %s", d.id, id)
	}
}

func (d *Document) shutdown() {
	if d.opsSince > 0 {
		if _, err := d.versions.CreateSnapshot(d.baseCtx, d.seq, "auto"); err != nil {
			log.Printf("session %s: final snapshot: %v", d.id, err)
		}
	}
	if d.unsub != nil {
		d.unsub()
	}
	for _, c := range d.clients {
		close(c.Send)
	}
	d.clients = map[string]*Client{}
	d.presence.Drop(d.id)
	close(d.stopped)
}

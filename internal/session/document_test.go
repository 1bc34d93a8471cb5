package session

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"scribe/sync/internal/crdt"
	"scribe/sync/internal/events"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/store"
	"scribe/sync/internal/version"
)

// memStore backs both the session and the version manager in tests. The
// room goroutine writes through it while assertions read, so every
// method locks.
type memStore struct {
	mu        sync.Mutex
	docs      map[string]store.Document
	ops       map[string][]crdt.Op
	seen      map[string]map[crdt.Stamp]bool
	snapshots map[string]store.Snapshot
	snapOrder map[string][]string
	branches  map[string]*store.Branch
	conflicts map[string]*store.MergeConflict
	touched   map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		docs:      make(map[string]store.Document),
		ops:       make(map[string][]crdt.Op),
		seen:      make(map[string]map[crdt.Stamp]bool),
		snapshots: make(map[string]store.Snapshot),
		snapOrder: make(map[string][]string),
		branches:  make(map[string]*store.Branch),
		conflicts: make(map[string]*store.MergeConflict),
		touched:   make(map[string]int),
	}
}

func (s *memStore) EnsureDocument(_ context.Context, documentID, title string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		doc = store.Document{ID: documentID, Title: title, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		s.docs[documentID] = doc
	}
	return doc, nil
}

func (s *memStore) TouchDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched[documentID]++
	return nil
}

func (s *memStore) appendLocked(op crdt.Op) {
	if s.seen[op.DocumentID] == nil {
		s.seen[op.DocumentID] = make(map[crdt.Stamp]bool)
	}
	if s.seen[op.DocumentID][op.Stamp()] {
		return
	}
	s.seen[op.DocumentID][op.Stamp()] = true
	s.ops[op.DocumentID] = append(s.ops[op.DocumentID], op)
}

func (s *memStore) AppendOp(_ context.Context, op crdt.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(op)
	return nil
}

func (s *memStore) AppendOps(_ context.Context, ops []crdt.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		s.appendLocked(op)
	}
	return nil
}

func (s *memStore) ListOps(_ context.Context, documentID string) ([]crdt.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crdt.Op(nil), s.ops[documentID]...), nil
}

func (s *memStore) OpsSince(_ context.Context, documentID string, f crdt.Frontier) ([]crdt.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crdt.Op, 0)
	for _, op := range s.ops[documentID] {
		if !f.Contains(op.Stamp()) {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *memStore) CountOpsSince(_ context.Context, documentID string, f crdt.Frontier) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, op := range s.ops[documentID] {
		if !f.Contains(op.Stamp()) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) InsertSnapshot(_ context.Context, snap store.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.CreatedAt = time.Now()
	s.snapshots[snap.ID] = snap
	s.snapOrder[snap.DocumentID] = append(s.snapOrder[snap.DocumentID], snap.ID)
	return nil
}

func (s *memStore) GetSnapshot(_ context.Context, id string) (store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return store.Snapshot{}, sql.ErrNoRows
	}
	return snap, nil
}

func (s *memStore) LatestSnapshot(_ context.Context, documentID string) (*store.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.snapOrder[documentID]
	if len(order) == 0 {
		return nil, nil
	}
	snap := s.snapshots[order[len(order)-1]]
	return &snap, nil
}

func (s *memStore) InsertBranch(_ context.Context, b store.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.branches[b.ID] = &b
	return nil
}

func (s *memStore) GetBranch(_ context.Context, documentID, name string) (store.Branch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.branches {
		if b.DocumentID == documentID && b.Name == name {
			return *b, nil
		}
	}
	return store.Branch{}, sql.ErrNoRows
}

func (s *memStore) UpdateBranchHead(_ context.Context, branchID, headSnapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.branches[branchID]
	if !ok {
		return sql.ErrNoRows
	}
	b.HeadSnapshotID = headSnapshotID
	return nil
}

func (s *memStore) InsertMergeConflict(_ context.Context, mc store.MergeConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[mc.ID] = &mc
	return nil
}

func (s *memStore) GetMergeConflict(_ context.Context, id string) (store.MergeConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.conflicts[id]
	if !ok {
		return store.MergeConflict{}, sql.ErrNoRows
	}
	return *mc, nil
}

func (s *memStore) MarkMergeResolved(_ context.Context, id, choice string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc, ok := s.conflicts[id]
	if !ok {
		return false, sql.ErrNoRows
	}
	if mc.Status != store.MergePending {
		return false, nil
	}
	mc.Status = store.MergeResolved
	mc.Choice = choice
	return true, nil
}

func (s *memStore) opCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops[documentID])
}

func (s *memStore) snapshotCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapOrder[documentID])
}

func (s *memStore) latest(documentID string) *store.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := s.snapOrder[documentID]
	if len(order) == 0 {
		return nil
	}
	snap := s.snapshots[order[len(order)-1]]
	return &snap
}

func (s *memStore) touchCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched[documentID]
}

func (s *memStore) title(documentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[documentID].Title
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *memStore, *events.LocalBus) {
	t.Helper()
	ms := newMemStore()
	bus := events.NewLocalBus()
	reg := NewRegistry(ms, version.New(ms, nil), presence.NewManager(0), bus, opts)
	return reg, ms, bus
}

func openRoom(t *testing.T, reg *Registry, documentID string) *Document {
	t.Helper()
	d, err := reg.Open(context.Background(), documentID, "Test Doc")
	if err != nil {
		t.Fatalf("Open(%s) error = %v", documentID, err)
	}
	return d
}

func join(t *testing.T, d *Document, id, site string) (*Client, *Welcome) {
	t.Helper()
	c := &Client{ID: id, Site: site, Participant: "user-" + id, Send: make(chan Outbound, 32)}
	w, err := d.Join(c)
	if err != nil {
		t.Fatalf("Join(%s) error = %v", id, err)
	}
	return c, w
}

func nextFrame(t *testing.T, c *Client) Outbound {
	t.Helper()
	select {
	case out, ok := <-c.Send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Outbound{}
}

// waitFrame discards frames until one of the wanted type arrives.
// Participant updates interleave with everything else, so most tests
// cannot assume exact stream positions.
func waitFrame(t *testing.T, c *Client, frameType string) Outbound {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case out, ok := <-c.Send:
			if !ok {
				t.Fatalf("send channel closed waiting for %s", frameType)
			}
			if out.Type == frameType {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s frame", frameType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustState(t *testing.T, d *Document) string {
	t.Helper()
	content, _, err := d.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	return content
}

func deliverOps(t *testing.T, d *Document, c *Client, ops []crdt.Op) {
	t.Helper()
	for i := range ops {
		if err := d.Deliver(c.ID, Message{Type: TypeOp, Op: &ops[i]}); err != nil {
			t.Fatalf("Deliver(%s) error = %v", ops[i].Stamp(), err)
		}
	}
}

func TestJoinWelcomeIsFirstFrame(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	seq := crdt.NewSequence("doc-1", "alpha")
	ops, err := seq.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	if err := ms.AppendOps(context.Background(), ops); err != nil {
		t.Fatalf("AppendOps() error = %v", err)
	}

	d := openRoom(t, reg, "doc-1")
	if got := ms.title("doc-1"); got != "Test Doc" {
		t.Fatalf("document title = %q, want Test Doc", got)
	}

	c1, w := join(t, d, "c1", "bravo")
	if w.Content != "ab" {
		t.Fatalf("welcome content = %q, want ab", w.Content)
	}
	if len(w.Elements) != 2 {
		t.Fatalf("welcome carries %d elements, want 2", len(w.Elements))
	}
	if !w.Frontier.Equal(crdt.Frontier{"alpha": 2}) {
		t.Fatalf("welcome frontier = %v", w.Frontier)
	}
	if len(w.Participants) != 1 || w.Participants[0].ID != c1.Participant {
		t.Fatalf("welcome participants = %+v", w.Participants)
	}

	first := nextFrame(t, c1)
	if first.Type != TypeWelcome {
		t.Fatalf("first frame type = %s, want %s", first.Type, TypeWelcome)
	}
	if first.Welcome == nil || first.Welcome.Content != "ab" {
		t.Fatalf("welcome frame = %+v", first.Welcome)
	}

	c2, w2 := join(t, d, "c2", "carol")
	if len(w2.Participants) != 2 {
		t.Fatalf("second welcome sees %d participants, want 2", len(w2.Participants))
	}
	if frame := nextFrame(t, c2); frame.Type != TypeWelcome {
		t.Fatalf("c2 first frame type = %s, want %s", frame.Type, TypeWelcome)
	}
	roster := waitFrame(t, c1, TypeParticipants)
	if len(roster.Participants) != 2 {
		t.Fatalf("roster update carries %d participants, want 2", len(roster.Participants))
	}

	if d2 := openRoom(t, reg, "doc-1"); d2 != d {
		t.Fatal("second Open returned a different room")
	}
}

func TestOpFansOutPersistsAndPublishes(t *testing.T) {
	reg, ms, bus := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")

	relay, cancel, err := bus.Subscribe(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c1, TypeParticipants)
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "hi")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	deliverOps(t, d, c1, ops)

	for i, want := range []string{"h", "i"} {
		frame := waitFrame(t, c2, TypeOp)
		if frame.Op == nil || frame.Op.Value != want {
			t.Fatalf("frame %d op = %+v, want value %q", i, frame.Op, want)
		}
	}
	if got := mustState(t, d); got != "hi" {
		t.Fatalf("State() = %q, want hi", got)
	}
	if n := ms.opCount("doc-1"); n != 2 {
		t.Fatalf("stored ops = %d, want 2", n)
	}

	// The sender hears its own edit only through the durable log, never
	// as an echo frame.
	select {
	case frame := <-c1.Send:
		t.Fatalf("sender received frame %+v", frame)
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case ev := <-relay:
			if ev.Type != events.TypeOp || ev.Origin != reg.Instance() {
				t.Fatalf("bus event = %+v", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for bus event")
		}
	}
}

func TestOutOfOrderOpParksUntilDependencyArrives(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}

	// The dependent op is forwarded immediately even though it parks
	// here; peers hold it in their own buffers.
	deliverOps(t, d, c1, ops[1:])
	if frame := waitFrame(t, c2, TypeOp); frame.Op.Value != "b" {
		t.Fatalf("forwarded op value = %q, want b", frame.Op.Value)
	}
	if got := mustState(t, d); got != "" {
		t.Fatalf("State() before dependency = %q, want empty", got)
	}

	deliverOps(t, d, c1, ops[:1])
	if frame := waitFrame(t, c2, TypeOp); frame.Op.Value != "a" {
		t.Fatalf("dependency op value = %q, want a", frame.Op.Value)
	}
	if got := mustState(t, d); got != "ab" {
		t.Fatalf("State() after release = %q, want ab", got)
	}
	if n := ms.opCount("doc-1"); n != 2 {
		t.Fatalf("stored ops = %d, want 2", n)
	}
}

func TestDuplicateOpIsAbsorbed(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}

	deliverOps(t, d, c1, ops[:1])
	waitFrame(t, c2, TypeOp)
	deliverOps(t, d, c1, ops[:1]) // redelivery
	deliverOps(t, d, c1, ops[1:])

	if frame := waitFrame(t, c2, TypeOp); frame.Op.Value != "b" {
		t.Fatalf("frame after redelivery carries %q, want b", frame.Op.Value)
	}
	if n := ms.opCount("doc-1"); n != 2 {
		t.Fatalf("stored ops = %d, want 2", n)
	}
	if got := mustState(t, d); got != "ab" {
		t.Fatalf("State() = %q, want ab", got)
	}
}

func TestMalformedFramesRejectedPerClient(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	waitFrame(t, c1, TypeWelcome)

	if err := d.Deliver(c1.ID, Message{Type: TypeOp}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if frame := waitFrame(t, c1, TypeError); frame.Error == "" {
		t.Fatal("empty error for op frame without op")
	}

	if err := d.Deliver(c1.ID, Message{Type: TypeOp, Op: &crdt.Op{}}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if frame := waitFrame(t, c1, TypeError); frame.Error == "" {
		t.Fatal("empty error for invalid op")
	}

	if err := d.Deliver(c1.ID, Message{Type: "bogus"}); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	frame := waitFrame(t, c1, TypeError)
	if frame.Error != "unknown message type bogus" {
		t.Fatalf("unknown type error = %q", frame.Error)
	}

	if n := ms.opCount("doc-1"); n != 0 {
		t.Fatalf("stored ops = %d, want 0", n)
	}
}

func TestPresenceFanoutAndStaleClock(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	send := func(u presence.Update) {
		t.Helper()
		if err := d.Deliver(c1.ID, Message{Type: TypePresence, Presence: &u}); err != nil {
			t.Fatalf("Deliver(presence) error = %v", err)
		}
	}

	send(presence.Update{Field: "cursor", Value: "5", Clock: 1})
	frame := waitFrame(t, c2, TypePresence)
	if frame.Presence.ParticipantID != c1.Participant {
		t.Fatalf("participant id = %q, want %q (filled from the sender)", frame.Presence.ParticipantID, c1.Participant)
	}
	if frame.Presence.Value != "5" {
		t.Fatalf("presence value = %q, want 5", frame.Presence.Value)
	}

	// A stale clock changes nothing and is not rebroadcast.
	send(presence.Update{Field: "cursor", Value: "9", Clock: 1})
	send(presence.Update{Field: "cursor", Value: "7", Clock: 2})
	frame = waitFrame(t, c2, TypePresence)
	if frame.Presence.Value != "7" {
		t.Fatalf("presence value after stale drop = %q, want 7", frame.Presence.Value)
	}

	participants := d.Participants()
	for _, p := range participants {
		if p.ID != c1.Participant {
			continue
		}
		if f := p.Fields["cursor"]; f.Value != "7" || f.Clock != 2 {
			t.Fatalf("cursor field = %+v", f)
		}
		return
	}
	t.Fatalf("sender missing from participants: %+v", participants)
}

func TestSyncReplaysBacklogPastFrontier(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	seq := crdt.NewSequence("doc-1", "alpha")
	ops, err := seq.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	if err := ms.AppendOps(context.Background(), ops); err != nil {
		t.Fatalf("AppendOps() error = %v", err)
	}

	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "bravo")
	waitFrame(t, c1, TypeWelcome)

	if err := d.Deliver(c1.ID, Message{Type: TypeSync, Frontier: crdt.Frontier{"alpha": 1}}); err != nil {
		t.Fatalf("Deliver(sync) error = %v", err)
	}
	frame := waitFrame(t, c1, TypeSync)
	if len(frame.Ops) != 1 || frame.Ops[0].Counter != 2 {
		t.Fatalf("sync backlog = %+v, want the counter-2 op only", frame.Ops)
	}
	if !frame.Frontier.Equal(crdt.Frontier{"alpha": 2}) {
		t.Fatalf("sync frontier = %v", frame.Frontier)
	}
}

func TestCompactionWaitsForEveryClientAck(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{TombstoneRetention: 1})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	del, err := replica.LocalDelete(crdt.ElementID{Site: "alpha", Counter: 2})
	if err != nil {
		t.Fatalf("LocalDelete() error = %v", err)
	}
	tail, err := replica.LocalInsertText(crdt.ElementID{Site: "alpha", Counter: 1}, "c")
	if err != nil {
		t.Fatalf("LocalInsertText(tail) error = %v", err)
	}
	deliverOps(t, d, c1, ops)
	deliverOps(t, d, c1, []crdt.Op{del})
	deliverOps(t, d, c1, tail)
	waitFor(t, "ops recorded", func() bool { return ms.opCount("doc-1") == 4 })
	if got := mustState(t, d); got != "ac" {
		t.Fatalf("State() = %q, want ac", got)
	}

	dumpLen := func() int {
		n := 0
		if err := d.do(func() { els, _ := d.seq.Dump(); n = len(els) }); err != nil {
			t.Fatalf("dump: %v", err)
		}
		return n
	}
	compact := func() {
		if err := d.do(func() { d.compactTombstones() }); err != nil {
			t.Fatalf("compact: %v", err)
		}
	}
	ack := func(c *Client, counter uint64) {
		t.Helper()
		if err := d.Deliver(c.ID, Message{Type: TypeAck, Frontier: crdt.Frontier{"alpha": counter}}); err != nil {
			t.Fatalf("Deliver(ack) error = %v", err)
		}
		waitFor(t, "ack applied", func() bool {
			var got uint64
			_ = d.do(func() {
				if f := d.acked[c.ID]; f != nil {
					got = f["alpha"]
				}
			})
			return got == counter
		})
	}

	// No acks yet: no safe floor.
	compact()
	if n := dumpLen(); n != 3 {
		t.Fatalf("elements after premature compact = %d, want 3", n)
	}

	// One client lagging behind the delete holds the floor down.
	ack(c1, 4)
	ack(c2, 2)
	compact()
	if n := dumpLen(); n != 3 {
		t.Fatalf("elements with lagging client = %d, want 3", n)
	}

	ack(c2, 4)
	compact()
	if n := dumpLen(); n != 2 {
		t.Fatalf("elements after full ack = %d, want 2", n)
	}
	if got := mustState(t, d); got != "ac" {
		t.Fatalf("State() after compact = %q, want ac", got)
	}
}

func TestStalledSiteIsDroppedAndResynced(t *testing.T) {
	reg, _, _ := newTestRegistry(t, Options{CausalTimeout: 10 * time.Millisecond})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	// Only the dependent op arrives; its prerequisite never does.
	deliverOps(t, d, c1, ops[1:])
	waitFrame(t, c2, TypeOp)

	if err := d.do(func() { d.handleSweep(time.Now().Add(time.Minute)) }); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if frame := waitFrame(t, c1, TypeResync); frame.DocumentID != "doc-1" {
		t.Fatalf("resync frame = %+v", frame)
	}
	var pending int
	if err := d.do(func() { pending = d.buf.Pending() }); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("parked ops after drop = %d, want 0", pending)
	}
	if got := mustState(t, d); got != "" {
		t.Fatalf("State() = %q, want empty", got)
	}
}

func TestAutoSnapshotAfterOpThreshold(t *testing.T) {
	reg, ms, bus := newTestRegistry(t, Options{SnapshotOps: 2})
	d := openRoom(t, reg, "doc-1")

	relay, cancel, err := bus.Subscribe(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer cancel()

	c1, _ := join(t, d, "c1", "alpha")
	waitFrame(t, c1, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "hi")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	deliverOps(t, d, c1, ops)

	waitFor(t, "auto snapshot", func() bool { return ms.snapshotCount("doc-1") == 1 })
	snap := ms.latest("doc-1")
	if snap.Content != "hi" || snap.CreatedBy != "auto" {
		t.Fatalf("auto snapshot = %+v", snap)
	}
	if !snap.Frontier.Equal(crdt.Frontier{"alpha": 2}) {
		t.Fatalf("snapshot frontier = %v", snap.Frontier)
	}
	if ms.touchCount("doc-1") == 0 {
		t.Fatal("auto snapshot did not touch the document")
	}

	deadline := time.After(2 * time.Second)
	for {
		var ev events.Event
		select {
		case ev = <-relay:
		case <-deadline:
			t.Fatal("timed out waiting for snapshot event")
		}
		if ev.Type != events.TypeSnapshotCreated {
			continue
		}
		if ev.SnapshotID != snap.ID {
			t.Fatalf("snapshot event id = %q, want %q", ev.SnapshotID, snap.ID)
		}
		break
	}

	// The counter resets after a snapshot; one more op stays below the
	// threshold.
	more, err := replica.LocalInsertText(crdt.ElementID{Site: "alpha", Counter: 2}, "!")
	if err != nil {
		t.Fatalf("LocalInsertText(more) error = %v", err)
	}
	deliverOps(t, d, c1, more)
	waitFor(t, "third op recorded", func() bool { return ms.opCount("doc-1") == 3 })
	if n := ms.snapshotCount("doc-1"); n != 1 {
		t.Fatalf("snapshots after one more op = %d, want 1", n)
	}
}

func TestRestoreBroadcastsCompensatingOps(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "alpha")
	c2, _ := join(t, d, "c2", "bravo")
	waitFrame(t, c2, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	deliverOps(t, d, c1, ops)
	waitFor(t, "base ops recorded", func() bool { return ms.opCount("doc-1") == 2 })

	snap, err := d.Snapshot("alice")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Content != "ab" || snap.CreatedBy != "alice" {
		t.Fatalf("snapshot = %+v", snap)
	}

	more, err := replica.LocalInsertText(crdt.ElementID{Site: "alpha", Counter: 2}, "cd")
	if err != nil {
		t.Fatalf("LocalInsertText(more) error = %v", err)
	}
	deliverOps(t, d, c1, more)
	waitFor(t, "edit ops recorded", func() bool { return ms.opCount("doc-1") == 4 })
	if got := mustState(t, d); got != "abcd" {
		t.Fatalf("State() before restore = %q, want abcd", got)
	}

	restoreOps, err := d.Restore(snap.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(restoreOps) != 2 {
		t.Fatalf("restore emitted %d ops, want 2", len(restoreOps))
	}
	for _, op := range restoreOps {
		if op.Kind != crdt.KindDelete {
			t.Fatalf("restore op kind = %s, want delete", op.Kind)
		}
	}
	if got := mustState(t, d); got != "ab" {
		t.Fatalf("State() after restore = %q, want ab", got)
	}

	// Clients see the compensating edits as ordinary ops.
	seen := 0
	for seen < 2 {
		frame := waitFrame(t, c2, TypeOp)
		if frame.Op.Kind == crdt.KindDelete {
			seen++
		}
	}
	if n := ms.opCount("doc-1"); n != 6 {
		t.Fatalf("stored ops after restore = %d, want 6", n)
	}
}

func TestRelayAppliesOtherGatewayOps(t *testing.T) {
	reg, ms, bus := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "bravo")
	waitFrame(t, c1, TypeWelcome)

	replica := crdt.NewSequence("doc-1", "alpha")
	ops, err := replica.LocalInsertText(crdt.RootID, "hey")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	publish := func(origin string, op crdt.Op) {
		t.Helper()
		ev := events.Event{Type: events.TypeOp, DocumentID: "doc-1", Origin: origin, Op: &op}
		if err := bus.Publish(context.Background(), ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	publish("gw-other", ops[0])
	if frame := waitFrame(t, c1, TypeOp); frame.Op.Value != "h" {
		t.Fatalf("relayed op value = %q, want h", frame.Op.Value)
	}
	if got := mustState(t, d); got != "h" {
		t.Fatalf("State() = %q, want h", got)
	}

	// An event carrying our own origin is an echo of something already
	// applied here; if it slipped through, the next op would apply
	// instead of parking.
	publish(reg.Instance(), ops[1])
	publish("gw-other", ops[2])
	waitFrame(t, c1, TypeOp)
	if got := mustState(t, d); got != "h" {
		t.Fatalf("State() after own-origin echo = %q, want h", got)
	}

	publish("gw-other", ops[1])
	waitFrame(t, c1, TypeOp)
	waitFor(t, "cascade release", func() bool { return mustState(t, d) == "hey" })

	// Relayed ops were logged by their origin gateway; this one must not
	// write them again.
	if n := ms.opCount("doc-1"); n != 0 {
		t.Fatalf("relay wrote %d ops to the log, want 0", n)
	}
}

func TestCatchUpFoldsLoggedOps(t *testing.T) {
	reg, ms, _ := newTestRegistry(t, Options{})
	d := openRoom(t, reg, "doc-1")
	c1, _ := join(t, d, "c1", "bravo")
	waitFrame(t, c1, TypeWelcome)

	seq := crdt.NewSequence("doc-1", "alpha")
	ops, err := seq.LocalInsertText(crdt.RootID, "ab")
	if err != nil {
		t.Fatalf("LocalInsertText() error = %v", err)
	}
	if err := ms.AppendOps(context.Background(), ops); err != nil {
		t.Fatalf("AppendOps() error = %v", err)
	}

	n, err := d.CatchUp()
	if err != nil {
		t.Fatalf("CatchUp() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("CatchUp() applied %d ops, want 2", n)
	}
	if got := mustState(t, d); got != "ab" {
		t.Fatalf("State() = %q, want ab", got)
	}
	for _, want := range []string{"a", "b"} {
		if frame := waitFrame(t, c1, TypeOp); frame.Op.Value != want {
			t.Fatalf("catch-up frame value = %q, want %q", frame.Op.Value, want)
		}
	}
}

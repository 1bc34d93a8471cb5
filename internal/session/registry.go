// Package session hosts the live editing rooms. Each open document gets
// one goroutine that owns the replica, orders incoming operations
// through the causal buffer, fans changes out to connected clients and
// relays them across gateways over the event bus.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"scribe/sync/internal/causal"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/events"
	"scribe/sync/internal/presence"
	"scribe/sync/internal/store"
	"scribe/sync/internal/util"
	"scribe/sync/internal/version"
)

// DefaultTombstoneRetention is how many counters behind the acked floor
// a tombstone survives compaction.
const DefaultTombstoneRetention = 256

type dataStore interface {
	EnsureDocument(ctx context.Context, documentID, title string) (store.Document, error)
	TouchDocument(ctx context.Context, documentID string) error
	AppendOp(ctx context.Context, op crdt.Op) error
	ListOps(ctx context.Context, documentID string) ([]crdt.Op, error)
	OpsSince(ctx context.Context, documentID string, f crdt.Frontier) ([]crdt.Op, error)
	CountOpsSince(ctx context.Context, documentID string, f crdt.Frontier) (int, error)
	LatestSnapshot(ctx context.Context, documentID string) (*store.Snapshot, error)
}

// Options tune the per-room policies. Zero values take defaults.
type Options struct {
	SnapshotOps        int
	SnapshotInterval   time.Duration
	CausalTimeout      time.Duration
	TombstoneRetention uint64
}

func (o Options) withDefaults() Options {
	if o.SnapshotOps <= 0 {
		o.SnapshotOps = version.DefaultSnapshotOps
	}
	if o.SnapshotInterval <= 0 {
		o.SnapshotInterval = version.DefaultSnapshotInterval
	}
	if o.CausalTimeout <= 0 {
		o.CausalTimeout = causal.DefaultTimeout
	}
	if o.TombstoneRetention == 0 {
		o.TombstoneRetention = DefaultTombstoneRetention
	}
	return o
}

// Registry tracks the open rooms on this gateway instance.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Document

	instance string
	store    dataStore
	versions *version.Manager
	presence *presence.Manager
	bus      events.Bus
	opts     Options
}

func NewRegistry(dataStore dataStore, versions *version.Manager, pres *presence.Manager, bus events.Bus, opts Options) *Registry {
	return &Registry{
		rooms:    make(map[string]*Document),
		instance: util.NewID("gw"),
		store:    dataStore,
		versions: versions,
		presence: pres,
		bus:      bus,
		opts:     opts.withDefaults(),
	}
}

// Instance identifies this gateway on the event bus.
func (r *Registry) Instance() string { return r.instance }

// Open returns the room for documentID, booting it from the operation
// log on first use. The document row is created when missing.
func (r *Registry) Open(ctx context.Context, documentID, title string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.rooms[documentID]; ok {
		return d, nil
	}
	if _, err := r.store.EnsureDocument(ctx, documentID, title); err != nil {
		return nil, fmt.Errorf("ensure document: %w", err)
	}
	d := &Document{
		id:       documentID,
		instance: r.instance,
		store:    r.store,
		versions: r.versions,
		presence: r.presence,
		bus:      r.bus,
		opts:     r.opts,
		clients:  make(map[string]*Client),
		acked:    make(map[string]crdt.Frontier),
		joins:    make(chan joinRequest, 8),
		leaves:   make(chan string, 8),
		inbound:  make(chan clientMessage, 256),
		exec:     make(chan func(), 8),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		baseCtx:  context.Background(),
	}
	if err := r.boot(ctx, d); err != nil {
		return nil, err
	}
	r.rooms[documentID] = d
	go d.run()
	return d, nil
}

// boot replays the operation log into a fresh replica and subscribes
// the room to the bus. The log is authoritative; snapshots only shape
// the auto snapshot cadence here.
func (r *Registry) boot(ctx context.Context, d *Document) error {
	d.seq = crdt.NewSequence(d.id, crdt.NewSiteID())
	d.buf = causal.NewBuffer(d.seq, r.opts.CausalTimeout)

	ops, err := r.store.ListOps(ctx, d.id)
	if err != nil {
		return fmt.Errorf("load operation log: %w", err)
	}
	for i := range ops {
		if _, err := d.buf.Enqueue(ops[i]); err != nil {
			log.Printf("session %s: skip bad logged op %s: %v", d.id, ops[i].Stamp(), err)
		}
	}
	if n := d.buf.Pending(); n > 0 {
		log.Printf("session %s: %d logged operations missing dependencies", d.id, n)
	}

	d.lastActivity = time.Now()
	d.lastSnapshotAt = time.Now()
	latest, err := r.store.LatestSnapshot(ctx, d.id)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}
	if latest != nil {
		d.lastSnapshotAt = latest.CreatedAt
		if n, err := r.store.CountOpsSince(ctx, d.id, latest.Frontier); err == nil {
			d.opsSince = n
		}
	} else {
		d.opsSince = len(ops)
	}

	ch, cancel, err := r.bus.Subscribe(ctx, d.id)
	if err != nil {
		return fmt.Errorf("subscribe document events: %w", err)
	}
	d.relay = ch
	d.unsub = cancel
	return nil
}

// Get returns an already open room without booting one.
func (r *Registry) Get(documentID string) (*Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.rooms[documentID]
	return d, ok
}

// CloseIdle stops rooms with no clients and no recent activity and
// reports how many were closed.
func (r *Registry) CloseIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	rooms := make([]*Document, 0, len(r.rooms))
	for _, d := range r.rooms {
		rooms = append(rooms, d)
	}
	r.mu.Unlock()

	closed := 0
	for _, d := range rooms {
		if !d.Idle(maxIdle) {
			continue
		}
		d.Stop()
		r.mu.Lock()
		delete(r.rooms, d.ID())
		r.mu.Unlock()
		closed++
	}
	return closed
}

// Shutdown stops every room. Rooms snapshot unsaved work on the way
// out.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	rooms := make([]*Document, 0, len(r.rooms))
	for _, d := range r.rooms {
		rooms = append(rooms, d)
	}
	r.rooms = make(map[string]*Document)
	r.mu.Unlock()

	for _, d := range rooms {
		d.Stop()
		<-d.stopped
	}
}

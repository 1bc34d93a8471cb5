package causal

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"scribe/sync/internal/crdt"
)

// DefaultTimeout is how long an operation may wait for its causal
// prerequisites before the buffer demands a full resync.
const DefaultTimeout = 30 * time.Second

// ErrResyncRequired means a parked operation's prerequisite never
// arrived; the replica must be reseeded from an authoritative peer.
var ErrResyncRequired = errors.New("resync required")

// StalledError lists the sites whose operations exceeded the buffer
// timeout.
type StalledError struct {
	Sites  []string
	Oldest time.Duration
}

func (e *StalledError) Error() string {
	return fmt.Sprintf("resync required: operations from %s stalled for %s", strings.Join(e.Sites, ", "), e.Oldest)
}

func (e *StalledError) Unwrap() error { return ErrResyncRequired }

// Status reports what Enqueue did with an operation.
type Status int

const (
	StatusApplied Status = iota
	StatusDuplicate
	StatusParked
)

// Applier is the replica the buffer releases operations into.
type Applier interface {
	ApplyRemote(op crdt.Op) (crdt.Effect, error)
	Frontier() crdt.Frontier
	Has(id crdt.ElementID) bool
}

type parked struct {
	op crdt.Op
	at time.Time
}

// Buffer holds remote operations whose causal prerequisites have not
// arrived yet and releases them in dependency order: operations from one
// site strictly in counter order, operations from different sites as soon
// as their structural dependency is present. Applying one operation
// cascades through everything parked behind it.
//
// A Buffer is not safe for concurrent use; the owning session serializes
// access.
type Buffer struct {
	applier Applier
	timeout time.Duration
	now     func() time.Time

	// per-site queues sorted by counter
	pending map[string][]parked
}

func NewBuffer(applier Applier, timeout time.Duration) *Buffer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Buffer{
		applier: applier,
		timeout: timeout,
		now:     time.Now,
		pending: make(map[string][]parked),
	}
}

// Enqueue validates op, then applies it immediately when its causal
// prerequisites are satisfied or parks it otherwise. Malformed operations
// are rejected with crdt.ErrUnknownElement and never parked.
func (b *Buffer) Enqueue(op crdt.Op) (Status, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	if b.applier.Frontier().Contains(op.Stamp()) {
		return StatusDuplicate, nil
	}
	if !b.ready(op) {
		b.park(op)
		return StatusParked, nil
	}
	effect, err := b.applier.ApplyRemote(op)
	if err != nil {
		if errors.Is(err, crdt.ErrMissingDependency) {
			b.park(op)
			return StatusParked, nil
		}
		return 0, err
	}
	b.release()
	if effect == crdt.EffectDuplicate {
		return StatusDuplicate, nil
	}
	return StatusApplied, nil
}

// ready checks per-site FIFO order and the structural dependency: the
// origin for inserts, the target for deletes.
func (b *Buffer) ready(op crdt.Op) bool {
	if op.Counter != b.applier.Frontier().Next(op.Site) {
		return false
	}
	switch op.Kind {
	case crdt.KindInsert:
		return b.applier.Has(op.Origin)
	case crdt.KindDelete:
		return b.applier.Has(op.Target)
	}
	return false
}

func (b *Buffer) park(op crdt.Op) {
	queue := b.pending[op.Site]
	pos := sort.Search(len(queue), func(i int) bool { return queue[i].op.Counter >= op.Counter })
	if pos < len(queue) && queue[pos].op.Counter == op.Counter {
		return // already parked
	}
	queue = append(queue, parked{})
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = parked{op: op, at: b.now()}
	b.pending[op.Site] = queue
}

// release applies parked operations until no further progress is made.
func (b *Buffer) release() {
	for {
		progressed := false
		for site, queue := range b.pending {
			for len(queue) > 0 {
				head := queue[0]
				if b.applier.Frontier().Contains(head.op.Stamp()) {
					queue = queue[1:]
					progressed = true
					continue
				}
				if !b.ready(head.op) {
					break
				}
				if _, err := b.applier.ApplyRemote(head.op); err != nil {
					break
				}
				queue = queue[1:]
				progressed = true
			}
			if len(queue) == 0 {
				delete(b.pending, site)
			} else {
				b.pending[site] = queue
			}
		}
		if !progressed {
			return
		}
	}
}

// Sweep reports ErrResyncRequired once a parked operation has waited past
// the timeout. The caller answers by fetching a full resync and calling
// Reset before reseeding the replica.
func (b *Buffer) Sweep(now time.Time) error {
	var stalled []string
	var oldest time.Duration
	for site, queue := range b.pending {
		age := now.Sub(queue[0].at)
		if age >= b.timeout {
			stalled = append(stalled, site)
			if age > oldest {
				oldest = age
			}
		}
	}
	if len(stalled) == 0 {
		return nil
	}
	sort.Strings(stalled)
	return &StalledError{Sites: stalled, Oldest: oldest}
}

// Pending returns the number of parked operations.
func (b *Buffer) Pending() int {
	n := 0
	for _, queue := range b.pending {
		n += len(queue)
	}
	return n
}

// DropSite discards one site's parked operations and reports how many
// were dropped. Used after that site has been told to resync.
func (b *Buffer) DropSite(site string) int {
	n := len(b.pending[site])
	delete(b.pending, site)
	return n
}

// Reset drops all parked operations. Called before reseeding after a
// resync; the dropped operations are covered by the reseeded state or
// redelivered after it.
func (b *Buffer) Reset() {
	b.pending = make(map[string][]parked)
}

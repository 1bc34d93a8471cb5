// Package events fans document lifecycle events out to session peers on
// other gateways and to external collaborators (notification, approval)
// that consume documents produced by the sync core.
package events

import (
	"context"
	"sync"
	"time"

	"scribe/sync/internal/conflict"
	"scribe/sync/internal/crdt"
	"scribe/sync/internal/presence"
)

const (
	TypeChanged         = "document.changed"
	TypeConflict        = "document.conflict"
	TypeSnapshotCreated = "document.snapshotCreated"
	TypeOp              = "document.op"
	TypePresence        = "document.presence"
)

// Event is one bus message. Origin names the gateway instance that
// emitted it so instances can skip their own relays.
type Event struct {
	Type       string               `json:"type"`
	DocumentID string               `json:"documentId"`
	At         time.Time            `json:"at"`
	Origin     string               `json:"origin,omitempty"`
	Frontier   crdt.Frontier        `json:"frontier,omitempty"`
	SnapshotID string               `json:"snapshotId,omitempty"`
	Conflict   *conflict.Descriptor `json:"conflict,omitempty"`
	Op         *crdt.Op             `json:"op,omitempty"`
	Presence   *presence.Update     `json:"presence,omitempty"`
}

// Bus publishes events and hands out per-document subscriptions. An
// empty documentID subscribes to every document. Delivery is best
// effort: a slow subscriber loses events rather than blocking the
// publisher.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, documentID string) (<-chan Event, func(), error)
}

const subscriberBuffer = 64

// LocalBus is the in-process Bus used by single-node runs and tests.
type LocalBus struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan Event // documentID ("" = all) -> id -> channel
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[ev.DocumentID] {
		deliver(ch, ev)
	}
	for _, ch := range b.subs[""] {
		deliver(ch, ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, documentID string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[documentID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[documentID][id]; ok {
			delete(b.subs[documentID], id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

func deliver(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default: // subscriber full, drop
	}
}

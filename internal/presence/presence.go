// Package presence tracks ephemeral per-participant awareness state:
// cursors, selections, online flags. Each participant is the sole writer
// of their own record, so a per-key monotonic clock is the only conflict
// resolution the data needs. Presence is never persisted into snapshots.
package presence

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is the inactivity window after which a participant is
// marked offline.
const DefaultTTL = 30 * time.Second

// ErrStaleClock marks an update older than the last applied one for the
// same key. Callers drop it; the newer state already won.
var ErrStaleClock = errors.New("stale presence clock")

// Update is one presence mutation for a single (participant, field) key.
type Update struct {
	ParticipantID string `json:"participantId"`
	Field         string `json:"field"`
	Value         string `json:"value"`
	Clock         uint64 `json:"clock"`
}

type Field struct {
	Value string `json:"value"`
	Clock uint64 `json:"clock"`
}

type Participant struct {
	ID       string           `json:"id"`
	Online   bool             `json:"online"`
	LastSeen time.Time        `json:"lastSeen"`
	Fields   map[string]Field `json:"fields"`
}

type record struct {
	fields   map[string]Field
	lastSeen time.Time
	online   bool
}

// Manager holds presence state for every open document on this gateway.
type Manager struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	docs map[string]map[string]*record
}

func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:  ttl,
		now:  time.Now,
		docs: make(map[string]map[string]*record),
	}
}

func (m *Manager) Join(documentID, participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensure(documentID, participantID)
	rec.online = true
	rec.lastSeen = m.now()
}

func (m *Manager) Leave(documentID, participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if participants, ok := m.docs[documentID]; ok {
		if rec, ok := participants[participantID]; ok {
			rec.online = false
		}
	}
}

// Apply accepts an update only when its clock is newer than the last
// applied clock for the same (participant, field) key. Stale updates
// return ErrStaleClock and change nothing.
func (m *Manager) Apply(documentID string, u Update) error {
	if u.ParticipantID == "" || u.Field == "" {
		return fmt.Errorf("presence update missing participant or field")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.ensure(documentID, u.ParticipantID)
	if current, ok := rec.fields[u.Field]; ok && u.Clock <= current.Clock {
		return ErrStaleClock
	}
	rec.fields[u.Field] = Field{Value: u.Value, Clock: u.Clock}
	rec.online = true
	rec.lastSeen = m.now()
	return nil
}

// Snapshot returns the document's participants sorted by id, with their
// field maps copied.
func (m *Manager) Snapshot(documentID string) []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	participants := m.docs[documentID]
	out := make([]Participant, 0, len(participants))
	for id, rec := range participants {
		fields := make(map[string]Field, len(rec.fields))
		for name, f := range rec.fields {
			fields[name] = f
		}
		out = append(out, Participant{
			ID:       id,
			Online:   rec.online,
			LastSeen: rec.lastSeen,
			Fields:   fields,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sweep marks participants inactive past the TTL as offline and returns
// them grouped by document.
func (m *Manager) Sweep(now time.Time) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := make(map[string][]string)
	for documentID := range m.docs {
		if ids := m.sweepDocument(documentID, now); len(ids) > 0 {
			expired[documentID] = ids
		}
	}
	return expired
}

// SweepDocument is Sweep for a single document, for callers that own one
// document's session loop.
func (m *Manager) SweepDocument(documentID string, now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepDocument(documentID, now)
}

func (m *Manager) sweepDocument(documentID string, now time.Time) []string {
	var expired []string
	for id, rec := range m.docs[documentID] {
		if rec.online && now.Sub(rec.lastSeen) >= m.ttl {
			rec.online = false
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

// Drop forgets all presence state for a document, e.g. when its session
// closes.
func (m *Manager) Drop(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, documentID)
}

func (m *Manager) ensure(documentID, participantID string) *record {
	participants, ok := m.docs[documentID]
	if !ok {
		participants = make(map[string]*record)
		m.docs[documentID] = participants
	}
	rec, ok := participants[participantID]
	if !ok {
		rec = &record{fields: make(map[string]Field)}
		participants[participantID] = rec
	}
	return rec
}

package crdt

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Effect reports what applying a remote operation did to local state.
type Effect int

const (
	EffectApplied Effect = iota
	EffectDuplicate
)

// Element is one atomic unit of content. Tombstoned elements keep their
// place in the order so concurrent operations that reference them stay
// well defined.
type Element struct {
	ID      ElementID `json:"id"`
	Origin  ElementID `json:"origin"`
	Value   string    `json:"value"`
	Visible bool      `json:"visible"`
	Deleted *Stamp    `json:"deleted,omitempty"`
}

// Sequence is one replica's view of the replicated, tombstone-aware
// ordered sequence. Inserts and deletes are commutative and idempotent:
// replicas that apply the same operation set in any causally valid order
// converge to the same content and the same frontier.
//
// Elements form a tree rooted at RootID: each element hangs off the
// element it was inserted after, siblings sort newest first (see
// siblingBefore), and depth-first traversal of the tree is the document
// order.
//
// A Sequence is not safe for concurrent use; the owning session
// serializes access.
type Sequence struct {
	documentID string
	clock      *SiteClock
	elements   map[ElementID]*Element
	children   map[ElementID][]ElementID
	frontier   Frontier

	// visible ids in document order, rebuilt lazily
	order []ElementID
	text  string
	dirty bool
}

func NewSequence(documentID, site string) *Sequence {
	return &Sequence{
		documentID: documentID,
		clock:      NewSiteClock(site),
		elements:   make(map[ElementID]*Element),
		children:   make(map[ElementID][]ElementID),
		frontier:   NewFrontier(),
		dirty:      true,
	}
}

func (s *Sequence) DocumentID() string { return s.documentID }

func (s *Sequence) Site() string { return s.clock.Site() }

// Frontier returns a copy of the replica's causal frontier.
func (s *Sequence) Frontier() Frontier {
	return s.frontier.Clone()
}

// Has reports whether the element is known, visible or tombstoned. The
// root is always known.
func (s *Sequence) Has(id ElementID) bool {
	if id.IsRoot() {
		return true
	}
	_, ok := s.elements[id]
	return ok
}

func (s *Sequence) Visible(id ElementID) bool {
	el, ok := s.elements[id]
	return ok && el.Visible
}

// LocalInsert links a new element after the given origin and returns the
// operation to broadcast. The edit is applied synchronously; the author
// sees it before any peer acknowledges it.
func (s *Sequence) LocalInsert(after ElementID, value string) (Op, error) {
	if value == "" {
		return Op{}, fmt.Errorf("%w: empty insert value", ErrUnknownElement)
	}
	if !s.Has(after) {
		return Op{}, fmt.Errorf("%w: insert origin %s", ErrUnknownElement, after)
	}
	st := s.clock.Next()
	op := Op{
		Site:       st.Site,
		Counter:    st.Counter,
		DocumentID: s.documentID,
		Kind:       KindInsert,
		Target:     ElementID(st),
		Origin:     after,
		Value:      value,
		SentAt:     time.Now().UTC(),
	}
	s.insert(op)
	return op, nil
}

// LocalInsertText inserts text as one element per rune, chaining origins
// so the run stays contiguous under concurrent edits.
func (s *Sequence) LocalInsertText(after ElementID, text string) ([]Op, error) {
	runes := []rune(text)
	ops := make([]Op, 0, len(runes))
	origin := after
	for _, r := range runes {
		op, err := s.LocalInsert(origin, string(r))
		if err != nil {
			return ops, err
		}
		ops = append(ops, op)
		origin = op.Target
	}
	return ops, nil
}

// LocalDelete tombstones a visible element and returns the operation to
// broadcast.
func (s *Sequence) LocalDelete(id ElementID) (Op, error) {
	el, ok := s.elements[id]
	if !ok {
		return Op{}, fmt.Errorf("%w: delete target %s", ErrUnknownElement, id)
	}
	if !el.Visible {
		return Op{}, fmt.Errorf("%w: delete target %s already tombstoned", ErrUnknownElement, id)
	}
	st := s.clock.Next()
	op := Op{
		Site:       st.Site,
		Counter:    st.Counter,
		DocumentID: s.documentID,
		Kind:       KindDelete,
		Target:     id,
		SentAt:     time.Now().UTC(),
	}
	s.tombstone(el, st)
	return op, nil
}

// ApplyRemote applies one operation received from a peer. Duplicate
// deliveries are absorbed as EffectDuplicate; an operation whose
// structural dependency is absent is rejected with ErrMissingDependency
// so the causal buffer can park it. The sequence itself never buffers.
func (s *Sequence) ApplyRemote(op Op) (Effect, error) {
	if err := op.Validate(); err != nil {
		return 0, err
	}
	switch op.Kind {
	case KindInsert:
		if _, ok := s.elements[op.Target]; ok {
			return EffectDuplicate, nil
		}
		if !s.Has(op.Origin) {
			return 0, &MissingDependencyError{Missing: op.Origin}
		}
		s.insert(op)
		return EffectApplied, nil
	default: // KindDelete, Validate rejected everything else
		el, ok := s.elements[op.Target]
		if !ok {
			return 0, &MissingDependencyError{Missing: op.Target}
		}
		if !el.Visible {
			// Concurrent delete of the same element. Keep the lowest
			// stamp so every replica records the same winner, and
			// advance the frontier past this op.
			st := op.Stamp()
			if el.Deleted != nil && st.LWWLess(*el.Deleted) {
				el.Deleted = &st
			}
			s.frontier.Observe(st)
			return EffectDuplicate, nil
		}
		s.tombstone(el, op.Stamp())
		return EffectApplied, nil
	}
}

// siblingBefore orders the children of one origin: a higher counter sorts
// first so that a later insert lands immediately after its origin rather
// than behind siblings it was aware of, and concurrent inserts with equal
// counters break the tie on the lower site id. The order is total, so
// every replica lays out the same tree.
func siblingBefore(a, b ElementID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Site < b.Site
}

func (s *Sequence) insert(op Op) {
	el := &Element{ID: op.Target, Origin: op.Origin, Value: op.Value, Visible: true}
	s.elements[op.Target] = el

	kids := s.children[op.Origin]
	pos := sort.Search(len(kids), func(i int) bool { return !siblingBefore(kids[i], op.Target) })
	kids = append(kids, ElementID{})
	copy(kids[pos+1:], kids[pos:])
	kids[pos] = op.Target
	s.children[op.Origin] = kids

	s.frontier.Observe(op.Stamp())
	s.dirty = true
}

func (s *Sequence) tombstone(el *Element, st Stamp) {
	el.Visible = false
	el.Deleted = &st
	s.frontier.Observe(st)
	s.dirty = true
}

// Materialize returns the visible content in document order.
func (s *Sequence) Materialize() string {
	if s.dirty {
		s.rebuild()
	}
	return s.text
}

func (s *Sequence) Len() int {
	if s.dirty {
		s.rebuild()
	}
	return len(s.order)
}

// IDAt returns the id of the visible element at the given index.
func (s *Sequence) IDAt(index int) (ElementID, bool) {
	if s.dirty {
		s.rebuild()
	}
	if index < 0 || index >= len(s.order) {
		return ElementID{}, false
	}
	return s.order[index], true
}

// OriginFor resolves the insertion origin for an edit at the given
// visible index: the element currently at index-1, or the root for the
// head of the document.
func (s *Sequence) OriginFor(index int) ElementID {
	if s.dirty {
		s.rebuild()
	}
	if index <= 0 || len(s.order) == 0 {
		return RootID
	}
	if index > len(s.order) {
		index = len(s.order)
	}
	return s.order[index-1]
}

// Position translates an element id to an index in the current visible
// order. A tombstoned element resolves to the index of the next visible
// element, which keeps id-addressed ranges meaningful after deletions.
func (s *Sequence) Position(id ElementID) (int, bool) {
	if id.IsRoot() {
		return 0, true
	}
	if _, ok := s.elements[id]; !ok {
		return 0, false
	}
	index := 0
	found := false
	s.walk(func(el *Element) bool {
		if el.ID == id {
			found = true
			return false
		}
		if el.Visible {
			index++
		}
		return true
	})
	if !found {
		return 0, false
	}
	return index, true
}

// VisibleElements returns the visible elements in document order.
func (s *Sequence) VisibleElements() []Element {
	if s.dirty {
		s.rebuild()
	}
	out := make([]Element, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.elements[id])
	}
	return out
}

// ViewAt materializes the content as it stood at the given frontier:
// elements inserted beyond the frontier are excluded, elements whose
// delete stamp lies beyond it are still included.
func (s *Sequence) ViewAt(f Frontier) string {
	var b strings.Builder
	s.walk(func(el *Element) bool {
		if visibleAt(el, f) {
			b.WriteString(el.Value)
		}
		return true
	})
	return b.String()
}

// ElementsAt returns the elements visible at the given frontier, in
// document order.
func (s *Sequence) ElementsAt(f Frontier) []Element {
	out := make([]Element, 0)
	s.walk(func(el *Element) bool {
		if visibleAt(el, f) {
			out = append(out, *el)
		}
		return true
	})
	return out
}

func visibleAt(el *Element, f Frontier) bool {
	if !f.Contains(Stamp(el.ID)) {
		return false
	}
	return el.Deleted == nil || !f.Contains(*el.Deleted)
}

// Dump returns every element in document order, tombstones included,
// together with the frontier. A peer can seed an identical replica from
// it without replaying the operation log.
func (s *Sequence) Dump() ([]Element, Frontier) {
	out := make([]Element, 0, len(s.elements))
	s.walk(func(el *Element) bool {
		out = append(out, *el)
		return true
	})
	return out, s.frontier.Clone()
}

// Resume fast-forwards this site's stamp mint past a counter it already
// used. A replica replaying its own journal resumes before minting new
// operations, or the replayed stamps would be reissued.
func (s *Sequence) Resume(counter uint64) {
	s.clock.Observe(counter)
}

// Seed rebuilds the replica from a dump, discarding any existing state.
// Elements must arrive in document order so every origin precedes its
// children; Dump produces that order.
func (s *Sequence) Seed(elements []Element, f Frontier) error {
	s.elements = make(map[ElementID]*Element, len(elements))
	s.children = make(map[ElementID][]ElementID)
	s.frontier = NewFrontier()
	s.order = nil
	s.text = ""
	s.dirty = true

	for _, el := range elements {
		if el.ID.IsRoot() {
			return fmt.Errorf("%w: seed element with root id", ErrUnknownElement)
		}
		if !s.Has(el.Origin) {
			return fmt.Errorf("%w: seed origin %s before element %s", ErrUnknownElement, el.Origin, el.ID)
		}
		copied := el
		s.elements[el.ID] = &copied

		kids := s.children[el.Origin]
		pos := sort.Search(len(kids), func(i int) bool { return !siblingBefore(kids[i], el.ID) })
		kids = append(kids, ElementID{})
		copy(kids[pos+1:], kids[pos:])
		kids[pos] = el.ID
		s.children[el.Origin] = kids
	}
	s.frontier = f.Clone()
	// Resume our own counter stream past anything the dump already holds.
	s.clock.Observe(f[s.clock.Site()])
	return nil
}

// Compact physically removes tombstones once every replica's frontier has
// passed the delete stamp by the retention window. Tombstones that still
// anchor children are kept; live elements may name them as origins.
// Returns the number of elements removed.
func (s *Sequence) Compact(min Frontier, retention uint64) int {
	removed := 0
	for {
		n := s.compactPass(min, retention)
		if n == 0 {
			return removed
		}
		removed += n
	}
}

func (s *Sequence) compactPass(min Frontier, retention uint64) int {
	removed := 0
	for id, el := range s.elements {
		if el.Visible || el.Deleted == nil {
			continue
		}
		if len(s.children[id]) > 0 {
			continue
		}
		if min[el.Deleted.Site] < el.Deleted.Counter+retention {
			continue
		}
		s.unlink(id, el.Origin)
		delete(s.elements, id)
		delete(s.children, id)
		removed++
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

func (s *Sequence) unlink(id, origin ElementID) {
	kids := s.children[origin]
	for i, kid := range kids {
		if kid == id {
			s.children[origin] = append(kids[:i], kids[i+1:]...)
			return
		}
	}
}

// walk visits every element, tombstones included, in document order.
// Return false from fn to stop early.
func (s *Sequence) walk(fn func(*Element) bool) {
	type frame struct {
		kids []ElementID
		next int
	}
	stack := []frame{{kids: s.children[RootID]}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(top.kids) {
			stack = stack[:len(stack)-1]
			continue
		}
		id := top.kids[top.next]
		top.next++
		if !fn(s.elements[id]) {
			return
		}
		if kids := s.children[id]; len(kids) > 0 {
			stack = append(stack, frame{kids: kids})
		}
	}
}

func (s *Sequence) rebuild() {
	order := make([]ElementID, 0, len(s.elements))
	var b strings.Builder
	s.walk(func(el *Element) bool {
		if el.Visible {
			order = append(order, el.ID)
			b.WriteString(el.Value)
		}
		return true
	})
	s.order = order
	s.text = b.String()
	s.dirty = false
}

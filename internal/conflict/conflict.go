package conflict

import (
	"errors"
	"fmt"
	"sort"

	"scribe/sync/internal/crdt"
)

// ErrManualResolutionRequired means neither side of a structural conflict
// may be applied until a participant chooses.
var ErrManualResolutionRequired = errors.New("manual resolution required")

// Kind classifies what an annotation does to its range.
type Kind string

const (
	KindComment    Kind = "comment"
	KindSuggestion Kind = "suggestion"
	KindFormat     Kind = "format"
	KindStructure  Kind = "structure"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Annotation spans a half-open range [Start, End) of element ids; an End
// of RootID means the range runs to the end of the document. Ranges are
// never expressed as offsets, so they survive arbitrary interleaving.
// Frontier records the author's causal context at creation time and is
// what concurrency detection compares.
type Annotation struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"documentId"`
	Kind       Kind              `json:"kind"`
	Start      crdt.ElementID    `json:"start"`
	End        crdt.ElementID    `json:"end"`
	AuthorID   string            `json:"authorId"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Status     Status            `json:"status"`
	Created    crdt.Stamp        `json:"created"`
	Frontier   crdt.Frontier     `json:"frontier"`
}

// Class names the conflict classes of the resolution policy table.
type Class string

const (
	ClassConcurrentEdit Class = "ConcurrentEdit"
	ClassDeleteInsert   Class = "DeleteInsertConflict"
	ClassFormat         Class = "FormatConflict"
	ClassStructure      Class = "StructureConflict"
)

// Descriptor describes one detected conflict. For annotation conflicts,
// Earlier and Later are ordered by (counter, site) of their creation
// stamps, so every replica builds the identical descriptor. For
// delete/insert conflicts the two operations are carried instead.
type Descriptor struct {
	Class      Class       `json:"class"`
	DocumentID string      `json:"documentId"`
	Earlier    *Annotation `json:"earlier,omitempty"`
	Later      *Annotation `json:"later,omitempty"`
	DeleteOp   *crdt.Stamp `json:"deleteOp,omitempty"`
	InsertOp   *crdt.Op    `json:"insertOp,omitempty"`
}

type Action string

const (
	// ActionKeepLater rejects the earlier annotation; the later wins.
	ActionKeepLater Action = "keep-later"
	// ActionMergeAttrs keeps the later annotation with the merged
	// attribute set and rejects the earlier one.
	ActionMergeAttrs Action = "merge-attrs"
	// ActionStructural records that the sequence engine already resolved
	// the overlap; nothing is changed.
	ActionStructural Action = "structural"
	// ActionManual applies neither side until a participant chooses.
	ActionManual Action = "manual"
)

// Resolution is the deterministic outcome for one descriptor. Replicas
// resolving the same descriptor independently produce identical values.
type Resolution struct {
	Class    Class             `json:"class"`
	Action   Action            `json:"action"`
	WinnerID string            `json:"winnerId,omitempty"`
	LoserID  string            `json:"loserId,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// Positions resolves element ids against the current materialized order.
// *crdt.Sequence satisfies it.
type Positions interface {
	Position(id crdt.ElementID) (int, bool)
	Len() int
}

// Detect reports every conflicting pair among the pending annotations:
// overlapping ranges, different authors, and causal concurrency (neither
// author had seen the other's annotation). Descriptors come back in a
// deterministic order.
func Detect(pending []Annotation, pos Positions) []Descriptor {
	found := make([]Descriptor, 0)
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if d, ok := pair(pending[i], pending[j], pos); ok {
				found = append(found, d)
			}
		}
	}
	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.Earlier.Created != b.Earlier.Created {
			return a.Earlier.Created.LWWLess(b.Earlier.Created)
		}
		return a.Later.Created.LWWLess(b.Later.Created)
	})
	return found
}

func pair(a, b Annotation, pos Positions) (Descriptor, bool) {
	if a.DocumentID != b.DocumentID || a.AuthorID == b.AuthorID {
		return Descriptor{}, false
	}
	if !concurrent(a, b) {
		return Descriptor{}, false
	}
	aStart, aEnd, ok := span(a, pos)
	if !ok {
		return Descriptor{}, false
	}
	bStart, bEnd, ok := span(b, pos)
	if !ok {
		return Descriptor{}, false
	}
	if aStart >= bEnd || bStart >= aEnd {
		return Descriptor{}, false
	}

	earlier, later := &a, &b
	if b.Created.LWWLess(a.Created) {
		earlier, later = &b, &a
	}
	return Descriptor{
		Class:      classify(a.Kind, b.Kind),
		DocumentID: a.DocumentID,
		Earlier:    earlier,
		Later:      later,
	}, true
}

// concurrent reports that neither annotation's frontier contains the
// other's creation stamp: no causal path connects them.
func concurrent(a, b Annotation) bool {
	return !a.Frontier.Contains(b.Created) && !b.Frontier.Contains(a.Created)
}

func span(a Annotation, pos Positions) (int, int, bool) {
	start, ok := pos.Position(a.Start)
	if !ok {
		return 0, 0, false
	}
	end := pos.Len()
	if !a.End.IsRoot() {
		end, ok = pos.Position(a.End)
		if !ok {
			return 0, 0, false
		}
	}
	if end < start {
		return 0, 0, false
	}
	return start, end, true
}

func classify(a, b Kind) Class {
	switch {
	case a == KindStructure || b == KindStructure:
		return ClassStructure
	case a == KindFormat && b == KindFormat:
		return ClassFormat
	default:
		return ClassConcurrentEdit
	}
}

// DeleteInsert builds the descriptor for an insert whose origin was
// concurrently tombstoned. The sequence engine already placed the insert
// at the boundary of the deleted range; the descriptor only surfaces the
// overlap to observers.
func DeleteInsert(documentID string, deleted crdt.Stamp, insert crdt.Op) Descriptor {
	del := deleted
	ins := insert
	return Descriptor{
		Class:      ClassDeleteInsert,
		DocumentID: documentID,
		DeleteOp:   &del,
		InsertOp:   &ins,
	}
}

// Resolve applies the policy table to one descriptor. Everything except
// StructureConflict resolves automatically; StructureConflict returns
// ErrManualResolutionRequired and applies neither side.
func Resolve(d Descriptor) (Resolution, error) {
	switch d.Class {
	case ClassConcurrentEdit:
		return Resolution{
			Class:    d.Class,
			Action:   ActionKeepLater,
			WinnerID: d.Later.ID,
			LoserID:  d.Earlier.ID,
		}, nil
	case ClassFormat:
		return Resolution{
			Class:    d.Class,
			Action:   ActionMergeAttrs,
			WinnerID: d.Later.ID,
			LoserID:  d.Earlier.ID,
			Attrs:    mergeAttrs(d.Earlier.Attrs, d.Later.Attrs),
		}, nil
	case ClassDeleteInsert:
		return Resolution{Class: d.Class, Action: ActionStructural}, nil
	case ClassStructure:
		return Resolution{Class: d.Class, Action: ActionManual}, ErrManualResolutionRequired
	}
	return Resolution{}, fmt.Errorf("unknown conflict class %q", d.Class)
}

// mergeAttrs unions non-contradictory attributes; for keys both sides
// set, the later annotation's value wins.
func mergeAttrs(earlier, later map[string]string) map[string]string {
	merged := make(map[string]string, len(earlier)+len(later))
	for k, v := range earlier {
		merged[k] = v
	}
	for k, v := range later {
		merged[k] = v
	}
	return merged
}

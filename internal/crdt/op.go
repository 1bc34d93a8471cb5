package crdt

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

var (
	// ErrUnknownElement marks a structurally invalid operation or a
	// reference to an element that cannot exist. Callers log and drop.
	ErrUnknownElement = errors.New("unknown element reference")

	// ErrMissingDependency marks an operation whose causal prerequisite
	// has not arrived yet. Callers buffer and retry.
	ErrMissingDependency = errors.New("missing causal dependency")
)

// MissingDependencyError names the element an operation is waiting for.
type MissingDependencyError struct {
	Missing ElementID
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("missing causal dependency %s", e.Missing)
}

func (e *MissingDependencyError) Unwrap() error { return ErrMissingDependency }

// Op is the wire form of one sequence operation. Positions are expressed
// through stable ids only; no replica-local offsets cross the wire.
type Op struct {
	Site       string    `json:"site"`
	Counter    uint64    `json:"counter"`
	DocumentID string    `json:"documentId"`
	Kind       Kind      `json:"kind"`
	Target     ElementID `json:"target"`
	Origin     ElementID `json:"origin"`
	Value      string    `json:"value,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

func (o Op) Stamp() Stamp {
	return Stamp{Site: o.Site, Counter: o.Counter}
}

// Validate rejects operations that are malformed regardless of local
// state. A valid operation may still be unappliable until its causal
// dependencies arrive.
func (o Op) Validate() error {
	if o.Site == "" || o.Counter == 0 {
		return fmt.Errorf("%w: zero stamp", ErrUnknownElement)
	}
	switch o.Kind {
	case KindInsert:
		if o.Target.Site != o.Site || o.Target.Counter != o.Counter {
			return fmt.Errorf("%w: insert target %s does not match stamp %s", ErrUnknownElement, o.Target, o.Stamp())
		}
		if o.Origin == o.Target {
			return fmt.Errorf("%w: self-referential origin %s", ErrUnknownElement, o.Origin)
		}
		if o.Value == "" {
			return fmt.Errorf("%w: empty insert value", ErrUnknownElement)
		}
	case KindDelete:
		if o.Target.IsRoot() {
			return fmt.Errorf("%w: delete targets root", ErrUnknownElement)
		}
	default:
		return fmt.Errorf("%w: kind %q", ErrUnknownElement, o.Kind)
	}
	return nil
}

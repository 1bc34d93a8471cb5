package crdt

import (
	"errors"
	"testing"
)

func TestOpValidate(t *testing.T) {
	insert := Op{
		Site:       "alpha",
		Counter:    2,
		DocumentID: "doc-1",
		Kind:       KindInsert,
		Target:     ElementID{Site: "alpha", Counter: 2},
		Origin:     RootID,
		Value:      "x",
	}
	del := Op{
		Site:       "bravo",
		Counter:    1,
		DocumentID: "doc-1",
		Kind:       KindDelete,
		Target:     ElementID{Site: "alpha", Counter: 2},
	}

	cases := []struct {
		name    string
		mutate  func(*Op)
		base    Op
		wantErr bool
	}{
		{name: "valid insert", base: insert, mutate: func(*Op) {}},
		{name: "valid delete", base: del, mutate: func(*Op) {}},
		{name: "empty site", base: insert, mutate: func(o *Op) { o.Site = "" }, wantErr: true},
		{name: "zero counter", base: insert, mutate: func(o *Op) { o.Counter = 0 }, wantErr: true},
		{name: "insert target off stamp", base: insert, mutate: func(o *Op) { o.Target.Counter = 3 }, wantErr: true},
		{name: "self-referential origin", base: insert, mutate: func(o *Op) { o.Origin = o.Target }, wantErr: true},
		{name: "empty insert value", base: insert, mutate: func(o *Op) { o.Value = "" }, wantErr: true},
		{name: "delete targets root", base: del, mutate: func(o *Op) { o.Target = RootID }, wantErr: true},
		{name: "unknown kind", base: insert, mutate: func(o *Op) { o.Kind = "retain" }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op := tc.base
			tc.mutate(&op)
			err := op.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrUnknownElement) {
					t.Fatalf("Validate() error = %v, want ErrUnknownElement", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
		})
	}
}

func TestOpStamp(t *testing.T) {
	op := Op{Site: "alpha", Counter: 7}
	if got := op.Stamp(); got != (Stamp{Site: "alpha", Counter: 7}) {
		t.Fatalf("Stamp() = %v, want alpha:7", got)
	}
}

func TestMissingDependencyErrorUnwrap(t *testing.T) {
	err := &MissingDependencyError{Missing: ElementID{Site: "alpha", Counter: 3}}
	if !errors.Is(err, ErrMissingDependency) {
		t.Fatal("errors.Is(MissingDependencyError, ErrMissingDependency) = false")
	}
	if got := err.Error(); got != "missing causal dependency alpha:3" {
		t.Fatalf("Error() = %q", got)
	}
}

package crdt

import "testing"

func TestElementIDCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b ElementID
		want int
	}{
		{"site wins over counter", ElementID{Site: "alpha", Counter: 9}, ElementID{Site: "bravo", Counter: 1}, -1},
		{"counter breaks site tie", ElementID{Site: "alpha", Counter: 1}, ElementID{Site: "alpha", Counter: 2}, -1},
		{"equal", ElementID{Site: "alpha", Counter: 1}, ElementID{Site: "alpha", Counter: 1}, 0},
		{"reversed", ElementID{Site: "carol", Counter: 1}, ElementID{Site: "alpha", Counter: 9}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Compare(tc.b); got != tc.want {
				t.Fatalf("Compare(%s, %s) = %d, want %d", tc.a, tc.b, got, tc.want)
			}
			if got := tc.a.Less(tc.b); got != (tc.want < 0) {
				t.Fatalf("Less(%s, %s) = %t, want %t", tc.a, tc.b, got, tc.want < 0)
			}
		})
	}
}

func TestStampLWWLess(t *testing.T) {
	// Counter dominates site, the opposite of ElementID ordering.
	if !(Stamp{Site: "zulu", Counter: 1}).LWWLess(Stamp{Site: "alpha", Counter: 2}) {
		t.Fatal("LWWLess: lower counter should lose to higher counter")
	}
	if !(Stamp{Site: "alpha", Counter: 2}).LWWLess(Stamp{Site: "bravo", Counter: 2}) {
		t.Fatal("LWWLess: equal counters should tie-break on site")
	}
	if (Stamp{Site: "alpha", Counter: 2}).LWWLess(Stamp{Site: "alpha", Counter: 2}) {
		t.Fatal("LWWLess: a stamp must not order below itself")
	}
}

func TestSiteClock(t *testing.T) {
	c := NewSiteClock("alpha")
	first := c.Next()
	if first.Site != "alpha" || first.Counter != 1 {
		t.Fatalf("first Next() = %s, want alpha:1", first)
	}
	if second := c.Next(); second.Counter != 2 {
		t.Fatalf("second Next() = %s, want alpha:2", second)
	}

	c.Observe(10)
	if got := c.Next(); got.Counter != 11 {
		t.Fatalf("Next() after Observe(10) = %s, want alpha:11", got)
	}
	// Observing behind the clock changes nothing.
	c.Observe(3)
	if got := c.Next(); got.Counter != 12 {
		t.Fatalf("Next() after stale Observe = %s, want alpha:12", got)
	}
}

func TestRootID(t *testing.T) {
	if !RootID.IsRoot() {
		t.Fatal("RootID.IsRoot() = false")
	}
	if (ElementID{Site: "alpha", Counter: 1}).IsRoot() {
		t.Fatal("IsRoot() = true for a minted id")
	}
	if got := RootID.String(); got != "root" {
		t.Fatalf("RootID.String() = %q, want %q", got, "root")
	}
}

func TestNewSiteID(t *testing.T) {
	if NewSiteID() == NewSiteID() {
		t.Fatal("NewSiteID() minted the same id twice")
	}
}

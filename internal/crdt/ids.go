package crdt

import (
	"fmt"

	"github.com/google/uuid"
)

// ElementID identifies one element of a replicated sequence. IDs are
// minted once by the inserting site and never reused, so they remain
// valid anchors for concurrent operations regardless of delivery order.
type ElementID struct {
	Site    string `json:"site"`
	Counter uint64 `json:"counter"`
}

// RootID anchors the sequence order. It is not a real element; it only
// serves as the origin of elements inserted at the head of the document.
var RootID = ElementID{}

func (id ElementID) IsRoot() bool {
	return id.Site == "" && id.Counter == 0
}

// Compare orders ids by (site, counter). The order is total and identical
// on every replica.
func (id ElementID) Compare(other ElementID) int {
	if id.Site != other.Site {
		if id.Site < other.Site {
			return -1
		}
		return 1
	}
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return 0
}

func (id ElementID) Less(other ElementID) bool {
	return id.Compare(other) < 0
}

func (id ElementID) String() string {
	if id.IsRoot() {
		return "root"
	}
	return fmt.Sprintf("%s:%d", id.Site, id.Counter)
}

// Stamp is the (site, counter) identity of one operation. An insert's
// stamp doubles as the id of the element it creates; a delete's stamp is
// distinct from the id of the element it tombstones.
type Stamp ElementID

func (s Stamp) String() string { return ElementID(s).String() }

// LWWLess orders stamps by (counter, site) for last-write-wins
// resolution: the higher stamp wins.
func (s Stamp) LWWLess(other Stamp) bool {
	if s.Counter != other.Counter {
		return s.Counter < other.Counter
	}
	return s.Site < other.Site
}

// NewSiteID mints a fresh site identity for a replica.
func NewSiteID() string {
	return uuid.NewString()
}

// SiteClock mints the per-site half of new operation stamps. Counters
// start at 1 and are contiguous: counter n+1 is only minted after n, so a
// site's operation stream carries no gaps and peers detect missing
// operations by counter alone.
type SiteClock struct {
	site string
	last uint64
}

func NewSiteClock(site string) *SiteClock {
	return &SiteClock{site: site}
}

func (c *SiteClock) Site() string { return c.site }

// Next returns the stamp for this site's next operation.
func (c *SiteClock) Next() Stamp {
	c.last++
	return Stamp{Site: c.site, Counter: c.last}
}

// Observe fast-forwards the clock past an already-used counter, e.g. when
// a replica resumes from a journal of its own earlier operations.
func (c *SiteClock) Observe(counter uint64) {
	if counter > c.last {
		c.last = counter
	}
}

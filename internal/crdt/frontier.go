package crdt

// Frontier is a vector clock: for every known site, the highest counter
// this replica has applied. Counters are applied contiguously per site,
// so a single number per site summarizes the full operation set. Two
// replicas with equal frontiers have applied the same operations.
type Frontier map[string]uint64

func NewFrontier() Frontier {
	return make(Frontier)
}

// Observe records an applied operation stamp.
func (f Frontier) Observe(st Stamp) {
	if st.Counter > f[st.Site] {
		f[st.Site] = st.Counter
	}
}

// Contains reports whether the operation with the given stamp has been
// applied.
func (f Frontier) Contains(st Stamp) bool {
	return f[st.Site] >= st.Counter
}

// Next returns the counter the given site's next operation must carry.
func (f Frontier) Next(site string) uint64 {
	return f[site] + 1
}

func (f Frontier) Clone() Frontier {
	out := make(Frontier, len(f))
	for site, counter := range f {
		out[site] = counter
	}
	return out
}

// Merge folds other into f, keeping the higher counter per site.
func (f Frontier) Merge(other Frontier) {
	for site, counter := range other {
		if counter > f[site] {
			f[site] = counter
		}
	}
}

func (f Frontier) Equal(other Frontier) bool {
	if len(f) != len(other) {
		return false
	}
	for site, counter := range f {
		if other[site] != counter {
			return false
		}
	}
	return true
}

// HappensBefore reports whether other strictly dominates f: other has
// applied everything f has, plus at least one more operation.
func (f Frontier) HappensBefore(other Frontier) bool {
	for site, counter := range f {
		if counter > other[site] {
			return false
		}
	}
	for site, counter := range other {
		if counter > f[site] {
			return true
		}
	}
	return false
}

// Concurrent reports whether both frontiers have applied operations the
// other has not.
func (f Frontier) Concurrent(other Frontier) bool {
	return !f.HappensBefore(other) && !other.HappensBefore(f) && !f.Equal(other)
}

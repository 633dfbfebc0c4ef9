// internal/timeline/timeline.go

package timeline

import (
	"fmt"
	"sync/atomic"
)

// cacheLine pads each core counter to its own cache line.
const cacheLine = 64

type counter struct {
	v atomic.Uint64
	_ [cacheLine - 8]byte
}

// Store holds one virtual-time counter per core and the set of cores that
// currently carry enrolled load.
//
// A counter is written only from its own core's context; any core may read
// any counter without locking.
type Store struct {
	cores  []counter
	active Mask
}

// New creates a store for n cores, all at virtual time 0 and inactive.
func New(n int) *Store {
	if n <= 0 {
		panic(fmt.Sprintf("timeline: invalid core count %d", n))
	}
	return &Store{
		cores:  make([]counter, n),
		active: NewMask(n),
	}
}

// NumCores returns the number of cores the store was created for.
func (s *Store) NumCores() int { return len(s.cores) }

// Load returns the virtual time of cpu in nanoseconds.
func (s *Store) Load(cpu int) uint64 { return s.cores[cpu].v.Load() }

// Add advances cpu by d and returns the new value.
func (s *Store) Add(cpu int, d uint64) uint64 {
	if d == 0 {
		return s.cores[cpu].v.Load()
	}
	return s.cores[cpu].v.Add(d)
}

// AdvanceTo raises cpu to v if it is behind. It reports whether the
// timeline moved.
func (s *Store) AdvanceTo(cpu int, v uint64) bool {
	c := &s.cores[cpu].v
	for {
		cur := c.Load()
		if cur >= v {
			return false
		}
		if c.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Reset puts cpu back to virtual time 0. Only valid while the core has no
// enrolled tasks.
func (s *Store) Reset(cpu int) { s.cores[cpu].v.Store(0) }

// Active returns the mask of cores carrying enrolled load.
func (s *Store) Active() *Mask { return &s.active }

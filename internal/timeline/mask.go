package timeline

import (
	"math/bits"
	"sync/atomic"
)

// Mask is a fixed-size bitmap of core ids with atomic set and clear.
type Mask struct {
	n     int
	words []atomic.Uint64
}

// NewMask returns an empty mask for n cores.
func NewMask(n int) Mask {
	return Mask{n: n, words: make([]atomic.Uint64, (n+63)/64)}
}

// Set marks cpu and reports whether it was previously clear.
func (m *Mask) Set(cpu int) bool {
	w, bit := &m.words[cpu/64], uint64(1)<<(cpu%64)
	for {
		old := w.Load()
		if old&bit != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|bit) {
			return true
		}
	}
}

// Clear unmarks cpu and reports whether it was previously set.
func (m *Mask) Clear(cpu int) bool {
	w, bit := &m.words[cpu/64], uint64(1)<<(cpu%64)
	for {
		old := w.Load()
		if old&bit == 0 {
			return false
		}
		if w.CompareAndSwap(old, old&^bit) {
			return true
		}
	}
}

// Test reports whether cpu is marked.
func (m *Mask) Test(cpu int) bool {
	return m.words[cpu/64].Load()&(uint64(1)<<(cpu%64)) != 0
}

// Count returns the number of marked cores.
func (m *Mask) Count() int {
	n := 0
	for i := range m.words {
		n += bits.OnesCount64(m.words[i].Load())
	}
	return n
}

// ForEach calls fn for every marked core in ascending order until fn
// returns false. Each word is loaded once, so concurrent changes are seen
// per word, not per bit.
func (m *Mask) ForEach(fn func(cpu int) bool) {
	for i := range m.words {
		w := m.words[i].Load()
		for w != 0 {
			b := bits.TrailingZeros64(w)
			if !fn(i*64 + b) {
				return
			}
			w &^= uint64(1) << b
		}
	}
}

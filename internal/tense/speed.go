package tense

import (
	"math/bits"
	"sync/atomic"
)

// The average speed of time is an exponential moving average of
// faster/slower, each sample weighted by its delta over speedInterval:
//
//	s' = (1 - w) * s + w * faster/slower,  w = delta / speedInterval
//
// kept in fixed point with speedPrecision fractional bits.
const (
	speedPrecision = 10
	speedShift     = 23 // 8 388 608 ns
	speedInterval  = 1 << speedShift
	speedOne       = 1 << speedPrecision
)

type speedAvg struct {
	v atomic.Uint64
}

func (s *speedAvg) reset() { s.v.Store(speedOne) }

// update folds one accounting sample in. Only the owning core calls it.
func (s *speedAvg) update(delta uint64, r Ratio) {
	faster, slower := uint64(r.Faster), uint64(r.Slower)
	if delta > speedInterval {
		s.v.Store((faster << speedPrecision) / slower)
		return
	}

	hi, lo := bits.Mul64(delta*faster, speedOne)
	update, _ := bits.Div64(hi, lo, slower<<speedShift)
	decay := ((speedInterval - delta) << speedPrecision) >> speedShift

	s.v.Store(((decay * s.v.Load()) >> speedPrecision) + update)
}

func (s *speedAvg) value() float64 { return float64(s.v.Load()) / speedOne }

package sched

import (
	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	histMinNS   = 1
	histMaxNS   = 3_600_000_000_000 // one hour
	histSigFigs = 3
)

// Summary describes one latency distribution in nanoseconds.
type Summary struct {
	Count int64
	Min   int64
	Max   int64
	Mean  float64
	P50   int64
	P99   int64
}

// Stats is a snapshot of the simulator's counters and distributions.
type Stats struct {
	Ticks     int64
	Switches  int64
	Preempts  int64
	Throttles Summary // time tasks spent held back by a waiting core
	Sleeps    Summary // simulated wall time tasks spent blocked
}

type stats struct {
	switches  int64
	preempts  int64
	throttles *hdrhistogram.Histogram
	sleeps    *hdrhistogram.Histogram
}

func newStats() *stats {
	return &stats{
		throttles: hdrhistogram.New(histMinNS, histMaxNS, histSigFigs),
		sleeps:    hdrhistogram.New(histMinNS, histMaxNS, histSigFigs),
	}
}

func record(h *hdrhistogram.Histogram, ns uint64) {
	v := int64(ns)
	if ns > histMaxNS {
		v = histMaxNS
	} else if v < histMinNS {
		v = histMinNS
	}
	_ = h.RecordValue(v)
}

func summarize(h *hdrhistogram.Histogram) Summary {
	return Summary{
		Count: h.TotalCount(),
		Min:   h.Min(),
		Max:   h.Max(),
		Mean:  h.Mean(),
		P50:   h.ValueAtQuantile(50),
		P99:   h.ValueAtQuantile(99),
	}
}

package tense

import (
	"math"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
)

// Infinity marks a task that is not sleeping.
const Infinity = math.MaxUint64

// Ratio is a rational dilation factor. Real execution is charged to virtual
// time as real*Slower/Faster; virtual durations turn back into real ones as
// virtual*Faster/Slower.
type Ratio struct {
	Faster uint32
	Slower uint32
}

// Identity is the ratio every task starts with.
var Identity = Ratio{Faster: 1, Slower: 1}

// Valid reports whether both factors are at least 1.
func (r Ratio) Valid() bool { return r.Faster >= 1 && r.Slower >= 1 }

// Scale converts real nanoseconds to virtual ones, truncating.
func (r Ratio) Scale(ns uint64) uint64 { return mulDiv(ns, r.Slower, r.Faster) }

// Inverse converts virtual nanoseconds to real ones, truncating.
func (r Ratio) Inverse(ns uint64) uint64 { return mulDiv(ns, r.Faster, r.Slower) }

func (r Ratio) pack() uint64 { return uint64(r.Faster)<<32 | uint64(r.Slower) }

func unpackRatio(v uint64) Ratio {
	return Ratio{Faster: uint32(v >> 32), Slower: uint32(v)}
}

// mulDiv computes x*m/d with a 128-bit intermediate, saturating at
// MaxUint64.
func mulDiv(x uint64, m, d uint32) uint64 {
	hi, lo := bits.Mul64(x, uint64(m))
	if hi >= uint64(d) {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, uint64(d))
	return q
}

func saturatingAdd(a, b uint64) uint64 {
	s, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return s
}

// HostTask is the host scheduler's side of an enrolled task. The engine
// holds one per record and calls back into it from the task's own system
// call path (Yield, Block, Throttle, vruntime setters) or from tick and
// timer context (Wake).
type HostTask interface {
	// ID identifies the task in logs.
	ID() uint64
	// CPU is the core the task runs on.
	CPU() int
	// Bind attaches the engine record to the task; nil detaches it.
	Bind(t *Task)
	// Bound returns the attached record, if any.
	Bound() *Task
	// Yield is a scheduling point: execution up to here is accounted
	// before it returns.
	Yield()
	// Block deschedules the calling task until Wake. It reports true when
	// the task was interrupted by a signal instead.
	Block() (interrupted bool)
	// Throttle deschedules the calling task until the host reactivates it
	// after a divergence hold is released.
	Throttle()
	// Wake makes a blocked task runnable. It must not block.
	Wake()
	// SetVruntime and AddVruntime adjust the host's fairness baseline.
	SetVruntime(v uint64)
	AddVruntime(d uint64)
}

// Timer is a one-shot timer that can be cancelled.
type Timer interface {
	// Stop cancels the timer and reports whether it had not fired yet.
	Stop() bool
}

// TimerFunc arms a one-shot timer calling f after d. f must not be called
// synchronously from TimerFunc itself.
type TimerFunc func(d time.Duration, f func()) Timer

func realTimer(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Task is the engine's record of an enrolled task. It lives from Enroll to
// Withdraw and belongs to the core it was enrolled on.
type Task struct {
	host HostTask
	cpu  int
	seq  uint64

	ratio   atomic.Uint64 // packed Ratio
	wakeup  atomic.Uint64 // virtual deadline, Infinity when not sleeping
	firedAt atomic.Uint64 // deadline consumed by the wakeup timer
	ioHint  atomic.Uint64
	gen     atomic.Uint64 // sleep generation, guards stale timer callbacks

	tmu      sync.Mutex
	timer    Timer
	timerGen uint64

	sumExec atomic.Uint64
	sumVirt atomic.Uint64
}

// Host returns the host task the record belongs to.
func (t *Task) Host() HostTask { return t.host }

// CPU returns the core the task is enrolled on.
func (t *Task) CPU() int { return t.cpu }

// Ratio returns the current dilation ratio.
func (t *Task) Ratio() Ratio { return unpackRatio(t.ratio.Load()) }

// Deadline returns the virtual wakeup deadline, or Infinity.
func (t *Task) Deadline() uint64 { return t.wakeup.Load() }

// Sleeping reports whether a virtual sleep is pending.
func (t *Task) Sleeping() bool { return t.wakeup.Load() != Infinity }

// IOHint returns the predicted duration of the next blocking operation.
func (t *Task) IOHint() uint64 { return t.ioHint.Load() }

// Accounted returns the real and virtual nanoseconds charged so far.
func (t *Task) Accounted() (execNS, virtualNS uint64) {
	return t.sumExec.Load(), t.sumVirt.Load()
}

func (t *Task) timerArmed() bool {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	return t.timer != nil
}

func (t *Task) stopTimer() {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

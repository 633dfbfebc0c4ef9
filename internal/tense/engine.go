// internal/tense/engine.go

package tense

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"tense/internal/logbase"
	"tense/internal/timeline"
)

var (
	ErrClosed          = errors.New("tense: engine closed")
	ErrBadCPU          = errors.New("tense: no such cpu")
	ErrNotEnrolled     = errors.New("tense: task not enrolled")
	ErrAlreadyEnrolled = errors.New("tense: task already enrolled")
	ErrBadRatio        = errors.New("tense: ratio factors must be at least 1")
	ErrInterrupted     = errors.New("tense: sleep interrupted")
)

// noPeer is the waitOn value of a core that is not held back.
const noPeer = -1

// Hooks is the surface the host scheduler calls on every tick. UpdateCurr
// runs from the accounting path and AfterTaskTick right after it; neither
// blocks.
type Hooks interface {
	// UpdateCurr converts the real execution delta charged to curr into the
	// virtual increment the host should charge instead.
	UpdateCurr(cpu int, curr *Task, deltaExec uint64) uint64
	// AfterTaskTick runs the divergence protocol and the sleeper
	// reconciliation pass for cpu.
	AfterTaskTick(cpu int, curr *Task) TickResult
}

var _ Hooks = (*Engine)(nil)

// cpuContext is the per-core state. tasks and nrTasks change only under mu;
// everything else is atomic and touched from the core's own context.
type cpuContext struct {
	id int

	mu      sync.Mutex
	tasks   *treemap.Map // seq -> *Task
	nrTasks atomic.Int32

	sleepers atomic.Int32
	waiting  atomic.Bool
	waitOn   atomic.Int32

	speed speedAvg
}

// snapshot returns the tasks enrolled on the core in enrollment order.
func (c *cpuContext) snapshot() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Task, 0, c.tasks.Size())
	it := c.tasks.Iterator()
	for it.Next() {
		out = append(out, it.Value().(*Task))
	}
	return out
}

// Engine is the time dilation core. It keeps one timeline and one task set
// per core and implements Hooks for the host scheduler.
type Engine struct {
	params    Params
	log       *zap.Logger
	tl        *timeline.Store
	cpus      []*cpuContext
	afterFunc TimerFunc
	metrics   *engineMetrics

	seq    atomic.Uint64
	closed atomic.Bool
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	log       *zap.Logger
	afterFunc TimerFunc
	reg       prometheus.Registerer
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(o *engineOptions) { o.log = log }
}

// WithTimerFunc sets how wakeup timers are armed. The default is
// time.AfterFunc.
func WithTimerFunc(f TimerFunc) Option {
	return func(o *engineOptions) { o.afterFunc = f }
}

// WithRegisterer registers the engine's metrics with reg. Without it the
// metrics are collected but not registered anywhere.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *engineOptions) { o.reg = reg }
}

// New creates an engine for the given number of cores.
func New(cores int, p Params, opts ...Option) *Engine {
	o := engineOptions{log: zap.NewNop(), afterFunc: realTimer}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		params:    p.sanitized(),
		log:       o.log,
		tl:        timeline.New(cores),
		cpus:      make([]*cpuContext, cores),
		afterFunc: o.afterFunc,
		metrics:   newEngineMetrics(o.reg),
	}
	for cpu := range e.cpus {
		c := &cpuContext{id: cpu, tasks: treemap.NewWith(utils.UInt64Comparator)}
		c.waitOn.Store(noPeer)
		c.speed.reset()
		e.cpus[cpu] = c
	}
	registerSpeedCollector(o.reg, e)

	e.log.Info("tense engine initialized",
		zap.Int("cpus", cores),
		zap.Uint64("sync_bound_ns", e.params.SyncBoundNS),
		zap.Uint64("tick_ns", e.params.TickNS),
		zap.Uint64("nops_per_ms", e.params.NopsPerMS),
		zap.Int("log_level", e.params.LogLevel))
	return e
}

// Params returns the sanitized parameters the engine runs with.
func (e *Engine) Params() Params { return e.params }

// NumCPU returns the number of cores.
func (e *Engine) NumCPU() int { return e.tl.NumCores() }

func (e *Engine) cpu(id int) (*cpuContext, error) {
	if id < 0 || id >= len(e.cpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, id)
	}
	return e.cpus[id], nil
}

func (e *Engine) tracing() bool { return e.params.LogLevel >= logbase.LevelTrace }

func (e *Engine) debugging() bool { return e.params.LogLevel >= logbase.LevelDebug }

func (e *Engine) inconsistent(msg string, fields ...zap.Field) {
	e.metrics.consistencyWarnings.Inc()
	e.log.Warn(msg, fields...)
}

// Enroll creates the record for host on its current core. The first task on
// a core activates it with a fresh timeline. Enrolling onto a core that is
// held back by the divergence bound throttles the caller right away.
func (e *Engine) Enroll(host HostTask) (*Task, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if host.Bound() != nil {
		return nil, ErrAlreadyEnrolled
	}
	c, err := e.cpu(host.CPU())
	if err != nil {
		return nil, err
	}

	t := &Task{host: host, cpu: c.id, seq: e.seq.Add(1)}
	t.ratio.Store(Identity.pack())
	t.wakeup.Store(Infinity)
	t.firedAt.Store(Infinity)

	c.mu.Lock()
	if c.nrTasks.Load() == 0 {
		if e.tl.Active().Test(c.id) {
			e.inconsistent("inactive core found in active mask", zap.Int("cpu", c.id))
		}
		e.tl.Reset(c.id)
		c.speed.reset()
		e.tl.Active().Set(c.id)
	}
	c.nrTasks.Add(1)
	c.tasks.Put(t.seq, t)
	c.mu.Unlock()

	host.Bind(t)
	e.metrics.enrolled.Inc()

	if e.debugging() {
		e.log.Debug("add task", zap.Uint64("task", host.ID()), zap.Int("cpu", c.id))
	}

	if c.waiting.Load() {
		host.Throttle()
	}
	return t, nil
}

// Withdraw removes t. A pending sleep of t is cancelled and the sleeper
// woken. The last task leaving a core deactivates it and resets its
// timeline, so the next enrollment starts from zero.
func (e *Engine) Withdraw(t *Task) error {
	if t == nil {
		return ErrNotEnrolled
	}
	c := e.cpus[t.cpu]

	c.mu.Lock()
	if _, ok := c.tasks.Get(t.seq); !ok {
		c.mu.Unlock()
		return ErrNotEnrolled
	}
	c.tasks.Remove(t.seq)
	if c.nrTasks.Add(-1) == 0 {
		if !c.tasks.Empty() {
			e.inconsistent("empty core still lists tasks", zap.Int("cpu", c.id))
		}
		e.tl.Active().Clear(c.id)
		e.tl.Reset(c.id)
		c.waiting.Store(false)
		c.waitOn.Store(noPeer)
	}
	c.mu.Unlock()

	if t.host.Bound() == t {
		t.host.Bind(nil)
	}
	t.stopTimer()
	if t.wakeup.Swap(Infinity) != Infinity {
		c.sleepers.Add(-1)
		t.host.Wake()
	}
	e.metrics.enrolled.Dec()

	if e.debugging() {
		execNS, virtNS := t.Accounted()
		e.log.Debug("remove task",
			zap.Uint64("task", t.host.ID()),
			zap.Int("cpu", t.cpu),
			zap.Uint64("sum_exec_ns", execNS),
			zap.Uint64("sum_virtual_ns", virtNS),
			zap.Uint64("tense_time", e.tl.Load(t.cpu)))
	}
	return nil
}

// Now returns the virtual time of cpu.
func (e *Engine) Now(cpu int) uint64 { return e.tl.Load(cpu) }

// SetRatio changes the dilation ratio of t. It forces a scheduling point
// first so that everything already executed is charged at the old ratio.
func (e *Engine) SetRatio(t *Task, r Ratio) error {
	if t == nil {
		return ErrNotEnrolled
	}
	if !r.Valid() {
		return ErrBadRatio
	}
	if e.debugging() {
		e.log.Debug("set tdf",
			zap.Uint64("task", t.host.ID()),
			zap.Uint32("faster", r.Faster),
			zap.Uint32("slower", r.Slower))
	}
	t.host.Yield()
	t.ratio.Store(r.pack())
	return nil
}

// SetIOHint records the predicted duration of the next blocking operation
// of t. It has no effect inside the engine.
func (e *Engine) SetIOHint(t *Task, ns uint64) error {
	if t == nil {
		return ErrNotEnrolled
	}
	t.ioHint.Store(ns)
	return nil
}

// Active reports whether cpu has enrolled tasks.
func (e *Engine) Active(cpu int) bool { return e.tl.Active().Test(cpu) }

// NumTasks returns the number of tasks enrolled on cpu.
func (e *Engine) NumTasks(cpu int) int { return int(e.cpus[cpu].nrTasks.Load()) }

// Tasks returns the tasks enrolled on cpu in enrollment order.
func (e *Engine) Tasks(cpu int) []*Task { return e.cpus[cpu].snapshot() }

// Waiting reports whether cpu is held back and, if so, by which peer.
func (e *Engine) Waiting(cpu int) (peer int, waiting bool) {
	c := e.cpus[cpu]
	if !c.waiting.Load() {
		return noPeer, false
	}
	return int(c.waitOn.Load()), true
}

// TimeSpeed returns the moving average of faster/slower on cpu.
func (e *Engine) TimeSpeed(cpu int) float64 { return e.cpus[cpu].speed.value() }

// Close turns both hooks into pass-through, cancels every armed timer and
// wakes every sleeper. Enrolled records stay valid until withdrawn.
func (e *Engine) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range e.cpus {
		for _, t := range c.snapshot() {
			t.stopTimer()
			if t.wakeup.Swap(Infinity) != Infinity {
				c.sleepers.Add(-1)
				t.host.Wake()
			}
		}
		c.waiting.Store(false)
		c.waitOn.Store(noPeer)
	}
	e.log.Info("tense engine closed")
}

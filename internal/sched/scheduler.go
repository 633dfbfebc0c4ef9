// internal/sched/scheduler.go

package sched

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"go.uber.org/zap"

	"tense/internal/tense"
)

var (
	ErrDuplicateTask = errors.New("sched: task already exists")
	ErrNoSuchTask    = errors.New("sched: no such task")
	ErrBadCPU        = errors.New("sched: no such cpu")
	ErrTickLimit     = errors.New("sched: tick limit reached")
)

// Hooks is what the scheduler needs from a time dilation engine.
type Hooks interface {
	tense.Hooks
	Withdraw(t *tense.Task) error
}

var _ Hooks = (*tense.Engine)(nil)

// nopHooks runs every task at real time.
type nopHooks struct{}

func (nopHooks) UpdateCurr(_ int, _ *tense.Task, d uint64) uint64 { return d }
func (nopHooks) AfterTaskTick(int, *tense.Task) tense.TickResult {
	return tense.TickResult{Peer: -1}
}
func (nopHooks) Withdraw(*tense.Task) error { return nil }

// core is one simulated CPU.
type core struct {
	id          int
	rbt         *redblacktree.Tree // runnable tasks ordered by vruntime and task ID
	curr        *Task
	pending     uint64 // real ns run by curr since it was last accounted
	sliceStart  int64
	minVruntime uint64
}

func (c *core) enqueue(t *Task) {
	if t.vruntime < c.minVruntime {
		t.vruntime = c.minVruntime
	}
	c.rbt.Put(nodeKey{t.vruntime, t.id}, t)
	t.queued = true
}

func (c *core) dequeue(t *Task) {
	if !t.queued {
		return
	}
	c.rbt.Remove(nodeKey{t.vruntime, t.id})
	t.queued = false
}

// pick removes and returns the task with the smallest vruntime.
func (c *core) pick() *Task {
	node := c.rbt.Left()
	if node == nil {
		return nil
	}
	key := node.Key.(nodeKey)
	t := node.Value.(*Task)
	c.rbt.Remove(key)
	t.queued = false
	c.minVruntime = key.vruntime
	return t
}

// Scheduler is a deterministic multi-core tick-driven CFS-like scheduler.
// Tasks are goroutines, but exactly one of the scheduler loop or a single
// task body executes at any time, so a run depends only on its inputs.
type Scheduler struct {
	mu    sync.Mutex // serializes Step with the rest of the API
	cfg   Config
	log   *zap.Logger
	hooks Hooks
	cores []*core
	tasks map[TaskID]*Task
	live  int
	tick  int64
	now   atomic.Uint64 // simulated wall clock in ns

	timers *timerQueue

	wakeMu sync.Mutex
	woken  []*Task

	observers []func(StatusEvent)
	stats     *stats

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithObserver registers fn to receive every status event, in order, on
// the scheduler loop.
func WithObserver(fn func(StatusEvent)) Option {
	return func(s *Scheduler) { s.observers = append(s.observers, fn) }
}

// New creates a new Scheduler instance with the given configuration. It
// runs every task at real time until Attach installs an engine.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.clamped()
	s := &Scheduler{
		cfg:    cfg,
		log:    zap.NewNop(),
		hooks:  nopHooks{},
		cores:  make([]*core, cfg.Cores),
		tasks:  make(map[TaskID]*Task),
		timers: newTimerQueue(),
		stats:  newStats(),
	}
	for i := range s.cores {
		s.cores[i] = &core{id: i, rbt: redblacktree.NewWith(cmp)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Attach installs the hooks called on every scheduling point and tick.
// Must be called before the first Step.
func (s *Scheduler) Attach(h Hooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		h = nopHooks{}
	}
	s.hooks = h
}

// Config returns the clamped configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before the first Step.
func (s *Scheduler) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"tick", "time_ns", "cpu", "event", "task_id", "ran_ticks", "vruntime", "virtual_ns"}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	s.csvFile = f
	s.csvWriter = w
	return nil
}

// Close flushes and closes the CSV trace.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.csvFile == nil {
		return nil
	}
	s.csvWriter.Flush()
	err := errors.Join(s.csvWriter.Error(), s.csvFile.Close())
	s.csvFile, s.csvWriter = nil, nil
	return err
}

// Spawn enqueues a task on its core and emits a StatusEnqueue event.
func (s *Scheduler) Spawn(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.tasks[t.id]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateTask, t.id)
	}
	if t.cpu < 0 || t.cpu >= len(s.cores) {
		return fmt.Errorf("%w: task %d on cpu %d", ErrBadCPU, t.id, t.cpu)
	}

	c := s.cores[t.cpu]
	t.s = s
	t.vruntime = c.minVruntime
	t.state = stateRunnable
	c.enqueue(t)
	s.tasks[t.id] = t
	s.live++

	s.emit(c, StatusEnqueue, t)
	return nil
}

// Interrupt delivers a signal to a task. A blocked task wakes with Block
// reporting the interruption; otherwise the next Block returns at once.
func (s *Scheduler) Interrupt(id TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.state == stateDone {
		return fmt.Errorf("%w: %d", ErrNoSuchTask, id)
	}
	if t.state == stateBlocked {
		t.resumeVal = true
		s.makeRunnable(t)
		return nil
	}
	t.sigPending = true
	return nil
}

// Task returns the task with the given id.
func (s *Scheduler) Task(id TaskID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// Done reports whether every spawned task has finished.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live == 0
}

// Ticks returns the number of completed steps.
func (s *Scheduler) Ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tick
}

// Now returns the simulated wall clock in nanoseconds.
func (s *Scheduler) Now() uint64 { return s.now.Load() }

// PendingTimers returns the number of armed simulated timers.
func (s *Scheduler) PendingTimers() int { return s.timers.len() }

// Stats returns a snapshot of the scheduler counters and histograms.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ticks:     s.tick,
		Switches:  s.stats.switches,
		Preempts:  s.stats.preempts,
		Throttles: summarize(s.stats.throttles),
		Sleeps:    summarize(s.stats.sleeps),
	}
}

// Run steps the scheduler until every task has finished or ctx is done.
// With a positive pace_ms each step waits for a TickClock tick.
func (s *Scheduler) Run(ctx context.Context) error {
	var ticks <-chan struct{}
	if s.cfg.PaceMS > 0 {
		clock := NewTickClock(1)
		clock.Start(time.Duration(s.cfg.PaceMS) * time.Millisecond)
		// stop the underlyinig clock to release its goroutine
		defer clock.Stop()
		ticks = clock.Ch
	}

	for !s.Done() {
		if ticks != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticks:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Step()
	}
	return nil
}

// RunTicks steps until every task has finished, giving up after limit
// steps.
func (s *Scheduler) RunTicks(limit int) error {
	for i := 0; i < limit; i++ {
		if s.Done() {
			return nil
		}
		s.Step()
	}
	if s.Done() {
		return nil
	}
	return fmt.Errorf("%w: %d", ErrTickLimit, limit)
}

// Step advances every core by one tick: each core runs its tasks for
// tick_ns, is accounted and runs the tick epilogue, then the simulated
// clock moves and due timers fire.
func (s *Scheduler) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.cores {
		s.runCore(c)
		s.tickEnd(c)
		s.drainWakes()
	}
	s.tick++
	s.now.Add(s.cfg.TickNS)
	s.fireTimers()
	s.drainWakes()
}

// runCore spends one tick of CPU on c.
func (s *Scheduler) runCore(c *core) {
	budget := s.cfg.TickNS
	switches := 0

	for budget > 0 {
		if c.curr == nil {
			c.curr = c.pick()
			if c.curr == nil {
				break
			}
			c.sliceStart = s.tick
			s.stats.switches++
			s.emit(c, StatusDispatch, c.curr)
		}

		t := c.curr
		if t.remaining == 0 {
			if switches >= s.cfg.MaxSwitches {
				s.log.Warn("switch limit reached, core idles for the rest of the tick",
					zap.Int("cpu", c.id), zap.Int64("tick", s.tick))
				break
			}
			switches++
			// The body observes time, so everything it ran is charged first.
			s.account(c)
			s.handle(c, t, s.switchTo(t))
			continue
		}

		run := min(budget, t.remaining)
		t.remaining -= run
		budget -= run
		c.pending += run
	}

	if c.curr == nil && budget == s.cfg.TickNS {
		s.emit(c, StatusIdle, nil)
	}
}

// switchTo hands the CPU to t and waits for its next request.
func (s *Scheduler) switchTo(t *Task) request {
	if !t.started {
		t.started = true
		go t.main()
	} else {
		v := t.resumeVal
		t.resumeVal = false
		t.resume <- v
	}
	return <-t.req
}

func (s *Scheduler) handle(c *core, t *Task, r request) {
	switch r.kind {
	case reqRun:
		t.remaining = r.ns

	case reqYield:
		c.curr = nil
		c.enqueue(t)
		s.emit(c, StatusYield, t)

	case reqBlock:
		if t.sigPending {
			t.sigPending = false
			t.resumeVal = true
			return
		}
		if t.wakePending {
			t.wakePending = false
			return
		}
		c.curr = nil
		t.state = stateBlocked
		t.blockedAt = s.now.Load()
		s.emit(c, StatusBlock, t)

	case reqThrottle:
		c.curr = nil
		s.throttle(c, t)

	case reqExit:
		c.curr = nil
		t.state = stateDone
		t.err = r.err
		s.live--
		if rec := t.Bound(); rec != nil {
			if err := s.hooks.Withdraw(rec); err != nil {
				s.log.Warn("withdraw on exit", zap.Uint64("task", uint64(t.id)), zap.Error(err))
			}
			t.Bind(nil)
		}
		if r.err != nil {
			s.log.Info("task failed", zap.Uint64("task", uint64(t.id)), zap.Error(r.err))
		}
		s.emit(c, StatusFinish, t)
	}
}

// account charges the real time curr ran since the last scheduling point.
func (s *Scheduler) account(c *core) {
	t := c.curr
	delta := c.pending
	c.pending = 0
	if t == nil || delta == 0 {
		return
	}
	inc := s.hooks.UpdateCurr(c.id, t.Bound(), delta)
	t.vruntime += inc * niceZeroWeight / t.weight
	t.execNS += delta
}

// tickEnd accounts curr, runs the epilogue and applies what it asks for,
// then preempts curr once its slice is used up.
func (s *Scheduler) tickEnd(c *core) {
	s.account(c)

	var rec *tense.Task
	if c.curr != nil {
		c.curr.ranTicks++
		rec = c.curr.Bound()
	}

	res := s.hooks.AfterTaskTick(c.id, rec)
	switch res.Action {
	case tense.ActionDeactivate:
		for _, r := range res.Tasks {
			if t := s.hostTask(r); t != nil && !t.throttled && t.state != stateDone {
				if c.curr == t {
					c.curr = nil
				}
				s.throttle(c, t)
			}
		}
	case tense.ActionActivate:
		for _, r := range res.Tasks {
			if t := s.hostTask(r); t != nil && t.throttled {
				s.unthrottle(c, t)
			}
		}
	}

	s.emitTick(c)

	t := c.curr
	if t == nil || s.tick-c.sliceStart+1 < int64(s.cfg.SliceTicks) {
		return
	}
	first := c.rbt.Left()
	if first == nil || cmp(first.Key, nodeKey{t.vruntime, t.id}) > 0 {
		c.sliceStart = s.tick + 1
		return
	}
	c.curr = nil
	c.enqueue(t)
	s.stats.preempts++
	s.emit(c, StatusPreempt, t)
}

func (s *Scheduler) hostTask(r *tense.Task) *Task {
	t, ok := r.Host().(*Task)
	if !ok || t.s != s {
		s.log.Warn("engine returned a task this scheduler does not own",
			zap.Uint64("task", r.Host().ID()))
		return nil
	}
	return t
}

func (s *Scheduler) throttle(c *core, t *Task) {
	c.dequeue(t)
	t.throttled = true
	t.throttledAt = s.now.Load()
	s.emit(c, StatusThrottle, t)
}

func (s *Scheduler) unthrottle(c *core, t *Task) {
	t.throttled = false
	record(s.stats.throttles, s.now.Load()-t.throttledAt)
	if t.state == stateRunnable && c.curr != t && !t.queued {
		c.enqueue(t)
	}
	s.emit(c, StatusRelease, t)
}

func (s *Scheduler) queueWake(t *Task) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	s.woken = append(s.woken, t)
}

// drainWakes applies the wakeups queued since the last scheduling point.
func (s *Scheduler) drainWakes() {
	s.wakeMu.Lock()
	woken := s.woken
	s.woken = nil
	s.wakeMu.Unlock()

	for _, t := range woken {
		switch t.state {
		case stateBlocked:
			t.resumeVal = false
			s.makeRunnable(t)
		case stateRunnable:
			t.wakePending = true
		}
	}
}

func (s *Scheduler) makeRunnable(t *Task) {
	c := s.cores[t.cpu]
	t.state = stateRunnable
	record(s.stats.sleeps, s.now.Load()-t.blockedAt)
	if !t.throttled {
		c.enqueue(t)
	}
	s.emit(c, StatusWake, t)
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	vruntime uint64
	id       TaskID
}

// nodeKey implements the Comparable interface for red-black tree ordering.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.vruntime < kb.vruntime:
		return -1
	case ka.vruntime > kb.vruntime:
		return 1
	case ka.id < kb.id:
		return -1
	case ka.id > kb.id:
		return 1
	default:
		return 0
	}
}

// coreTime is the virtual time of c as the engine sees it; without an
// engine it is the simulated wall clock.
func (s *Scheduler) coreTime(c *core) uint64 {
	if e, ok := s.hooks.(interface{ Now(int) uint64 }); ok {
		return e.Now(c.id)
	}
	return s.now.Load()
}

func (s *Scheduler) emit(c *core, kind StatusKind, t *Task) {
	ev := StatusEvent{
		Tick:    s.tick,
		TimeNS:  s.now.Load(),
		CPU:     c.id,
		Kind:    kind,
		Virtual: s.coreTime(c),
	}
	if t != nil {
		ev.TaskID = t.id
		ev.Vruntime = t.vruntime
		ev.RanTicks = t.ranTicks
	}
	s.handleEvent(ev)
}

func (s *Scheduler) emitTick(c *core) {
	ev := StatusEvent{
		Tick:    s.tick,
		TimeNS:  s.now.Load() + s.cfg.TickNS,
		CPU:     c.id,
		Kind:    StatusTick,
		Virtual: s.coreTime(c),
	}
	if c.curr != nil {
		ev.TaskID = c.curr.id
		ev.Vruntime = c.curr.vruntime
		ev.RanTicks = c.curr.ranTicks
	}
	s.handleEvent(ev)
}

func (s *Scheduler) handleEvent(ev StatusEvent) {
	for _, fn := range s.observers {
		fn(ev)
	}

	// ticks and idle cores happen every step; keep them out of the console
	// unless debugging.
	fields := []zap.Field{
		zap.Int64("tick", ev.Tick),
		zap.Int("cpu", ev.CPU),
		zap.Uint64("task", uint64(ev.TaskID)),
		zap.Int64("ran_ticks", ev.RanTicks),
		zap.Uint64("vruntime", ev.Vruntime),
		zap.Uint64("virtual_ns", ev.Virtual),
	}
	switch ev.Kind {
	case StatusTick, StatusIdle, StatusDispatch, StatusYield:
		s.log.Debug(ev.Kind.String(), fields...)
	default:
		s.log.Info(ev.Kind.String(), fields...)
	}

	// CSV output
	if s.csvWriter != nil {
		rec := []string{
			strconv.FormatInt(ev.Tick, 10),
			strconv.FormatUint(ev.TimeNS, 10),
			strconv.Itoa(ev.CPU),
			ev.Kind.String(),
			strconv.FormatUint(uint64(ev.TaskID), 10),
			strconv.FormatInt(ev.RanTicks, 10),
			strconv.FormatUint(ev.Vruntime, 10),
			strconv.FormatUint(ev.Virtual, 10),
		}
		if err := s.csvWriter.Write(rec); err != nil {
			s.log.Warn("csv trace", zap.Error(err))
		}
		s.csvWriter.Flush()
	}
}

package sched

import (
	"sync"

	"tense/internal/tense"
)

// TaskID uniquely identifies a task in the scheduler.
type TaskID uint64

const (
	MinPriority     = 0  // highest
	MaxPriority     = 40 // lowest
	DefaultPriority = 20

	niceZeroWeight = MaxPriority + 1 - DefaultPriority
)

// Body is the code a task runs. It executes on its own goroutine but only
// while the scheduler has dispatched it, and talks to the scheduler through
// p. A returned error ends the task.
type Body func(p *Proc) error

type taskState int

const (
	stateRunnable taskState = iota
	stateBlocked
	stateDone
)

// Task represents one schedulable task unit. It is the host side of a
// time dilation record and implements tense.HostTask.
type Task struct {
	id       TaskID
	name     string
	priority int    // 0 - 40, where 0 is the highest priority
	weight   uint64 // computed as 41 - priority
	cpu      int
	body     Body

	s      *Scheduler
	resume chan bool // host -> task, carries the Block result
	req    chan request

	// Owned by the scheduler loop.
	state       taskState
	started     bool
	queued      bool
	throttled   bool
	wakePending bool
	sigPending  bool
	resumeVal   bool
	vruntime    uint64
	remaining   uint64 // real ns left of the current Run
	execNS      uint64
	ranTicks    int64
	blockedAt   uint64
	throttledAt uint64
	err         error

	mu  sync.Mutex
	rec *tense.Task
}

var _ tense.HostTask = (*Task)(nil)

// NewTask creates a task pinned to cpu. Priority is clamped to the legal
// range.
// NOTE: vruntime is set when the task is spawned.
func NewTask(id TaskID, name string, cpu, priority int, body Body) *Task {
	// clamp priority within the legal region.
	if priority < MinPriority {
		priority = MinPriority
	} else if priority > MaxPriority {
		priority = MaxPriority
	}

	return &Task{
		id:       id,
		name:     name,
		priority: priority,
		weight:   uint64(MaxPriority + 1 - priority),
		cpu:      cpu,
		body:     body,
		resume:   make(chan bool),
		req:      make(chan request),
	}
}

// ID implements tense.HostTask.
func (t *Task) ID() uint64 { return uint64(t.id) }

// TaskID returns the scheduler id.
func (t *Task) TaskID() TaskID { return t.id }

// Name returns the name given at creation.
func (t *Task) Name() string { return t.name }

// CPU implements tense.HostTask.
func (t *Task) CPU() int { return t.cpu }

// Priority returns the clamped priority.
func (t *Task) Priority() int { return t.priority }

func (t *Task) Bind(rec *tense.Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rec = rec
}

func (t *Task) Bound() *tense.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// Yield gives up the CPU; the task stays runnable. Only the task body may
// call it.
func (t *Task) Yield() { t.call(request{kind: reqYield}) }

// Block parks the task until Wake or Interrupt. Only the task body may call
// it.
func (t *Task) Block() bool { return t.call(request{kind: reqBlock}) }

// Throttle parks the task until its core is reactivated. Only the task body
// may call it.
func (t *Task) Throttle() { t.call(request{kind: reqThrottle}) }

// Wake is safe from any goroutine; it takes effect at the scheduler's next
// scheduling point.
func (t *Task) Wake() { t.s.queueWake(t) }

func (t *Task) SetVruntime(v uint64) { t.vruntime = v }

func (t *Task) AddVruntime(d uint64) { t.vruntime += d }

// The accessors below read scheduler-owned state; call them between steps,
// never from a task body.

// Vruntime returns the host fairness counter.
func (t *Task) Vruntime() uint64 { return t.vruntime }

// ExecNS returns the real nanoseconds the task has run.
func (t *Task) ExecNS() uint64 { return t.execNS }

// Done reports whether the body has returned.
func (t *Task) Done() bool { return t.state == stateDone }

// Err returns what the body returned.
func (t *Task) Err() error { return t.err }

// Throttled reports whether the task is held back by a waiting core.
func (t *Task) Throttled() bool { return t.throttled }

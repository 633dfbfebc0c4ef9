package sched

type reqKind int

const (
	reqRun reqKind = iota
	reqYield
	reqBlock
	reqThrottle
	reqExit
)

func (k reqKind) String() string {
	switch k {
	case reqRun:
		return "run"
	case reqYield:
		return "yield"
	case reqBlock:
		return "block"
	case reqThrottle:
		return "throttle"
	case reqExit:
		return "exit"
	default:
		return "unknown"
	}
}

// request is what a task goroutine hands to the scheduler when it stops
// executing. Every kind but reqExit is answered on Task.resume.
type request struct {
	kind reqKind
	ns   uint64
	err  error
}

// call parks the task goroutine until the scheduler resumes it.
func (t *Task) call(r request) bool {
	t.req <- r
	return <-t.resume
}

// main is the task goroutine.
func (t *Task) main() {
	err := t.body(&Proc{t: t})
	t.req <- request{kind: reqExit, err: err}
}

// Proc is the view of the scheduler a task body gets.
type Proc struct {
	t *Task
}

// Task returns the running task, for handing to the control device.
func (p *Proc) Task() *Task { return p.t }

// Run burns ns of CPU time. The task may be preempted, throttled or
// ticked over any number of times before it returns.
func (p *Proc) Run(ns uint64) {
	if ns == 0 {
		return
	}
	p.t.call(request{kind: reqRun, ns: ns})
}

// Yield gives up the CPU.
func (p *Proc) Yield() { p.t.Yield() }

// Now returns the simulated wall clock in nanoseconds.
func (p *Proc) Now() uint64 { return p.t.s.now.Load() }

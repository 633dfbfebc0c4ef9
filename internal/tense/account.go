package tense

import (
	"go.uber.org/zap"
)

// UpdateCurr is the accounting hook. It charges deltaExec real nanoseconds
// of curr at its ratio to cpu's timeline and returns the virtual increment.
// Tasks without a record pass through unchanged.
func (e *Engine) UpdateCurr(cpu int, curr *Task, deltaExec uint64) uint64 {
	if curr == nil || e.closed.Load() {
		return deltaExec
	}
	if curr.cpu != cpu {
		e.inconsistent("accounting on a core the task is not enrolled on",
			zap.Int("cpu", cpu), zap.Int("task_cpu", curr.cpu))
	}

	r := curr.Ratio()
	inc := r.Scale(deltaExec)
	now := e.tl.Add(cpu, inc)

	// A task on its way into a sleep is charged its last run here; the
	// deadline was taken before this increment was known.
	if inc > 0 {
		for {
			d := curr.wakeup.Load()
			if d == Infinity || curr.wakeup.CompareAndSwap(d, saturatingAdd(d, inc)) {
				break
			}
		}
	}

	curr.sumExec.Add(deltaExec)
	curr.sumVirt.Add(inc)
	e.cpus[cpu].speed.update(deltaExec, r)

	if e.tracing() {
		e.log.Debug("update_curr",
			zap.Int("cpu", cpu),
			zap.Uint64("task", curr.host.ID()),
			zap.Uint64("delta_exec", deltaExec),
			zap.Uint64("delta_virtual", inc),
			zap.Uint64("tense_time", now),
			zap.Uint32("faster", r.Faster),
			zap.Uint32("slower", r.Slower))
	}
	return inc
}

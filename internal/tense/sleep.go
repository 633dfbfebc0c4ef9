package tense

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// Sleep blocks t until its core's virtual time has advanced by d, or until
// the host reports an interruption, in which case ErrInterrupted is returned
// and the sleep leaves no state behind.
func (e *Engine) Sleep(t *Task, d uint64) error {
	if t == nil {
		return ErrNotEnrolled
	}
	if d == 0 {
		return nil
	}
	c := e.cpus[t.cpu]

	deadline := saturatingAdd(e.tl.Load(t.cpu), d)
	if deadline == Infinity {
		deadline--
	}
	t.tmu.Lock()
	t.gen.Add(1)
	t.firedAt.Store(Infinity)
	t.wakeup.Store(deadline)
	c.sleepers.Add(1)
	t.tmu.Unlock()

	if e.tracing() {
		e.log.Debug("init sleeper",
			zap.Int("cpu", t.cpu),
			zap.Uint64("task", t.host.ID()),
			zap.Uint64("expires", deadline))
	}

	for t.wakeup.Load() != Infinity {
		if !t.host.Block() {
			continue
		}
		if t.wakeup.Swap(Infinity) == Infinity {
			// Woken and interrupted at once; the wakeup won.
			break
		}
		c.sleepers.Add(-1)
		t.stopTimer()
		t.firedAt.Store(Infinity)
		e.metrics.interruptedSleeps.Inc()
		return ErrInterrupted
	}

	// Nothing enrolled ran while the timer was pending, so the core's
	// timeline is brought up to the deadline the task slept to.
	if fired := t.firedAt.Swap(Infinity); fired != Infinity {
		e.tl.AdvanceTo(t.cpu, fired)
	}
	return nil
}

// reconcile is the per-tick pass over the sleepers of a RUNNING core.
// Overdue sleepers are woken at once; sleepers due within the next tick of
// the running task (or any sleeper, when nothing enrolled is running) get a
// one-shot timer.
func (e *Engine) reconcile(c *cpuContext, curr *Task) {
	if c.sleepers.Load() == 0 {
		return
	}
	now := e.tl.Load(c.id)

	var (
		r         Ratio
		lookahead uint64
	)
	running := curr != nil
	if running {
		r = curr.Ratio()
		lookahead = r.Scale(e.params.TickNS)
	}

	for _, t := range c.snapshot() {
		d := t.wakeup.Load()
		if d == Infinity {
			continue
		}
		if d <= now {
			e.forceWake(c, t, d, now)
			continue
		}

		remaining := d - now
		switch {
		case !running:
			e.armTimer(t, remaining)
		case remaining <= lookahead:
			e.armTimer(t, r.Inverse(remaining))
		}
	}
}

func (e *Engine) forceWake(c *cpuContext, t *Task, deadline, now uint64) {
	if !t.wakeup.CompareAndSwap(deadline, Infinity) {
		return
	}
	c.sleepers.Add(-1)
	t.stopTimer()
	e.metrics.forcedWakeups.Inc()

	if over := now - deadline; over > e.params.WakeupSlackNS {
		e.metrics.wakeupOverruns.Inc()
		e.log.Warn("sleeper woken late",
			zap.Int("cpu", c.id),
			zap.Uint64("task", t.host.ID()),
			zap.Uint64("deadline", deadline),
			zap.Uint64("overrun_ns", over))
	}
	t.host.Wake()
}

// armTimer arms the wakeup timer of t for delay real nanoseconds unless one
// is already pending.
func (e *Engine) armTimer(t *Task, delay uint64) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	if t.timer != nil || t.wakeup.Load() == Infinity {
		return
	}
	if delay > math.MaxInt64 {
		delay = math.MaxInt64
	}
	gen := t.gen.Load()
	t.timerGen = gen
	t.timer = e.afterFunc(time.Duration(delay), func() { e.timerFired(t, gen) })
	e.metrics.timersArmed.Inc()

	if e.tracing() {
		e.log.Debug("arm wakeup timer",
			zap.Int("cpu", t.cpu),
			zap.Uint64("task", t.host.ID()),
			zap.Uint64("delay_ns", delay))
	}
}

// timerFired runs in timer context: it only clears the deadline and wakes.
// The generation check and the deadline swap share tmu with the start of a
// sleep; a callback from an earlier sleep leaves the current deadline alone.
func (e *Engine) timerFired(t *Task, gen uint64) {
	t.tmu.Lock()
	if t.timerGen == gen {
		t.timer = nil
	}
	if t.gen.Load() != gen {
		t.tmu.Unlock()
		return
	}
	// UpdateCurr may still push the deadline, so the swap retries.
	for {
		d := t.wakeup.Load()
		if d == Infinity {
			t.tmu.Unlock()
			return
		}
		if t.wakeup.CompareAndSwap(d, Infinity) {
			t.firedAt.Store(d)
			break
		}
	}
	t.tmu.Unlock()

	e.cpus[t.cpu].sleepers.Add(-1)
	e.metrics.timerWakeups.Inc()
	t.host.Wake()
}

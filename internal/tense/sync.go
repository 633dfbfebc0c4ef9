// internal/tense/sync.go

package tense

import (
	"go.uber.org/zap"
)

// Action tells the host what to do with TickResult.Tasks.
type Action int

const (
	ActionNone Action = iota
	// ActionDeactivate: the core went WAITING; deactivate every listed task
	// and reschedule.
	ActionDeactivate
	// ActionActivate: the core is RUNNING again; reactivate the tasks that
	// were deactivated.
	ActionActivate
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "None"
	case ActionDeactivate:
		return "Deactivate"
	case ActionActivate:
		return "Activate"
	default:
		return "Unknown"
	}
}

// TickResult is what AfterTaskTick hands back to the host.
type TickResult struct {
	Action Action
	Tasks  []*Task // every task enrolled on the core, for Deactivate/Activate
	Peer   int     // the core waited on
}

// AfterTaskTick is the tick epilogue. A WAITING core polls whether the peer
// it waits on is back within the bound. A RUNNING core reconciles its
// sleepers and, if an enrolled task is running, checks every active peer in
// ascending order; the first one it outran by more than the bound puts the
// core into WAITING.
func (e *Engine) AfterTaskTick(cpu int, curr *Task) TickResult {
	if e.closed.Load() {
		return TickResult{Peer: noPeer}
	}
	c := e.cpus[cpu]

	if c.waiting.Load() {
		if curr != nil {
			e.inconsistent("waiting core is running an enrolled task",
				zap.Int("cpu", cpu), zap.Uint64("task", curr.host.ID()))
		}
		peer := int(c.waitOn.Load())
		if !e.caughtUp(cpu, peer) {
			return TickResult{Peer: peer}
		}
		c.waitOn.Store(noPeer)
		c.waiting.Store(false)
		e.metrics.syncReleases.Inc()
		if e.tracing() {
			e.log.Debug("sync release",
				zap.Int("cpu", cpu), zap.Int("peer", peer),
				zap.Uint64("this", e.tl.Load(cpu)))
		}
		return TickResult{Action: ActionActivate, Tasks: c.snapshot(), Peer: peer}
	}

	e.reconcile(c, curr)

	if curr == nil {
		return TickResult{Peer: noPeer}
	}
	peer, over := e.overBound(cpu)
	if !over {
		return TickResult{Peer: noPeer}
	}
	c.waitOn.Store(int32(peer))
	c.waiting.Store(true)
	e.metrics.syncWaits.Inc()
	if e.tracing() {
		e.log.Debug("sync wait",
			zap.Int("cpu", cpu), zap.Int("peer", peer),
			zap.Uint64("this", e.tl.Load(cpu)),
			zap.Uint64("other", e.tl.Load(peer)))
	}
	return TickResult{Action: ActionDeactivate, Tasks: c.snapshot(), Peer: peer}
}

// ahead returns how far cpu's timeline is ahead of peer's, zero if it is not.
func (e *Engine) ahead(cpu, peer int) uint64 {
	this, other := e.tl.Load(cpu), e.tl.Load(peer)
	if this <= other {
		return 0
	}
	return this - other
}

func (e *Engine) overBound(cpu int) (peer int, over bool) {
	peer = noPeer
	e.tl.Active().ForEach(func(p int) bool {
		if p != cpu && e.ahead(cpu, p) > e.params.SyncBoundNS {
			peer, over = p, true
			return false
		}
		return true
	})
	return peer, over
}

// caughtUp reports whether a core waiting on peer may run again. A peer
// that left the experiment no longer holds anyone back.
func (e *Engine) caughtUp(cpu, peer int) bool {
	if peer < 0 || peer >= len(e.cpus) || !e.tl.Active().Test(peer) {
		return true
	}
	return e.ahead(cpu, peer) <= e.params.SyncBoundNS
}

package sched

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"

	"tense/internal/tense"
)

// timerQueue holds simulated one-shot timers ordered by expiry. Timers are
// tick granular: they fire at the end of the first step whose end is at or
// past their expiry.
type timerQueue struct {
	mu  sync.Mutex
	rbt *redblacktree.Tree // timerKey -> *simTimer
	seq uint64
}

type timerKey struct {
	when uint64
	seq  uint64
}

func timerCmp(a, b any) int {
	ka, kb := a.(timerKey), b.(timerKey)
	switch {
	case ka.when < kb.when:
		return -1
	case ka.when > kb.when:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

type simTimer struct {
	q   *timerQueue
	key timerKey
	f   func()
}

func newTimerQueue() *timerQueue {
	return &timerQueue{rbt: redblacktree.NewWith(timerCmp)}
}

func (q *timerQueue) add(when uint64, f func()) *simTimer {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	t := &simTimer{q: q, key: timerKey{when: when, seq: q.seq}, f: f}
	q.rbt.Put(t.key, t)
	return t
}

// Stop implements tense.Timer.
func (t *simTimer) Stop() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if _, ok := t.q.rbt.Get(t.key); !ok {
		return false
	}
	t.q.rbt.Remove(t.key)
	return true
}

// due pops every timer expiring at or before now, earliest first.
func (q *timerQueue) due(now uint64) []*simTimer {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*simTimer
	for {
		node := q.rbt.Left()
		if node == nil || node.Key.(timerKey).when > now {
			return out
		}
		q.rbt.Remove(node.Key)
		out = append(out, node.Value.(*simTimer))
	}
}

func (q *timerQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rbt.Size()
}

// AfterFunc arms a simulated timer; it has the shape of tense.TimerFunc.
// The delay counts from the end of the current step.
func (s *Scheduler) AfterFunc(d time.Duration, f func()) tense.Timer {
	if d < 0 {
		d = 0
	}
	return s.timers.add(s.now.Load()+s.cfg.TickNS+uint64(d), f)
}

func (s *Scheduler) fireTimers() {
	for _, t := range s.timers.due(s.now.Load()) {
		t.f()
	}
}

package tense

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeHost is a HostTask driven directly by tests.
type fakeHost struct {
	id  uint64
	cpu int

	mu        sync.Mutex
	rec       *Task
	yields    int
	throttles int
	vruntime  uint64
	onYield   func()

	wakes     atomic.Int32
	wakeCh    chan struct{}
	interrupt chan struct{}
}

func newFakeHost(id uint64, cpu int) *fakeHost {
	return &fakeHost{
		id:        id,
		cpu:       cpu,
		wakeCh:    make(chan struct{}, 1),
		interrupt: make(chan struct{}, 1),
	}
}

func (h *fakeHost) ID() uint64 { return h.id }
func (h *fakeHost) CPU() int   { return h.cpu }

func (h *fakeHost) Bind(t *Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rec = t
}

func (h *fakeHost) Bound() *Task {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec
}

func (h *fakeHost) Yield() {
	h.mu.Lock()
	h.yields++
	fn := h.onYield
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *fakeHost) Block() bool {
	select {
	case <-h.wakeCh:
		return false
	case <-h.interrupt:
		return true
	}
}

func (h *fakeHost) Throttle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.throttles++
}

func (h *fakeHost) Wake() {
	h.wakes.Add(1)
	select {
	case h.wakeCh <- struct{}{}:
	default:
	}
}

func (h *fakeHost) SetVruntime(v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vruntime = v
}

func (h *fakeHost) AddVruntime(d uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vruntime += d
}

func (h *fakeHost) counts() (yields, throttles int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.yields, h.throttles
}

// fakeTimers records armed timers; tests fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	mu      sync.Mutex
	stopped bool
	fired   bool
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// fire runs the callback unless the timer was stopped.
func (t *fakeTimer) fire() bool {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return false
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
	return true
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func testParams() Params {
	p := DefaultParams()
	p.SyncBoundNS = 100_000
	p.TickNS = 1_000
	p.LogLevel = 0
	return p
}

func newTestEngine(t *testing.T, cores int, p Params) (*Engine, *fakeTimers) {
	t.Helper()
	ft := &fakeTimers{}
	e := New(cores, p, WithTimerFunc(ft.afterFunc))
	t.Cleanup(e.Close)
	return e, ft
}

func mustEnroll(t *testing.T, e *Engine, h *fakeHost) *Task {
	t.Helper()
	rec, err := e.Enroll(h)
	if err != nil {
		t.Fatalf("Enroll(%d) error = %v", h.id, err)
	}
	return rec
}

// startSleep runs Sleep in a goroutine and waits until the deadline is set.
func startSleep(t *testing.T, e *Engine, rec *Task, d uint64) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Sleep(rec, d) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rec.Sleeping() {
		if time.Now().After(deadline) {
			t.Fatal("sleep never registered its deadline")
		}
		time.Sleep(time.Millisecond)
	}
	return done
}

func waitSleep(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("sleep did not return")
		return nil
	}
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

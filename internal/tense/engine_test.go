package tense

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tense/internal/metrics"
)

func TestEnrollWithdrawResetsTimeline(t *testing.T) {
	e, _ := newTestEngine(t, 2, testParams())
	h := newFakeHost(1, 1)
	rec := mustEnroll(t, e, h)

	if !e.Active(1) || e.Active(0) {
		t.Fatalf("Active = (%v, %v), want (false, true)", e.Active(0), e.Active(1))
	}
	if h.Bound() != rec {
		t.Error("Enroll did not bind the record to its host")
	}

	e.UpdateCurr(1, rec, 5_000)
	if got := e.Now(1); got != 5_000 {
		t.Fatalf("Now(1) = %d, want 5000", got)
	}

	if err := e.Withdraw(rec); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if e.Active(1) {
		t.Error("core still active with no tasks")
	}
	if got := e.Now(1); got != 0 {
		t.Errorf("Now(1) after last withdraw = %d, want 0", got)
	}
	if h.Bound() != nil {
		t.Error("Withdraw left the host bound")
	}

	rec = mustEnroll(t, e, h)
	if got := e.Now(1); got != 0 {
		t.Errorf("Now(1) after re-enroll = %d, want 0", got)
	}
	if got := rec.Ratio(); got != Identity {
		t.Errorf("fresh record ratio = %+v, want 1:1", got)
	}
}

func TestTimelineSurvivesWhileTasksRemain(t *testing.T) {
	e, _ := newTestEngine(t, 1, testParams())
	a := mustEnroll(t, e, newFakeHost(1, 0))
	mustEnroll(t, e, newFakeHost(2, 0))

	e.UpdateCurr(0, a, 7_000)
	if err := e.Withdraw(a); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if got := e.Now(0); got != 7_000 {
		t.Errorf("Now(0) = %d, want 7000 while task 2 remains", got)
	}
	if got := e.NumTasks(0); got != 1 {
		t.Errorf("NumTasks(0) = %d, want 1", got)
	}
	if !sameIDs(e.Tasks(0), 2) {
		t.Errorf("Tasks(0) = %v, want [2]", taskIDs(e.Tasks(0)))
	}
}

func TestEnrollErrors(t *testing.T) {
	e, _ := newTestEngine(t, 2, testParams())

	if _, err := e.Enroll(newFakeHost(1, 2)); !errors.Is(err, ErrBadCPU) {
		t.Errorf("Enroll on cpu 2 of 2: error = %v, want ErrBadCPU", err)
	}
	if _, err := e.Enroll(newFakeHost(1, -1)); !errors.Is(err, ErrBadCPU) {
		t.Errorf("Enroll on cpu -1: error = %v, want ErrBadCPU", err)
	}

	h := newFakeHost(2, 0)
	mustEnroll(t, e, h)
	if _, err := e.Enroll(h); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Errorf("second Enroll error = %v, want ErrAlreadyEnrolled", err)
	}
	if got := e.NumTasks(0); got != 1 {
		t.Errorf("NumTasks(0) = %d, want 1", got)
	}

	e.Close()
	if _, err := e.Enroll(newFakeHost(3, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Enroll after Close error = %v, want ErrClosed", err)
	}
}

func TestWithdrawTwice(t *testing.T) {
	e, _ := newTestEngine(t, 1, testParams())
	rec := mustEnroll(t, e, newFakeHost(1, 0))

	if err := e.Withdraw(rec); err != nil {
		t.Fatalf("first Withdraw() error = %v", err)
	}
	if err := e.Withdraw(rec); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("second Withdraw() error = %v, want ErrNotEnrolled", err)
	}
	if err := e.Withdraw(nil); !errors.Is(err, ErrNotEnrolled) {
		t.Errorf("Withdraw(nil) error = %v, want ErrNotEnrolled", err)
	}
}

func TestWithdrawSleeper(t *testing.T) {
	e, ft := newTestEngine(t, 1, testParams())
	host := newFakeHost(1, 0)
	rec := mustEnroll(t, e, host)

	done := startSleep(t, e, rec, 1_000_000)
	e.AfterTaskTick(0, nil)
	if !rec.timerArmed() {
		t.Fatal("idle core did not arm the sleeper's timer")
	}

	if err := e.Withdraw(rec); err != nil {
		t.Fatalf("Withdraw() error = %v", err)
	}
	if rec.timerArmed() || !ft.all()[0].isStopped() {
		t.Error("Withdraw left the timer armed")
	}
	if err := waitSleep(t, done); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if got := host.wakes.Load(); got != 1 {
		t.Errorf("wakes = %d, want 1", got)
	}
	if got := e.cpus[0].sleepers.Load(); got != 0 {
		t.Errorf("sleepers = %d, want 0", got)
	}
	if ft.all()[0].fire() {
		t.Error("timer fired after Withdraw")
	}
	if got := e.Now(0); got != 0 {
		t.Errorf("Now() = %d after Withdraw, want 0", got)
	}
}

func TestSetRatioYieldsFirst(t *testing.T) {
	e, _ := newTestEngine(t, 1, testParams())
	h := newFakeHost(1, 0)
	rec := mustEnroll(t, e, h)

	var atYield Ratio
	h.onYield = func() { atYield = rec.Ratio() }

	if err := e.SetRatio(rec, Ratio{Faster: 3, Slower: 1}); err != nil {
		t.Fatalf("SetRatio() error = %v", err)
	}
	if atYield != Identity {
		t.Errorf("ratio during yield = %+v, want the old 1:1", atYield)
	}
	if got := rec.Ratio(); got != (Ratio{Faster: 3, Slower: 1}) {
		t.Errorf("Ratio() = %+v, want 3:1", got)
	}
	if yields, _ := h.counts(); yields != 1 {
		t.Errorf("yields = %d, want 1", yields)
	}
}

func TestSetRatioRejectsZero(t *testing.T) {
	e, _ := newTestEngine(t, 1, testParams())
	h := newFakeHost(1, 0)
	rec := mustEnroll(t, e, h)

	for _, r := range []Ratio{{0, 1}, {1, 0}, {0, 0}} {
		if err := e.SetRatio(rec, r); !errors.Is(err, ErrBadRatio) {
			t.Errorf("SetRatio(%+v) error = %v, want ErrBadRatio", r, err)
		}
	}
	if yields, _ := h.counts(); yields != 0 {
		t.Errorf("rejected ratio still forced %d yields", yields)
	}
	if rec.Ratio() != Identity {
		t.Errorf("Ratio() = %+v after rejected updates, want 1:1", rec.Ratio())
	}
}

func TestSetIOHint(t *testing.T) {
	e, _ := newTestEngine(t, 1, testParams())
	rec := mustEnroll(t, e, newFakeHost(1, 0))

	if err := e.SetIOHint(rec, 42_000); err != nil {
		t.Fatalf("SetIOHint() error = %v", err)
	}
	if got := rec.IOHint(); got != 42_000 {
		t.Errorf("IOHint() = %d, want 42000", got)
	}
	if got := e.Now(0); got != 0 {
		t.Errorf("the hint moved the timeline to %d", got)
	}
}

func TestCloseIsPassThrough(t *testing.T) {
	e, ft := newTestEngine(t, 2, testParams())
	a := mustEnroll(t, e, newFakeHost(1, 0))
	s := mustEnroll(t, e, newFakeHost(2, 0))
	mustEnroll(t, e, newFakeHost(3, 1))

	e.UpdateCurr(0, a, 1_000_000)
	if res := e.AfterTaskTick(0, a); res.Action != ActionDeactivate {
		t.Fatalf("Action = %v, want Deactivate", res.Action)
	}
	done := startSleep(t, e, s, 5_000_000)

	e.Close()
	if err := waitSleep(t, done); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if _, waiting := e.Waiting(0); waiting {
		t.Error("Close left cpu 0 waiting")
	}
	if got := len(ft.all()); got != 0 {
		t.Errorf("%d timers armed", got)
	}

	before := e.Now(0)
	if got := e.UpdateCurr(0, a, 333); got != 333 {
		t.Errorf("UpdateCurr after Close = %d, want the real delta 333", got)
	}
	if e.Now(0) != before {
		t.Error("UpdateCurr after Close moved the timeline")
	}
	if res := e.AfterTaskTick(0, a); res.Action != ActionNone {
		t.Errorf("AfterTaskTick after Close = %v, want None", res.Action)
	}
	if err := e.Withdraw(a); err != nil {
		t.Errorf("Withdraw after Close error = %v", err)
	}
}

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	e := New(3, testParams(), WithRegisterer(reg))
	t.Cleanup(e.Close)

	a := mustEnroll(t, e, newFakeHost(1, 0))
	mustEnroll(t, e, newFakeHost(2, 0))
	mustEnroll(t, e, newFakeHost(3, 2))

	if got := testutil.ToFloat64(e.metrics.enrolled); got != 3 {
		t.Errorf("enrolled = %v, want 3", got)
	}
	n, err := testutil.GatherAndCount(reg, metrics.TimeSpeedN)
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if n != 2 {
		t.Errorf("%d time speed series, want one per active core (2)", n)
	}

	if err := e.Withdraw(a); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(e.metrics.enrolled); got != 2 {
		t.Errorf("enrolled = %v, want 2", got)
	}
}

func TestLoadParams(t *testing.T) {
	if got := LoadParams(""); got != DefaultParams() {
		t.Errorf("LoadParams(\"\") = %+v, want defaults", got)
	}
	if got := LoadParams(t.TempDir() + "/missing.yaml"); got != DefaultParams() {
		t.Errorf("missing file = %+v, want defaults", got)
	}

	path := writeTemp(t, "tense.yaml", `
tense:
  sync_bound_ns: 250000
  log_level: 9
  tick_ns: 0
`)
	got := LoadParams(path)
	if got.SyncBoundNS != 250_000 {
		t.Errorf("SyncBoundNS = %d, want 250000", got.SyncBoundNS)
	}
	if got.LogLevel != 3 {
		t.Errorf("LogLevel = %d, want clamped to 3", got.LogLevel)
	}
	if got.TickNS != DefaultParams().TickNS {
		t.Errorf("TickNS = %d, want the default", got.TickNS)
	}
	if got.NopsPerMS != DefaultParams().NopsPerMS {
		t.Errorf("NopsPerMS = %d, want the default", got.NopsPerMS)
	}

	path = writeTemp(t, "tense.toml", `
[tense]
sync_bound_ns = 2000000
log_level = -4
`)
	got = LoadParams(path)
	if got.SyncBoundNS != 2_000_000 || got.LogLevel != 0 {
		t.Errorf("toml = %+v, want bound 2000000 and level 0", got)
	}

	path = writeTemp(t, "zero.yaml", `
tense:
  sync_bound_ns: 0
`)
	if got := LoadParams(path).SyncBoundNS; got != 0 {
		t.Errorf("explicit zero bound = %d, want 0", got)
	}
}

func TestZeroBoundAllowsNoDivergence(t *testing.T) {
	p := testParams()
	p.SyncBoundNS = 0
	e, _ := newTestEngine(t, 2, p)
	a := mustEnroll(t, e, newFakeHost(1, 0))
	b := mustEnroll(t, e, newFakeHost(2, 1))

	e.UpdateCurr(0, a, 10)
	e.UpdateCurr(1, b, 10)
	if res := e.AfterTaskTick(0, a); res.Action != ActionNone {
		t.Fatalf("equal timelines: Action = %v, want None", res.Action)
	}

	e.UpdateCurr(0, a, 1)
	if res := e.AfterTaskTick(0, a); res.Action != ActionDeactivate {
		t.Fatalf("1ns ahead: Action = %v, want Deactivate", res.Action)
	}
	e.UpdateCurr(1, b, 1)
	if res := e.AfterTaskTick(0, nil); res.Action != ActionActivate {
		t.Errorf("caught up: Action = %v, want Activate", res.Action)
	}
}

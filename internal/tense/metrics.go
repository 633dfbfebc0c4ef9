package tense

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tense/internal/metrics"
)

type engineMetrics struct {
	enrolled            prometheus.Gauge
	syncWaits           prometheus.Counter
	syncReleases        prometheus.Counter
	forcedWakeups       prometheus.Counter
	timerWakeups        prometheus.Counter
	timersArmed         prometheus.Counter
	interruptedSleeps   prometheus.Counter
	wakeupOverruns      prometheus.Counter
	consistencyWarnings prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	f := promauto.With(reg)
	return &engineMetrics{
		enrolled: f.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EnrolledTasksN,
			Help: metrics.EnrolledTasksH,
		}),
		syncWaits: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncWaitsN,
			Help: metrics.SyncWaitsH,
		}),
		syncReleases: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncReleasesN,
			Help: metrics.SyncReleasesH,
		}),
		forcedWakeups: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ForcedWakeupsN,
			Help: metrics.ForcedWakeupsH,
		}),
		timerWakeups: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TimerWakeupsN,
			Help: metrics.TimerWakeupsH,
		}),
		timersArmed: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.TimersArmedN,
			Help: metrics.TimersArmedH,
		}),
		interruptedSleeps: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.InterruptedSleepsN,
			Help: metrics.InterruptedSleepsH,
		}),
		wakeupOverruns: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.WakeupOverrunsN,
			Help: metrics.WakeupOverrunsH,
		}),
		consistencyWarnings: f.NewCounter(prometheus.CounterOpts{
			Name: metrics.ConsistencyWarningsN,
			Help: metrics.ConsistencyWarningsH,
		}),
	}
}

// speedCollector exposes the per-core time speed average as a gauge vector
// computed at scrape time.
type speedCollector struct {
	e    *Engine
	desc *prometheus.Desc
}

func (s *speedCollector) Describe(ch chan<- *prometheus.Desc) { ch <- s.desc }

func (s *speedCollector) Collect(ch chan<- prometheus.Metric) {
	for cpu := range s.e.cpus {
		if !s.e.Active(cpu) {
			continue
		}
		ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue,
			s.e.TimeSpeed(cpu), strconv.Itoa(cpu))
	}
}

func registerSpeedCollector(reg prometheus.Registerer, e *Engine) {
	if reg == nil {
		return
	}
	reg.MustRegister(&speedCollector{
		e: e,
		desc: prometheus.NewDesc(metrics.TimeSpeedN, metrics.TimeSpeedH,
			[]string{"cpu"}, nil),
	})
}

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tense/internal/config"
	"tense/internal/control"
	"tense/internal/job"
	"tense/internal/logbase"
	"tense/internal/sched"
	"tense/internal/tense"
)

var log *zap.Logger

type scenario struct {
	Tasks []job.Spec `yaml:"tasks" toml:"tasks"`
}

// defaultScenario is two tasks on two cores: one at real speed, one whose
// virtual time runs at half speed.
func defaultScenario() []job.Spec {
	return []job.Spec{
		{Name: "a", CPU: 0, Enroll: true, Faster: 1, Slower: 1, RunNS: 1_000_000},
		{Name: "b", CPU: 1, Enroll: true, Faster: 2, Slower: 1, RunNS: 1_000_000},
	}
}

func initLogger(verbosity int) {
	var err error
	log, err = logbase.New(verbosity)
	if err != nil {
		panic(err)
	}
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func main() {
	var (
		configFile  string
		verbosity   int
		metricsAddr string
		csvPath     string
		timeout     time.Duration
		hold        bool
	)
	flag.StringVar(&configFile, "config", "config.yml", "YAML or TOML config file")
	flag.IntVar(&verbosity, "v", -1, "Log level 0-3, overrides tense.log_level")
	flag.StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.StringVar(&csvPath, "csv", "", "Write a CSV event trace, overrides sched.csv")
	flag.DurationVar(&timeout, "timeout", 0, "Stop the simulation after this much wall clock time")
	flag.BoolVar(&hold, "hold", false, "Keep serving metrics after the simulation until interrupted")
	flag.Parse()

	if _, err := os.Stat(configFile); err != nil {
		configFile = ""
	}
	params := tense.LoadParams(configFile)
	cfg := sched.Load(configFile)
	if verbosity >= 0 {
		params.LogLevel = verbosity
	}
	params.TickNS = cfg.TickNS
	if csvPath != "" {
		cfg.CSVPath = csvPath
	}

	initLogger(params.LogLevel)
	defer log.Sync()

	var sc scenario
	if configFile != "" {
		if err := config.Decode(configFile, &sc); err != nil {
			log.Fatal("failed to decode scenario", zap.String("file", configFile), zap.Error(err))
		}
	}
	if len(sc.Tasks) == 0 {
		log.Info("no tasks configured, running the default scenario")
		sc.Tasks = defaultScenario()
	}

	reg := prometheus.NewRegistry()
	sim := sched.New(cfg, sched.WithLogger(log.Named("sched")))
	eng := tense.New(cfg.Cores, params,
		tense.WithLogger(log.Named("tense")),
		tense.WithTimerFunc(sim.AfterFunc),
		tense.WithRegisterer(reg))
	sim.Attach(eng)
	dev := control.NewDevice(eng, log.Named("control"))

	if cfg.CSVPath != "" {
		if err := sim.EnableCSVLogging(cfg.CSVPath); err != nil {
			log.Fatal("failed to open CSV trace", zap.String("file", cfg.CSVPath), zap.Error(err))
		}
	}

	results := make([]job.Result, len(sc.Tasks))
	for i, spec := range sc.Tasks {
		t := sched.NewTask(sched.TaskID(i+1), spec.Name, spec.CPU, spec.Priority, job.Build(dev, spec, &results[i]))
		if err := sim.Spawn(t); err != nil {
			log.Fatal("failed to spawn task", zap.String("task", spec.Name), zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()
	if metricsAddr != "" {
		serveMetrics(serveCtx, g, metricsAddr, reg)
	}

	start := time.Now()
	g.Go(func() error {
		if !hold {
			defer stopServing()
		}
		return sim.Run(gctx)
	})

	err := g.Wait()
	eng.Close()
	if cerr := sim.Close(); cerr != nil {
		log.Warn("failed to close CSV trace", zap.Error(cerr))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("simulation stopped", zap.Error(err))
	}

	for i, spec := range sc.Tasks {
		r := results[i]
		log.Info("task",
			zap.String("name", spec.Name),
			zap.Int("cpu", spec.CPU),
			zap.Uint64("virtual_start_ns", r.Start),
			zap.Uint64("virtual_end_ns", r.End),
			zap.Uint64("virtual_slept_ns", r.Slept),
			zap.NamedError("error", r.Err))
	}
	st := sim.Stats()
	log.Info("simulation finished",
		zap.Int64("ticks", st.Ticks),
		zap.Uint64("simulated_ns", sim.Now()),
		zap.Duration("wall", time.Since(start)),
		zap.Int64("switches", st.Switches),
		zap.Int64("preempts", st.Preempts),
		zap.Int64("throttles", st.Throttles.Count),
		zap.Int64("throttle_p50_ns", st.Throttles.P50),
		zap.Int64("throttle_p99_ns", st.Throttles.P99),
		zap.Int64("sleeps", st.Sleeps.Count),
		zap.Int64("sleep_p50_ns", st.Sleeps.P50),
		zap.Int64("sleep_p99_ns", st.Sleeps.P99))
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/go-uthread"
	uprom "github.com/joeycumines/go-uthread/observability/prometheus"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
)

type demoConfig struct {
	quantumMicros int
	workers       int
	iterations    int
	sleepEvery    int
	work          time.Duration
	maxThreads    int
	timer         string
	metricsAddr   string
	logLevel      logiface.Level
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Spawn worker threads and report how the CPU was shared",

		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "quantum-us",
				Aliases: []string{"q"},
				Value:   10000,
				Usage:   "Quantum length in microseconds",
				EnvVars: []string{"UTHREADS_QUANTUM_US"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Aliases: []string{"w"},
				Value:   4,
				Usage:   "Number of worker threads",
				EnvVars: []string{"UTHREADS_WORKERS"},
			},
			&cli.IntFlag{
				Name:    "iterations",
				Aliases: []string{"n"},
				Value:   200,
				Usage:   "Iterations per worker",
				EnvVars: []string{"UTHREADS_ITERATIONS"},
			},
			&cli.IntFlag{
				Name:    "sleep-every",
				Value:   50,
				Usage:   "Workers sleep for one quantum every N iterations (0 disables)",
				EnvVars: []string{"UTHREADS_SLEEP_EVERY"},
			},
			&cli.DurationFlag{
				Name:    "work",
				Value:   100 * time.Microsecond,
				Usage:   "Busy work per iteration",
				EnvVars: []string{"UTHREADS_WORK"},
			},
			&cli.IntFlag{
				Name:    "max-threads",
				Value:   uthread.DefaultMaxThreads,
				Usage:   "Maximum number of live threads, including main",
				EnvVars: []string{"UTHREADS_MAX_THREADS"},
			},
			&cli.StringFlag{
				Name:    "timer",
				Value:   "auto",
				Usage:   "Preemption timer: auto or ticker",
				EnvVars: []string{"UTHREADS_TIMER"},
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address while running",
				EnvVars: []string{"UTHREADS_METRICS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level: disabled, emerg, alert, crit, err, warning, notice, info, debug or trace",
				EnvVars: []string{"UTHREADS_LOG_LEVEL"},
			},
		},

		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	level, ok := parseLevel(c.String("log-level"))
	if !ok {
		return cli.Exit(fmt.Sprintf("invalid log level %q", c.String("log-level")), 1)
	}
	cfg := demoConfig{
		quantumMicros: c.Int("quantum-us"),
		workers:       c.Int("workers"),
		iterations:    c.Int("iterations"),
		sleepEvery:    c.Int("sleep-every"),
		work:          c.Duration("work"),
		maxThreads:    c.Int("max-threads"),
		timer:         c.String("timer"),
		metricsAddr:   c.String("metrics-addr"),
		logLevel:      level,
	}
	if err := cfg.validate(); err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(cfg.logLevel),
	).Logger()

	if err := runDemo(c.Context, cfg, c.App.Writer, logger, os.Exit); err != nil {
		return cli.Exit(fmt.Sprintf("Failed: %v", err), 1)
	}
	return nil
}

func (x demoConfig) validate() error {
	switch {
	case x.quantumMicros <= 0:
		return errors.New("quantum-us must be positive")
	case x.workers < 1:
		return errors.New("workers must be at least 1")
	case x.iterations < 0:
		return errors.New("iterations must not be negative")
	case x.sleepEvery < 0:
		return errors.New("sleep-every must not be negative")
	case x.work < 0:
		return errors.New("work must not be negative")
	case x.workers+2 > x.maxThreads:
		return fmt.Errorf("max-threads must be at least %d, for main, the supervisor and %d workers", x.workers+2, x.workers)
	case x.timer != "auto" && x.timer != "ticker":
		return fmt.Errorf("invalid timer %q", x.timer)
	}
	return nil
}

func parseLevel(s string) (logiface.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if level.String() == s {
			return level, true
		}
	}
	return logiface.LevelDisabled, false
}

type workerResult struct {
	tid      uthread.ThreadID
	quantums int
}

// runDemo runs the workload on the calling goroutine, which becomes the main
// thread. It ends by terminating the library, which calls exit(0).
func runDemo(ctx context.Context, cfg demoConfig, out io.Writer, logger *logiface.Logger[logiface.Event], exit func(int)) error {
	opts := []uthread.Option{
		uthread.WithMaxThreads(cfg.maxThreads),
		uthread.WithLogger(logger),
		uthread.WithMetrics(true),
		uthread.WithExitFunc(exit),
	}
	if cfg.timer == "ticker" {
		opts = append(opts, uthread.WithTimer(uthread.NewTickerTimer()))
	}

	var (
		reg    *prom.Registry
		server *http.Server
	)
	if cfg.metricsAddr != "" {
		reg = prom.NewRegistry()
		exporter, err := uprom.NewExporter("uthread", reg, uprom.ExporterOptions{})
		if err != nil {
			return err
		}
		opts = append(opts, uthread.WithObserver(exporter))

		listener, err := net.Listen("tcp", cfg.metricsAddr)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Err().Err(err).Log(`metrics server failed`)
			}
		}()
		logger.Info().Str(`addr`, listener.Addr().String()).Log(`serving metrics`)
	}

	s, err := uthread.New(cfg.quantumMicros, opts...)
	if err != nil {
		if server != nil {
			_ = server.Close()
		}
		return err
	}

	if reg != nil {
		poller, err := uprom.NewSnapshotPoller("uthread", reg, time.Second)
		if err != nil {
			_ = server.Close()
			_ = s.Terminate(uthread.MainThreadID)
			return err
		}
		poller.AddScheduler("demo", s)
		poller.Start(ctx)
		defer poller.Stop()
		defer server.Close()
	}

	// all state below is only touched by threads, which never run in parallel
	var (
		results  = make([]workerResult, cfg.workers)
		finished int
	)
	for i := range results {
		tid, err := s.Spawn(func() {
			worker(s, cfg)
			results[i].quantums, _ = s.QuantumsOf(s.CurrentThreadID())
			finished++
		})
		if err != nil {
			_ = s.Terminate(uthread.MainThreadID)
			return err
		}
		results[i].tid = tid
	}

	if _, err := s.Spawn(func() { supervise(s, results[0].tid, func() bool { return finished == cfg.workers }) }); err != nil {
		_ = s.Terminate(uthread.MainThreadID)
		return err
	}

	for finished < cfg.workers {
		if err := s.Yield(); err != nil {
			return err
		}
	}

	for _, r := range results {
		fmt.Fprintf(out, "thread %d: %d quantums\n", r.tid, r.quantums)
	}
	m := s.Metrics()
	mainQuantums, _ := s.QuantumsOf(uthread.MainThreadID)
	fmt.Fprintf(out, "main: %d quantums\n", mainQuantums)
	fmt.Fprintf(out, "total: %d quantums, %d switches, slice p50=%s p99=%s max=%s\n",
		s.TotalQuantums(), m.Count, m.P50, m.P99, m.Max)

	return s.Terminate(uthread.MainThreadID)
}

func worker(s *uthread.Scheduler, cfg demoConfig) {
	for i := 1; i <= cfg.iterations; i++ {
		for start := time.Now(); time.Since(start) < cfg.work; {
			s.Checkpoint()
		}
		s.Checkpoint()
		if cfg.sleepEvery > 0 && i%cfg.sleepEvery == 0 {
			_ = s.Sleep(1)
		}
	}
}

// supervise repeatedly blocks the target for a couple of scheduling rounds,
// until done reports true or the target exits.
func supervise(s *uthread.Scheduler, target uthread.ThreadID, done func() bool) {
	for !done() {
		if stats := s.Stats(); !hasThread(&stats, target) {
			break
		}
		if err := s.Block(target); err != nil {
			break
		}
		_ = s.Yield()
		_ = s.Yield()
		if err := s.Resume(target); err != nil {
			break
		}
		_ = s.Yield()
	}
	for !done() {
		_ = s.Yield()
	}
}

func hasThread(stats *uthread.Stats, tid uthread.ThreadID) bool {
	_, ok := stats.Thread(tid)
	return ok
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/aristath/supervisor/internal/config"
	"github.com/aristath/supervisor/internal/errlog"
	"github.com/aristath/supervisor/internal/events"
	"github.com/aristath/supervisor/internal/orchestrator"
	"github.com/aristath/supervisor/internal/scheduler"
	"github.com/aristath/supervisor/internal/worker"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	*rootOptions
	metricsAddr  string
	timeout      time.Duration
	watch        bool
	exportErrors string
	events       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a task plan until every task has finished",
		Long: `Run submits the tasks of a plan file to the configured workers and
supervises them until nothing is left to run.

A plan lists tasks with optional dependencies:

  tasks:
    - id: build
      type: go
    - id: test
      depends_on: [build]
      requirements: [go]

The command exits non-zero when a task failed or could not be scheduled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "abort the run after this long (0 waits until done)")
	flags.BoolVar(&opts.watch, "watch", true, "apply config file changes while running")
	flags.StringVar(&opts.exportErrors, "export-errors", "", "write the recovery log to this file when the run ends")
	flags.BoolVar(&opts.events, "events", false, "print supervisor events to stderr as they happen")
	return cmd
}

func runPlan(cmd *cobra.Command, opts *runOptions, planPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if len(cfg.Workers) == 0 {
		return errors.New("no workers configured; declare them under workers: in the config file")
	}
	specs, err := loadPlan(planPath)
	if err != nil {
		return err
	}

	storage, err := orchestrator.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	pm := worker.NewProcessManager()
	sys, err := orchestrator.NewSystem(cfg, worker.NewPool(pm), storage)
	if err != nil {
		storage.Close()
		return err
	}
	sys.SetLogger(logger)

	var tailDone <-chan struct{}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := sys.Shutdown(shutdownCtx); serr != nil {
			logger.Error("shutdown incomplete", "error", serr)
		}
		if ctx.Err() != nil {
			if kerr := pm.KillAll(); kerr != nil {
				logger.Error("killing worker processes", "error", kerr)
			}
		}
		if tailDone != nil {
			<-tailDone
		}
	}()

	if opts.events {
		tailDone = tailEvents(sys.Events().Stream(0), cmd.ErrOrStderr())
	}

	for _, spec := range specs {
		if _, err := sys.SubmitTask(ctx, spec); err != nil {
			return fmt.Errorf("submitting %s: %w", spec.ID, err)
		}
	}
	if err := sys.Start(ctx); err != nil {
		return err
	}

	addr := cfg.Metrics.Addr
	if opts.metricsAddr != "" {
		addr = opts.metricsAddr
	}
	if addr != "" {
		srv := serveMetrics(addr, logger)
		defer srv.Shutdown(context.Background())
	}

	if opts.watch {
		if stopWatch := watchConfig(opts.rootOptions, sys, logger); stopWatch != nil {
			defer stopWatch()
		}
	}

	runCtx := ctx
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	logger.Info("running plan", "plan", planPath, "tasks", len(specs), "workers", sys.Pool().Len())
	results, runErr := orchestrator.NewRunner(sys).RunUntilIdle(runCtx)

	attempts := make(map[string]int)
	for _, r := range results {
		attempts[r.TaskID]++
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, renderTasks(sys.Scheduler().Tasks(), attempts))
	fmt.Fprintln(out, renderHealth(sys.SystemHealth(), sys.Monitor().AllMetrics()))

	if opts.exportErrors != "" {
		if err := exportErrors(sys, opts.exportErrors); err != nil {
			logger.Error("recovery log not exported", "error", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("run interrupted: %w", runErr)
	}
	counts := sys.Scheduler().Counts()
	if unfinished := len(specs) - counts[scheduler.TaskCompleted]; unfinished > 0 {
		return fmt.Errorf("%d of %d tasks did not complete", unfinished, len(specs))
	}
	return nil
}

// tailEvents writes each event from ch to w until ch is closed. The returned
// channel is closed once the stream is drained.
func tailEvents(ch <-chan events.Event, w io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			fmt.Fprintln(w, formatEvent(ev))
		}
	}()
	return done
}

// serveMetrics exposes the default Prometheus registry on addr.
func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// watchConfig applies reloaded configuration to sys and returns a function
// that stops watching, or nil when watching could not start.
func watchConfig(opts *rootOptions, sys *orchestrator.System, logger *slog.Logger) func() {
	global, project, err := opts.paths()
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
		return nil
	}
	w, err := config.Watch(global, project, func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("config reload failed", "error", err)
			return
		}
		if err := sys.ApplyConfig(next); err != nil {
			logger.Warn("reloaded config rejected", "error", err)
		}
	})
	if err != nil {
		logger.Warn("config watch disabled", "error", err)
		return nil
	}
	w.SetLogger(logger)
	return func() { _ = w.Close() }
}

func exportErrors(sys *orchestrator.System, path string) error {
	data, err := sys.ExportErrorLogs(errlog.Filter{})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

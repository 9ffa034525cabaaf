package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/eventfaces/internal/app"
	"github.com/your-org/eventfaces/internal/config"
	"github.com/your-org/eventfaces/internal/observability"
	"github.com/your-org/eventfaces/internal/worker"
)

var version = "dev"

// depthReporter is implemented by queues that can report their backlog.
type depthReporter interface {
	Depth(ctx context.Context) (uint64, error)
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	flush, err := observability.SetupSentry(cfg.Sentry.DSN, cfg.Sentry.Environment, version)
	if err != nil {
		slog.Error("setup sentry", "error", err)
		os.Exit(1)
	}
	defer flush()

	slog.Info("starting eventfaces worker",
		"version", version,
		"workers", cfg.Worker.Count,
		"queue", cfg.Queue.Driver,
		"faces", cfg.Faces.Provider,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker failed", "error", err)
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.Orchestrator()
	if err != nil {
		return err
	}

	pool := worker.New(worker.Deps{
		Queue:   a.Queue,
		Jobs:    a.Store,
		Matcher: a.Engine(orch),
		Faces:   orch,
		Catalog: a.Store,
		Matches: a.Store,
		Blobs:   a.Blobs,
	}, worker.Options{
		Count:             cfg.Worker.Count,
		MaxMessages:       cfg.Queue.MaxMessages,
		WaitTime:          cfg.Queue.WaitTime,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		DeleteBatchSize:   cfg.Worker.DeleteBatchSize,
		ErrorLimit:        cfg.Worker.ErrorLimit,
		OrphanGrace:       cfg.Worker.OrphanGrace,
		PollBackoff:       cfg.Worker.PollBackoff,
		MaxPollBackoff:    cfg.Worker.MaxPollBackoff,
	})

	// Jobs a dead process left IN_PROGRESS go back to PENDING before any
	// loop starts.
	if _, err := pool.Recover(ctx); err != nil {
		return fmt.Errorf("recover unfinished jobs: %w", err)
	}

	srv := metricsServer(cfg.Server.MetricsPort)
	go func() {
		slog.Info("worker metrics listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	if dr, ok := a.Queue.(depthReporter); ok {
		go reportDepth(ctx, dr)
	}

	pool.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown", "error", err)
	}
	return nil
}

func metricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// reportDepth periodically publishes the queue backlog.
func reportDepth(ctx context.Context, dr depthReporter) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := dr.Depth(ctx)
			if err != nil {
				slog.Debug("queue depth", "error", err)
				continue
			}
			observability.QueueDepth.Set(float64(depth))
		}
	}
}

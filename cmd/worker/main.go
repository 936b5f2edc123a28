// Command worker runs the submission and retrieval workers plus the
// retention sweeper. Exactly one worker process per deployment; a second
// instance would race on job updates.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skymap-astro/nmma-broker/internal/adapter/callback"
	"github.com/skymap-astro/nmma-broker/internal/adapter/cluster/expanse"
	"github.com/skymap-astro/nmma-broker/internal/adapter/observability"
	"github.com/skymap-astro/nmma-broker/internal/adapter/repo/postgres"
	"github.com/skymap-astro/nmma-broker/internal/app"
	"github.com/skymap-astro/nmma-broker/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics listener so tick durations and
	// transition counters are scrapeable separately from the API process.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(fmt.Sprintf(":%d", cfg.MetricsPort), mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	cluster := expanse.New(expanse.Config{
		Host:          cfg.ClusterSSHHost,
		Port:          cfg.ClusterSSHPort,
		Username:      cfg.ClusterSSHUsername,
		Password:      cfg.ClusterSSHPassword,
		KeyPath:       cfg.ClusterSSHKeyPath,
		DialTimeout:   cfg.ClusterDialTimeout,
		NMMADir:       cfg.ClusterNMMADir,
		DataDirname:   cfg.ClusterDataDirname,
		OutputDirname: cfg.ClusterOutputDirname,
		SlurmScript:   cfg.ClusterSlurmScript,
	})
	defer func() { _ = cluster.Close() }()

	if err := cluster.Ping(ctx); err != nil {
		slog.Error("cluster credential probe failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("cluster credentials validated", slog.String("host", cfg.ClusterSSHHost))

	jobRepo := postgres.NewJobRepo(pool)
	resultRepo := postgres.NewResultRepo(pool)

	submission := &app.SubmissionWorker{
		Jobs:     jobRepo,
		Cluster:  cluster,
		Interval: cfg.SubmissionWaitTime,
	}
	retrieval := &app.RetrievalWorker{
		Jobs:              jobRepo,
		Results:           resultRepo,
		Cluster:           cluster,
		Callback:          callback.New(cfg.CallbackTimeout),
		TimeLimit:         cfg.TimeLimit,
		MaxUploadFailures: cfg.MaxUploadFailures,
		Interval:          cfg.RetrievalWaitTime,
	}
	cleanup := postgres.NewCleanupService(pool, cfg.RetentionDays)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); submission.Run(ctx) }()
	go func() { defer wg.Done(); retrieval.Run(ctx) }()
	go func() { defer wg.Done(); cleanup.RunPeriodic(ctx, cfg.CleanupInterval) }()

	slog.Info("workers started",
		slog.Duration("submission_interval", cfg.SubmissionWaitTime),
		slog.Duration("retrieval_interval", cfg.RetrievalWaitTime),
		slog.Duration("time_limit", cfg.TimeLimit),
		slog.Int("max_upload_failures", cfg.MaxUploadFailures),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	wg.Wait()
}

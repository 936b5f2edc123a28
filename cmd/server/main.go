// Command server starts the NMMA analysis brokerage's ingestion HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skymap-astro/nmma-broker/internal/adapter/cluster/expanse"
	"github.com/skymap-astro/nmma-broker/internal/adapter/httpserver"
	"github.com/skymap-astro/nmma-broker/internal/adapter/observability"
	"github.com/skymap-astro/nmma-broker/internal/adapter/repo/postgres"
	"github.com/skymap-astro/nmma-broker/internal/app"
	"github.com/skymap-astro/nmma-broker/internal/config"
	"github.com/skymap-astro/nmma-broker/internal/filters"
	"github.com/skymap-astro/nmma-broker/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
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

	// The model catalog gates which filters ingestion accepts; without it
	// every request with a trained model would be rejected, so its absence
	// at startup is fatal.
	catalog, err := filters.NewCatalogLoader(cfg.ModelsCatalogURL, cfg.ModelsCachePath).Load(ctx)
	if err != nil {
		slog.Error("model catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	mapper := filters.NewMapper(catalog)

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

	jobRepo := postgres.NewJobRepo(pool)
	ingest := usecase.NewIngestService(jobRepo, mapper, cfg.AllowedModels)

	srv := httpserver.NewServer(ingest,
		httpserver.PingerFunc(pool.Ping),
		httpserver.PingerFunc(cluster.Ping),
	)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

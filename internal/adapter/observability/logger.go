// Package observability holds the slog setup, prometheus metrics and otel
// tracing shared by the API and worker processes.
package observability

import (
	"log/slog"
	"os"

	"github.com/skymap-astro/nmma-broker/internal/config"
)

// SetupLogger builds the process-wide JSON logger. Both binaries install
// it via slog.SetDefault; dev mode lowers the level to debug.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}

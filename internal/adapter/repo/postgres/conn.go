// Package postgres implements the durable job and result stores on
// PostgreSQL using a minimal pgx pool.
package postgres

import (
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// NewPool creates a pgx connection pool from the provided DSN with otel
// query tracing attached.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the analysis and results tables when absent. Schema
// evolution is additive; new columns must default to absent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS analysis (
	id                  TEXT PRIMARY KEY,
	resource_id         TEXT NOT NULL,
	created_at          BIGINT NOT NULL,
	invalid_after       BIGINT NOT NULL,
	callback_url        TEXT NOT NULL,
	callback_method     TEXT NOT NULL,
	analysis_parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
	photometry          BYTEA,
	redshift            BYTEA,
	status              TEXT NOT NULL,
	cluster_job_id      TEXT NOT NULL DEFAULT '',
	submitted_at        BIGINT NOT NULL DEFAULT 0,
	nb_upload_failures  INT NOT NULL DEFAULT 0,
	upload_error        TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT '',
	warning             TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS analysis_status_idx ON analysis (status);
CREATE TABLE IF NOT EXISTS results (
	analysis_id TEXT PRIMARY KEY,
	payload     BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);`
	_, err := pool.Exec(ctx, ddl)
	return err
}

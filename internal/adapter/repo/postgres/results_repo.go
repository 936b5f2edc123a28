package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// ResultRepo stores serialized callback payloads so that delivery retries
// do not have to pull artifacts from the cluster again.
type ResultRepo struct{ Pool PgxPool }

// NewResultRepo constructs a ResultRepo with the given pool.
func NewResultRepo(p PgxPool) *ResultRepo { return &ResultRepo{Pool: p} }

// Put upserts the stored payload for an analysis.
func (r *ResultRepo) Put(ctx context.Context, analysisID string, payload []byte) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Put")
	defer span.End()
	q := `INSERT INTO results (analysis_id, payload, created_at)
	VALUES ($1, $2, now())
	ON CONFLICT (analysis_id) DO UPDATE SET payload = EXCLUDED.payload, created_at = now()`
	if _, err := r.Pool.Exec(ctx, q, analysisID, payload); err != nil {
		return fmt.Errorf("op=result.put: %w", err)
	}
	return nil
}

// Get returns the stored payload for an analysis, or domain.ErrNotFound.
func (r *ResultRepo) Get(ctx context.Context, analysisID string) ([]byte, error) {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Get")
	defer span.End()
	var payload []byte
	err := r.Pool.QueryRow(ctx, `SELECT payload FROM results WHERE analysis_id=$1`, analysisID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=result.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=result.get: %w", err)
	}
	return payload, nil
}

// Delete removes the stored payload for an analysis. Missing rows are not
// an error.
func (r *ResultRepo) Delete(ctx context.Context, analysisID string) error {
	tracer := otel.Tracer("repo.results")
	ctx, span := tracer.Start(ctx, "results.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM results WHERE analysis_id=$1`, analysisID); err != nil {
		return fmt.Errorf("op=result.delete: %w", err)
	}
	return nil
}

package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymap-astro/nmma-broker/internal/adapter/repo/postgres"
	"github.com/skymap-astro/nmma-broker/internal/domain"
)

func TestResultRepo_Put(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewResultRepo(pool)

	require.NoError(t, repo.Put(context.Background(), "job-1", []byte(`{"status":"success"}`)))
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (analysis_id)")

	pool.execErr = assert.AnError
	err := repo.Put(context.Background(), "job-1", []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=result.put")
}

func TestResultRepo_Get(t *testing.T) {
	payload := []byte(`{"status":"success"}`)
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*[]byte)) = payload
		return nil
	}}}
	repo := postgres.NewResultRepo(pool)

	got, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestResultRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewResultRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestResultRepo_Delete(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewResultRepo(pool)

	require.NoError(t, repo.Delete(context.Background(), "job-1"))

	pool.execErr = assert.AnError
	err := repo.Delete(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=result.delete")
}

func TestCleanupService_CleanupOldData(t *testing.T) {
	pool := &poolStub{}
	svc := postgres.NewCleanupService(pool, 30)

	require.NoError(t, svc.CleanupOldData(context.Background()))
	// Last statement is the orphaned-results sweep.
	assert.Contains(t, pool.lastSQL, "NOT IN (SELECT id FROM analysis)")
}

func TestCleanupService_DefaultRetention(t *testing.T) {
	svc := postgres.NewCleanupService(&poolStub{}, 0)
	assert.Equal(t, 90, svc.RetentionDays)
}

func TestCleanupService_ExecError(t *testing.T) {
	pool := &poolStub{execErr: assert.AnError}
	svc := postgres.NewCleanupService(pool, 30)

	err := svc.CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup.results")
}

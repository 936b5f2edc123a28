package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymap-astro/nmma-broker/internal/adapter/repo/postgres"
	"github.com/skymap-astro/nmma-broker/internal/domain"
)

func sampleJob() domain.Job {
	return domain.Job{
		ID:             "job-1",
		ResourceID:     "ZTF25abcdef",
		CreatedAt:      1756150000,
		InvalidAfter:   1756236400,
		CallbackURL:    "https://fritz.example.org/api/webhook",
		CallbackMethod: "POST",
		Inputs: domain.Inputs{
			AnalysisParameters: domain.AnalysisParameters{Source: "Me2017", TMin: 0.1, TMax: 14, DT: 0.25},
			Photometry:         []byte{0x1f, 0x8b},
			Redshift:           []byte{0x1f, 0x8b},
		},
		Status: domain.JobPending,
	}
}

func TestJobRepo_Create(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleJob()))

	// Parameters are persisted as flattened JSON.
	require.Len(t, pool.lastArgs, 16)
	var params map[string]any
	require.NoError(t, json.Unmarshal(pool.lastArgs[6].([]byte), &params))
	assert.Equal(t, "Me2017", params["source"])
	assert.Equal(t, 0.25, params["dt"])
}

func TestJobRepo_Create_DuplicateID(t *testing.T) {
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewJobRepo(pool)

	err := repo.Create(context.Background(), sampleJob())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateID)
}

func TestJobRepo_Create_DBError(t *testing.T) {
	pool := &poolStub{execErr: assert.AnError}
	repo := postgres.NewJobRepo(pool)

	err := repo.Create(context.Background(), sampleJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.create")
}

func scanSampleJob(dest ...any) error {
	j := sampleJob()
	params, _ := json.Marshal(j.Inputs.AnalysisParameters)
	*(dest[0].(*string)) = j.ID
	*(dest[1].(*string)) = j.ResourceID
	*(dest[2].(*int64)) = j.CreatedAt
	*(dest[3].(*int64)) = j.InvalidAfter
	*(dest[4].(*string)) = j.CallbackURL
	*(dest[5].(*string)) = j.CallbackMethod
	*(dest[6].(*[]byte)) = params
	*(dest[7].(*[]byte)) = j.Inputs.Photometry
	*(dest[8].(*[]byte)) = j.Inputs.Redshift
	*(dest[9].(*domain.JobStatus)) = domain.JobRunning
	*(dest[10].(*string)) = "4242"
	*(dest[11].(*int64)) = 1756150100
	*(dest[12].(*int)) = 0
	*(dest[13].(*string)) = ""
	*(dest[14].(*string)) = ""
	*(dest[15].(*string)) = ""
	return nil
}

func TestJobRepo_Get(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: scanSampleJob}}
	repo := postgres.NewJobRepo(pool)

	j, err := repo.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, domain.JobRunning, j.Status)
	assert.Equal(t, "4242", j.ClusterJobID)
	assert.Equal(t, "Me2017", j.Inputs.AnalysisParameters.Source)
	assert.Equal(t, "ZTF25abcdef_1756150000", j.Label())
}

func TestJobRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_FindSubmittable(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{scans: []func(dest ...any) error{scanSampleJob, scanSampleJob}}}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.FindSubmittable(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	require.Len(t, pool.lastArgs, 1)
	assert.ElementsMatch(t, []string{"pending", "job_expired"}, pool.lastArgs[0].([]string))
}

func TestJobRepo_FindActive_Statuses(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)

	jobs, err := repo.FindActive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	require.Len(t, pool.lastArgs, 1)
	assert.ElementsMatch(t,
		[]string{"running", "running_plot", "retry_upload", "failed_submission_to_upload"},
		pool.lastArgs[0].([]string))
}

func TestJobRepo_Find_QueryError(t *testing.T) {
	pool := &poolStub{queryErr: assert.AnError}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.FindActive(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=job.find")
}

func TestJobRepo_UpdateStatus(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	clusterID := "4242"
	submitted := int64(1756150100)
	errMsg := ""
	err := repo.UpdateStatus(context.Background(), "job-1", domain.JobPatch{
		Status:       domain.JobRunning,
		ClusterJobID: &clusterID,
		SubmittedAt:  &submitted,
		Error:        &errMsg,
	})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "cluster_job_id=$3")
	assert.Contains(t, pool.lastSQL, "submitted_at=$4")
	assert.Contains(t, pool.lastSQL, "error=$5")
	assert.NotContains(t, pool.lastSQL, "nb_upload_failures")
}

func TestJobRepo_UpdateStatus_EmptyStatus(t *testing.T) {
	repo := postgres.NewJobRepo(&poolStub{})

	err := repo.UpdateStatus(context.Background(), "job-1", domain.JobPatch{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobRepo_UpdateStatus_NotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewJobRepo(pool)

	err := repo.UpdateStatus(context.Background(), "missing", domain.JobPatch{Status: domain.JobCompleted})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

const jobColumns = `id, resource_id, created_at, invalid_after, callback_url, callback_method,
	analysis_parameters, photometry, redshift, status, cluster_job_id, submitted_at,
	nb_upload_failures, upload_error, error, warning`

// JobRepo persists and loads analysis jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new pending job. A colliding id yields domain.ErrDuplicateID.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	params, err := json.Marshal(j.Inputs.AnalysisParameters)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	q := `INSERT INTO analysis (` + jobColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.ResourceID, j.CreatedAt, j.InvalidAfter, j.CallbackURL, j.CallbackMethod,
		params, j.Inputs.Photometry, j.Inputs.Redshift, j.Status, j.ClusterJobID, j.SubmittedAt,
		j.UploadFailures, j.UploadError, j.Error, j.Warning)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=job.create: %w", domain.ErrDuplicateID)
		}
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM analysis WHERE id=$1`
	j, err := scanJob(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// FindSubmittable returns jobs awaiting first submission or plot-only
// re-submission.
func (r *JobRepo) FindSubmittable(ctx context.Context) ([]domain.Job, error) {
	return r.findByStatus(ctx, "jobs.FindSubmittable",
		domain.JobPending, domain.JobExpired)
}

// FindActive returns jobs the retrieval worker is responsible for.
func (r *JobRepo) FindActive(ctx context.Context) ([]domain.Job, error) {
	return r.findByStatus(ctx, "jobs.FindActive",
		domain.JobRunning, domain.JobRunningPlot, domain.JobRetryUpload, domain.JobFailedSubmissionToUpload)
}

func (r *JobRepo) findByStatus(ctx context.Context, spanName string, statuses ...domain.JobStatus) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}
	q := `SELECT ` + jobColumns + ` FROM analysis WHERE status = ANY($1) ORDER BY created_at`
	rows, err := r.Pool.Query(ctx, q, vals)
	if err != nil {
		return nil, fmt.Errorf("op=job.find: %w", err)
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.find: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.find: %w", err)
	}
	return jobs, nil
}

// UpdateStatus applies a partial update to the job's status and scalar
// fields. id, created_at and invalid_after are not expressible in a patch.
func (r *JobRepo) UpdateStatus(ctx context.Context, id string, patch domain.JobPatch) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	if patch.Status == "" {
		return fmt.Errorf("op=job.update_status: %w: empty status", domain.ErrInvalidArgument)
	}
	set := []string{"status=$2"}
	args := []any{id, string(patch.Status)}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if patch.ClusterJobID != nil {
		add("cluster_job_id", *patch.ClusterJobID)
	}
	if patch.SubmittedAt != nil {
		add("submitted_at", *patch.SubmittedAt)
	}
	if patch.UploadFailures != nil {
		add("nb_upload_failures", *patch.UploadFailures)
	}
	if patch.UploadError != nil {
		add("upload_error", *patch.UploadError)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.Warning != nil {
		add("warning", *patch.Warning)
	}
	q := `UPDATE analysis SET ` + strings.Join(set, ", ") + ` WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

type scannable interface{ Scan(dest ...any) error }

func scanJob(row scannable) (domain.Job, error) {
	var j domain.Job
	var params []byte
	if err := row.Scan(&j.ID, &j.ResourceID, &j.CreatedAt, &j.InvalidAfter, &j.CallbackURL,
		&j.CallbackMethod, &params, &j.Inputs.Photometry, &j.Inputs.Redshift, &j.Status,
		&j.ClusterJobID, &j.SubmittedAt, &j.UploadFailures, &j.UploadError, &j.Error, &j.Warning); err != nil {
		return domain.Job{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &j.Inputs.AnalysisParameters); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

// Package domain defines the job lifecycle entities and the ports the
// ingestion endpoint and the two workers consume.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrUnknownModel    = errors.New("unknown model")
	ErrUnknownFilter   = errors.New("unknown filter")
	ErrInternal        = errors.New("internal error")
)

// JobStatus enumerates the lifecycle states of an analysis job. Only the
// submission and retrieval workers move a job between states; a terminal
// status is never left.
type JobStatus string

const (
	JobPending                  JobStatus = "pending"
	JobRunning                  JobStatus = "running"
	JobExpired                  JobStatus = "job_expired"
	JobRunningPlot              JobStatus = "running_plot"
	JobFailedSubmissionToUpload JobStatus = "failed_submission_to_upload"
	JobRetryUpload              JobStatus = "retry_upload"
	JobCompleted                JobStatus = "completed"
	JobFailedUpload             JobStatus = "failed_upload"
	JobFailedSubmission         JobStatus = "failed_submission"
	JobFailedPlot               JobStatus = "failed_plot"
	JobWebhookExpired           JobStatus = "webhook_expired"
)

// Terminal reports whether a job in this status is done for good.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailedUpload, JobFailedSubmission, JobFailedPlot, JobWebhookExpired:
		return true
	}
	return false
}

// Inputs is the request payload of a job. Photometry and Redshift hold the
// original CSV text gzip-compressed at ingestion.
type Inputs struct {
	AnalysisParameters AnalysisParameters `json:"analysis_parameters"`
	Photometry         []byte             `json:"photometry,omitempty"`
	Redshift           []byte             `json:"redshift,omitempty"`
}

// Job is the central entity: one durable record per accepted analysis
// request. Timestamps are UTC epoch seconds.
type Job struct {
	ID             string
	ResourceID     string
	CreatedAt      int64
	InvalidAfter   int64
	CallbackURL    string
	CallbackMethod string
	Inputs         Inputs
	Status         JobStatus
	ClusterJobID   string
	SubmittedAt    int64
	UploadFailures int
	UploadError    string
	Error          string
	Warning        string
}

// Label is the cluster-side name for the job's batch runs and artifact
// files. It must stay stable across re-submissions so that the retrieval
// worker can locate artifacts produced by an earlier attempt.
func (j Job) Label() string { return fmt.Sprintf("%s_%d", j.ResourceID, j.CreatedAt) }

// WebhookExpired reports whether the callback URL is past its deadline.
func (j Job) WebhookExpired(now time.Time) bool {
	return now.UTC().Unix() > j.InvalidAfter
}

// WallClockExpired reports whether the current cluster run has exceeded its
// budget. A job that was never submitted cannot expire.
func (j Job) WallClockExpired(now time.Time, limit time.Duration) bool {
	if j.SubmittedAt == 0 {
		return false
	}
	return now.UTC().Sub(time.Unix(j.SubmittedAt, 0).UTC()) > limit
}

// JobPatch is a partial update applied through UpdateStatus. Nil fields are
// left untouched. id, created_at and invalid_after are deliberately not
// representable here: they are immutable after creation.
type JobPatch struct {
	Status         JobStatus
	ClusterJobID   *string
	SubmittedAt    *int64
	UploadFailures *int
	UploadError    *string
	Error          *string
	Warning        *string
}

// Repositories (ports)

// JobRepository is the durable job store contract shared by the ingestion
// endpoint and the workers. Single-row operations are atomic; callers
// partition writes by job id so no cross-row transactions are needed.
type JobRepository interface {
	Create(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// FindSubmittable returns jobs in pending or job_expired.
	FindSubmittable(ctx context.Context) ([]Job, error)
	// FindActive returns jobs in running, running_plot, retry_upload or
	// failed_submission_to_upload.
	FindActive(ctx context.Context) ([]Job, error)
	UpdateStatus(ctx context.Context, id string, patch JobPatch) error
}

// ResultRepository stores retrieved artifact payloads between first
// retrieval and final delivery outcome, keyed by job id.
type ResultRepository interface {
	Put(ctx context.Context, analysisID string, payload []byte) error
	Get(ctx context.Context, analysisID string) ([]byte, error)
	Delete(ctx context.Context, analysisID string) error
}

// Submission is the outcome of a successful cluster submit.
type Submission struct {
	ClusterJobID string
	SubmittedAt  int64
	Warning      string
}

// Cluster is the narrow batch-system port consumed by the workers.
type Cluster interface {
	// Submit stages the job's inputs on the cluster and starts a batch job.
	// skipSampling marks a plot-only re-submission of an expired run.
	Submit(ctx context.Context, j Job, skipSampling bool) (Submission, error)
	// Retrieve returns the assembled callback payload when all artifacts
	// exist, or nil (and no error) while the job is still running.
	Retrieve(ctx context.Context, j Job) (*CallbackPayload, error)
	// Cancel requests cancellation of a batch job. It is idempotent on a
	// missing id and reports success as a bool.
	Cancel(ctx context.Context, clusterJobID string) bool
	Ping(ctx context.Context) error
}

// CallbackClient delivers a payload to the caller-supplied webhook. One
// invocation performs at most one POST; retry policy lives in the
// retrieval worker's state machine.
type CallbackClient interface {
	Deliver(ctx context.Context, url, method string, payload CallbackPayload) (bool, string)
}

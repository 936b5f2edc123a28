// Package app assembles the HTTP router and runs the two background
// workers that drive the job lifecycle.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/skymap-astro/nmma-broker/internal/adapter/observability"
	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// SubmissionWorker scans for submittable jobs and hands them to the
// cluster. One instance per deployment; a second one would race on job
// updates.
type SubmissionWorker struct {
	Jobs     domain.JobRepository
	Cluster  domain.Cluster
	Interval time.Duration
}

// Run ticks until the context is cancelled. The first scan happens
// immediately so a restart picks up backlog without waiting a period.
func (w *SubmissionWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("submission worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// Tick submits every pending or expired job once. Per-job errors are
// recorded on the job and never halt the scan.
func (w *SubmissionWorker) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.WorkerTickDuration.WithLabelValues("submission").Observe(time.Since(start).Seconds())
	}()
	tracer := otel.Tracer("worker.submission")
	ctx, span := tracer.Start(ctx, "submission.Tick")
	defer span.End()

	jobs, err := w.Jobs.FindSubmittable(ctx)
	if err != nil {
		slog.Error("submission scan failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		w.submitOne(ctx, j)
	}
}

func (w *SubmissionWorker) submitOne(ctx context.Context, j domain.Job) {
	// A dead webhook closes the job before any cluster time is spent. A
	// job_expired job may still carry the batch id of its sampling run.
	if j.WebhookExpired(time.Now()) {
		if j.ClusterJobID != "" && !w.Cluster.Cancel(ctx, j.ClusterJobID) {
			slog.Warn("failed to cancel cluster job for expired webhook",
				slog.String("job_id", j.ID), slog.String("cluster_job_id", j.ClusterJobID))
		}
		if err := w.Jobs.UpdateStatus(ctx, j.ID, domain.JobPatch{Status: domain.JobWebhookExpired}); err != nil {
			slog.Error("failed to close job with expired webhook", slog.String("job_id", j.ID), slog.Any("error", err))
			return
		}
		observability.RecordTransition(string(domain.JobWebhookExpired))
		observability.CallbacksTotal.WithLabelValues("skipped").Inc()
		slog.Info("webhook expired before submission", slog.String("job_id", j.ID))
		return
	}

	skipSampling := j.Status == domain.JobExpired

	sub, err := w.Cluster.Submit(ctx, j, skipSampling)
	if err != nil {
		slog.Error("cluster submission failed",
			slog.String("job_id", j.ID),
			slog.String("label", j.Label()),
			slog.Any("error", err),
		)
		observability.SubmitFailuresTotal.Inc()
		msg := err.Error()
		noJob := ""
		patch := domain.JobPatch{
			Status:       domain.JobFailedSubmissionToUpload,
			Error:        &msg,
			ClusterJobID: &noJob,
		}
		if uerr := w.Jobs.UpdateStatus(ctx, j.ID, patch); uerr != nil {
			slog.Error("failed to record submission failure", slog.String("job_id", j.ID), slog.Any("error", uerr))
		}
		observability.RecordTransition(string(domain.JobFailedSubmissionToUpload))
		return
	}

	next := domain.JobRunning
	mode := "sampling"
	if skipSampling {
		next = domain.JobRunningPlot
		mode = "plot"
	}
	clearErr := ""
	patch := domain.JobPatch{
		Status:       next,
		ClusterJobID: &sub.ClusterJobID,
		SubmittedAt:  &sub.SubmittedAt,
		Error:        &clearErr,
		Warning:      &sub.Warning,
	}
	if err := w.Jobs.UpdateStatus(ctx, j.ID, patch); err != nil {
		// The batch job is already queued; the next tick resubmits under the
		// same LABEL, so artifacts stay reachable either way.
		slog.Error("failed to mark job running", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	observability.JobsSubmittedTotal.WithLabelValues(mode).Inc()
	observability.RecordTransition(string(next))
	slog.Info("job submitted to cluster",
		slog.String("job_id", j.ID),
		slog.String("cluster_job_id", sub.ClusterJobID),
		slog.String("mode", mode),
	)
}

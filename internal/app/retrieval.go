package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/skymap-astro/nmma-broker/internal/adapter/observability"
	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// RetrievalWorker watches running jobs for completion, expiry and delivery
// outcomes. Transition precedence within one job is fixed: webhook expiry,
// then wall-clock expiry, then delivery-budget exhaustion, then
// retrieve/deliver. An expired webhook never produces an outgoing
// callback.
type RetrievalWorker struct {
	Jobs     domain.JobRepository
	Results  domain.ResultRepository
	Cluster  domain.Cluster
	Callback domain.CallbackClient

	TimeLimit         time.Duration
	MaxUploadFailures int
	Interval          time.Duration
}

// Run ticks until the context is cancelled.
func (w *RetrievalWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		w.Tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("retrieval worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// Tick processes every active job once, serially. Per-job failures are
// logged and the scan moves on.
func (w *RetrievalWorker) Tick(ctx context.Context) {
	start := time.Now()
	defer func() {
		observability.WorkerTickDuration.WithLabelValues("retrieval").Observe(time.Since(start).Seconds())
	}()
	tracer := otel.Tracer("worker.retrieval")
	ctx, span := tracer.Start(ctx, "retrieval.Tick")
	defer span.End()

	jobs, err := w.Jobs.FindActive(ctx)
	if err != nil {
		slog.Error("retrieval scan failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		w.processOne(ctx, j)
	}
}

func (w *RetrievalWorker) processOne(ctx context.Context, j domain.Job) {
	now := time.Now()

	if j.WebhookExpired(now) {
		w.expireWebhook(ctx, j)
		return
	}
	if (j.Status == domain.JobRunning || j.Status == domain.JobRunningPlot) &&
		j.WallClockExpired(now, w.TimeLimit) {
		w.expireWallClock(ctx, j)
		return
	}
	if j.Status == domain.JobRetryUpload && j.UploadFailures >= w.MaxUploadFailures {
		w.exhaustBudget(ctx, j)
		return
	}

	switch j.Status {
	case domain.JobFailedSubmissionToUpload:
		w.reportSubmissionFailure(ctx, j)
	case domain.JobRunning, domain.JobRunningPlot:
		w.retrieveAndDeliver(ctx, j)
	case domain.JobRetryUpload:
		w.redeliver(ctx, j)
	}
}

// expireWebhook cancels the batch job if one is running, discards any
// stored result and closes the job. No callback is sent.
func (w *RetrievalWorker) expireWebhook(ctx context.Context, j domain.Job) {
	if j.ClusterJobID != "" {
		if !w.Cluster.Cancel(ctx, j.ClusterJobID) {
			slog.Warn("failed to cancel cluster job for expired webhook",
				slog.String("job_id", j.ID), slog.String("cluster_job_id", j.ClusterJobID))
		}
	}
	w.discardResult(ctx, j.ID)
	w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobWebhookExpired})
	observability.CallbacksTotal.WithLabelValues("skipped").Inc()
	slog.Info("webhook expired before delivery", slog.String("job_id", j.ID))
}

// expireWallClock sends a sampling run back for plot-only re-submission.
// A plot run that itself ran out of budget is final: the upstream gets one
// failure notice and the job closes as failed_plot.
func (w *RetrievalWorker) expireWallClock(ctx context.Context, j domain.Job) {
	if j.Status == domain.JobRunning {
		w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobExpired})
		slog.Info("job exceeded wall-clock budget, queueing plot-only re-submission",
			slog.String("job_id", j.ID), slog.String("label", j.Label()))
		return
	}

	payload := domain.FailurePayload("analysis exceeded its time limit before producing results")
	w.deliverOnce(ctx, j, payload)
	w.discardResult(ctx, j.ID)
	w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobFailedPlot})
	slog.Warn("plot-only run exceeded wall-clock budget", slog.String("job_id", j.ID))
}

// exhaustBudget closes a retry_upload job whose failure count has reached
// the budget. Checked before any delivery, so the budget bounds the total
// number of POSTs.
func (w *RetrievalWorker) exhaustBudget(ctx context.Context, j domain.Job) {
	w.discardResult(ctx, j.ID)
	w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobFailedUpload})
	slog.Warn("delivery retry budget exhausted",
		slog.String("job_id", j.ID),
		slog.Int("upload_failures", j.UploadFailures),
		slog.String("last_error", j.UploadError),
	)
}

// reportSubmissionFailure delivers the failure notice exactly once; the
// job becomes failed_submission regardless of the delivery outcome.
func (w *RetrievalWorker) reportSubmissionFailure(ctx context.Context, j domain.Job) {
	w.deliverOnce(ctx, j, domain.FailurePayload(j.Error))
	w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobFailedSubmission})
}

// retrieveAndDeliver polls the cluster for artifacts. The payload is
// persisted before the delivery attempt so a crash in between cannot lose
// retrieved artifacts.
func (w *RetrievalWorker) retrieveAndDeliver(ctx context.Context, j domain.Job) {
	payload, err := w.Cluster.Retrieve(ctx, j)
	if err != nil {
		// Treated as not-ready: the job stays put and the next tick retries.
		slog.Error("artifact retrieval failed", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	if payload == nil {
		return
	}
	observability.ResultsRetrievedTotal.Inc()

	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode result payload", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}
	if err := w.Results.Put(ctx, j.ID, raw); err != nil {
		slog.Error("failed to persist result payload", slog.String("job_id", j.ID), slog.Any("error", err))
		return
	}

	w.deliver(ctx, j, *payload)
}

// redeliver retries delivery of a stored result, falling back to a fresh
// retrieval if the stored copy went missing.
func (w *RetrievalWorker) redeliver(ctx context.Context, j domain.Job) {
	var payload domain.CallbackPayload
	raw, err := w.Results.Get(ctx, j.ID)
	if err == nil {
		err = json.Unmarshal(raw, &payload)
	}
	if err != nil {
		fresh, rerr := w.Cluster.Retrieve(ctx, j)
		if rerr != nil || fresh == nil {
			slog.Error("no stored result and no retrievable artifacts",
				slog.String("job_id", j.ID), slog.Any("error", rerr))
			return
		}
		payload = *fresh
		if reEncoded, merr := json.Marshal(fresh); merr == nil {
			if perr := w.Results.Put(ctx, j.ID, reEncoded); perr != nil {
				slog.Error("failed to re-persist result payload", slog.String("job_id", j.ID), slog.Any("error", perr))
			}
		}
	}

	w.deliver(ctx, j, payload)
}

// deliver runs one delivery attempt and applies the state-machine
// outcome: completed on success, retry_upload with an incremented failure
// count otherwise.
func (w *RetrievalWorker) deliver(ctx context.Context, j domain.Job, payload domain.CallbackPayload) {
	ok, msg := w.Callback.Deliver(ctx, j.CallbackURL, j.CallbackMethod, payload)
	if ok {
		observability.CallbacksTotal.WithLabelValues("delivered").Inc()
		w.transition(ctx, j.ID, domain.JobPatch{Status: domain.JobCompleted})
		w.discardResult(ctx, j.ID)
		slog.Info("analysis results delivered", slog.String("job_id", j.ID))
		return
	}

	observability.CallbacksTotal.WithLabelValues("failed").Inc()
	failures := j.UploadFailures + 1
	w.transition(ctx, j.ID, domain.JobPatch{
		Status:         domain.JobRetryUpload,
		UploadFailures: &failures,
		UploadError:    &msg,
	})
	slog.Warn("callback delivery failed",
		slog.String("job_id", j.ID),
		slog.Int("upload_failures", failures),
		slog.String("error", msg),
	)
}

// deliverOnce sends a payload whose outcome does not influence the next
// transition (failure notices).
func (w *RetrievalWorker) deliverOnce(ctx context.Context, j domain.Job, payload domain.CallbackPayload) {
	ok, msg := w.Callback.Deliver(ctx, j.CallbackURL, j.CallbackMethod, payload)
	if ok {
		observability.CallbacksTotal.WithLabelValues("delivered").Inc()
		return
	}
	observability.CallbacksTotal.WithLabelValues("failed").Inc()
	slog.Warn("failure notice delivery failed", slog.String("job_id", j.ID), slog.String("error", msg))
}

func (w *RetrievalWorker) discardResult(ctx context.Context, jobID string) {
	if err := w.Results.Delete(ctx, jobID); err != nil {
		slog.Error("failed to delete result row", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (w *RetrievalWorker) transition(ctx context.Context, jobID string, patch domain.JobPatch) {
	if err := w.Jobs.UpdateStatus(ctx, jobID, patch); err != nil {
		slog.Error("status transition failed",
			slog.String("job_id", jobID),
			slog.String("status", string(patch.Status)),
			slog.Any("error", err),
		)
		return
	}
	observability.RecordTransition(string(patch.Status))
}

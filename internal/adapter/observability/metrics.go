package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_jobs_ingested_total",
			Help: "Total number of analysis requests accepted as pending jobs",
		},
	)
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_jobs_submitted_total",
			Help: "Total number of cluster submissions by mode",
		},
		[]string{"mode"}, // sampling | plot
	)
	SubmitFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_submit_failures_total",
			Help: "Total number of failed cluster submissions",
		},
	)
	ResultsRetrievedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_results_retrieved_total",
			Help: "Total number of artifact payloads retrieved from the cluster",
		},
	)
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_callbacks_total",
			Help: "Total number of callback delivery attempts by outcome",
		},
		[]string{"outcome"}, // delivered | failed | skipped
	)
	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analysis_job_transitions_total",
			Help: "Total number of job status transitions by destination status",
		},
		[]string{"status"},
	)
	WorkerTickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_tick_duration_seconds",
			Help:    "Duration of one worker scan over its job partition",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"worker"}, // submission | retrieval
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsIngestedTotal)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(SubmitFailuresTotal)
	prometheus.MustRegister(ResultsRetrievedTotal)
	prometheus.MustRegister(CallbacksTotal)
	prometheus.MustRegister(JobTransitionsTotal)
	prometheus.MustRegister(WorkerTickDuration)
}

// RecordTransition counts a job status transition.
func RecordTransition(status string) {
	JobTransitionsTotal.WithLabelValues(status).Inc()
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

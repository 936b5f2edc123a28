package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/skymap-astro/nmma-broker/internal/adapter/observability"
	"github.com/skymap-astro/nmma-broker/internal/domain"
	"github.com/skymap-astro/nmma-broker/internal/usecase"
)

// Pinger is the reachability probe the health endpoints run against the
// job store and the cluster session.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Server bundles the handlers of the ingestion API.
type Server struct {
	Ingest  usecase.IngestService
	DB      Pinger
	Cluster Pinger
}

// NewServer constructs the handler set.
func NewServer(ingest usecase.IngestService, db, cluster Pinger) *Server {
	return &Server{Ingest: ingest, DB: db, Cluster: cluster}
}

// AnalysisPostHandler accepts a new analysis request and persists it as a
// pending job.
func (s *Server) AnalysisPostHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.AnalysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "Invalid JSON")
			return
		}

		id, err := s.Ingest.Ingest(r.Context(), req)
		if err != nil {
			lg := LoggerFrom(r)
			if errors.Is(err, domain.ErrInvalidArgument) || errors.Is(err, domain.ErrUnknownModel) ||
				errors.Is(err, domain.ErrUnknownFilter) {
				lg.Warn("analysis request rejected", "error", err)
				writeMessage(w, http.StatusBadRequest, rejectionMessage(err))
				return
			}
			lg.Error("analysis ingestion failed", "error", err)
			writeMessage(w, http.StatusInternalServerError, "failed to persist analysis request")
			return
		}

		observability.JobsIngestedTotal.Inc()
		LoggerFrom(r).Info("analysis accepted", "job_id", id)
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "pending",
			"message": "nmma_analysis_service: analysis submitted",
		})
	}
}

// rejectionMessage strips the sentinel prefix so the caller sees only the
// human-readable reason.
func rejectionMessage(err error) string {
	msg := err.Error()
	for _, sentinel := range []error{domain.ErrInvalidArgument, domain.ErrUnknownModel, domain.ErrUnknownFilter} {
		if prefix := sentinel.Error() + ": "; strings.HasPrefix(msg, prefix) {
			return strings.TrimPrefix(msg, prefix)
		}
	}
	return msg
}

// AnalysisGetHandler reports service liveness to the upstream platform.
func (s *Server) AnalysisGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
	}
}

// HealthHandler probes the job store and the cluster session.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		writeJSON(w, http.StatusOK, map[string]bool{
			"database": s.DB.Ping(ctx) == nil,
			"expanse":  s.Cluster.Ping(ctx) == nil,
		})
	}
}

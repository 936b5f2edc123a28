// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/skymap-astro/nmma-broker/internal/domain"
	"github.com/skymap-astro/nmma-broker/internal/filters"
	"github.com/skymap-astro/nmma-broker/pkg/gzipx"
)

// AnalysisRequest mirrors the upstream JSON body of POST /analysis.
// InvalidAfter is accepted as epoch seconds or as a timestamp string.
type AnalysisRequest struct {
	ResourceID     string         `json:"resource_id"`
	InvalidAfter   any            `json:"invalid_after"`
	CallbackURL    string         `json:"callback_url" validate:"omitempty,url"`
	CallbackMethod string         `json:"callback_method"`
	Inputs         *RequestInputs `json:"inputs"`
}

// RequestInputs is the inputs object of an analysis request.
type RequestInputs struct {
	AnalysisParameters map[string]any `json:"analysis_parameters"`
	Photometry         string         `json:"photometry"`
	Redshift           string         `json:"redshift"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

// resource_id becomes part of cluster-side file names and command lines,
// so only a filename-safe charset is accepted.
var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// IngestService validates incoming analysis requests, normalizes their
// photometry, and persists them as pending jobs.
type IngestService struct {
	Jobs          domain.JobRepository
	Mapper        *filters.Mapper
	AllowedModels []string
}

// NewIngestService constructs an IngestService with its dependencies.
func NewIngestService(jobs domain.JobRepository, mapper *filters.Mapper, allowedModels []string) IngestService {
	return IngestService{Jobs: jobs, Mapper: mapper, AllowedModels: allowedModels}
}

// Ingest validates the request and creates the pending job, returning its id.
// All rejections wrap domain.ErrInvalidArgument with a human-readable reason.
func (s IngestService) Ingest(ctx context.Context, req AnalysisRequest) (string, error) {
	params, err := s.validate(req)
	if err != nil {
		return "", err
	}

	invalidAfter, err := parseEpoch(req.InvalidAfter)
	if err != nil {
		return "", fmt.Errorf("%w: invalid_after: %v", domain.ErrInvalidArgument, err)
	}

	photometry := req.Inputs.Photometry
	if photometry != "" {
		if mt := mimetype.Detect([]byte(photometry)); !strings.HasPrefix(mt.String(), "text/") {
			return "", fmt.Errorf("%w: photometry must be CSV text, got %s", domain.ErrInvalidArgument, mt.String())
		}
		photometry, err = s.normalizePhotometry(params.Source, photometry)
		if err != nil {
			return "", err
		}
	}

	inputs := domain.Inputs{AnalysisParameters: params}
	if photometry != "" {
		inputs.Photometry, err = gzipx.Compress([]byte(photometry))
		if err != nil {
			return "", fmt.Errorf("op=ingest.compress: %w", err)
		}
	}
	if req.Inputs.Redshift != "" {
		inputs.Redshift, err = gzipx.Compress([]byte(req.Inputs.Redshift))
		if err != nil {
			return "", fmt.Errorf("op=ingest.compress: %w", err)
		}
	}

	job := domain.Job{
		ID:             uuid.New().String(),
		ResourceID:     req.ResourceID,
		CreatedAt:      time.Now().UTC().Unix(),
		InvalidAfter:   invalidAfter,
		CallbackURL:    req.CallbackURL,
		CallbackMethod: req.CallbackMethod,
		Inputs:         inputs,
		Status:         domain.JobPending,
	}
	if job.ResourceID == "" {
		job.ResourceID = job.ID
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return "", fmt.Errorf("op=ingest.create: %w", err)
	}
	slog.Info("analysis request accepted",
		slog.String("job_id", job.ID),
		slog.String("resource_id", job.ResourceID),
		slog.String("model", params.Source))
	return job.ID, nil
}

// validate enforces the required keys and the model allowlist, and returns
// the normalized analysis parameters.
func (s IngestService) validate(req AnalysisRequest) (domain.AnalysisParameters, error) {
	var missing []string
	if req.Inputs == nil {
		missing = append(missing, "inputs")
	}
	if req.CallbackURL == "" {
		missing = append(missing, "callback_url")
	}
	if req.CallbackMethod == "" {
		missing = append(missing, "callback_method")
	}
	if len(missing) > 0 {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: missing required key(s) [%s]",
			domain.ErrInvalidArgument, strings.Join(missing, ", "))
	}
	if err := getValidator().Struct(req); err != nil {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: callback_url is not a valid URL", domain.ErrInvalidArgument)
	}
	if req.InvalidAfter == nil {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: missing required key(s) [invalid_after]", domain.ErrInvalidArgument)
	}
	if req.ResourceID != "" && !resourceIDPattern.MatchString(req.ResourceID) {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: resource_id may only contain letters, digits, '_', '.' and '-'",
			domain.ErrInvalidArgument)
	}

	params := domain.ParametersFromMap(stripEmpty(req.Inputs.AnalysisParameters))
	if params.Source == "" {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: model not specified in inputs.analysis_parameters",
			domain.ErrInvalidArgument)
	}
	if !contains(s.AllowedModels, params.Source) {
		return domain.AnalysisParameters{}, fmt.Errorf("%w: model %s is not allowed, must be one of: %s",
			domain.ErrInvalidArgument, params.Source, strings.Join(s.AllowedModels, ","))
	}
	return params, nil
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}

// stripEmpty drops null, empty-string, empty-list and empty-mapping values
// from the top level of a decoded JSON object.
func stripEmpty(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case nil:
			continue
		case string:
			if t == "" {
				continue
			}
		case []any:
			if len(t) == 0 {
				continue
			}
		case map[string]any:
			if len(t) == 0 {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// parseEpoch accepts an epoch-second number or a timestamp string.
func parseEpoch(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC().Unix(), nil
			}
		}
		return 0, fmt.Errorf("unparseable timestamp %q", t)
	}
	return 0, fmt.Errorf("expected epoch seconds or timestamp string, got %T", v)
}

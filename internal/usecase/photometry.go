package usecase

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// normalizePhotometry deduplicates rows by mjd (first occurrence wins),
// rewrites each row's filter through the mapper, and drops rows whose
// filter has no usable mapping. An empty survivor set rejects the request.
func (s IngestService) normalizePhotometry(model, csvText string) (string, error) {
	r := csv.NewReader(strings.NewReader(csvText))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: photometry is not valid CSV: %v", domain.ErrInvalidArgument, err)
	}
	if len(records) < 2 {
		return "", fmt.Errorf("%w: photometry must have a header and at least one row", domain.ErrInvalidArgument)
	}

	header := records[0]
	mjdIdx, filterIdx := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "mjd":
			mjdIdx = i
		case "filter":
			filterIdx = i
		}
	}
	if mjdIdx < 0 || filterIdx < 0 {
		return "", fmt.Errorf("%w: photometry must have mjd and filter columns", domain.ErrInvalidArgument)
	}

	seen := make(map[string]struct{})
	kept := [][]string{header}
	dropped := 0
	for _, row := range records[1:] {
		if len(row) <= mjdIdx || len(row) <= filterIdx {
			dropped++
			continue
		}
		mjd := strings.TrimSpace(row[mjdIdx])
		if _, dup := seen[mjd]; dup {
			continue
		}
		seen[mjd] = struct{}{}

		mapped, err := s.Mapper.MapFilter(model, strings.TrimSpace(row[filterIdx]))
		if err != nil {
			dropped++
			continue
		}
		row[filterIdx] = mapped
		kept = append(kept, row)
	}
	if len(kept) == 1 {
		return "", fmt.Errorf("%w: no photometry rows with a usable filter for model %s",
			domain.ErrInvalidArgument, model)
	}
	if dropped > 0 {
		slog.Debug("dropped photometry rows with unmappable filters",
			slog.String("model", model), slog.Int("dropped", dropped))
	}

	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.WriteAll(kept); err != nil {
		return "", fmt.Errorf("op=ingest.photometry: %w", err)
	}
	return b.String(), nil
}

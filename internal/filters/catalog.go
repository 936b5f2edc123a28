package filters

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

// CatalogLoader obtains the trained-model catalog once at process start,
// preferring a local file cache over the remote catalog URL.
type CatalogLoader struct {
	URL       string
	CachePath string
	hc        *http.Client
}

// NewCatalogLoader constructs a loader for the given catalog URL and cache path.
func NewCatalogLoader(url, cachePath string) *CatalogLoader {
	return &CatalogLoader{
		URL:       url,
		CachePath: cachePath,
		hc:        &http.Client{Timeout: 30 * time.Second},
	}
}

// Load returns the catalog from the cache file when present, otherwise
// fetches it from the URL and writes the cache best-effort.
func (l *CatalogLoader) Load(ctx context.Context) (map[string]Model, error) {
	if b, err := os.ReadFile(l.CachePath); err == nil {
		models, err := decodeCatalog(b)
		if err == nil {
			slog.Info("model catalog loaded from cache",
				slog.String("path", l.CachePath),
				slog.Int("models", len(models)))
			return models, nil
		}
		slog.Warn("model catalog cache unreadable; refetching",
			slog.String("path", l.CachePath), slog.Any("error", err))
	}

	b, err := l.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=filters.catalog: %w", err)
	}
	models, err := decodeCatalog(b)
	if err != nil {
		return nil, fmt.Errorf("op=filters.catalog: %w", err)
	}
	if err := os.WriteFile(l.CachePath, b, 0o644); err != nil {
		slog.Warn("failed to write model catalog cache",
			slog.String("path", l.CachePath), slog.Any("error", err))
	}
	slog.Info("model catalog fetched",
		slog.String("url", l.URL), slog.Int("models", len(models)))
	return models, nil
}

func (l *CatalogLoader) fetch(ctx context.Context) ([]byte, error) {
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := l.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("catalog status %d", resp.StatusCode)
		}
		body, err = io.ReadAll(resp.Body)
		return err
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeCatalog(b []byte) (map[string]Model, error) {
	var models map[string]Model
	if err := yaml.Unmarshal(b, &models); err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return models, nil
}

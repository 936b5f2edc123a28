package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymap-astro/nmma-broker/internal/adapter/httpserver"
	"github.com/skymap-astro/nmma-broker/internal/app"
	"github.com/skymap-astro/nmma-broker/internal/config"
	"github.com/skymap-astro/nmma-broker/internal/filters"
	"github.com/skymap-astro/nmma-broker/internal/usecase"
)

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, app.ParseOrigins(""))
	assert.Equal(t, []string{"*"}, app.ParseOrigins("*"))
	assert.Equal(t, []string{"https://a.example", "https://b.example"},
		app.ParseOrigins(" https://a.example, https://b.example ,"))
}

func TestRouterRoutes(t *testing.T) {
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 100}
	mapper := filters.NewMapper(map[string]filters.Model{})
	ingest := usecase.NewIngestService(newMemJobs(), mapper, []string{"Me2017"})
	srv := httpserver.NewServer(ingest,
		httpserver.PingerFunc(func(_ context.Context) error { return nil }),
		httpserver.PingerFunc(func(_ context.Context) error { return nil }),
	)
	h := app.BuildRouter(cfg, srv)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analysis", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"database":true,"expanse":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

package filters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogYAML = "Bu2022Ye_tf:\n  filters: [ps1__g, ps1__r]\n"

func TestCatalogLoadFromCache(t *testing.T) {
	dir := t.TempDir()
	cache := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(cache, []byte(catalogYAML), 0o644))

	// URL is unreachable on purpose; the cache must win.
	l := NewCatalogLoader("http://127.0.0.1:1/models.yaml", cache)
	models, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, models, "Bu2022Ye_tf")
	assert.Equal(t, []string{"ps1__g", "ps1__r"}, models["Bu2022Ye_tf"].Filters)
}

func TestCatalogFetchAndCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(catalogYAML))
	}))
	defer srv.Close()

	cache := filepath.Join(t.TempDir(), "models.yaml")
	l := NewCatalogLoader(srv.URL, cache)
	models, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Contains(t, models, "Bu2022Ye_tf")

	// cache file written for the next start
	b, err := os.ReadFile(cache)
	require.NoError(t, err)
	assert.Equal(t, catalogYAML, string(b))
}

func TestCatalogEmptyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}\n"))
	}))
	defer srv.Close()

	l := NewCatalogLoader(srv.URL, filepath.Join(t.TempDir(), "models.yaml"))
	_, err := l.Load(context.Background())
	require.Error(t, err)
}

package callback_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymap-astro/nmma-broker/internal/adapter/callback"
	"github.com/skymap-astro/nmma-broker/internal/domain"
)

func successPayload() domain.CallbackPayload {
	return domain.CallbackPayload{
		Status:  "success",
		Message: "Good results with log Bayes factor=12.5",
		Analysis: &domain.AnalysisArtifacts{
			InferenceData: domain.Artifact{Format: "netcdf4", Data: "aGVsbG8="},
			Plots:         []domain.Artifact{{Format: "png", Data: "aGVsbG8="}},
			Results:       domain.Artifact{Format: "joblib", Data: "aGVsbG8="},
		},
	}
}

func TestDeliver_OK(t *testing.T) {
	var got domain.CallbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, msg := c.Deliver(context.Background(), srv.URL, "POST", successPayload())
	assert.True(t, ok)
	assert.Empty(t, msg)
	assert.Equal(t, "success", got.Status)
	require.NotNil(t, got.Analysis)
	assert.Equal(t, "netcdf4", got.Analysis.InferenceData.Format)
}

func TestDeliver_SkipsNonPOST(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for non-POST callback methods")
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, msg := c.Deliver(context.Background(), srv.URL, "GET", successPayload())
	assert.True(t, ok)
	assert.Empty(t, msg)
}

func TestDeliver_TopLevelMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"invalid analysis id"}`))
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, msg := c.Deliver(context.Background(), srv.URL, "POST", successPayload())
	assert.False(t, ok)
	assert.Equal(t, "invalid analysis id", msg)
}

func TestDeliver_NestedDataMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"data":{"message":"upstream database down"}}`))
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, msg := c.Deliver(context.Background(), srv.URL, "POST", successPayload())
	assert.False(t, ok)
	assert.Equal(t, "upstream database down", msg)
}

func TestDeliver_NonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, msg := c.Deliver(context.Background(), srv.URL, "POST", successPayload())
	assert.False(t, ok)
	assert.Equal(t, "callback returned status code 502", msg)
}

func TestDeliver_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := callback.New(50 * time.Millisecond)
	ok, msg := c.Deliver(context.Background(), srv.URL, "POST", successPayload())
	assert.False(t, ok)
	assert.NotEmpty(t, msg)
}

func TestDeliver_FailurePayloadShape(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := callback.New(5 * time.Second)
	ok, _ := c.Deliver(context.Background(), srv.URL, "POST", domain.FailurePayload("submission failed"))
	assert.True(t, ok)
	assert.Equal(t, "failure", raw["status"])
	assert.Equal(t, "submission failed", raw["message"])
	_, hasAnalysis := raw["analysis"]
	assert.False(t, hasAnalysis)
}

// Package callback delivers finished analysis payloads to the webhook the
// requester registered. One Deliver call performs at most one POST; the
// retrieval worker owns the retry budget.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// Client posts callback payloads with a bounded timeout.
type Client struct {
	hc *http.Client
}

// New builds a client with the given per-request timeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{hc: &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}}
}

// Deliver posts the payload to the webhook. Non-POST callback methods are
// skipped and reported as delivered. On a non-200 response the error
// message is pulled from the body; on a transport failure it is the error
// text.
func (c *Client) Deliver(ctx context.Context, url, method string, payload domain.CallbackPayload) (bool, string) {
	if !strings.EqualFold(method, http.MethodPost) {
		slog.Warn("callback method is not POST, skipping delivery",
			slog.String("method", method), slog.String("url", url))
		return true, ""
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Sprintf("encode payload: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, ""
	}
	return false, errorMessage(resp)
}

// errorMessage digs the upstream's explanation out of an error response:
// top-level "message", else "data.message", else the bare status.
func errorMessage(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil && len(raw) > 0 {
		var body struct {
			Message string `json:"message"`
			Data    struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &body); err == nil {
			if body.Message != "" {
				return body.Message
			}
			if body.Data.Message != "" {
				return body.Data.Message
			}
		}
	}
	return fmt.Sprintf("callback returned status code %d", resp.StatusCode)
}

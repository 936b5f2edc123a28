package expanse

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/skymap-astro/nmma-broker/internal/domain"
)

// Retrieve checks whether the three artifact files of a run exist and, if
// so, downloads them and assembles the callback payload. A nil payload
// with a nil error means the run is still going.
func (c *Client) Retrieve(ctx context.Context, j domain.Job) (*domain.CallbackPayload, error) {
	label := j.Label()
	outDir := path.Join(c.cfg.NMMADir, c.cfg.OutputDirname, label)
	posterior := path.Join(outDir, label+"_posterior_samples.dat")
	result := path.Join(outDir, label+"_result.json")
	lightcurves := path.Join(outDir, label+"_lightcurves.png")

	probe := fmt.Sprintf("test -f %s && test -f %s && test -f %s",
		shellQuote(posterior), shellQuote(result), shellQuote(lightcurves))
	if _, err := c.run(ctx, probe, nil); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=expanse.retrieve probe: %w", err)
	}

	posteriorB64, err := c.download(ctx, posterior)
	if err != nil {
		return nil, err
	}
	resultB64, err := c.download(ctx, result)
	if err != nil {
		return nil, err
	}
	lightcurvesB64, err := c.download(ctx, lightcurves)
	if err != nil {
		return nil, err
	}

	msg, err := resultMessage(resultB64)
	if err != nil {
		return nil, fmt.Errorf("op=expanse.retrieve: %w", err)
	}

	return &domain.CallbackPayload{
		Status:  "success",
		Message: msg,
		Analysis: &domain.AnalysisArtifacts{
			InferenceData: domain.Artifact{Format: "netcdf4", Data: posteriorB64},
			Plots:         []domain.Artifact{{Format: "png", Data: lightcurvesB64}},
			Results:       domain.Artifact{Format: "joblib", Data: resultB64},
		},
	}, nil
}

// download pulls a file over the exec channel as base64 text. The encoding
// survives the shell round trip for binary artifacts.
func (c *Client) download(ctx context.Context, remotePath string) (string, error) {
	out, err := c.run(ctx, "base64 "+shellQuote(remotePath), nil)
	if err != nil {
		return "", fmt.Errorf("op=expanse.download path=%s: %w", remotePath, err)
	}
	b64 := strings.Join(strings.Fields(string(out)), "")
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return "", fmt.Errorf("op=expanse.download path=%s: corrupt transfer: %w", remotePath, err)
	}
	return b64, nil
}

// resultMessage extracts the fit quality line from the base64-encoded
// result JSON.
func resultMessage(resultB64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(resultB64)
	if err != nil {
		return "", err
	}
	var summary struct {
		LogBayesFactor json.Number `json:"log_bayes_factor"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return "", fmt.Errorf("result json parse: %w", err)
	}
	return fmt.Sprintf("Good results with log Bayes factor=%v", summary.LogBayesFactor), nil
}

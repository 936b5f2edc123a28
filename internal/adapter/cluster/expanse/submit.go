package expanse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/skymap-astro/nmma-broker/internal/domain"
	"github.com/skymap-astro/nmma-broker/pkg/gzipx"
)

// skipSamplingSentinel marks plot-only re-submissions. The launcher script
// checks for a non-empty value, so any sentinel works; "true" reads best
// in squeue listings.
const skipSamplingSentinel = "true"

var submissionLine = regexp.MustCompile(`Submitted batch job (\d+)`)

// Submit stages the job's photometry (and redshift prior, when present) in
// the cluster data directory and hands the run to Slurm. The returned
// Submission carries the scheduler job id and the submit timestamp.
func (c *Client) Submit(ctx context.Context, j domain.Job, skipSampling bool) (domain.Submission, error) {
	photometry, err := gzipx.Decompress(j.Inputs.Photometry)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=expanse.submit: %w", err)
	}

	label := j.Label()
	dataDir := path.Join(c.cfg.NMMADir, c.cfg.DataDirname)
	dataFile := path.Join(dataDir, label+".dat")
	upload := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dataDir), shellQuote(dataFile))
	if _, err := c.run(ctx, upload, photometry); err != nil {
		return domain.Submission{}, fmt.Errorf("op=expanse.submit upload: %w", err)
	}

	var warning string
	if len(j.Inputs.Redshift) > 0 {
		redshift, err := gzipx.Decompress(j.Inputs.Redshift)
		if err != nil {
			return domain.Submission{}, fmt.Errorf("op=expanse.submit: %w", err)
		}
		priorFile := path.Join(dataDir, label+"_redshift.dat")
		if _, err := c.run(ctx, "cat > "+shellQuote(priorFile), redshift); err != nil {
			return domain.Submission{}, fmt.Errorf("op=expanse.submit upload: %w", err)
		}
	} else {
		warning = "no redshift provided, sampling distance"
	}

	tt, err := earliestUnmaskedMJD(photometry)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=expanse.submit: %w", err)
	}

	params := j.Inputs.AnalysisParameters
	exports := buildExports(params.Source, label, tt, dataFile, params.TMin, params.TMax, params.DT, skipSampling)
	script := path.Join(c.cfg.NMMADir, c.cfg.SlurmScript)
	out, err := c.run(ctx, fmt.Sprintf("sbatch --export=%s %s", shellQuote(exports), shellQuote(script)), nil)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=expanse.submit sbatch: %w", err)
	}
	id, err := parseSubmissionID(string(out))
	if err != nil {
		return domain.Submission{}, fmt.Errorf("op=expanse.submit: %w", err)
	}
	return domain.Submission{
		ClusterJobID: id,
		SubmittedAt:  time.Now().UTC().Unix(),
		Warning:      warning,
	}, nil
}

// Cancel asks Slurm to kill the batch job. scancel exits zero for ids it
// no longer knows, so cancelling twice is safe; only a broken session
// reports failure.
func (c *Client) Cancel(ctx context.Context, clusterJobID string) bool {
	if clusterJobID == "" {
		return true
	}
	if _, err := c.run(ctx, "scancel "+shellQuote(clusterJobID), nil); err != nil {
		// A non-zero exit means Slurm no longer knows the id, which is a
		// successful cancel from our point of view. Anything else is a
		// broken session.
		var exitErr *ssh.ExitError
		return errors.As(err, &exitErr)
	}
	return true
}

func buildExports(model, label string, tt float64, dataFile string, tmin, tmax, dt float64, skipSampling bool) string {
	skip := ""
	if skipSampling {
		skip = skipSamplingSentinel
	}
	pairs := []string{
		"ALL",
		"MODEL=" + model,
		"LABEL=" + label,
		"TT=" + strconv.FormatFloat(tt, 'f', -1, 64),
		"DATA=" + dataFile,
		"TMIN=" + strconv.FormatFloat(tmin, 'f', -1, 64),
		"TMAX=" + strconv.FormatFloat(tmax, 'f', -1, 64),
		"DT=" + strconv.FormatFloat(dt, 'f', -1, 64),
		"SKIP_SAMPLING=" + skip,
	}
	return strings.Join(pairs, ",")
}

func parseSubmissionID(confirmation string) (string, error) {
	m := submissionLine.FindStringSubmatch(confirmation)
	if m == nil {
		return "", fmt.Errorf("no batch job id in scheduler output %q", strings.TrimSpace(confirmation))
	}
	return m[1], nil
}

// earliestUnmaskedMJD finds the trigger time for the fit: the smallest mjd
// among photometry rows that carry an actual magnitude. Rows with an empty
// or non-numeric mag column are upper limits and do not count.
func earliestUnmaskedMJD(photometry []byte) (float64, error) {
	r := csv.NewReader(strings.NewReader(string(photometry)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("photometry parse: %w", err)
	}
	if len(records) < 2 {
		return 0, fmt.Errorf("photometry has no data rows")
	}
	mjdCol, magCol := -1, -1
	for i, name := range records[0] {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "mjd":
			mjdCol = i
		case "mag", "magnitude":
			magCol = i
		}
	}
	if mjdCol < 0 {
		return 0, fmt.Errorf("photometry has no mjd column")
	}
	best := 0.0
	found := false
	for _, rec := range records[1:] {
		if mjdCol >= len(rec) {
			continue
		}
		mjd, err := strconv.ParseFloat(strings.TrimSpace(rec[mjdCol]), 64)
		if err != nil {
			continue
		}
		if magCol >= 0 {
			if magCol >= len(rec) || !isMeasured(rec[magCol]) {
				continue
			}
		}
		if !found || mjd < best {
			best = mjd
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("photometry has no unmasked detections")
	}
	return best, nil
}

func isMeasured(field string) bool {
	v := strings.ToLower(strings.TrimSpace(field))
	switch v {
	case "", "none", "null", "nan", "masked", "--":
		return false
	}
	_, err := strconv.ParseFloat(v, 64)
	return err == nil
}

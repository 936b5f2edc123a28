package expanse

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSubmissionID(t *testing.T) {
	id, err := parseSubmissionID("Submitted batch job 1234567\n")
	require.NoError(t, err)
	assert.Equal(t, "1234567", id)

	_, err = parseSubmissionID("sbatch: error: invalid partition specified\n")
	require.Error(t, err)
}

func TestBuildExports(t *testing.T) {
	got := buildExports("Me2017", "ZTF25abc_1756150000", 60543.21, "nmma/data/ZTF25abc_1756150000.dat", 0.1, 14, 0.25, false)
	assert.Equal(t,
		"ALL,MODEL=Me2017,LABEL=ZTF25abc_1756150000,TT=60543.21,DATA=nmma/data/ZTF25abc_1756150000.dat,TMIN=0.1,TMAX=14,DT=0.25,SKIP_SAMPLING=",
		got)

	got = buildExports("Me2017", "ZTF25abc_1756150000", 60543.21, "d.dat", 0.1, 14, 0.25, true)
	assert.Contains(t, got, "SKIP_SAMPLING="+skipSamplingSentinel)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'nmma/data/ZTF25abc_1756150000.dat'", shellQuote("nmma/data/ZTF25abc_1756150000.dat"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'a'\''b'`, shellQuote("a'b"))
	// A hostile label stays a single literal word on the remote command line.
	assert.Equal(t, "'x; touch /tmp/pwn #_1756150000'", shellQuote("x; touch /tmp/pwn #_1756150000"))
}

func TestEarliestUnmaskedMJD(t *testing.T) {
	photometry := []byte("mjd,filter,mag,mag_unc\n" +
		"60540.1,ztfg,,\n" + // upper limit, masked
		"60541.5,ztfr,19.2,0.1\n" +
		"60540.9,ztfg,19.8,0.2\n")
	tt, err := earliestUnmaskedMJD(photometry)
	require.NoError(t, err)
	assert.InDelta(t, 60540.9, tt, 1e-9)
}

func TestEarliestUnmaskedMJD_NoMagColumn(t *testing.T) {
	// Without a mag column every row counts as a detection.
	photometry := []byte("mjd,filter\n60542.0,ztfg\n60541.0,ztfr\n")
	tt, err := earliestUnmaskedMJD(photometry)
	require.NoError(t, err)
	assert.InDelta(t, 60541.0, tt, 1e-9)
}

func TestEarliestUnmaskedMJD_AllMasked(t *testing.T) {
	photometry := []byte("mjd,filter,mag\n60540.1,ztfg,None\n60541.0,ztfr,nan\n")
	_, err := earliestUnmaskedMJD(photometry)
	require.Error(t, err)
}

func TestEarliestUnmaskedMJD_Empty(t *testing.T) {
	_, err := earliestUnmaskedMJD([]byte("mjd,filter,mag\n"))
	require.Error(t, err)
}

func TestResultMessage(t *testing.T) {
	raw := []byte(`{"log_bayes_factor": 12.5, "log_evidence": -301.2}`)
	msg, err := resultMessage(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, "Good results with log Bayes factor=12.5", msg)
}

func TestResultMessage_BadJSON(t *testing.T) {
	_, err := resultMessage(base64.StdEncoding.EncodeToString([]byte("not json")))
	require.Error(t, err)
}

func TestIsMeasured(t *testing.T) {
	assert.True(t, isMeasured("19.2"))
	assert.False(t, isMeasured(""))
	assert.False(t, isMeasured("None"))
	assert.False(t, isMeasured("--"))
	assert.False(t, isMeasured("bogus"))
}

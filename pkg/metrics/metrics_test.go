package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podcast-ads/pkg/logger"
)

func TestRecording(t *testing.T) {
	Init(logger.Discard())
	require.True(t, IsMetricsEnabled())

	before := testutil.ToFloat64(JobsStarted)
	RecordJobStarted()
	assert.Equal(t, before+1, testutil.ToFloat64(JobsStarted))

	done := ObserveStage("merge")
	done("ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(StageOutcomes.WithLabelValues("merge", "ok")))

	adBefore := testutil.ToFloat64(AdSecondsTotal)
	RecordSegment("ad", 30)
	RecordSegment("not_ad", 100)
	assert.Equal(t, adBefore+30, testutil.ToFloat64(AdSecondsTotal))
}

func TestDisabledRecordingIsNoop(t *testing.T) {
	Init(logger.Discard())
	EnableMetrics(false)
	defer EnableMetrics(true)

	before := testutil.ToFloat64(JobsStarted)
	RecordJobStarted()
	ObserveProvider("deepgram")("200")
	assert.Equal(t, before, testutil.ToFloat64(JobsStarted))
}

func TestRegisterHandler(t *testing.T) {
	Init(logger.Discard())
	RecordJobFinished("complete")

	mux := http.NewServeMux()
	RegisterHandler(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "podcast_ads_jobs_finished_total")
}

// Package metrics exposes Prometheus instruments for the detection pipeline.
//
// Recording helpers are no-ops until Init has been called, so packages can
// record unconditionally and tests need no registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     bool
	enabledMu          sync.RWMutex

	// Job metrics
	JobsStarted      prometheus.Counter
	JobsFinished     *prometheus.CounterVec
	StageOutcomes    *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	StagesSkipped    *prometheus.CounterVec
	WindowsBuilt     prometheus.Histogram
	SegmentsDetected *prometheus.CounterVec
	AdSecondsTotal   prometheus.Counter

	// Provider metrics
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec

	// Scheduler metrics
	TasksScheduled *prometheus.CounterVec
	TasksHandled   *prometheus.CounterVec
)

// Init creates and registers all instruments. Safe to call more than once.
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		JobsStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podcast_ads_jobs_started_total",
			Help: "Total number of ad detection jobs started",
		})

		JobsFinished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_jobs_finished_total",
				Help: "Total number of ad detection jobs reaching a terminal state",
			},
			[]string{"status"},
		)

		StageOutcomes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_stage_outcomes_total",
				Help: "Stage executions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		)

		StageLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podcast_ads_stage_duration_seconds",
				Help:    "Time spent executing a pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"stage"},
		)

		StagesSkipped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_stages_skipped_total",
				Help: "Stage deliveries skipped because the job had already moved on",
			},
			[]string{"stage"},
		)

		WindowsBuilt = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "podcast_ads_windows_per_job",
			Help:    "Number of transcript windows built per job",
			Buckets: prometheus.ExponentialBuckets(8, 2, 10),
		})

		SegmentsDetected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_segments_total",
				Help: "Merged segments written to completed jobs",
			},
			[]string{"label"},
		)

		AdSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "podcast_ads_ad_seconds_total",
			Help: "Seconds of audio labelled as advertisement",
		})

		ProviderRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_provider_requests_total",
				Help: "Requests to transcription and classification providers",
			},
			[]string{"provider", "status"},
		)

		ProviderLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "podcast_ads_provider_latency_seconds",
				Help:    "Latency of transcription and classification provider calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"provider"},
		)

		TasksScheduled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_tasks_scheduled_total",
				Help: "Stage tasks handed to the scheduler",
			},
			[]string{"backend", "stage"},
		)

		TasksHandled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "podcast_ads_tasks_handled_total",
				Help: "Stage tasks delivered to the handler",
			},
			[]string{"backend", "stage", "status"},
		)

		registry.MustRegister(
			JobsStarted,
			JobsFinished,
			StageOutcomes,
			StageLatency,
			StagesSkipped,
			WindowsBuilt,
			SegmentsDetected,
			AdSecondsTotal,
			ProviderRequests,
			ProviderLatency,
			TasksScheduled,
			TasksHandled,
		)

		EnableMetrics(true)
		if logger != nil {
			logger.WithField("metrics_path", defaultMetricsPath).Info("Metrics initialized")
		}
	})
}

// GetRegistry returns the registry, or nil before Init.
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for the metrics endpoint.
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// EnableMetrics turns recording on or off.
func EnableMetrics(enabled bool) {
	enabledMu.Lock()
	defer enabledMu.Unlock()
	metricsEnabled = enabled && registry != nil
}

// IsMetricsEnabled returns whether metrics are being recorded.
func IsMetricsEnabled() bool {
	enabledMu.RLock()
	defer enabledMu.RUnlock()
	return metricsEnabled
}

// RegisterHandler mounts the metrics endpoint on mux.
func RegisterHandler(mux *http.ServeMux) {
	if !IsMetricsEnabled() {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

// Serve initializes metrics and serves them on addr until the server fails.
func Serve(addr string, logger *logrus.Logger) error {
	Init(logger)
	mux := http.NewServeMux()
	RegisterHandler(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.WithField("addr", addr).Info("Serving metrics")
	return server.ListenAndServe()
}

// RecordJobStarted counts a new job.
func RecordJobStarted() {
	if IsMetricsEnabled() {
		JobsStarted.Inc()
	}
}

// RecordJobFinished counts a job reaching a terminal status.
func RecordJobFinished(status string) {
	if IsMetricsEnabled() {
		JobsFinished.WithLabelValues(status).Inc()
	}
}

// ObserveStage returns a func that records the outcome and latency of one
// stage execution when called.
func ObserveStage(stage string) func(outcome string) {
	if !IsMetricsEnabled() {
		return func(string) {}
	}

	start := time.Now()
	return func(outcome string) {
		StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())
		StageOutcomes.WithLabelValues(stage, outcome).Inc()
	}
}

// RecordStageSkipped counts a re-delivered stage that found nothing to do.
func RecordStageSkipped(stage string) {
	if IsMetricsEnabled() {
		StagesSkipped.WithLabelValues(stage).Inc()
	}
}

// RecordWindowsBuilt observes the window count of one job.
func RecordWindowsBuilt(count int) {
	if IsMetricsEnabled() {
		WindowsBuilt.Observe(float64(count))
	}
}

// RecordSegment counts one merged segment.
func RecordSegment(label string, seconds float64) {
	if !IsMetricsEnabled() {
		return
	}
	SegmentsDetected.WithLabelValues(label).Inc()
	if label == "ad" && seconds > 0 {
		AdSecondsTotal.Add(seconds)
	}
}

// ObserveProvider returns a func recording the status and latency of one
// provider call.
func ObserveProvider(provider string) func(status string) {
	if !IsMetricsEnabled() {
		return func(string) {}
	}

	start := time.Now()
	return func(status string) {
		ProviderLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
		ProviderRequests.WithLabelValues(provider, status).Inc()
	}
}

// RecordTaskScheduled counts a task handed to a scheduler backend.
func RecordTaskScheduled(backend, stage string) {
	if IsMetricsEnabled() {
		TasksScheduled.WithLabelValues(backend, stage).Inc()
	}
}

// RecordTaskHandled counts a task delivered to the stage handler.
func RecordTaskHandled(backend, stage, status string) {
	if IsMetricsEnabled() {
		TasksHandled.WithLabelValues(backend, stage, status).Inc()
	}
}

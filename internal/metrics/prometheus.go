package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Intake metrics
	UnitsAccepted *prometheus.CounterVec
	UnitsRejected *prometheus.CounterVec
	IntakeBytes   prometheus.Counter

	// Queue metrics
	QueueDepth        prometheus.Gauge
	QueuePendingBytes prometheus.Gauge
	UnitsFailed       prometheus.Counter

	// Streaming metrics
	ActiveStreams  prometheus.Gauge
	StreamDuration prometheus.Histogram

	// Batch metrics
	BatchJobs      *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	BatchUnitCount prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	PersistFailures        prometheus.Counter

	// Usage metrics
	AudioSecondsTranscribed prometheus.Counter
	CostUSD                 prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Intake metrics
		UnitsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omi_intake_units_accepted_total",
			Help: "Total number of audio units accepted into the queue",
		}, []string{"origin"}),
		UnitsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omi_intake_units_rejected_total",
			Help: "Total number of audio submissions rejected",
		}, []string{"origin", "reason"}),
		IntakeBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_intake_bytes_total",
			Help: "Total bytes of normalized audio written to the queue",
		}),

		// Queue metrics
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omi_queue_pending_units",
			Help: "Current number of pending units in the queue",
		}),
		QueuePendingBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omi_queue_pending_bytes",
			Help: "Current total size of pending units in bytes",
		}),
		UnitsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_queue_units_failed_total",
			Help: "Total number of units moved to the failed directory",
		}),

		// Streaming metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "omi_active_streams",
			Help: "Current number of open websocket audio streams",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omi_stream_duration_seconds",
			Help:    "Duration of websocket audio streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Batch metrics
		BatchJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omi_batch_jobs_total",
			Help: "Total number of batch jobs by trigger and final status",
		}, []string{"trigger", "status"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omi_batch_duration_seconds",
			Help:    "Wall time spent processing a batch job",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~7 minutes
		}),
		BatchUnitCount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omi_batch_units",
			Help:    "Number of units claimed per batch job",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "omi_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_transcript_persist_failures_total",
			Help: "Total number of transcripts that could not be written to storage",
		}),

		// Usage metrics
		AudioSecondsTranscribed: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_audio_seconds_transcribed_total",
			Help: "Total seconds of audio transcribed and persisted",
		}),
		CostUSD: factory.NewCounter(prometheus.CounterOpts{
			Name: "omi_transcription_cost_usd_total",
			Help: "Total estimated transcription cost in USD",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omi_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "omi_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "omi_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordUnitAccepted counts an enqueued unit
func (m *Metrics) RecordUnitAccepted(origin string, sizeBytes int64) {
	m.UnitsAccepted.WithLabelValues(origin).Inc()
	m.IntakeBytes.Add(float64(sizeBytes))
}

// RecordUnitRejected counts a rejected submission
func (m *Metrics) RecordUnitRejected(origin, reason string) {
	m.UnitsRejected.WithLabelValues(origin, reason).Inc()
}

// SetQueue sets the queue depth gauges
func (m *Metrics) SetQueue(depth int, pendingBytes int64) {
	m.QueueDepth.Set(float64(depth))
	m.QueuePendingBytes.Set(float64(pendingBytes))
}

// RecordUnitFailed increments the permanently failed units counter
func (m *Metrics) RecordUnitFailed() {
	m.UnitsFailed.Inc()
}

// RecordStreamOpened increments the active streams gauge
func (m *Metrics) RecordStreamOpened() {
	m.ActiveStreams.Inc()
}

// RecordStreamClosed decrements the active streams gauge and records duration
func (m *Metrics) RecordStreamClosed(durationSeconds float64) {
	m.ActiveStreams.Dec()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordBatchJob records a finished batch job
func (m *Metrics) RecordBatchJob(trigger, status string, units int, durationSeconds float64) {
	m.BatchJobs.WithLabelValues(trigger, status).Inc()
	m.BatchUnitCount.Observe(float64(units))
	m.BatchDuration.Observe(durationSeconds)
}

// RecordTranscriptionRequest increments transcription requests counter
func (m *Metrics) RecordTranscriptionRequest() {
	m.TranscriptionRequests.Inc()
}

// RecordTranscriptionSuccess records a successful transcription
func (m *Metrics) RecordTranscriptionSuccess(durationSeconds float64) {
	m.TranscriptionSuccesses.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordTranscriptionFailure records a failed transcription
func (m *Metrics) RecordTranscriptionFailure(durationSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordPersistFailure increments the persist failures counter
func (m *Metrics) RecordPersistFailure() {
	m.PersistFailures.Inc()
}

// RecordUsage adds transcribed audio and its cost
func (m *Metrics) RecordUsage(durationSeconds, costUSD float64) {
	m.AudioSecondsTranscribed.Add(durationSeconds)
	m.CostUSD.Add(costUSD)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

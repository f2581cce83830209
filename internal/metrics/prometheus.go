package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio ingestion service
type Metrics struct {
	// Ingestion metrics
	FragmentsReceived  prometheus.Counter
	FragmentBytes      prometheus.Counter
	ProtocolViolations prometheus.Counter
	WindowsAssembled   prometheus.Counter
	WindowsDropped     prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Pipeline metrics
	PipelineRequests  prometheus.Counter
	PipelineFailures  prometheus.Counter
	PipelineRetries   prometheus.Counter
	PipelineDuration  prometheus.Histogram
	ResultsDelivered  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates and registers all metrics on the given registerer.
// Tests pass a private registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		FragmentsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fragments_received_total",
			Help: "Total number of audio fragments received",
		}),
		FragmentBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_fragment_bytes_total",
			Help: "Total audio payload bytes received",
		}),
		ProtocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_protocol_violations_total",
			Help: "Total number of protocol violations detected",
		}),
		WindowsAssembled: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_windows_assembled_total",
			Help: "Total number of audio windows assembled",
		}),
		WindowsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_windows_dropped_total",
			Help: "Total number of windows dropped under backpressure",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_active_sessions",
			Help: "Current number of active sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sessions_created_total",
			Help: "Total number of sessions admitted",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_sessions_rejected_total",
			Help: "Total number of sessions rejected at admission",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_session_duration_seconds",
			Help:    "Duration of sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Pipeline metrics
		PipelineRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pipeline_requests_total",
			Help: "Total number of windows submitted to the pipeline",
		}),
		PipelineFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pipeline_failures_total",
			Help: "Total number of failed pipeline submissions",
		}),
		PipelineRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_pipeline_retries_total",
			Help: "Total number of pipeline submission retries",
		}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_pipeline_duration_seconds",
			Help:    "Duration of pipeline submissions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		ResultsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_results_delivered_total",
			Help: "Total number of result events delivered to clients, by kind",
		}, []string{"kind"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RecordFragment records one received fragment and its payload size
func (m *Metrics) RecordFragment(sizeBytes int) {
	m.FragmentsReceived.Inc()
	m.FragmentBytes.Add(float64(sizeBytes))
}

// RecordProtocolViolation increments the protocol violations counter
func (m *Metrics) RecordProtocolViolation() {
	m.ProtocolViolations.Inc()
}

// RecordWindowAssembled increments the windows assembled counter
func (m *Metrics) RecordWindowAssembled() {
	m.WindowsAssembled.Inc()
}

// RecordWindowsDropped adds backpressure evictions to the dropped counter
func (m *Metrics) RecordWindowsDropped(count uint64) {
	m.WindowsDropped.Add(float64(count))
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionRejected increments the sessions rejected counter
func (m *Metrics) RecordSessionRejected() {
	m.SessionsRejected.Inc()
}

// RecordSessionClosed records a closed session with its reason and duration
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordPipelineRequest increments the pipeline requests counter
func (m *Metrics) RecordPipelineRequest() {
	m.PipelineRequests.Inc()
}

// RecordPipelineSuccess records a successful pipeline submission
func (m *Metrics) RecordPipelineSuccess(durationSeconds float64) {
	m.PipelineDuration.Observe(durationSeconds)
}

// RecordPipelineFailure records a failed pipeline submission
func (m *Metrics) RecordPipelineFailure(durationSeconds float64) {
	m.PipelineFailures.Inc()
	m.PipelineDuration.Observe(durationSeconds)
}

// RecordPipelineRetry increments the pipeline retry counter
func (m *Metrics) RecordPipelineRetry() {
	m.PipelineRetries.Inc()
}

// RecordResultDelivered records a result event delivered to a client
func (m *Metrics) RecordResultDelivered(kind string) {
	m.ResultsDelivered.WithLabelValues(kind).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio archive service
type Metrics struct {
	// Ingestion metrics
	ConnectionsAccepted prometheus.Counter
	ConnectionActive    prometheus.Gauge
	AcceptErrors        prometheus.Counter
	ChunksReceived      prometheus.Counter
	BytesReceived       prometheus.Counter
	IdleTimeouts        prometheus.Counter

	// Segment metrics
	SegmentsCompleted prometheus.Counter
	SegmentsTruncated prometheus.Counter
	SegmentBytes      prometheus.Histogram

	// Compression metrics
	CompressionJobs     *prometheus.CounterVec
	CompressionDuration prometheus.Histogram
	CompressionRatio    prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Ingestion metrics
		ConnectionsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_connections_accepted_total",
			Help: "Total number of sender connections accepted",
		}),
		ConnectionActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "audio_connection_active",
			Help: "Whether a sender connection is currently being serviced (0 or 1)",
		}),
		AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_accept_errors_total",
			Help: "Total number of accept-loop faults",
		}),
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_chunks_received_total",
			Help: "Total number of complete PCM chunks received",
		}),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_bytes_received_total",
			Help: "Total number of payload bytes received",
		}),
		IdleTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_idle_timeouts_total",
			Help: "Total number of connections closed for exceeding the idle timeout",
		}),

		// Segment metrics
		SegmentsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_segments_completed_total",
			Help: "Total number of segments that reached their target size",
		}),
		SegmentsTruncated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "audio_segments_truncated_total",
			Help: "Total number of segments closed before reaching their target size",
		}),
		SegmentBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_segment_bytes",
			Help:    "Payload bytes written per closed segment",
			Buckets: prometheus.ExponentialBuckets(65536, 4, 10), // 64KB to ~16GB
		}),

		// Compression metrics
		CompressionJobs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_compression_jobs_total",
			Help: "Total number of compression jobs by outcome",
		}, []string{"outcome"}),
		CompressionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_compression_duration_seconds",
			Help:    "Wall-clock time spent in the external encoder per job",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~8.5 minutes
		}),
		CompressionRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "audio_compression_ratio",
			Help:    "Compressed size divided by original size per successful job",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audio_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "audio_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionAccepted marks a sender connection as accepted and active
func (m *Metrics) RecordConnectionAccepted() {
	m.ConnectionsAccepted.Inc()
	m.ConnectionActive.Set(1)
}

// RecordConnectionClosed marks the sender connection as gone
func (m *Metrics) RecordConnectionClosed() {
	m.ConnectionActive.Set(0)
}

// RecordAcceptError increments the accept fault counter
func (m *Metrics) RecordAcceptError() {
	m.AcceptErrors.Inc()
}

// RecordChunk records one complete received chunk of n payload bytes
func (m *Metrics) RecordChunk(n int) {
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(n))
}

// RecordPartialChunk records n payload bytes from a short final read that did
// not fill a whole chunk
func (m *Metrics) RecordPartialChunk(n int) {
	m.BytesReceived.Add(float64(n))
}

// RecordIdleTimeout increments the idle timeout counter
func (m *Metrics) RecordIdleTimeout() {
	m.IdleTimeouts.Inc()
}

// RecordSegmentClosed records a closed segment and whether it was completed
// or truncated by early disconnect
func (m *Metrics) RecordSegmentClosed(bytesWritten int64, completed bool) {
	if completed {
		m.SegmentsCompleted.Inc()
	} else {
		m.SegmentsTruncated.Inc()
	}
	m.SegmentBytes.Observe(float64(bytesWritten))
}

// RecordCompressionJob records a finished compression job by outcome
func (m *Metrics) RecordCompressionJob(outcome string) {
	m.CompressionJobs.WithLabelValues(outcome).Inc()
}

// RecordCompressionSuccess records timing and size reduction for a successful job
func (m *Metrics) RecordCompressionSuccess(durationSeconds float64, originalBytes, compressedBytes int64) {
	m.CompressionDuration.Observe(durationSeconds)
	if originalBytes > 0 {
		m.CompressionRatio.Observe(float64(compressedBytes) / float64(originalBytes))
	}
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

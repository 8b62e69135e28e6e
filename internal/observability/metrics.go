package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Node resolution metrics
	NodeResolutionsTotal *prometheus.CounterVec
	NodesReturned        *prometheus.HistogramVec

	// Submission metrics
	SubmissionsTotal          *prometheus.CounterVec
	SubmissionDuration        *prometheus.HistogramVec
	SubmissionValidationFails prometheus.Counter
	AttachmentUploadsTotal    *prometheus.CounterVec
	AttachmentUploadBytes     prometheus.Histogram
	TransfersTotal            *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState prometheus.Gauge
	BackendRetriesTotal        *prometheus.CounterVec

	// Cache metrics
	QueryCacheHitsTotal      *prometheus.CounterVec
	QueryCacheMissesTotal    *prometheus.CounterVec
	QueryCacheEvictionsTotal *prometheus.CounterVec

	// Signing metrics
	SigningRequestsTotal *prometheus.CounterVec
	SigningDuration      prometheus.Histogram

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Node resolution
		NodeResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_node_resolutions_total",
			Help: "Total number of workflow node resolutions.",
		}, []string{"kind", "status"}),
		NodesReturned: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_nodes_returned",
			Help:    "Number of candidate nodes returned per resolution.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		}, []string{"kind"}),

		// Submissions
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_submissions_total",
			Help: "Total number of form submissions.",
		}, []string{"mode", "status"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_submission_duration_seconds",
			Help:    "End-to-end submission duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"mode"}),
		SubmissionValidationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "officeflow_submission_validation_failures_total",
			Help: "Total number of submissions rejected by local validation.",
		}),
		AttachmentUploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_attachment_uploads_total",
			Help: "Total number of attachment part uploads.",
		}, []string{"status"}),
		AttachmentUploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "officeflow_attachment_upload_bytes",
			Help:    "Attachment upload size in bytes.",
			Buckets: bodySizeBuckets,
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_transfers_total",
			Help: "Total number of transfers to a next node.",
		}, []string{"status"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_backend_requests_total",
			Help: "Total number of backend requests.",
		}, []string{"endpoint", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "officeflow_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"endpoint"}),
		BackendCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "officeflow_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		BackendRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_backend_retries_total",
			Help: "Total number of backend request retries.",
		}, []string{"endpoint"}),

		// Cache
		QueryCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_query_cache_hits_total",
			Help: "Total query cache hits.",
		}, []string{"kind"}),
		QueryCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_query_cache_misses_total",
			Help: "Total query cache misses.",
		}, []string{"kind"}),
		QueryCacheEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_query_cache_evictions_total",
			Help: "Total query cache evictions.",
		}, []string{"reason"}),

		// Signing
		SigningRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_signing_requests_total",
			Help: "Total number of signing daemon requests.",
		}, []string{"status"}),
		SigningDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "officeflow_signing_duration_seconds",
			Help:    "Signing daemon round trip in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "officeflow_notifications_total",
			Help: "Total number of user notifications raised.",
		}, []string{"level"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Node resolution
		m.NodeResolutionsTotal,
		m.NodesReturned,
		// Submissions
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.SubmissionValidationFails,
		m.AttachmentUploadsTotal,
		m.AttachmentUploadBytes,
		m.TransfersTotal,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		m.BackendRetriesTotal,
		// Cache
		m.QueryCacheHitsTotal,
		m.QueryCacheMissesTotal,
		m.QueryCacheEvictionsTotal,
		// Signing
		m.SigningRequestsTotal,
		m.SigningDuration,
		// Notifications
		m.NotificationsTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can be built
// without a registry in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordNodeResolution records a start or next node resolution. kind is
// "start" or "next"; status is "ok", "error" or "cached".
func (m *Metrics) RecordNodeResolution(kind, status string, nodes int) {
	if m == nil {
		return
	}
	m.NodeResolutionsTotal.WithLabelValues(kind, status).Inc()
	if status != "error" {
		m.NodesReturned.WithLabelValues(kind).Observe(float64(nodes))
	}
}

// RecordSubmission records a completed submission attempt. mode is "create"
// or "update".
func (m *Metrics) RecordSubmission(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(mode, status).Inc()
	m.SubmissionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordSubmissionValidationFailure records a locally rejected submission.
func (m *Metrics) RecordSubmissionValidationFailure() {
	if m == nil {
		return
	}
	m.SubmissionValidationFails.Inc()
}

// RecordAttachmentUpload records one attachment part upload.
func (m *Metrics) RecordAttachmentUpload(status string, size int64) {
	if m == nil {
		return
	}
	m.AttachmentUploadsTotal.WithLabelValues(status).Inc()
	m.AttachmentUploadBytes.Observe(float64(size))
}

// RecordTransfer records a transfer to the next node.
func (m *Metrics) RecordTransfer(status string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
}

// RecordBackendRequest records a backend request.
func (m *Metrics) RecordBackendRequest(endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(state float64) {
	if m == nil {
		return
	}
	m.BackendCircuitBreakerState.Set(state)
}

// RecordBackendRetry records a backend request retry.
func (m *Metrics) RecordBackendRetry(endpoint string) {
	if m == nil {
		return
	}
	m.BackendRetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordQueryCacheHit records a query cache hit for the given key kind.
func (m *Metrics) RecordQueryCacheHit(kind string) {
	if m == nil {
		return
	}
	m.QueryCacheHitsTotal.WithLabelValues(kind).Inc()
}

// RecordQueryCacheMiss records a query cache miss for the given key kind.
func (m *Metrics) RecordQueryCacheMiss(kind string) {
	if m == nil {
		return
	}
	m.QueryCacheMissesTotal.WithLabelValues(kind).Inc()
}

// RecordQueryCacheEviction records a query cache eviction.
func (m *Metrics) RecordQueryCacheEviction(reason string) {
	if m == nil {
		return
	}
	m.QueryCacheEvictionsTotal.WithLabelValues(reason).Inc()
}

// RecordSigning records a signing daemon round trip.
func (m *Metrics) RecordSigning(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SigningRequestsTotal.WithLabelValues(status).Inc()
	m.SigningDuration.Observe(duration.Seconds())
}

// RecordNotification records a notification raised to a user.
func (m *Metrics) RecordNotification(level string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(level).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

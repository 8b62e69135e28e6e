package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordNodeResolution("start", "ok", 2)
	m.RecordSubmission("create", "success", time.Millisecond)
	m.RecordSubmissionValidationFailure()
	m.RecordAttachmentUpload("success", 2048)
	m.RecordTransfer("success")
	m.RecordBackendRequest("next_node", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState(0)
	m.RecordBackendRetry("next_node")
	m.RecordQueryCacheHit("nodes")
	m.RecordQueryCacheMiss("nodes")
	m.RecordQueryCacheEviction("expired")
	m.RecordSigning("success", time.Second)
	m.RecordNotification("error")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"officeflow_http_requests_total",
		"officeflow_http_request_duration_seconds",
		"officeflow_http_request_size_bytes",
		"officeflow_http_response_size_bytes",
		"officeflow_node_resolutions_total",
		"officeflow_nodes_returned",
		"officeflow_submissions_total",
		"officeflow_submission_duration_seconds",
		"officeflow_submission_validation_failures_total",
		"officeflow_attachment_uploads_total",
		"officeflow_attachment_upload_bytes",
		"officeflow_transfers_total",
		"officeflow_backend_requests_total",
		"officeflow_backend_request_duration_seconds",
		"officeflow_backend_circuit_breaker_state",
		"officeflow_backend_retries_total",
		"officeflow_query_cache_hits_total",
		"officeflow_query_cache_misses_total",
		"officeflow_query_cache_evictions_total",
		"officeflow_signing_requests_total",
		"officeflow_signing_duration_seconds",
		"officeflow_notifications_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordNodeResolution_errorSkipsHistogram(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNodeResolution("next", "ok", 3)
	m.RecordNodeResolution("next", "error", 0)

	if got := testutil.ToFloat64(m.NodeResolutionsTotal.WithLabelValues("next", "error")); got != 1 {
		t.Errorf("error resolutions = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.NodesReturned); got != 1 {
		t.Errorf("nodes_returned series = %d, want 1", got)
	}
}

func TestRecordSubmission(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSubmission("create", "success", 10*time.Millisecond)
	m.RecordSubmission("create", "partial", 10*time.Millisecond)
	m.RecordSubmission("update", "success", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("create", "partial")); got != 1 {
		t.Errorf("create partial = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("update", "success")); got != 1 {
		t.Errorf("update success = %v, want 1", got)
	}
}

func TestRecordQueryCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordQueryCacheHit("form")
	m.RecordQueryCacheHit("form")
	m.RecordQueryCacheMiss("form")

	if got := testutil.ToFloat64(m.QueryCacheHitsTotal.WithLabelValues("form")); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueryCacheMissesTotal.WithLabelValues("form")); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestNilMetrics_noPanic(t *testing.T) {
	var m *Metrics
	m.RecordSubmission("create", "success", time.Millisecond)
	m.RecordQueryCacheHit("nodes")
	m.RecordSigning("error", time.Millisecond)
	m.SetBackendCircuitBreakerState(2)
}

func TestMetricsMiddleware_usesRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/ui/nodes/{nodeId}/next", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"nodes":[]}`))
	})

	for _, id := range []string{"11", "12"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ui/nodes/"+id+"/next", nil))
	}

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ui/nodes/{nodeId}/next", "200"))
	if got != 2 {
		t.Errorf("requests = %v, want 2", got)
	}
}

func TestMetricsMiddleware_capturesStatus(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/ui/requests/{typeId}/submit", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/ui/requests/3/submit", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/ui/requests/{typeId}/submit", "502"))
	if got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
}

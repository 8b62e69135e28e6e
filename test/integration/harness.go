// Package integration provides a reusable test harness for end-to-end
// integration testing of the officeflow server. It starts a full HTTP server
// against a mock document backend, in-memory stores, and a test JWT issuer.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/officeflow/internal/assignment"
	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/form"
	"github.com/pitabwire/officeflow/internal/invoker"
	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/querycache"
	"github.com/pitabwire/officeflow/internal/signing"
	"github.com/pitabwire/officeflow/internal/submission"
	"github.com/pitabwire/officeflow/internal/transport"
	"github.com/pitabwire/officeflow/internal/workflow"
)

// TestHarness encapsulates a fully wired officeflow instance with a mock
// document backend for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Client      *invoker.Client
	Cache       *querycache.Cache
	Sessions    *form.SessionStore
	Memory      *assignment.Service
	Coordinator *submission.Coordinator
	Hub         *notify.Hub
	Metrics     *observability.Metrics

	backend *MockBackend
	cfg     *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
	backendTimeout time.Duration
	handlerTimeout time.Duration
	idempotency    bool
	signingURL     string
}

// WithCircuitBreaker overrides the backend circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithRetry overrides the backend retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithBackendTimeout sets the per-call backend timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.backendTimeout = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithIdempotency enables submission de-duplication with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotency = true
	}
}

// WithSigningDaemon points the signing client at url.
func WithSigningDaemon(url string) HarnessOption {
	return func(c *harnessConfig) {
		c.signingURL = url
	}
}

// NewTestHarness creates and starts a full officeflow test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{
			MaxAttempts:    1,
			IdempotentOnly: true,
		},
		backendTimeout: 5 * time.Second,
		handlerTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}

	// Step 1: Mock document backend.
	endpoints := config.DefaultEndpoints()
	h.backend = newMockBackend(t, "documents", DocumentRoutes(endpoints))

	// Step 2: JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 3: Config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = h.issuer.Issuer()
	h.cfg.Identity.Audience = h.issuer.Audience()
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()
	h.cfg.Backend = config.BackendConfig{
		BaseURL:        h.backend.URL(),
		Timeout:        hc.backendTimeout,
		CircuitBreaker: hc.breaker,
		Retry:          hc.retry,
		Endpoints:      endpoints,
	}
	h.cfg.Signing = config.SigningConfig{
		Enabled: hc.signingURL != "",
		URL:     hc.signingURL,
		Timeout: 2 * time.Second,
	}

	// Step 4: Domain services, wired the way the server binary wires them.
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Hub = notify.NewHub(20, nil, h.Metrics)
	h.Client = invoker.New(h.cfg.Backend, invoker.WithNotifier(h.Hub), invoker.WithMetrics(h.Metrics))
	h.Cache = querycache.New(config.CacheConfig{TTL: time.Minute}, h.Metrics, nil)
	h.Sessions = form.NewSessionStore(config.SessionsConfig{IdleTTL: time.Hour})
	h.Memory = assignment.NewService(assignment.NewMemoryStore(time.Hour), nil)

	resolver := workflow.NewResolver(h.Client, endpoints, h.Cache, h.Metrics, nil)
	renderer := form.NewRenderer(h.Client, endpoints, h.Cache, nil)

	coordOpts := []submission.Option{
		submission.WithResolver(resolver),
		submission.WithAssignmentMemory(h.Memory),
		submission.WithNotifier(h.Hub),
		submission.WithMetrics(h.Metrics),
	}
	if hc.idempotency {
		coordOpts = append(coordOpts, submission.WithIdempotency(submission.NewMemoryIdempotencyStore(), time.Minute))
	}
	h.Coordinator = submission.NewCoordinator(h.Client, endpoints, h.Cache, h.Sessions, coordOpts...)

	// Step 5: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, nil)

	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Handlers: &transport.Handlers{
			Resolver:       resolver,
			Renderer:       renderer,
			Sessions:       h.Sessions,
			Coordinator:    h.Coordinator,
			Memory:         h.Memory,
			Signer:         signing.New(h.cfg.Signing, signing.WithMetrics(h.Metrics)),
			Hub:            h.Hub,
			MaxUploadBytes: h.cfg.Server.MaxUploadBytes,
		},
		Metrics: h.Metrics,
		Readiness: observability.ReadinessChecks{
			"jwks":             jwks,
			"backend":          h.Client,
			"assignment_store": h.Memory,
		},
	})

	// Step 6: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock document backend.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("PUT", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

// Upload stages files into slot of the session at path.
func (h *TestHarness) Upload(path, slot string, files map[string]string, token string) *http.Response {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("slot", slot)
	for name, content := range files {
		part, err := mw.CreateFormFile("file", name)
		if err != nil {
			h.t.Fatalf("create form file: %v", err)
		}
		part.Write([]byte(content))
	}
	mw.Close()

	return h.send("POST", path, &buf, mw.FormDataContentType(), token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}
	return h.send(method, path, bodyReader, contentType, token, headers)
}

func (h *TestHarness) send(method, path string, body io.Reader, contentType, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, body)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Default test claims ---

// ClerkClaims returns TestClaims for a clerk who files requests.
func ClerkClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-clerk",
		TenantID:  "acme-corp",
		FullName:  "Mai Clerk",
		Email:     "clerk@acme.example.com",
		OrgID:     "3",
		Roles:     []string{"clerk"},
	}
}

// ApproverClaims returns TestClaims for an approver in the same tenant.
func ApproverClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-approver",
		TenantID:  "acme-corp",
		FullName:  "Lan Approver",
		Email:     "approver@acme.example.com",
		OrgID:     "3",
		Roles:     []string{"approver"},
	}
}

// OtherTenantClaims returns TestClaims for a clerk of another tenant who
// shares the subject ID of ClerkClaims.
func OtherTenantClaims() TestClaims {
	c := ClerkClaims()
	c.TenantID = "globex"
	c.Email = "clerk@globex.example.com"
	return c
}

// --- Fixtures ---

// DraftFixture returns a leave request template with a required reason, a
// numeric day count, and a multi-file evidence slot.
func DraftFixture() map[string]any {
	return map[string]any{
		"id":     11,
		"typeId": 5,
		"title":  "Leave request",
		"fields": []map[string]any{
			{"name": "reason", "label": "Reason", "type": "textarea", "required": true, "order": 1},
			{"name": "days", "label": "Days", "type": "number", "order": 2},
		},
		"attachmentSlots": []map[string]any{
			{"name": "evidence", "label": "Evidence", "multiple": true},
		},
	}
}

// RecordFixture returns a stored leave request at nodeID.
func RecordFixture(id, nodeID int64, reason string) map[string]any {
	return map[string]any{
		"id":     id,
		"typeId": 5,
		"formId": 11,
		"nodeId": nodeID,
		"values": map[string]any{"reason": reason, "days": 2},
		"form":   DraftFixture(),
	}
}

// Node returns a single workflow node.
func Node(id int64, name string, last bool) map[string]any {
	return map[string]any{"id": id, "name": name, "lastNode": last}
}

// ErrorFixture returns an error body the way the document backend reports it.
func ErrorFixture(message string) map[string]any {
	return map[string]any{"message": message}
}

// RequestPath returns a route under /ui/requests/{typeId}, addressing
// recordID when it is set.
func RequestPath(typeID, recordID int64, suffix string) string {
	p := fmt.Sprintf("/ui/requests/%d%s", typeID, suffix)
	if recordID > 0 {
		sep := "?"
		if strings.Contains(p, "?") {
			sep = "&"
		}
		p += fmt.Sprintf("%sid=%d", sep, recordID)
	}
	return p
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

package integration

import (
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/officeflow/internal/config"
)

// ==========================================================================
// Circuit Breaker Tests
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	token := h.GenerateToken(ClerkClaims())

	// Configure backend to return 500 for all requests.
	h.Backend().OnOperation("draft").RespondWithError(500, "INTERNAL", "internal error")

	// Send enough requests to trip the circuit breaker.
	for range 3 {
		h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadGateway, "BUSINESS_ERROR")
	}

	callsBefore := len(h.Backend().AllRequests("draft"))

	// Next request should fail immediately without hitting backend (circuit open).
	h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadGateway, "BACKEND_UNAVAILABLE")

	callsAfter := len(h.Backend().AllRequests("draft"))
	if callsAfter != callsBefore {
		t.Errorf("backend received %d additional calls after circuit opened, want 0", callsAfter-callsBefore)
	}

	// Readiness reports the open breaker.
	resp := h.GET("/ui/ready", "")
	h.AssertStatus(t, resp, http.StatusServiceUnavailable)
	resp.Body.Close()
}

func TestResilience_CircuitBreakerRecoveryAfterTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          100 * time.Millisecond,
		}),
	)
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("draft").
		RespondWithError(500, "INTERNAL", "fail").
		RespondWithError(500, "INTERNAL", "fail").
		RespondWith(200, DraftFixture())

	for range 2 {
		h.GET(RequestPath(5, 0, "/form"), token).Body.Close()
	}
	h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadGateway, "BACKEND_UNAVAILABLE")

	// After the open timeout a trial request is let through and closes the breaker.
	time.Sleep(150 * time.Millisecond)

	resp := h.GET(RequestPath(5, 0, "/form"), token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	h.Backend().AssertCalled(t, "draft", 3)
}

func TestResilience_CircuitBreakerFailedProbeReopens(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          100 * time.Millisecond,
		}),
	)
	token := h.GenerateToken(ClerkClaims())
	h.Backend().OnOperation("draft").RespondWithError(503, "DOWN", "maintenance")

	for range 2 {
		h.GET(RequestPath(5, 0, "/form"), token).Body.Close()
	}
	time.Sleep(150 * time.Millisecond)

	// The trial request fails and the breaker opens again.
	h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadGateway, "BUSINESS_ERROR")
	h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadGateway, "BACKEND_UNAVAILABLE")
	h.Backend().AssertCalled(t, "draft", 3)
}

func TestResilience_4xxDoesNotTripCircuitBreaker(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	token := h.GenerateToken(ClerkClaims())

	// A rejected request is the caller's problem, not a backend outage.
	h.Backend().OnOperation("draft").RespondWith(400, ErrorFixture("type 5 is archived"))

	for range 5 {
		h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusBadRequest, "BUSINESS_ERROR")
	}

	h.Backend().AssertCalled(t, "draft", 5)
}

// ==========================================================================
// Retry Tests
// ==========================================================================

func fastRetry(attempts int, idempotentOnly bool) config.RetryConfig {
	return config.RetryConfig{
		MaxAttempts:       attempts,
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 1.0,
		BackoffMax:        50 * time.Millisecond,
		IdempotentOnly:    idempotentOnly,
	}
}

func TestResilience_GETRequestRetriedOn502(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry(3, true)))
	token := h.GenerateToken(ClerkClaims())

	// First two calls return 502, third succeeds.
	h.Backend().OnOperation("draft").
		RespondWithError(502, "GATEWAY", "bad gateway").
		RespondWithError(502, "GATEWAY", "bad gateway").
		RespondWith(200, DraftFixture())

	var loaded formBody
	h.AssertJSON(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusOK, &loaded)
	if loaded.Form.FormID != 11 {
		t.Errorf("form id = %d, want 11", loaded.Form.FormID)
	}

	h.Backend().AssertCalled(t, "draft", 3)
}

func TestResilience_WorkflowReadsNotRetried(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry(3, true)))
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("nextNode").
		RespondWithError(502, "GATEWAY", "bad gateway").
		RespondWith(200, []map[string]any{Node(9, "Approve", true)})

	h.AssertErrorCode(t, h.GET("/ui/nodes/8/next", token), http.StatusBadGateway, "BUSINESS_ERROR")
	h.Backend().AssertCalled(t, "nextNode", 1)

	// The user retries by asking again.
	var next nodesBody
	h.AssertJSON(t, h.GET("/ui/nodes/8/next", token), http.StatusOK, &next)
	if len(next.Nodes) != 1 || next.Nodes[0].ID != 9 {
		t.Errorf("next nodes = %+v", next.Nodes)
	}
}

func TestResilience_POSTNotRetriedWhenIdempotentOnly(t *testing.T) {
	h := NewTestHarness(t, WithRetry(fastRetry(3, true)))
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("draft").RespondWith(200, DraftFixture())
	h.Backend().OnOperation("create").RespondWithError(502, "GATEWAY", "bad gateway")

	resp := h.GET(RequestPath(5, 0, "/form"), token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = h.PUT(RequestPath(5, 0, "/session/fields"), map[string]any{
		"updates": []map[string]any{{"field": "reason", "value": "moving house"}},
	}, token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	h.AssertErrorCode(t, h.POST(RequestPath(5, 0, "/submit"), nil, token), http.StatusBadGateway, "BUSINESS_ERROR")

	// The critical assertion: a save is never repeated behind the user's back.
	h.Backend().AssertCalled(t, "create", 1)

	// Nothing was saved, so the session is intact for another attempt.
	var session sessionBody
	h.AssertJSON(t, h.GET(RequestPath(5, 0, "/session"), token), http.StatusOK, &session)
	if session.Values["reason"] != "moving house" || session.Mode != "create" {
		t.Errorf("session = %+v", session)
	}
}

func TestResilience_RetryStopsWhenCircuitBreakerOpens(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
		WithRetry(fastRetry(5, false)),
	)
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("draft").RespondWithError(500, "INTERNAL", "fail")

	// First request: retries until circuit breaker trips (2 failures).
	h.GET(RequestPath(5, 0, "/form"), token).Body.Close()

	// Retries stop once the breaker opens rather than running to max_attempts.
	callCount := len(h.Backend().AllRequests("draft"))
	if callCount > 2 {
		t.Errorf("backend called %d times, expected <= 2 (circuit breaker should stop retries)", callCount)
	}
}

// ==========================================================================
// Timeout Tests
// ==========================================================================

func TestResilience_BackendTimeout_504(t *testing.T) {
	h := NewTestHarness(t,
		WithBackendTimeout(300*time.Millisecond),
		WithHandlerTimeout(3*time.Second),
	)
	token := h.GenerateToken(ClerkClaims())

	// Backend delays longer than the backend timeout.
	h.Backend().OnOperation("draft").RespondWithDelay(1*time.Second, 200, DraftFixture())

	h.AssertErrorCode(t, h.GET(RequestPath(5, 0, "/form"), token), http.StatusGatewayTimeout, "BACKEND_TIMEOUT")
}

func TestResilience_HandlerTimeout_TerminatesSlowRequest(t *testing.T) {
	h := NewTestHarness(t,
		WithHandlerTimeout(300*time.Millisecond),
	)
	token := h.GenerateToken(ClerkClaims())

	// Backend delays longer than the handler timeout.
	h.Backend().OnOperation("startNode").RespondWithDelay(2*time.Second, 200, []map[string]any{Node(8, "Review", false)})

	start := time.Now()
	h.AssertErrorCode(t, h.GET("/ui/workflows/5/start-nodes", token), http.StatusGatewayTimeout, "BACKEND_TIMEOUT")
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		t.Errorf("request took %v, want it cut short by the handler timeout", elapsed)
	}
}

func TestResilience_FastBackend_NoTimeout(t *testing.T) {
	h := NewTestHarness(t,
		WithBackendTimeout(5*time.Second),
		WithHandlerTimeout(10*time.Second),
	)
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("list").RespondWith(200, map[string]any{
		"items": []map[string]any{{"id": 42, "typeId": 5, "formId": 11}},
		"total": 1,
	})

	resp := h.GET("/ui/requests/5", token)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

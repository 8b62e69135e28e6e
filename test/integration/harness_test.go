package integration

import (
	"net/http"
	"testing"
)

func TestHarness_Startup(t *testing.T) {
	h := NewTestHarness(t, WithIdempotency())

	// Verify the server is running.
	resp := h.GET("/ui/health", "")
	h.AssertStatus(t, resp, http.StatusOK)
}

func TestHarness_HealthEndpoints(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("health", func(t *testing.T) {
		resp := h.GET("/ui/health", "")
		h.AssertStatus(t, resp, http.StatusOK)

		var body map[string]any
		h.ParseJSON(resp, &body)
		if body["status"] != "ok" {
			t.Errorf("health status = %v, want ok", body["status"])
		}
	})

	t.Run("ready", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ui/ready", ""), http.StatusOK, &body)
		for _, name := range []string{"jwks", "backend", "assignment_store"} {
			if _, ok := body.Checks[name]; !ok {
				t.Errorf("readiness check %q missing: %+v", name, body.Checks)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp := h.GET("/metrics", "")
		h.AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	})
}

func TestHarness_AuthenticationRequired(t *testing.T) {
	h := NewTestHarness(t)

	t.Run("no token returns 401", func(t *testing.T) {
		resp := h.GET("/ui/assignment", "")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("expired token returns 401", func(t *testing.T) {
		token := h.GenerateExpiredToken(ClerkClaims())
		resp := h.GET("/ui/assignment", token)
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		resp := h.GET("/ui/assignment", "invalid-token")
		h.AssertStatus(t, resp, http.StatusUnauthorized)
	})
}

func TestHarness_MockBackendRecording(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ClerkClaims())

	h.Backend().OnOperation("list").RespondWith(200, map[string]any{
		"items": []map[string]any{{"id": 42, "typeId": 5, "formId": 11, "nodeId": 8}},
		"total": 1,
	})

	resp := h.GETWithHeaders("/ui/requests/5?page=2&size=10&q=flu", token, map[string]string{
		"X-Correlation-Id": "corr-77",
		"Accept-Language":  "vi",
	})
	var page struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	h.AssertJSON(t, resp, http.StatusOK, &page)
	if page.Total != 1 || len(page.Items) != 1 {
		t.Errorf("page = %+v", page)
	}

	h.Backend().AssertCalled(t, "list", 1)
	req := h.Backend().LastRequest("list")
	if req.Path != "/value-dynamic/list/5" {
		t.Errorf("path = %q", req.Path)
	}
	if req.QueryParams["page"] != "2" || req.QueryParams["size"] != "10" || req.QueryParams["q"] != "flu" {
		t.Errorf("query = %v", req.QueryParams)
	}
	if got := req.Headers.Get("X-Correlation-Id"); got != "corr-77" {
		t.Errorf("X-Correlation-Id = %q, want corr-77", got)
	}
	if got := req.Headers.Get("Accept-Language"); got != "vi" {
		t.Errorf("Accept-Language = %q, want vi", got)
	}
}

func TestHarness_UnconfiguredRouteIs404(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(ClerkClaims())

	resp := h.GET("/ui/unknown", token)
	h.AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

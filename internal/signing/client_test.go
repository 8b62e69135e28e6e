package signing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// newTestDaemon starts a WebSocket server that hands every received
// request to respond. closed receives once per connection when the client
// side goes away.
func newTestDaemon(t *testing.T, respond func(*websocket.Conn, Request)) (url string, closed <-chan struct{}) {
	t.Helper()
	done := make(chan struct{}, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				done <- struct{}{}
				return
			}
			respond(conn, req)
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/sign", done
}

func newTestClient(url string, timeout time.Duration) (*Client, *observability.Metrics) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	c := New(config.SigningConfig{Enabled: true, URL: url, Timeout: timeout}, WithMetrics(m))
	return c, m
}

func waitClosed(t *testing.T, closed <-chan struct{}) {
	t.Helper()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestSign_success(t *testing.T) {
	url, closed := newTestDaemon(t, func(conn *websocket.Conn, req Request) {
		conn.WriteJSON(Response{ID: req.ID, Status: StatusPending})
		conn.WriteJSON(Response{ID: "someone-else", Status: StatusOK})
		conn.WriteJSON(Response{ID: req.ID, Status: StatusOK, Result: json.RawMessage(`{"signature":"c2ln"}`)})
	})
	c, m := newTestClient(url, time.Second)

	resp, err := c.Sign(context.Background(), Request{Action: "sign", Payload: json.RawMessage(`{"hash":"abc"}`)})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if resp.Status != StatusOK || string(resp.Result) != `{"signature":"c2ln"}` {
		t.Errorf("response = %+v", resp)
	}
	if resp.ID == "" {
		t.Error("request id was not generated")
	}
	waitClosed(t, closed)
	if got := testutil.ToFloat64(m.SigningRequestsTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("signing ok = %v, want 1", got)
	}
}

func TestSign_daemonError(t *testing.T) {
	url, _ := newTestDaemon(t, func(conn *websocket.Conn, req Request) {
		conn.WriteJSON(Response{ID: req.ID, Status: StatusError, Error: "token not inserted"})
	})
	c, _ := newTestClient(url, time.Second)

	var reported error
	_, err := c.Sign(context.Background(), Request{
		Action:    "sign",
		OnFailure: func(err error) { reported = err },
	})
	env, ok := model.AsEnvelope(err)
	if !ok || env.Code != model.ErrSigningFailed || env.Message != "token not inserted" {
		t.Fatalf("error = %v, want SIGNING_FAILED", err)
	}
	if reported != err {
		t.Errorf("OnFailure got %v, want %v", reported, err)
	}
}

func TestSign_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()
	c, m := newTestClient(url, time.Second)

	called := false
	_, err := c.Sign(context.Background(), Request{Action: "sign", OnFailure: func(error) { called = true }})
	if env, ok := model.AsEnvelope(err); !ok || env.Code != model.ErrSigningUnavailable {
		t.Fatalf("error = %v, want SIGNING_UNAVAILABLE", err)
	}
	if !called {
		t.Error("OnFailure was not called")
	}
	if got := testutil.ToFloat64(m.SigningRequestsTotal.WithLabelValues("unavailable")); got != 1 {
		t.Errorf("signing unavailable = %v, want 1", got)
	}
}

func TestSign_timeoutClosesConnection(t *testing.T) {
	url, closed := newTestDaemon(t, func(*websocket.Conn, Request) {})
	c, m := newTestClient(url, 50*time.Millisecond)

	_, err := c.Sign(context.Background(), Request{Action: "sign"})
	if env, ok := model.AsEnvelope(err); !ok || env.Code != model.ErrSigningUnavailable {
		t.Fatalf("error = %v, want SIGNING_UNAVAILABLE", err)
	}
	waitClosed(t, closed)
	if got := testutil.ToFloat64(m.SigningRequestsTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("signing timeout = %v, want 1", got)
	}
}

func TestSign_cancelClosesConnection(t *testing.T) {
	received := make(chan struct{}, 1)
	url, closed := newTestDaemon(t, func(*websocket.Conn, Request) { received <- struct{}{} })
	c, _ := newTestClient(url, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-received
		cancel()
	}()

	_, err := c.Sign(ctx, Request{Action: "sign"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	waitClosed(t, closed)
}

func TestSign_disabled(t *testing.T) {
	c := New(config.SigningConfig{URL: "wss://127.0.0.1:1/sign"})
	if c.Enabled() {
		t.Error("Enabled() = true, want false")
	}
	_, err := c.Sign(context.Background(), Request{Action: "sign"})
	if env, ok := model.AsEnvelope(err); !ok || env.Code != model.ErrSigningUnavailable {
		t.Errorf("error = %v, want SIGNING_UNAVAILABLE", err)
	}
}

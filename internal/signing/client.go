// Package signing relays signing requests to the local native signing
// daemon over WebSocket. The daemon does the cryptography; this package only
// moves one request and its reply per connection.
package signing

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// Request is one signing request. Payload is passed to the daemon as is.
type Request struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// OnFailure, when set, is called with the error of a failed request so
	// the caller can present its own message.
	OnFailure func(error) `json:"-"`
}

// Response is the daemon's reply to a Request.
type Response struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Daemon statuses. Interim replies are skipped while waiting.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusPending = "pending"
)

// Client talks to the signing daemon. It holds no connection between calls.
type Client struct {
	url     string
	enabled bool
	timeout time.Duration
	dialer  *websocket.Dialer
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client from cfg.
func New(cfg config.SigningConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	c := &Client{
		url:     cfg.URL,
		enabled: cfg.Enabled,
		timeout: timeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshake,
			// The daemon listens on loopback with a self-signed certificate.
			TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether signing is configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

type reply struct {
	resp Response
	err  error
}

// Sign sends req to the daemon and waits for its reply, the client timeout
// or ctx, whichever comes first. The connection is closed before Sign
// returns in every case.
func (c *Client) Sign(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := observability.RequestLogger(ctx, c.logger).With(
		zap.String("signing_id", req.ID),
		zap.String("action", req.Action),
	)

	if !c.enabled {
		return Response{}, c.fail(req, "disabled", start, model.NewSigningUnavailableError())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "signing.sign",
		observability.AttrSigningAction.String(req.Action),
	)
	defer span.End()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		logger.Warn("signing daemon unreachable", zap.Error(err))
		observability.EndSpanWithError(span, err)
		return Response{}, c.fail(req, "unavailable", start, model.NewSigningUnavailableError())
	}
	defer conn.Close()

	replies := make(chan reply, 1)
	go func() {
		for {
			var resp Response
			if err := conn.ReadJSON(&resp); err != nil {
				replies <- reply{err: err}
				return
			}
			if resp.Status == StatusPending || (resp.ID != "" && resp.ID != req.ID) {
				continue
			}
			replies <- reply{resp: resp}
			return
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(req); err != nil {
		logger.Warn("signing request could not be sent", zap.Error(err))
		return Response{}, c.fail(req, "unavailable", start, model.NewSigningUnavailableError())
	}

	select {
	case <-ctx.Done():
		// Closing the socket unblocks the reader.
		conn.Close()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("signing daemon did not answer in time", zap.Duration("timeout", c.timeout))
			return Response{}, c.fail(req, "timeout", start, &model.ErrorEnvelope{
				Code:    model.ErrSigningUnavailable,
				Message: "The signing service did not answer in time",
			})
		}
		return Response{}, c.fail(req, "canceled", start, fmt.Errorf("signing: %w", ctx.Err()))

	case r := <-replies:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if r.err != nil {
			logger.Warn("signing connection dropped", zap.Error(r.err))
			return Response{}, c.fail(req, "unavailable", start, model.NewSigningUnavailableError())
		}
		if r.resp.Status == StatusError || r.resp.Error != "" {
			msg := r.resp.Error
			if msg == "" {
				msg = "The signing service rejected the request"
			}
			logger.Info("signing rejected by daemon", zap.String("reason", msg))
			return r.resp, c.fail(req, "failed", start, model.NewSigningFailedError(msg))
		}
		c.metrics.RecordSigning("ok", time.Since(start))
		logger.Info("signing completed", zap.Duration("duration", time.Since(start)))
		return r.resp, nil
	}
}

func (c *Client) fail(req Request, status string, start time.Time, err error) error {
	c.metrics.RecordSigning(status, time.Since(start))
	if req.OnFailure != nil {
		req.OnFailure(err)
	}
	return err
}

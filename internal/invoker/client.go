// Package invoker is the REST request layer in front of the document
// backend. Every backend call made by the resolver, the renderer and the
// submission coordinator goes through Client.Do.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/notify"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 32 << 20

// Request describes one call to the backend.
type Request struct {
	// Endpoint labels the call in metrics and spans, e.g. "next_node".
	Endpoint string
	Method   string

	// Path is a template such as "/workflow/next-node/{nodeId}".
	Path       string
	PathParams map[string]string
	Query      url.Values
	Headers    map[string]string

	// Body is JSON-encoded unless Parts is set, in which case the request is
	// sent as multipart/form-data with Fields as plain form values.
	Body   any
	Fields map[string]string
	Parts  []Part

	// NoRetry disables retries regardless of method.
	NoRetry bool

	// SkipGlobalErrorHandler keeps failures of this call out of the
	// notification hub; the caller reports them itself.
	SkipGlobalErrorHandler bool
}

// Part is one file in a multipart request.
type Part struct {
	FieldName   string
	FileName    string
	ContentType string
	Data        []byte
}

// Result is a successful (2xx) backend response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into v. Bodies wrapped in a
// {"data": ...} envelope are unwrapped first.
func (r Result) Decode(v any) error {
	if len(bytes.TrimSpace(r.Body)) == 0 {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(r.Body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		return json.Unmarshal(env.Data, v)
	}
	return json.Unmarshal(r.Body, v)
}

// Doer executes backend requests. *Client implements it.
type Doer interface {
	Do(ctx context.Context, rctx *model.RequestContext, req Request) (Result, error)
}

// Client calls the document backend with circuit breaking, retries and
// error classification.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *CircuitBreaker
	retry    config.RetryConfig
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithNotifier sets where failed calls are reported.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Client) { c.notifier = n }
}

// WithMetrics enables backend metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Client for the backend described by cfg.
func New(cfg config.BackendConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:    cfg.Retry,
		notifier: notify.Nop{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = NewCircuitBreaker(cfg.CircuitBreaker, func(s BreakerState) {
		c.metrics.SetBackendCircuitBreakerState(float64(s))
		if s == BreakerOpen {
			c.logger.Warn("backend circuit breaker opened")
		} else {
			c.logger.Info("backend circuit breaker state changed", zap.String("state", s.String()))
		}
	})
	return c
}

// Breaker exposes the circuit breaker for diagnostics.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// HealthCheck reports the backend as unhealthy while the breaker is open.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.breaker.State() == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Do executes req. Non-2xx responses are returned as BUSINESS_ERROR
// envelopes; transport failures as BACKEND_UNAVAILABLE or BACKEND_TIMEOUT.
// Unless req.SkipGlobalErrorHandler is set, every failure is also published
// to the notifier.
func (c *Client) Do(ctx context.Context, rctx *model.RequestContext, req Request) (Result, error) {
	ctx, span := observability.StartSpan(ctx, "backend."+req.Endpoint,
		observability.AttrEndpoint.String(req.Endpoint),
	)
	res, err := c.do(ctx, rctx, req)
	observability.EndSpanWithError(span, err)

	if err != nil && !req.SkipGlobalErrorHandler {
		recipient := ""
		if rctx != nil {
			recipient = rctx.Recipient()
		}
		c.notifier.Notify(ctx, notify.FromError(recipient, err))
	}
	return res, err
}

func (c *Client) do(ctx context.Context, rctx *model.RequestContext, req Request) (Result, error) {
	body, contentType, err := encodeBody(req)
	if err != nil {
		return Result{}, fmt.Errorf("invoker: encode body: %w", err)
	}
	reqURL := c.buildURL(req)

	attempts := c.retry.MaxAttempts
	if attempts < 1 || req.NoRetry || (c.retry.IdempotentOnly && !isIdempotentMethod(req.Method)) {
		attempts = 1
	}

	var result Result
	op := func() error {
		r, retryable, err := c.once(ctx, rctx, req, reqURL, body, contentType)
		if err != nil {
			if retryable {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	err = backoff.RetryNotify(op, c.backoffPolicy(ctx, attempts), func(err error, next time.Duration) {
		c.metrics.RecordBackendRetry(req.Endpoint)
		c.logger.Debug("invoker: retrying backend call",
			zap.String("endpoint", req.Endpoint),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, model.NewBackendTimeoutError()
		}
		return Result{}, err
	}
	return result, nil
}

func (c *Client) backoffPolicy(ctx context.Context, attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if c.retry.BackoffInitial > 0 {
		b.InitialInterval = c.retry.BackoffInitial
	}
	if c.retry.BackoffMultiplier > 0 {
		b.Multiplier = c.retry.BackoffMultiplier
	}
	if c.retry.BackoffMax > 0 {
		b.MaxInterval = c.retry.BackoffMax
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// once performs a single HTTP exchange. The boolean reports whether the
// failure may be retried.
func (c *Client) once(
	ctx context.Context,
	rctx *model.RequestContext,
	req Request,
	reqURL string,
	body []byte,
	contentType string,
) (Result, bool, error) {
	if err := c.breaker.Allow(); err != nil {
		return Result{}, false, model.NewBackendUnavailableError()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, reader)
	if err != nil {
		return Result{}, false, fmt.Errorf("invoker: build request: %w", err)
	}
	httpReq.Header = buildHeaders(ctx, rctx, req, contentType)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.RecordBackendRequest(req.Endpoint, 0, time.Since(start))
		c.breaker.RecordFailure()
		if ctx.Err() != nil || isTimeout(err) {
			return Result{}, false, model.NewBackendTimeoutError()
		}
		return Result{}, isConnectionError(err), model.NewBackendUnavailableError()
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(req.Endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return Result{}, false, model.NewBackendUnavailableError()
	}

	switch {
	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
	case resp.StatusCode < 400:
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, isRetryableStatus(resp.StatusCode),
			model.NewBusinessError(resp.StatusCode, upstreamMessage(respBody))
	}

	return Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, false, nil
}

func (c *Client) buildURL(req Request) string {
	path := req.Path
	for name, value := range req.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	u := c.baseURL + path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}
	return u
}

func encodeBody(req Request) ([]byte, string, error) {
	if len(req.Parts) > 0 {
		return encodeMultipart(req)
	}
	if req.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(req.Body)
	if err != nil {
		return nil, "", err
	}
	return b, "application/json", nil
}

func encodeMultipart(req Request) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range req.Fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	for _, p := range req.Parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
			escapeQuotes(p.FieldName), escapeQuotes(p.FileName)))
		ct := p.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)
		pw, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := pw.Write(p.Data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

func buildHeaders(ctx context.Context, rctx *model.RequestContext, req Request, contentType string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.TenantID != "" {
			h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
		if rctx.Locale != "" {
			h.Set("Accept-Language", sanitizeHeader(rctx.Locale))
		}
	}

	for k, v := range req.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}

	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// upstreamMessage extracts a human-readable message from an error body. The
// backend reports it as "message", or as "error" holding either a string or
// an object with its own "message".
func upstreamMessage(body []byte) string {
	var payload struct {
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	if len(payload.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Error, &s); err == nil {
		return s
	}
	var nested struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &nested); err == nil {
		return nested.Message
	}
	return ""
}

// --- classification helpers ---

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

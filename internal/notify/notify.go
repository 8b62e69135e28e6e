// Package notify implements the global notification mechanism: failures the
// request layer or the submission coordinator cannot resolve are raised here
// and drained by the browser as toast messages.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a single toast-style message for one recipient.
type Notification struct {
	Level     Level     `json:"level"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Recipient string    `json:"-"`
	Time      time.Time `json:"time"`
}

// Notifier receives notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Nop discards every notification.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Notification) {}

// FromError builds an error notification from err, using the envelope code
// and message when err carries one.
func FromError(recipient string, err error) Notification {
	n := Notification{
		Level:     LevelError,
		Code:      model.ErrInternalError,
		Message:   err.Error(),
		Recipient: recipient,
	}
	if env, ok := model.AsEnvelope(err); ok {
		n.Code = env.Code
		n.Message = env.Message
	}
	return n
}

// Hub keeps a bounded ring of recent notifications per recipient.
type Hub struct {
	mu      sync.Mutex
	size    int
	rings   map[string][]Notification
	logger  *zap.Logger
	metrics *observability.Metrics
	nowFunc func() time.Time
}

// NewHub creates a Hub keeping at most size notifications per recipient.
func NewHub(size int, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if size < 1 {
		size = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		size:    size,
		rings:   make(map[string][]Notification),
		logger:  logger,
		metrics: metrics,
		nowFunc: time.Now,
	}
}

// Notify records n for its recipient, defaulting to the caller in ctx.
// Notifications without a recipient are only logged.
func (h *Hub) Notify(ctx context.Context, n Notification) {
	if n.Time.IsZero() {
		n.Time = h.nowFunc()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	if n.Recipient == "" {
		if rctx := model.RequestContextFrom(ctx); rctx != nil {
			n.Recipient = rctx.Recipient()
		}
	}

	h.metrics.RecordNotification(string(n.Level))
	logger := observability.RequestLogger(ctx, h.logger)
	if n.Level == LevelError {
		logger.Warn("notification raised",
			zap.String("code", n.Code),
			zap.String("message", n.Message),
		)
	} else {
		logger.Debug("notification raised",
			zap.String("level", string(n.Level)),
			zap.String("message", n.Message),
		)
	}

	if n.Recipient == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ring := append(h.rings[n.Recipient], n)
	if len(ring) > h.size {
		ring = ring[len(ring)-h.size:]
	}
	h.rings[n.Recipient] = ring
}

// Drain returns and removes all pending notifications for recipient, oldest
// first. The result is never nil.
func (h *Hub) Drain(recipient string) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring := h.rings[recipient]
	delete(h.rings, recipient)
	if ring == nil {
		return []Notification{}
	}
	return ring
}

// Pending returns the number of queued notifications for recipient.
func (h *Hub) Pending(recipient string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rings[recipient])
}

package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Authenticate func(http.Handler) http.Handler
	Handlers     *Handlers
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := deps.Handlers
	if h == nil {
		h = &Handlers{}
	}
	if h.Logger == nil {
		h.Logger = logger
	}

	r := chi.NewRouter()

	// Applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	r.Handle("/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Get("/ui/workflows/{typeId}/start-nodes", h.handleStartNodes)
		r.Get("/ui/nodes/{nodeId}/next", h.handleNextNodes)

		r.Route("/ui/requests/{typeId}", func(r chi.Router) {
			r.Get("/", h.handleListRecords)
			r.Get("/form", h.handleGetForm)
			r.Get("/session", h.handleGetSession)
			r.Put("/session/fields", h.handleUpdateFields)
			r.Put("/session/transfer", h.handleSelectTransfer)
			r.Post("/session/attachments", h.handleStageAttachments)
			r.Delete("/session/attachments", h.handleUnstageAttachment)
			r.Post("/submit", h.handleSubmit)
		})

		r.Get("/ui/records/{id}/attachments", h.handleListAttachments)
		r.Get("/ui/attachments/{attachmentId}/download", h.handleDownloadAttachment)

		r.Get("/ui/assignment", h.handleGetAssignment)
		r.Put("/ui/assignment", h.handleSetAssignee)
		r.Delete("/ui/assignment", h.handleClearAssignment)
		r.Put("/ui/assignment/node", h.handleSetAssignmentNode)

		r.Post("/ui/signing/sign", h.handleSign)
		r.Get("/ui/notifications", h.handleNotifications)
	})

	return r
}

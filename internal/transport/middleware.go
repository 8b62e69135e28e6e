package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/model"
)

// Context keys for middleware-injected values.
type correlationIDKey struct{}
type claimsKey struct{}
type tokenKey struct{}

// CorrelationIDFrom extracts the correlation ID from the request context.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// WithClaims stores verified JWT claims and the raw token in the context.
func WithClaims(ctx context.Context, claims map[string]any, token string) context.Context {
	ctx = context.WithValue(ctx, claimsKey{}, claims)
	return context.WithValue(ctx, tokenKey{}, token)
}

// ClaimsFrom extracts JWT claims from the context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

func tokenFrom(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey{}).(string)
	return t
}

// Recovery catches panics in downstream handlers, logs them, and returns
// a 500 JSON error response.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					WriteError(w, model.NewInternalError())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing based
// on the provided configuration.
func CORS(cfg config.CORSConfig) func(http.Handler) http.Handler {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := fmt.Sprintf("%d", cfg.MaxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && origins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
				w.Header().Set("Access-Control-Expose-Headers", "X-Correlation-Id, Content-Disposition")
				w.Header().Set("Vary", "Origin")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequestID reads X-Correlation-Id from the request header or generates a
// new one, then stores it in the context and sets the response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), correlationIDKey{}, id)
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets standard security response headers on all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "0")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext returns middleware that constructs a
// model.RequestContext from the verified claims and request headers.
// claimPaths maps context fields to (possibly dotted) claim paths.
func BuildRequestContext(claimPaths map[string]string) func(http.Handler) http.Handler {
	path := func(field, def string) string {
		if p, ok := claimPaths[field]; ok && p != "" {
			return p
		}
		return def
	}
	subjectPath := path("subject_id", "sub")
	tenantPath := path("tenant_id", "tenant_id")
	namePath := path("full_name", "name")
	emailPath := path("email", "email")
	orgPath := path("org_id", "org_id")
	sessionPath := path("session_id", "sid")
	rolesPath := path("roles", "roles")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFrom(r.Context())
			rctx := &model.RequestContext{
				SubjectID:     claimString(claims, subjectPath),
				FullName:      claimString(claims, namePath),
				Email:         claimString(claims, emailPath),
				TenantID:      claimString(claims, tenantPath),
				OrgID:         claimString(claims, orgPath),
				Roles:         claimStringSlice(claims, rolesPath),
				Claims:        claims,
				SessionID:     claimString(claims, sessionPath),
				CorrelationID: CorrelationIDFrom(r.Context()),
				Locale:        r.Header.Get("Accept-Language"),
				Token:         tokenFrom(r.Context()),
			}
			if sid := r.Header.Get("X-Session-Id"); sid != "" && rctx.SessionID == "" {
				rctx.SessionID = sid
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
				rctx.TraceID = sc.TraceID().String()
			}
			if err := rctx.Validate(); err != nil {
				WriteError(w, model.NewUnauthorizedError("Token is missing required identity claims"))
				return
			}
			ctx := model.WithRequestContext(r.Context(), rctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerTimeout returns middleware that sets a context deadline on requests.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging stores logger in the request context and logs each
// request with method, route, status, and duration.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := observability.WithLogger(r.Context(), logger)
			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)

			l := observability.RequestLogger(ctx, logger)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case ww.status >= 500:
				l.Error("request", fields...)
			case ww.status >= 400:
				l.Warn("request", fields...)
			default:
				l.Info("request", fields...)
			}
		})
	}
}

// --- helpers ---

// statusWriter wraps http.ResponseWriter to capture the written status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// claimAt resolves a dotted claim path such as "realm_access.roles".
func claimAt(claims map[string]any, path string) any {
	var cur any = claims
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func claimString(claims map[string]any, path string) string {
	if claims == nil {
		return ""
	}
	switch v := claimAt(claims, path).(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func claimStringSlice(claims map[string]any, path string) []string {
	if claims == nil {
		return nil
	}
	raw, ok := claimAt(claims, path).([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

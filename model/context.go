package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries identity and tracing information for the lifetime
// of an authenticated request. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	SubjectID     string
	FullName      string
	Email         string
	TenantID      string
	OrgID         string
	Roles         []string
	Claims        map[string]any
	SessionID     string
	CorrelationID string
	TraceID       string
	Locale        string

	// Token is the raw bearer token, forwarded to the document backend.
	Token string
}

// Validate checks that all mandatory fields are present.
// SubjectID and TenantID must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// HasRole returns true if the RequestContext contains the given role.
func (rc *RequestContext) HasRole(role string) bool {
	for _, r := range rc.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MemoryKey identifies the per-user persisted client state. A session ID
// scopes the state to one login when present.
func (rc *RequestContext) MemoryKey() string {
	if rc.SessionID != "" {
		return rc.TenantID + ":" + rc.SubjectID + ":" + rc.SessionID
	}
	return rc.TenantID + ":" + rc.SubjectID
}

// Recipient addresses the notifications of this caller. Subjects are only
// unique within a tenant.
func (rc *RequestContext) Recipient() string {
	return rc.TenantID + ":" + rc.SubjectID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

package domain

import (
	"time"
)

// Headers exchanged with clients and upstreams.
const (
	HeaderCorrelationID = "X-Correlation-Id"
	HeaderUserID        = "X-User-Id"
	HeaderOrgID         = "X-Org-Id"
	HeaderUserRoles     = "X-User-Roles"
)

// RequestContext is the per-request bundle threaded through validation, routing,
// dispatch, and audit. It is never persisted.
type RequestContext struct {
	CorrelationID string
	StartedAt     time.Time
	Method        string
	Path          string
	RemoteAddr    string
	UserAgent     string

	principal *Principal
	route     *Route
}

// NewRequestContext creates a context at request entry.
func NewRequestContext(correlationID, method, path string, startedAt time.Time) *RequestContext {
	return &RequestContext{
		CorrelationID: correlationID,
		StartedAt:     startedAt,
		Method:        method,
		Path:          path,
	}
}

// Authenticate attaches a principal. Callers must only do this after the token
// validator succeeded for this request.
func (rc *RequestContext) Authenticate(p Principal) {
	rc.principal = &p
}

// Principal returns the attached principal, if any.
func (rc *RequestContext) Principal() (Principal, bool) {
	if rc.principal == nil {
		return Principal{}, false
	}
	return *rc.principal, true
}

// Match records the matched route.
func (rc *RequestContext) Match(route *Route) {
	rc.route = route
}

// Route returns the matched route or nil.
func (rc *RequestContext) Route() *Route {
	return rc.route
}

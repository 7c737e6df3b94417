package domain

import "time"

// AuditEvent is an immutable snapshot of a completed request.
type AuditEvent struct {
	EventID       string        `json:"eventId"`
	CorrelationID string        `json:"correlationId"`
	Timestamp     time.Time     `json:"timestamp"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	RouteID       string        `json:"routeId,omitempty"`
	Upstream      string        `json:"upstream,omitempty"`
	Subject       string        `json:"subject,omitempty"`
	OrgID         string        `json:"orgId,omitempty"`
	Roles         []string      `json:"roles,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	Reason        string        `json:"reason,omitempty"`
	Status        int           `json:"status"`
	Attempts      int           `json:"attempts"`
	Latency       time.Duration `json:"latency"`
	RemoteAddr    string        `json:"remoteAddr,omitempty"`
	UserAgent     string        `json:"userAgent,omitempty"`
}

// DispatchResult summarises what happened after routing.
type DispatchResult struct {
	Outcome  Outcome
	Reason   string
	Status   int
	Attempts int
}

// NewAuditEvent snapshots rc and its result into an AuditEvent.
func NewAuditEvent(eventID string, rc *RequestContext, result DispatchResult, now time.Time) AuditEvent {
	event := AuditEvent{
		EventID:       eventID,
		CorrelationID: rc.CorrelationID,
		Timestamp:     now,
		Method:        rc.Method,
		Path:          rc.Path,
		Outcome:       result.Outcome,
		Reason:        result.Reason,
		Status:        result.Status,
		Attempts:      result.Attempts,
		Latency:       now.Sub(rc.StartedAt),
		RemoteAddr:    rc.RemoteAddr,
		UserAgent:     rc.UserAgent,
	}
	if route := rc.Route(); route != nil {
		event.RouteID = route.ID
		event.Upstream = route.Upstream
	}
	if p, ok := rc.Principal(); ok {
		event.Subject = p.Subject()
		event.OrgID = p.OrgID()
		event.Roles = p.Roles()
	}
	return event
}

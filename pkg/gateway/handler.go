package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/budgetiq/budgetiq-gateway/pkg/auth"
	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
	"github.com/budgetiq/budgetiq-gateway/pkg/routing"
	"github.com/budgetiq/budgetiq-gateway/pkg/telemetry"
)

// healthPath answers liveness probes on the data listener without auth or routing.
const healthPath = "/actuator/health"

// ServeHTTP runs one data plane request: correlation, authentication, routing,
// dispatch and exactly one audit event.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == healthPath && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "UP"})
		return
	}

	rt := s.Runtime()
	start := s.now()

	correlationID := correlationIDFrom(r)
	w.Header().Set(domain.HeaderCorrelationID, correlationID)

	rc := domain.NewRequestContext(correlationID, r.Method, r.URL.Path, start)
	rc.RemoteAddr = r.RemoteAddr
	rc.UserAgent = r.UserAgent()

	s.metrics.inFlight.Inc()
	rec := newResponseRecorder(w)

	var result domain.DispatchResult
	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				s.finish(r, rc, result)
				panic(p)
			}
			s.logger.Error("panic while serving request",
				"correlation_id", correlationID,
				"panic", fmt.Sprint(p),
			)
			gwErr := domain.NewGatewayError(domain.OutcomeInternalError, domain.ReasonPanic, "panic while serving request")
			result = domain.DispatchResult{Outcome: gwErr.Outcome, Reason: gwErr.Reason, Status: http.StatusInternalServerError}
			if !rec.Committed() {
				writeGatewayError(rec, correlationID, gwErr)
			}
		}
		s.finish(r, rc, result)
	}()

	result = s.handle(rec, r, rt, rc)
}

func (s *Server) handle(w *responseRecorder, r *http.Request, rt *Runtime, rc *domain.RequestContext) domain.DispatchResult {
	ctx := r.Context()

	if header := r.Header.Get("Authorization"); strings.TrimSpace(header) != "" {
		principal, err := rt.Validator.ValidateHeader(ctx, header)
		if err != nil {
			reason := string(auth.KindOf(err))
			if reason == "" {
				reason = domain.ReasonMalformed
			}
			s.logger.Debug("credential rejected",
				"correlation_id", rc.CorrelationID,
				"reason", reason,
				"error", err,
			)
			return s.reject(w, rc, domain.NewGatewayError(domain.OutcomeUnauthenticated, reason, "invalid credential"))
		}
		rc.Authenticate(principal)
	}

	// The escaped path is forwarded as-is, so it must route to the same segments
	// the upstream will see.
	if err := routing.CheckPath(r.URL.Path, r.URL.EscapedPath()); err != nil {
		return s.reject(w, rc, domain.NewGatewayError(domain.OutcomeNoMatch, domain.ReasonUnsafePath, "no route for "+r.Method+" "+r.URL.EscapedPath()))
	}

	route, err := rt.Routes.Lookup(r.Method, r.URL.Path)
	if err != nil {
		if errors.Is(err, domain.ErrNoMatch) {
			return s.reject(w, rc, domain.NewGatewayError(domain.OutcomeNoMatch, "", "no route for "+r.Method+" "+r.URL.Path))
		}
		return s.reject(w, rc, &domain.GatewayError{Err: err, Outcome: domain.OutcomeInternalError, Message: "route lookup failed"})
	}
	rc.Match(route)

	result, err := rt.Dispatcher.Dispatch(w, r, rc)
	if err != nil {
		gwErr := domain.AsGatewayError(err)
		if gwErr.Outcome == domain.OutcomeInternalError {
			s.logger.Error("request failed inside the gateway",
				"correlation_id", rc.CorrelationID,
				"route_id", route.ID,
				"error", err,
			)
		}
		if !w.Committed() {
			writeGatewayError(w, rc.CorrelationID, gwErr)
		}
	}
	return result
}

func (s *Server) reject(w http.ResponseWriter, rc *domain.RequestContext, gwErr *domain.GatewayError) domain.DispatchResult {
	writeGatewayError(w, rc.CorrelationID, gwErr)
	return domain.DispatchResult{
		Outcome: gwErr.Outcome,
		Reason:  gwErr.Reason,
		Status:  gwErr.Outcome.Status(),
	}
}

// finish records the request once, whatever path it took.
func (s *Server) finish(r *http.Request, rc *domain.RequestContext, result domain.DispatchResult) {
	s.metrics.inFlight.Dec()

	if result.Outcome == "" {
		result.Outcome = domain.OutcomeInternalError
		result.Status = http.StatusInternalServerError
	}
	now := s.now()
	event := domain.NewAuditEvent(uuid.NewString(), rc, result, now)
	s.emitter.Emit(event)

	ctx := r.Context()
	telemetry.RecordDispatch(ctx, telemetry.DispatchMetrics{
		RouteID:  event.RouteID,
		Upstream: event.Upstream,
		Method:   event.Method,
		Outcome:  event.Outcome,
		Reason:   event.Reason,
		Status:   event.Status,
		Attempts: event.Attempts,
		Duration: event.Latency,
	})

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gateway.correlation_id", rc.CorrelationID),
		attribute.String("gateway.outcome", string(result.Outcome)),
	}
	if result.Reason != "" {
		attrs = append(attrs, attribute.String("gateway.reason", result.Reason))
	}
	if p, ok := rc.Principal(); ok {
		attrs = append(attrs,
			attribute.String("enduser.id", p.Subject()),
			attribute.String("enduser.org", p.OrgID()),
			attribute.String("enduser.role", strings.Join(p.Roles(), ",")),
		)
	}
	span.SetAttributes(telemetry.RedactAttributes(attrs)...)
	if result.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, string(result.Outcome))
	}
}

// correlationIDFrom reuses a well-formed inbound correlation id or mints one.
func correlationIDFrom(r *http.Request) string {
	if inbound := r.Header.Get(domain.HeaderCorrelationID); inbound != "" {
		if id, err := uuid.Parse(inbound); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

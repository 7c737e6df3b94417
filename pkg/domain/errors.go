package domain

import (
	"errors"
	"net/http"
	"time"
)

// Common domain errors
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNoMatch             = errors.New("no route matched")
	ErrUpstreamUnavailable = errors.New("upstream service unavailable")
	ErrTimeout             = errors.New("request deadline exceeded")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Outcome classifies how a request finished. Every request ends in exactly one outcome.
type Outcome string

const (
	// OutcomeOK means the upstream answered 2xx/3xx and the response was passed through.
	OutcomeOK Outcome = "ok"
	// OutcomeUpstreamError means the upstream answered 4xx and the response was passed through.
	OutcomeUpstreamError Outcome = "upstream_error"
	// OutcomeUnauthenticated means no valid credential was presented.
	OutcomeUnauthenticated Outcome = "unauthenticated"
	// OutcomeForbidden means the credential was valid but lacked required claims.
	OutcomeForbidden Outcome = "forbidden"
	// OutcomeNoMatch means no route matched method and path.
	OutcomeNoMatch Outcome = "no_match"
	// OutcomeRateLimited means the route's rate limit rejected the request.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeUpstreamUnavailable covers upstream 5xx, network failures, and open circuits.
	OutcomeUpstreamUnavailable Outcome = "upstream_unavailable"
	// OutcomeTimeout means the overall request deadline elapsed.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeInternalError means the gateway itself failed.
	OutcomeInternalError Outcome = "internal_error"
	// OutcomeClientClosed means the caller went away before a response was produced.
	OutcomeClientClosed Outcome = "client_closed"
)

// StatusClientClosedRequest is the non-standard status recorded when the caller
// disconnects. It is never written to a live connection.
const StatusClientClosedRequest = 499

// Status returns the HTTP status the gateway uses when it generates the response
// itself. Pass-through outcomes return zero.
func (o Outcome) Status() int {
	switch o {
	case OutcomeUnauthenticated:
		return http.StatusUnauthorized
	case OutcomeForbidden:
		return http.StatusForbidden
	case OutcomeNoMatch:
		return http.StatusNotFound
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	case OutcomeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case OutcomeTimeout:
		return http.StatusGatewayTimeout
	case OutcomeInternalError:
		return http.StatusInternalServerError
	case OutcomeClientClosed:
		return StatusClientClosedRequest
	default:
		return 0
	}
}

// Code returns the machine-readable error code carried in gateway error bodies.
func (o Outcome) Code() string {
	switch o {
	case OutcomeUnauthenticated:
		return "UNAUTHENTICATED"
	case OutcomeForbidden:
		return "FORBIDDEN"
	case OutcomeNoMatch:
		return "NO_MATCH"
	case OutcomeRateLimited:
		return "RATE_LIMITED"
	case OutcomeUpstreamUnavailable:
		return "UPSTREAM_UNAVAILABLE"
	case OutcomeTimeout:
		return "TIMEOUT"
	case OutcomeInternalError:
		return "INTERNAL_ERROR"
	case OutcomeUpstreamError:
		return "UPSTREAM_ERROR"
	case OutcomeClientClosed:
		return "CLIENT_CLOSED"
	default:
		return "OK"
	}
}

// Reasons attached to outcomes. Token failure reasons mirror auth.FailureKind.
const (
	ReasonMissing          = "missing"
	ReasonMalformed        = "malformed"
	ReasonExpired          = "expired"
	ReasonSignatureInvalid = "signature_invalid"
	ReasonClaimsInvalid    = "claims_invalid"
	ReasonMissingClaims    = "missing_claims"
	ReasonPolicyDenied     = "policy_denied"
	ReasonCircuitOpen      = "circuit_open"
	ReasonUpstreamStatus   = "upstream_status"
	ReasonConnection       = "connection_failed"
	ReasonAttemptTimeout   = "attempt_timeout"
	ReasonDeadline         = "deadline_exceeded"
	ReasonPanic            = "panic"
	ReasonClientClosed     = "client_closed"
	ReasonBodyAborted      = "body_aborted"
	ReasonUnsafePath       = "unsafe_path"
)

// GatewayError is a request failure resolved inside the gateway. It carries the
// outcome used for the client-visible response and the audit event.
type GatewayError struct {
	Err     error
	Outcome Outcome
	Reason  string
	Message string
	// RetryAfter is advertised to the client when positive.
	RetryAfter time.Duration
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Outcome)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError builds a GatewayError whose sentinel is derived from the outcome.
func NewGatewayError(outcome Outcome, reason, message string) *GatewayError {
	return &GatewayError{
		Err:     sentinelFor(outcome),
		Outcome: outcome,
		Reason:  reason,
		Message: message,
	}
}

// AsGatewayError extracts a GatewayError from err. Errors of other shapes are
// reported as internal errors.
func AsGatewayError(err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return &GatewayError{Err: err, Outcome: OutcomeInternalError, Message: "internal gateway error"}
}

func sentinelFor(outcome Outcome) error {
	switch outcome {
	case OutcomeUnauthenticated:
		return ErrUnauthenticated
	case OutcomeForbidden:
		return ErrForbidden
	case OutcomeNoMatch:
		return ErrNoMatch
	case OutcomeRateLimited:
		return ErrRateLimited
	case OutcomeUpstreamUnavailable:
		return ErrUpstreamUnavailable
	case OutcomeTimeout:
		return ErrTimeout
	default:
		return nil
	}
}

// ErrorResponse is the envelope of every gateway-generated response body. It keeps the
// platform's {success, data, message} shape and adds a stable machine-readable code.
type ErrorResponse struct {
	Success       bool   `json:"success"`
	Data          any    `json:"data"`
	Message       string `json:"message"`
	Code          string `json:"code"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

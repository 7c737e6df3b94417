package auth

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a credential was rejected.
type FailureKind string

const (
	// FailureMissing means no credential was supplied.
	FailureMissing FailureKind = "missing"
	// FailureMalformed means the credential could not be decoded.
	FailureMalformed FailureKind = "malformed"
	// FailureExpired means now >= exp.
	FailureExpired FailureKind = "expired"
	// FailureSignatureInvalid means no configured key verified the signature.
	FailureSignatureInvalid FailureKind = "signature_invalid"
	// FailureClaimsInvalid means required claims were absent or rejected.
	FailureClaimsInvalid FailureKind = "claims_invalid"
)

// Sentinel errors, one per failure kind, usable with errors.Is.
var (
	ErrMissing          = errors.New("credential missing")
	ErrMalformed        = errors.New("credential malformed")
	ErrExpired          = errors.New("credential expired")
	ErrSignatureInvalid = errors.New("credential signature invalid")
	ErrClaimsInvalid    = errors.New("credential claims invalid")
)

// ErrUnknownKey is returned by key sets when no key matches a token's kid.
var ErrUnknownKey = errors.New("unknown verification key")

// ValidationError reports a rejected credential.
type ValidationError struct {
	Kind  FailureKind
	Cause error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("token validation failed: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("token validation failed: %s", e.Kind)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ValidationError) Unwrap() []error {
	errs := []error{sentinelFor(e.Kind)}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func newValidationError(kind FailureKind, cause error) *ValidationError {
	return &ValidationError{Kind: kind, Cause: cause}
}

// KindOf returns the failure kind carried by err, or "" when err is not a validation error.
func KindOf(err error) FailureKind {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return vErr.Kind
	}
	return ""
}

func sentinelFor(kind FailureKind) error {
	switch kind {
	case FailureMissing:
		return ErrMissing
	case FailureMalformed:
		return ErrMalformed
	case FailureExpired:
		return ErrExpired
	case FailureSignatureInvalid:
		return ErrSignatureInvalid
	default:
		return ErrClaimsInvalid
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

var (
	errMissingSubject = errors.New("sub claim is required")
	errMissingRoles   = errors.New("at least one role is required")
)

// DefaultAlgorithms lists the signing algorithms accepted when none are configured.
var DefaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256", "EdDSA", "HS256"}

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	Keys       KeySet
	Algorithms []string
	// Issuer and Audience are enforced when non-empty.
	Issuer   string
	Audience string
	// Now overrides the clock; tests use it to pin expiry checks.
	Now func() time.Time
}

// Validator verifies bearer tokens. It is safe for concurrent use and keeps no
// per-request state.
type Validator struct {
	keys   KeySet
	parser *jwt.Parser
}

// NewValidator constructs a Validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("validator requires a key set")
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = DefaultAlgorithms
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Validator{
		keys:   cfg.Keys,
		parser: jwt.NewParser(opts...),
	}, nil
}

// ValidateHeader validates the value of an Authorization header. An empty header
// fails with FailureMissing; anything other than "Bearer <token>" is malformed.
func (v *Validator) ValidateHeader(ctx context.Context, header string) (domain.Principal, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return domain.Principal{}, newValidationError(FailureMissing, nil)
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return domain.Principal{}, newValidationError(FailureMalformed, errors.New("expected bearer credential"))
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, newValidationError(FailureMalformed, errors.New("empty bearer token"))
	}
	return v.Validate(ctx, token)
}

// Validate verifies a raw compact JWS token.
func (v *Validator) Validate(ctx context.Context, token string) (domain.Principal, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.VerificationKey(ctx, kid, t.Method.Alg())
	})
	if err != nil {
		return domain.Principal{}, classify(err)
	}

	if err := claims.validateRequired(); err != nil {
		return domain.Principal{}, newValidationError(FailureClaimsInvalid, err)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return domain.NewPrincipal(claims.Subject, claims.OrgID, claims.Issuer, claims.Roles, expiresAt), nil
}

// classify maps parser errors onto failure kinds. The parser checks structure,
// then signature, then registered claims, so at most one of the first three
// groups applies; expiry wins over other claim failures.
func classify(err error) *ValidationError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return newValidationError(FailureMalformed, err)
	case errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return newValidationError(FailureSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return newValidationError(FailureExpired, err)
	default:
		return newValidationError(FailureClaimsInvalid, err)
	}
}

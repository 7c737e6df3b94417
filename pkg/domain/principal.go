package domain

import (
	"slices"
	"time"
)

// Principal is the verified identity extracted from a request credential.
// It is immutable once constructed.
type Principal struct {
	subject   string
	orgID     string
	issuer    string
	roles     []string
	expiresAt time.Time
}

// NewPrincipal builds a Principal. Roles are de-duplicated and sorted so that two
// principals with the same claims compare equal.
func NewPrincipal(subject, orgID, issuer string, roles []string, expiresAt time.Time) Principal {
	normalized := make([]string, 0, len(roles))
	for _, role := range roles {
		if role == "" {
			continue
		}
		normalized = append(normalized, role)
	}
	slices.Sort(normalized)
	normalized = slices.Compact(normalized)

	return Principal{
		subject:   subject,
		orgID:     orgID,
		issuer:    issuer,
		roles:     normalized,
		expiresAt: expiresAt,
	}
}

// Subject returns the subject identifier (the token's sub claim).
func (p Principal) Subject() string { return p.subject }

// OrgID returns the organisation the subject acts for, if any.
func (p Principal) OrgID() string { return p.orgID }

// Issuer returns the token issuer.
func (p Principal) Issuer() string { return p.issuer }

// ExpiresAt returns the token expiry instant.
func (p Principal) ExpiresAt() time.Time { return p.expiresAt }

// Roles returns a copy of the sorted role set.
func (p Principal) Roles() []string {
	return slices.Clone(p.roles)
}

// HasRole reports whether the principal holds role.
func (p Principal) HasRole(role string) bool {
	_, found := slices.BinarySearch(p.roles, role)
	return found
}

// Satisfies reports whether the principal's claims are a superset of required.
// It also returns the required claims that are missing.
func (p Principal) Satisfies(required ClaimSet) (bool, []string) {
	var missing []string
	for _, claim := range required.Values() {
		if !p.HasRole(claim) {
			missing = append(missing, claim)
		}
	}
	return len(missing) == 0, missing
}

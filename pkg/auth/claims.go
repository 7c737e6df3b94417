package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload schema accepted by the gateway. Payloads whose known
// fields carry the wrong JSON type fail decoding and are rejected as malformed.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
	OrgID string   `json:"org_id,omitempty"`
}

func (c *Claims) validateRequired() error {
	if c.Subject == "" {
		return errMissingSubject
	}
	for _, role := range c.Roles {
		if role != "" {
			return nil
		}
	}
	return errMissingRoles
}

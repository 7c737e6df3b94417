package domain

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestPrincipalRolesNormalized(t *testing.T) {
	p := NewPrincipal("u-1", "org-9", "issuer", []string{"user", "", "admin", "user"}, time.Unix(100, 0))

	assert.Equal(t, []string{"admin", "user"}, p.Roles())
	assert.True(t, p.HasRole("user"))
	assert.False(t, p.HasRole("auditor"))
	assert.Equal(t, "org-9", p.OrgID())
}

func TestPrincipalSatisfies(t *testing.T) {
	p := NewPrincipal("u-1", "", "", []string{"user"}, time.Time{})

	ok, missing := p.Satisfies(NewClaimSet())
	assert.True(t, ok)
	assert.Empty(t, missing)

	ok, missing = p.Satisfies(NewClaimSet("user"))
	assert.True(t, ok)
	assert.Empty(t, missing)

	ok, missing = p.Satisfies(NewClaimSet("user", "admin"))
	assert.False(t, ok)
	assert.Equal(t, []string{"admin"}, missing)
}

func TestPrincipalSatisfiesIsSupersetProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		pool := []string{"user", "admin", "analyst", "auditor", "support"}
		held := rapid.SliceOfDistinct(rapid.SampledFrom(pool), rapid.ID[string]).Draw(rt, "held")
		required := rapid.SliceOfDistinct(rapid.SampledFrom(pool), rapid.ID[string]).Draw(rt, "required")

		p := NewPrincipal("subject", "", "", held, time.Time{})
		ok, missing := p.Satisfies(NewClaimSet(required...))

		superset := true
		for _, r := range required {
			if !slices.Contains(held, r) {
				superset = false
			}
		}
		if ok != superset {
			rt.Fatalf("Satisfies=%v, want %v (held=%v required=%v)", ok, superset, held, required)
		}
		if ok && len(missing) != 0 {
			rt.Fatalf("unexpected missing claims %v", missing)
		}
	})
}

func TestUpstreamDeadline(t *testing.T) {
	u := Upstream{
		Timeout: 2 * time.Second,
		Retry:   RetrySettings{MaxRetries: 2, MaxBackoff: 400 * time.Millisecond},
	}
	assert.Equal(t, 3, u.Attempts())
	assert.Equal(t, 100*time.Millisecond+6*time.Second+2*500*time.Millisecond, u.Deadline(100*time.Millisecond))

	u.RequestDeadline = time.Second
	assert.Equal(t, time.Second, u.Deadline(100*time.Millisecond))
}

func TestRouteForwardPath(t *testing.T) {
	r := &Route{StripPrefix: "/api"}
	assert.Equal(t, "/accounts/42", r.ForwardPath("/api/accounts/42"))
	assert.Equal(t, "/", r.ForwardPath("/api"))

	r = &Route{}
	assert.Equal(t, "/api/ping", r.ForwardPath("/api/ping"))
}

package policy

import (
	"context"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// Decision is the result of a route authorization policy.
type Decision struct {
	Allow  bool
	Reason string
}

// Input provides the context a policy decides on.
type Input struct {
	Route     *domain.Route
	Method    string
	Path      string
	Principal *domain.Principal
	// Entrypoint overrides the engine's default decision path.
	Entrypoint string
}

// Authorizer decides whether a request may proceed to its upstream.
type Authorizer interface {
	Authorize(ctx context.Context, input Input) (Decision, error)
}

// document renders the input in the shape policies see as `input`.
func (in Input) document() map[string]any {
	doc := map[string]any{
		"request": map[string]any{
			"method": in.Method,
			"path":   in.Path,
		},
		"principal": nil,
	}
	if in.Route != nil {
		doc["route"] = map[string]any{
			"id":              in.Route.ID,
			"method":          in.Route.Method,
			"pattern":         in.Route.Pattern,
			"upstream":        in.Route.Upstream,
			"required_claims": in.Route.RequiredClaims.Values(),
		}
	}
	if in.Principal != nil {
		doc["principal"] = map[string]any{
			"subject": in.Principal.Subject(),
			"org_id":  in.Principal.OrgID(),
			"issuer":  in.Principal.Issuer(),
			"roles":   in.Principal.Roles(),
		}
	}
	return doc
}

// Package policy evaluates optional per-route authorization policies written in
// Rego with an embedded Open Policy Agent engine.
//
// A route that names a policy entrypoint is checked after its required claims
// are satisfied. The policy sees the matched route, the request method and path,
// and the principal (or null for anonymous callers) as `input`, and answers
// either a boolean or an object {"allow": bool, "reason": string}. An undefined
// decision denies.
package policy

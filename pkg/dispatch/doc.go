// Package dispatch forwards an authenticated, routed request to its upstream.
//
// A Dispatcher enforces the route's claim requirements, its optional rate limit
// and Rego policy, then calls the upstream through that upstream's resilience
// policy. Upstream 2xx/3xx/4xx answers are streamed back verbatim; 5xx answers,
// network failures, open circuits and deadline overruns become gateway errors
// that the caller renders.
package dispatch

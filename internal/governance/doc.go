// Package governance holds the gateway's resilience controls: per-upstream
// circuit breakers, per-call timeouts, retry budgets, per-route rate limits, and
// the optional upstream health prober.
//
// Circuit state is the only mutable state shared between requests. It is owned
// by CircuitBreakerManager and only moved by the success/failure reports of
// Policy.Execute.
package governance

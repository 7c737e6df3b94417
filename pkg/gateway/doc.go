// Package gateway assembles the edge gateway process.
//
// A Server owns the long-lived parts (circuit breakers, rate limiter, health
// prober, audit emitter, Prometheus registry) and an immutable Runtime built
// from the current configuration. Each data plane request reads the Runtime
// once, so a reload never changes the rules halfway through a request. The
// admin listener serves /metrics, /healthz, /readyz and the /admin endpoints.
package gateway

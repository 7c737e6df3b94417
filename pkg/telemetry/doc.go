// Package telemetry wires OpenTelemetry exporters and meters for the gateway.
//
// It centralises trace provider setup, records dispatch outcomes, retries and
// circuit transitions as OTel counters, and offers span helpers that attach
// route policy decisions without leaking credentials or identities.
package telemetry

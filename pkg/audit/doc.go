// Package audit emits exactly one structured AuditEvent per gateway request.
//
// Emission is fire-and-forget: Emitter.Emit never blocks the request path. Events
// are queued and handed to a Collector by background workers; when the queue is
// full the event is dropped and counted. Collector errors are logged and never
// reach the client.
package audit

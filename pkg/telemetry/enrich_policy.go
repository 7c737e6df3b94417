package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/budgetiq/budgetiq-gateway/pkg/policy"
)

// RecordPolicyDecision annotates the provided span with the policy decision outcome.
func RecordPolicyDecision(span trace.Span, entrypoint string, decision policy.Decision, evalErr error) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("policy.entrypoint", entrypoint),
		attribute.Bool("policy.decision.allow", decision.Allow),
	)

	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}
	if evalErr != nil {
		span.SetAttributes(attribute.Bool("policy.error", true))
	}

	if !decision.Allow {
		span.AddEvent("policy.denied")
	}
}

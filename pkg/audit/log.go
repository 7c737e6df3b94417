package audit

import (
	"context"
	"log/slog"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// LogCollector writes audit events to a structured logger.
type LogCollector struct {
	logger *slog.Logger
}

// NewLogCollector creates a collector that writes to logger.
func NewLogCollector(logger *slog.Logger) *LogCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogCollector{logger: logger}
}

// Collect logs the event. Gateway-side failures log at warn, gateway errors at error.
func (c *LogCollector) Collect(ctx context.Context, event domain.AuditEvent) error {
	attrs := []slog.Attr{
		slog.String("event_id", event.EventID),
		slog.String("correlation_id", event.CorrelationID),
		slog.String("method", event.Method),
		slog.String("path", event.Path),
		slog.String("outcome", string(event.Outcome)),
		slog.Int("status", event.Status),
		slog.Duration("latency", event.Latency),
	}
	if event.RouteID != "" {
		attrs = append(attrs,
			slog.String("route_id", event.RouteID),
			slog.String("upstream", event.Upstream),
			slog.Int("attempts", event.Attempts),
		)
	}
	if event.Subject != "" {
		attrs = append(attrs,
			slog.String("subject", event.Subject),
			slog.String("org_id", event.OrgID),
			slog.Any("roles", event.Roles),
		)
	}
	if event.Reason != "" {
		attrs = append(attrs, slog.String("reason", event.Reason))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}

	level := slog.LevelInfo
	switch event.Outcome {
	case domain.OutcomeOK, domain.OutcomeUpstreamError:
	case domain.OutcomeInternalError:
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	c.logger.LogAttrs(ctx, level, "request completed", attrs...)
	return nil
}

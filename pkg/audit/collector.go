package audit

import (
	"context"
	"errors"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

// Collector receives completed audit events.
type Collector interface {
	Collect(ctx context.Context, event domain.AuditEvent) error
}

// CollectorFunc adapts a function to the Collector interface.
type CollectorFunc func(ctx context.Context, event domain.AuditEvent) error

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, event domain.AuditEvent) error {
	return f(ctx, event)
}

// MultiCollector fans an event out to several collectors. Every collector is
// called even when an earlier one fails.
type MultiCollector []Collector

// Collect implements Collector.
func (m MultiCollector) Collect(ctx context.Context, event domain.AuditEvent) error {
	var errs []error
	for _, c := range m {
		if err := c.Collect(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopCollector discards events.
type NoopCollector struct{}

// Collect implements Collector.
func (NoopCollector) Collect(context.Context, domain.AuditEvent) error { return nil }

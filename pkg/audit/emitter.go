package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

const (
	defaultQueueSize      = 4096
	defaultWorkers        = 2
	defaultCollectTimeout = 2 * time.Second
)

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single Collect call.
	Timeout time.Duration
	Logger  *slog.Logger
	// OnDrop is called for every event dropped because the queue was full or
	// the emitter was closed.
	OnDrop func(domain.AuditEvent)
}

// Emitter queues events and delivers them to a collector in the background.
type Emitter struct {
	collector Collector
	timeout   time.Duration
	logger    *slog.Logger
	onDrop    func(domain.AuditEvent)

	mu     sync.RWMutex
	closed bool
	queue  chan domain.AuditEvent
	wg     sync.WaitGroup

	emitted atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewEmitter starts an emitter delivering to collector.
func NewEmitter(collector Collector, cfg EmitterConfig) *Emitter {
	if collector == nil {
		collector = NoopCollector{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCollectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Emitter{
		collector: collector,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		onDrop:    cfg.OnDrop,
		queue:     make(chan domain.AuditEvent, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Emit enqueues event without blocking. It reports false when the event was dropped.
func (e *Emitter) Emit(event domain.AuditEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.drop(event, "emitter closed")
		return false
	}
	select {
	case e.queue <- event:
		e.emitted.Add(1)
		return true
	default:
		e.drop(event, "queue full")
		return false
	}
}

func (e *Emitter) drop(event domain.AuditEvent, why string) {
	e.dropped.Add(1)
	e.logger.Warn("audit event dropped",
		"reason", why,
		"correlation_id", event.CorrelationID,
		"outcome", string(event.Outcome),
	)
	if e.onDrop != nil {
		e.onDrop(event)
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for event := range e.queue {
		e.deliver(event)
	}
}

func (e *Emitter) deliver(event domain.AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			e.logger.Error("audit collector panicked", "panic", r, "correlation_id", event.CorrelationID)
		}
	}()

	if err := e.collector.Collect(ctx, event); err != nil {
		e.failed.Add(1)
		e.logger.Error("audit collector failed", "error", err, "correlation_id", event.CorrelationID)
	}
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports delivery counters.
func (e *Emitter) Stats() EmitterStats {
	return EmitterStats{
		Emitted: e.emitted.Load(),
		Dropped: e.dropped.Load(),
		Failed:  e.failed.Load(),
		Queued:  len(e.queue),
	}
}

// EmitterStats holds emitter counters.
type EmitterStats struct {
	Emitted uint64 `json:"emitted"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Queued  int    `json:"queued"`
}

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

const defaultStreamMaxLen = 100_000

// RedisConfig configures a RedisCollector.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Stream is the Redis stream key events are appended to.
	Stream string
	// MaxLen caps the stream length (approximate trimming).
	MaxLen int64
}

// RedisCollector appends audit events to a Redis stream with XADD.
type RedisCollector struct {
	client redis.UniversalClient
	stream string
	maxLen int64
	owned  bool
}

// NewRedisCollector connects to Redis and verifies the connection.
func NewRedisCollector(ctx context.Context, cfg RedisConfig) (*RedisCollector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewRedisCollectorWithClient(client, cfg.Stream, cfg.MaxLen)
	c.owned = true
	return c, nil
}

// NewRedisCollectorWithClient wraps an existing client. The caller keeps ownership.
func NewRedisCollectorWithClient(client redis.UniversalClient, stream string, maxLen int64) *RedisCollector {
	if stream == "" {
		stream = "budgetiq:gateway:audit"
	}
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisCollector{client: client, stream: stream, maxLen: maxLen}
}

// Collect implements Collector.
func (c *RedisCollector) Collect(ctx context.Context, event domain.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: c.stream,
		MaxLen: c.maxLen,
		Approx: true,
		Values: map[string]any{
			"event_id":       event.EventID,
			"correlation_id": event.CorrelationID,
			"outcome":        string(event.Outcome),
			"status":         strconv.Itoa(event.Status),
			"payload":        payload,
		},
	}
	if err := c.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Close releases the client when the collector created it.
func (c *RedisCollector) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}

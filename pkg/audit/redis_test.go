package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgetiq/budgetiq-gateway/pkg/domain"
)

func TestRedisCollectorAppendsToStream(t *testing.T) {
	s := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCollector(ctx, RedisConfig{Addr: s.Addr(), Stream: "audit-test", MaxLen: 1000})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	event := sampleEvent("evt-1", domain.OutcomeUpstreamUnavailable)
	event.Reason = domain.ReasonCircuitOpen
	require.NoError(t, c.Collect(ctx, event))
	require.NoError(t, c.Collect(ctx, sampleEvent("evt-2", domain.OutcomeOK)))

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer func() { _ = client.Close() }()

	entries, err := client.XRange(ctx, "audit-test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0].Values
	assert.Equal(t, "evt-1", first["event_id"])
	assert.Equal(t, "upstream_unavailable", first["outcome"])
	assert.Equal(t, "503", first["status"])

	var decoded domain.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(first["payload"].(string)), &decoded))
	assert.Equal(t, "corr-evt-1", decoded.CorrelationID)
	assert.Equal(t, domain.ReasonCircuitOpen, decoded.Reason)
}

func TestRedisCollectorConnectFailure(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := NewRedisCollector(context.Background(), RedisConfig{Addr: addr})
	assert.Error(t, err)
}

func TestRedisCollectorErrorIsSurfacedToEmitterOnly(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	c := NewRedisCollectorWithClient(client, "", 0)
	require.NoError(t, c.Close(), "borrowed clients are not closed")

	s.SetError("READONLY")
	err := c.Collect(context.Background(), sampleEvent("x", domain.OutcomeOK))
	assert.Error(t, err)

	e := NewEmitter(c, EmitterConfig{})
	assert.True(t, e.Emit(sampleEvent("y", domain.OutcomeOK)))
	require.NoError(t, e.Close(context.Background()))
	assert.Equal(t, uint64(1), e.Stats().Failed)
	_ = client.Close()
}

package infra

import (
	"context"
	"testing"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStatsStore_CountsBySourceAndChat(t *testing.T) {
	s := NewMemoryStatsStore(WithTrackChats(true))

	_ = s.Record(context.Background(), domain.StatsEvent{Chat: "1", Allowed: true, Source: domain.SourceRemote, Method: "POST", Path: "/webhook"})
	_ = s.Record(context.Background(), domain.StatsEvent{Chat: "1", Allowed: false, Source: domain.SourceLocal, Method: "POST", Path: "/webhook"})
	_ = s.Record(context.Background(), domain.StatsEvent{Chat: "2", Allowed: true, Source: domain.SourceLocal, Method: "POST", Path: "/webhook"})

	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, s.Total())
	assert.Equal(t, Counters{Allowed: 2, Denied: 1}, s.ByRoute()["POST /webhook"])
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.BySource()[domain.SourceLocal])
	assert.Equal(t, Counters{Allowed: 1, Denied: 1}, s.ByChat()["1"])
}

func TestMemoryStatsStore_ChatsNotTrackedByDefault(t *testing.T) {
	s := NewMemoryStatsStore()
	_ = s.Record(context.Background(), domain.StatsEvent{Chat: "1", Allowed: true})
	assert.Empty(t, s.ByChat())
}

func TestRedisStatsStore_WritesHashes(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisStatsStore(rdb, WithStatsPrefix("st"), WithStatsTrackChats(true), WithStatsTTL(time.Hour))

	at := time.Date(2026, 1, 10, 12, 34, 0, 0, time.UTC)
	err := s.Record(context.Background(), domain.StatsEvent{
		Chat: "42", Allowed: false, Source: domain.SourceRemote, Method: "POST", Path: "/webhook", At: at,
	})
	require.NoError(t, err)

	assert.Equal(t, "1", mr.HGet("st:total", "denied"))
	assert.Equal(t, "1", mr.HGet("st:source", "remote:denied"))
	assert.Equal(t, "1", mr.HGet("st:route", "POST /webhook:denied"))
	assert.Equal(t, "1", mr.HGet("st:minute:202601101234", "denied"))
	assert.Equal(t, "1", mr.HGet("st:chat:42", "denied"))
	assert.Equal(t, time.Hour, mr.TTL("st:chat:42"))
}

func TestRedisStatsStore_GateSkipsWrites(t *testing.T) {
	mr, rdb := newTestRedis(t)
	s := NewRedisStatsStore(rdb, WithStatsGate(func() bool { return false }))

	require.NoError(t, s.Record(context.Background(), domain.StatsEvent{Chat: "1", Allowed: true}))
	assert.Empty(t, mr.Keys())
}

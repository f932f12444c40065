package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega as decisões no mesmo Redis do contador compartilhado.
//
// Com o backend degradado não adianta gravar: cada Record pagaria o timeout de
// novo. Use WithStatsGate para pular a gravação enquanto o breaker estiver aberto.
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por chat.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackChats bool
	gate       func() bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackChats(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackChats = track }
}

// WithStatsGate recebe um predicado; quando ele retorna false o evento é descartado.
func WithStatsGate(gate func() bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.gate = gate }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if s.gate != nil && !s.gate() {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if ev.Source != "" {
		pipe.HIncrBy(ctx, s.prefix+":source", ev.Source+":"+field, 1)
	}

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	routeField := strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
	if routeField != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", routeField+":"+field, 1)
	}

	if s.trackChats {
		if chat := strings.TrimSpace(string(ev.Chat)); chat != "" {
			chatKey := s.prefix + ":chat:" + chat
			pipe.HIncrBy(ctx, chatKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, chatKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

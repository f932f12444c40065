package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// INCR e expiração no mesmo script: nenhuma outra instância consegue incrementar
// entre as duas operações. A expiração só é definida quando a chave ainda não tem.
var incrWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RemoteCounter é o adapter do contador compartilhado (Redis), janela fixa
// alinhada por época: chave = prefixo:chat:época.
//
// Não faz retry; política de retry/fallback é do application.Service.
type RemoteCounter struct {
	rdb         redis.Scripter
	prefix      string
	callTimeout time.Duration
	now         func() time.Time
}

type RemoteCounterOption func(*RemoteCounter)

func WithKeyPrefix(prefix string) RemoteCounterOption {
	return func(c *RemoteCounter) { c.prefix = strings.Trim(prefix, ":") }
}

// WithCallTimeout limita quanto uma chamada com o Redis fora pode atrasar o request.
func WithCallTimeout(d time.Duration) RemoteCounterOption {
	return func(c *RemoteCounter) { c.callTimeout = d }
}

func WithRemoteClock(now func() time.Time) RemoteCounterOption {
	return func(c *RemoteCounter) { c.now = now }
}

func NewRemoteCounter(rdb redis.Scripter, opts ...RemoteCounterOption) *RemoteCounter {
	c := &RemoteCounter{
		rdb:         rdb,
		prefix:      "ratelimit:chat",
		callTimeout: 500 * time.Millisecond,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IncrementAndCheck implementa domain.CounterSource.
// Falhas do Redis voltam embrulhadas em domain.ErrBackendUnavailable. Se o ctx
// de quem chamou já foi cancelado, o erro do ctx volta sem embrulho.
func (c *RemoteCounter) IncrementAndCheck(ctx context.Context, chat domain.ChatID, _ int, window time.Duration) (domain.Count, error) {
	if c == nil || c.rdb == nil {
		return domain.Count{}, fmt.Errorf("%w: no redis client", domain.ErrBackendUnavailable)
	}
	if window <= 0 {
		return domain.Count{}, fmt.Errorf("%w: invalid window %s", domain.ErrBackendUnavailable, window)
	}

	now := c.now()
	epoch := now.UnixNano() / int64(window)
	windowEnd := time.Unix(0, (epoch+1)*int64(window))
	expireMs := windowEnd.Sub(now).Milliseconds()
	if expireMs < 1 {
		expireMs = 1
	}

	callCtx := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	res, err := incrWindowScript.Run(callCtx, c.rdb, []string{c.key(chat, epoch)}, expireMs).Result()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Count{}, ctxErr
		}
		return domain.Count{}, fmt.Errorf("%w: %w", domain.ErrBackendUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return domain.Count{}, fmt.Errorf("%w: unexpected script reply %T", domain.ErrBackendUnavailable, res)
	}
	count, ok1 := toInt64(vals[0])
	ttlMs, ok2 := toInt64(vals[1])
	if !ok1 || !ok2 {
		return domain.Count{}, fmt.Errorf("%w: unexpected script reply %v", domain.ErrBackendUnavailable, vals)
	}
	if ttlMs < 0 {
		ttlMs = 0
	}

	return domain.Count{Value: count, TTL: time.Duration(ttlMs) * time.Millisecond}, nil
}

func (c *RemoteCounter) key(chat domain.ChatID, epoch int64) string {
	epochStr := strconv.FormatInt(epoch, 10)
	if c.prefix == "" {
		return string(chat) + ":" + epochStr
	}
	return c.prefix + ":" + string(chat) + ":" + epochStr
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

package infra

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRemoteCounter_IncrementsAndExpires(t *testing.T) {
	mr, rdb := newTestRedis(t)
	clk := newFakeClock()
	c := NewRemoteCounter(rdb, WithRemoteClock(clk.Now), WithKeyPrefix("rl:"))

	for i := int64(1); i <= 5; i++ {
		cnt, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, cnt.Value)
		assert.Equal(t, time.Minute, cnt.TTL)
	}

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "rl:C1:")
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))

	mr.FastForward(20 * time.Second)
	cnt, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cnt.Value)
	assert.Equal(t, 40*time.Second, cnt.TTL)
}

func TestRemoteCounter_ExpiryEndsAtEpochBoundary(t *testing.T) {
	_, rdb := newTestRedis(t)
	clk := newFakeClock()
	clk.Advance(45 * time.Second)
	c := NewRemoteCounter(rdb, WithRemoteClock(clk.Now))

	cnt, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cnt.TTL)
}

func TestRemoteCounter_NewEpochStartsFresh(t *testing.T) {
	_, rdb := newTestRedis(t)
	clk := newFakeClock()
	c := NewRemoteCounter(rdb, WithRemoteClock(clk.Now))

	for i := 0; i < 6; i++ {
		_, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
		require.NoError(t, err)
	}

	clk.Advance(61 * time.Second)
	cnt, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cnt.Value)
}

func TestRemoteCounter_ConcurrentIncrementsAreDistinct(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRemoteCounter(rdb, WithCallTimeout(5*time.Second))
	const n = 50

	var wg sync.WaitGroup
	values := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cnt, err := c.IncrementAndCheck(context.Background(), "same", 1000, time.Hour)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			values[i] = cnt.Value
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		require.Equal(t, int64(i+1), v)
	}
}

func TestRemoteCounter_UnavailableWrapsSentinel(t *testing.T) {
	mr, rdb := newTestRedis(t)
	c := NewRemoteCounter(rdb, WithCallTimeout(200*time.Millisecond))
	mr.Close()

	_, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrBackendUnavailable))
}

func TestRemoteCounter_NilClientIsUnavailable(t *testing.T) {
	c := NewRemoteCounter(nil)

	_, err := c.IncrementAndCheck(context.Background(), "C1", 5, time.Minute)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
}

func TestRemoteCounter_CallerCancelIsNotUnavailable(t *testing.T) {
	_, rdb := newTestRedis(t)
	c := NewRemoteCounter(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.IncrementAndCheck(ctx, "C1", 5, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, domain.ErrBackendUnavailable))
}

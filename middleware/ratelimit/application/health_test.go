package application

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMonitor(clk *fakeClock, opts ...HealthOption) *HealthMonitor {
	base := []HealthOption{
		WithHealthClock(clk.Now),
		WithHealthLogger(quietLogger()),
		WithFailureThreshold(3),
		WithCooldown(30 * time.Second),
	}
	return NewHealthMonitor(append(base, opts...)...)
}

func TestHealthMonitor_StartsHealthy(t *testing.T) {
	h := newTestMonitor(newFakeClock())
	assert.Equal(t, domain.HealthHealthy, h.State())
	assert.Equal(t, RouteRemote, h.Route())
}

func TestHealthMonitor_DegradesAfterExactlyThreshold(t *testing.T) {
	h := newTestMonitor(newFakeClock())

	h.RecordFailure(RouteRemote)
	h.RecordFailure(RouteRemote)
	assert.Equal(t, domain.HealthHealthy, h.State())

	h.RecordFailure(RouteRemote)
	assert.Equal(t, domain.HealthDegraded, h.State())
	assert.Equal(t, 3, h.Snapshot().ConsecutiveFailures)
	assert.Equal(t, RouteLocal, h.Route())
}

func TestHealthMonitor_SuccessResetsFailures(t *testing.T) {
	h := newTestMonitor(newFakeClock())

	h.RecordFailure(RouteRemote)
	h.RecordFailure(RouteRemote)
	h.RecordSuccess(RouteRemote)
	h.RecordFailure(RouteRemote)
	h.RecordFailure(RouteRemote)

	assert.Equal(t, domain.HealthHealthy, h.State())
	assert.Equal(t, 2, h.Snapshot().ConsecutiveFailures)
}

func tripMonitor(h *HealthMonitor) {
	for i := 0; i < 3; i++ {
		h.RecordFailure(RouteRemote)
	}
}

func TestHealthMonitor_ProbesOnlyAfterCooldown(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)

	clk.Advance(29 * time.Second)
	assert.Equal(t, RouteLocal, h.Route())
	assert.Equal(t, domain.HealthDegraded, h.State())

	clk.Advance(time.Second)
	assert.Equal(t, RouteProbe, h.Route())
	assert.Equal(t, domain.HealthProbing, h.State())
	assert.Equal(t, RouteLocal, h.Route(), "only one probe while PROBING")
}

func TestHealthMonitor_SingleProbeUnderConcurrency(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)
	clk.Advance(time.Minute)

	var probes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Route() == RouteProbe {
				probes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), probes.Load())
}

func TestHealthMonitor_ProbeSuccessHeals(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)
	clk.Advance(30 * time.Second)

	require.Equal(t, RouteProbe, h.Route())
	h.RecordSuccess(RouteProbe)

	assert.Equal(t, domain.HealthHealthy, h.State())
	assert.Equal(t, 0, h.Snapshot().ConsecutiveFailures)
	assert.Equal(t, RouteRemote, h.Route())
}

func TestHealthMonitor_ProbeFailureRestartsCooldown(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)
	clk.Advance(30 * time.Second)

	require.Equal(t, RouteProbe, h.Route())
	clk.Advance(time.Second)
	h.RecordFailure(RouteProbe)

	assert.Equal(t, domain.HealthDegraded, h.State())
	assert.Equal(t, clk.Now(), h.Snapshot().ChangedAt)

	clk.Advance(29 * time.Second)
	assert.Equal(t, RouteLocal, h.Route())
	clk.Advance(time.Second)
	assert.Equal(t, RouteProbe, h.Route())
}

func TestHealthMonitor_LateResultsDoNotHeal(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)

	h.RecordSuccess(RouteRemote)
	assert.Equal(t, domain.HealthDegraded, h.State())

	clk.Advance(30 * time.Second)
	require.Equal(t, RouteProbe, h.Route())
	h.RecordSuccess(RouteRemote)
	assert.Equal(t, domain.HealthProbing, h.State())

	h.RecordFailure(RouteRemote)
	assert.Equal(t, domain.HealthProbing, h.State(), "only the probe result moves PROBING")
}

func TestHealthMonitor_FallbackOnlyNeverProbes(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk, WithFallbackOnly())

	assert.Equal(t, domain.HealthDegraded, h.State())
	clk.Advance(time.Hour)
	assert.Equal(t, RouteLocal, h.Route())
	assert.True(t, h.Snapshot().FallbackOnly)
	assert.False(t, h.Healthy())
}

func TestHealthMonitor_AbandonedProbeIsReissued(t *testing.T) {
	clk := newFakeClock()
	h := newTestMonitor(clk)
	tripMonitor(h)
	clk.Advance(30 * time.Second)
	require.Equal(t, RouteProbe, h.Route())
	require.Equal(t, RouteLocal, h.Route())

	h.Abandon(RouteProbe)
	assert.Equal(t, domain.HealthDegraded, h.State())
	assert.Equal(t, 3, h.Snapshot().ConsecutiveFailures)
	assert.Equal(t, RouteProbe, h.Route())

	h.Abandon(RouteRemote)
	assert.Equal(t, domain.HealthProbing, h.State())
}

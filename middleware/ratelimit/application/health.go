package application

import (
	"sync"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	log "github.com/sirupsen/logrus"
)

// Route diz para qual contador uma chamada deve ir.
type Route int

const (
	RouteLocal Route = iota
	RouteRemote
	// RouteProbe é a única chamada que testa o backend durante PROBING.
	RouteProbe
)

func (r Route) String() string {
	switch r {
	case RouteRemote:
		return "remote"
	case RouteProbe:
		return "probe"
	default:
		return "local"
	}
}

// HealthMonitor é o circuit breaker do backend compartilhado.
//
//	HEALTHY  --N falhas seguidas-->  DEGRADED
//	DEGRADED --cooldown passou-->    PROBING (uma única chamada de teste)
//	PROBING  --sucesso-->            HEALTHY
//	PROBING  --falha-->              DEGRADED (cooldown recomeça)
//
// Durante DEGRADED e PROBING as demais chamadas vão direto para o contador local,
// sem pagar o timeout de um Redis fora do ar.
type HealthMonitor struct {
	mu        sync.Mutex
	state     domain.HealthState
	changedAt time.Time
	failures  int

	threshold    int
	cooldown     time.Duration
	fallbackOnly bool
	now          func() time.Time
	logger       log.FieldLogger
}

type HealthOption func(*HealthMonitor)

func WithFailureThreshold(n int) HealthOption {
	return func(h *HealthMonitor) { h.threshold = n }
}

func WithCooldown(d time.Duration) HealthOption {
	return func(h *HealthMonitor) { h.cooldown = d }
}

func WithHealthClock(now func() time.Time) HealthOption {
	return func(h *HealthMonitor) { h.now = now }
}

func WithHealthLogger(l log.FieldLogger) HealthOption {
	return func(h *HealthMonitor) { h.logger = l }
}

// WithFallbackOnly deixa o monitor permanentemente em DEGRADED, sem probes.
// Usado quando nenhum backend foi configurado.
func WithFallbackOnly() HealthOption {
	return func(h *HealthMonitor) { h.fallbackOnly = true }
}

func NewHealthMonitor(opts ...HealthOption) *HealthMonitor {
	h := &HealthMonitor{
		state:     domain.HealthHealthy,
		threshold: 3,
		cooldown:  30 * time.Second,
		now:       time.Now,
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.threshold <= 0 {
		h.threshold = 1
	}
	h.changedAt = h.now()
	if h.fallbackOnly {
		h.state = domain.HealthDegraded
	}
	return h
}

// Route escolhe o contador para a próxima chamada. Quando o cooldown termina,
// o primeiro chamador vira o probe e os seguintes continuam no local.
func (h *HealthMonitor) Route() Route {
	if h.fallbackOnly {
		return RouteLocal
	}

	h.mu.Lock()
	route := RouteLocal
	var ch *stateChange
	switch h.state {
	case domain.HealthHealthy:
		route = RouteRemote
	case domain.HealthDegraded:
		if h.now().Sub(h.changedAt) >= h.cooldown {
			ch = h.transition(domain.HealthProbing)
			route = RouteProbe
		}
	}
	h.mu.Unlock()

	h.logChange(ch)
	return route
}

func (h *HealthMonitor) RecordSuccess(r Route) {
	h.mu.Lock()
	var ch *stateChange
	switch {
	case r == RouteProbe && h.state == domain.HealthProbing:
		h.failures = 0
		ch = h.transition(domain.HealthHealthy)
	case h.state == domain.HealthHealthy:
		h.failures = 0
	}
	h.mu.Unlock()

	h.logChange(ch)
}

func (h *HealthMonitor) RecordFailure(r Route) {
	h.mu.Lock()
	h.failures++
	var ch *stateChange
	switch {
	case r == RouteProbe && h.state == domain.HealthProbing:
		ch = h.transition(domain.HealthDegraded)
	case h.state == domain.HealthHealthy && h.failures >= h.threshold:
		ch = h.transition(domain.HealthDegraded)
	}
	h.mu.Unlock()

	h.logChange(ch)
}

// Abandon devolve a chamada sem resultado (o chamador cancelou). Não conta
// falha; se era o probe, o próximo Route pode sortear outro imediatamente.
func (h *HealthMonitor) Abandon(r Route) {
	if r != RouteProbe {
		return
	}
	h.mu.Lock()
	if h.state == domain.HealthProbing {
		h.state = domain.HealthDegraded
		h.changedAt = h.now().Add(-h.cooldown)
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) State() domain.HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Healthy é true só em HEALTHY.
func (h *HealthMonitor) Healthy() bool {
	return h.State() == domain.HealthHealthy
}

func (h *HealthMonitor) Snapshot() domain.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return domain.HealthSnapshot{
		State:               h.state,
		ConsecutiveFailures: h.failures,
		ChangedAt:           h.changedAt,
		FallbackOnly:        h.fallbackOnly,
	}
}

type stateChange struct {
	from, to domain.HealthState
	failures int
}

// transition precisa de h.mu. O log fica para depois do unlock.
func (h *HealthMonitor) transition(to domain.HealthState) *stateChange {
	ch := &stateChange{from: h.state, to: to, failures: h.failures}
	h.state = to
	h.changedAt = h.now()
	return ch
}

func (h *HealthMonitor) logChange(ch *stateChange) {
	if ch == nil {
		return
	}
	entry := h.logger.WithFields(log.Fields{
		"from":     ch.from.String(),
		"to":       ch.to.String(),
		"failures": ch.failures,
	})
	if ch.to == domain.HealthDegraded {
		entry.Warn("rate limit: redis unavailable, falling back to memory")
		return
	}
	entry.Info("rate limit: backend state changed")
}

package domain

import "time"

// HealthState é o estado do circuit breaker do backend compartilhado.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
	HealthProbing
)

func (s HealthState) String() string {
	switch s {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthProbing:
		return "PROBING"
	default:
		return "UNKNOWN"
	}
}

// HealthSnapshot é uma cópia do estado do monitor, usada em logs e no /health.
type HealthSnapshot struct {
	State               HealthState
	ConsecutiveFailures int
	ChangedAt           time.Time
	// FallbackOnly indica que nenhum backend foi configurado.
	FallbackOnly bool
}

package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay-gateway/middleware/ratelimit/domain"

	log "github.com/sirupsen/logrus"
)

var errNoLocalCounter = errors.New("no local counter configured")

// Service concentra a regra de admissão por chat (janela fixa).
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
// Cada Check incrementa o contador; não existe "espiar" sem consumir.
type Service struct {
	// Remote é o contador compartilhado. nil = só fallback local.
	Remote domain.CounterSource
	Local  domain.CounterSource
	Health *HealthMonitor

	Limit  int
	Window time.Duration

	Logger log.FieldLogger
}

// Check implementa domain.Checker.
//
// Falha do Redis nunca vira negação: a mesma requisição é recontada no contador
// local. Se o local também falhar, a requisição passa (fail-open).
func (s Service) Check(ctx context.Context, chat domain.ChatID) domain.Decision {
	if s.Limit <= 0 || s.Window <= 0 {
		return domain.Decision{Allowed: true, Source: domain.SourceDisabled}
	}

	route := s.route()
	if route != RouteLocal {
		cnt, err := s.Remote.IncrementAndCheck(ctx, chat, s.Limit, s.Window)
		if err == nil {
			if s.Health != nil {
				s.Health.RecordSuccess(route)
			}
			return s.decide(cnt, domain.SourceRemote)
		}
		switch {
		case s.Health == nil:
		case ctx.Err() != nil && !errors.Is(err, domain.ErrBackendUnavailable):
			// quem desistiu foi o cliente, não o Redis
			s.Health.Abandon(route)
		default:
			s.Health.RecordFailure(route)
		}
		s.logger().WithError(err).WithFields(log.Fields{
			"chat":  string(chat),
			"route": route.String(),
		}).Debug("rate limit: remote counter failed, using local")
	}

	cnt, err := s.checkLocal(ctx, chat)
	if err != nil {
		s.logger().WithError(err).WithField("chat", string(chat)).
			Error("rate limit: local counter failed, allowing request")
		return domain.Decision{Allowed: true, Source: domain.SourceFailOpen}
	}
	return s.decide(cnt, domain.SourceLocal)
}

func (s Service) route() Route {
	if s.Remote == nil {
		return RouteLocal
	}
	if s.Health == nil {
		return RouteRemote
	}
	return s.Health.Route()
}

func (s Service) checkLocal(ctx context.Context, chat domain.ChatID) (cnt domain.Count, err error) {
	if s.Local == nil {
		return domain.Count{}, errNoLocalCounter
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("local counter panic: %v", r)
		}
	}()
	return s.Local.IncrementAndCheck(ctx, chat, s.Limit, s.Window)
}

// decide: o pedido que leva o contador exatamente a Limit passa; Limit+1 bloqueia.
func (s Service) decide(cnt domain.Count, source string) domain.Decision {
	remaining := int64(s.Limit) - cnt.Value
	if remaining < 0 {
		remaining = 0
	}
	dec := domain.Decision{
		Allowed:   cnt.Value <= int64(s.Limit),
		Remaining: int(remaining),
		Source:    source,
	}
	if !dec.Allowed {
		dec.RetryAfter = cnt.TTL
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = s.Window
		}
	}
	return dec
}

func (s Service) logger() log.FieldLogger {
	if s.Logger == nil {
		return log.StandardLogger()
	}
	return s.Logger
}

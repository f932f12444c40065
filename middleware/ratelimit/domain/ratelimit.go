package domain

// Camada de domínio do rate limit por chat.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http nem de Redis.

import (
	"context"
	"errors"
	"time"
)

// ChatID identifica uma conversa. É a chave de partição do rate limit:
// dois chats nunca compartilham contador.
type ChatID string

// ErrBackendUnavailable indica falha de rede/timeout/protocolo ao falar com o
// store compartilhado. Nunca chega ao usuário: o limiter cai para o contador local.
var ErrBackendUnavailable = errors.New("counter backend unavailable")

// Count é o resultado de um incremento dentro da janela corrente.
type Count struct {
	// Value é o contador já incrementado (>= 1).
	Value int64
	// TTL é o tempo que falta para a janela expirar. 0 quando desconhecido.
	TTL time.Duration
}

// CounterSource incrementa o contador de um chat e devolve o valor pós-incremento.
//
// O incremento e a checagem de expiração da janela acontecem numa única operação
// atômica: duas chamadas concorrentes para o mesmo chat nunca observam o mesmo valor.
// Existem exatamente duas variantes: o contador remoto (Redis) e o local (memória).
type CounterSource interface {
	IncrementAndCheck(ctx context.Context, chat ChatID, limit int, window time.Duration) (Count, error)
}

// Fontes possíveis de uma Decision.
const (
	SourceRemote   = "remote"
	SourceLocal    = "local"
	SourceFailOpen = "fail-open"
	SourceDisabled = "disabled"
)

type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
	// Source diz qual contador produziu a decisão.
	Source string
}

// Checker é o contrato consumido pelos adapters HTTP.
type Checker interface {
	Check(ctx context.Context, chat ChatID) Decision
}

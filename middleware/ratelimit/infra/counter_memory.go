package infra

import (
	"context"
	"sync"
	"time"

	"relay-gateway/middleware/ratelimit/domain"
)

// LocalCounter é o contador de janela fixa em memória, usado quando o Redis
// está fora. Mesmo contrato do RemoteCounter, mas vale só para este processo.
//
// Cada entrada reseta no próprio acesso quando a janela expira; a limpeza
// periódica (Sweep/StartJanitor) só remove chats que pararam de falar.
type LocalCounter struct {
	mu      sync.Mutex
	entries map[domain.ChatID]*windowEntry

	now          func() time.Time
	sweepAfter   int
	janitorEvery time.Duration
}

type windowEntry struct {
	count       int64
	windowStart time.Time
	window      time.Duration
	lastSeen    time.Time
}

type LocalCounterOption func(*LocalCounter)

// WithSweepAfter define quantas janelas sem acesso até a entrada ser removida.
func WithSweepAfter(windows int) LocalCounterOption {
	return func(c *LocalCounter) { c.sweepAfter = windows }
}

func WithJanitorEvery(d time.Duration) LocalCounterOption {
	return func(c *LocalCounter) { c.janitorEvery = d }
}

// WithLocalClock troca o relógio (testes).
func WithLocalClock(now func() time.Time) LocalCounterOption {
	return func(c *LocalCounter) { c.now = now }
}

func NewLocalCounter(opts ...LocalCounterOption) *LocalCounter {
	c := &LocalCounter{
		entries:      make(map[domain.ChatID]*windowEntry),
		now:          time.Now,
		sweepAfter:   3,
		janitorEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepAfter <= 0 {
		c.sweepAfter = 1
	}
	return c
}

func (c *LocalCounter) JanitorEvery() time.Duration { return c.janitorEvery }

// IncrementAndCheck implementa domain.CounterSource.
func (c *LocalCounter) IncrementAndCheck(_ context.Context, chat domain.ChatID, _ int, window time.Duration) (domain.Count, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[chat]
	if !ok {
		ent = &windowEntry{windowStart: now, window: window}
		c.entries[chat] = ent
	}
	if !now.Before(ent.windowStart.Add(ent.window)) || ent.window != window {
		ent.count = 0
		ent.windowStart = now
		ent.window = window
	}
	ent.count++
	ent.lastSeen = now

	return domain.Count{
		Value: ent.count,
		TTL:   ent.windowStart.Add(ent.window).Sub(now),
	}, nil
}

// Len devolve quantos chats estão em memória.
func (c *LocalCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep remove chats sem acesso há mais de sweepAfter janelas.
func (c *LocalCounter) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for chat, ent := range c.entries {
		idle := time.Duration(c.sweepAfter) * ent.window
		if now.Sub(ent.lastSeen) > idle {
			delete(c.entries, chat)
			removed++
		}
	}
	return removed
}

// StartJanitor inicia uma goroutine que roda Sweep periodicamente.
// Pare cancelando o contexto; o canal devolvido fecha quando a goroutine sai.
func (c *LocalCounter) StartJanitor(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if c.janitorEvery <= 0 {
		close(done)
		return done
	}

	t := time.NewTicker(c.janitorEvery)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				c.Sweep()
			}
		}
	}()
	return done
}

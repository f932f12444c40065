package infra

import (
	"context"
	"sync"

	"relay-gateway/middleware/ratelimit/domain"
)

type Counters struct {
	Allowed int64
	Denied  int64
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// MemoryStatsStore guarda as decisões em memória, por rota, por fonte
// (remote/local/fail-open) e opcionalmente por chat.
// Útil para testes e para o example-server.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byRoute  map[string]Counters
	bySource map[string]Counters
	byChat   map[domain.ChatID]Counters

	trackChats bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackChats(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackChats = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute:  make(map[string]Counters),
		bySource: make(map[string]Counters),
		byChat:   make(map[domain.ChatID]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	route := ev.Method + " " + ev.Path

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	c := s.byRoute[route]
	c.add(ev.Allowed)
	s.byRoute[route] = c

	if ev.Source != "" {
		src := s.bySource[ev.Source]
		src.add(ev.Allowed)
		s.bySource[ev.Source] = src
	}

	if s.trackChats && ev.Chat != "" {
		k := s.byChat[ev.Chat]
		k.add(ev.Allowed)
		s.byChat[ev.Chat] = k
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) BySource() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.bySource))
	for k, v := range s.bySource {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByChat() map[domain.ChatID]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.ChatID]Counters, len(s.byChat))
	for k, v := range s.byChat {
		out[k] = v
	}
	return out
}

package infra

import (
	"context"
	"sync"
	"time"

	"webhook-gateway/middleware/ratelimit/domain"
)

// MemoryCounterStore implementa domain.CounterStore com um mapa em processo.
//
// Cada entrada agenda o próprio timer de remoção no fim da janela, então
// chaves inativas não acumulam memória. A troca de janela cancela o timer
// antigo antes de agendar o novo; um timer atrasado confere a geração da
// entrada antes de remover, para não apagar uma janela viva.
//
// Indicado para instância única e testes (useSharedStore=false).
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
	gen     uint64
	now     func() time.Time
}

type counterEntry struct {
	count   int64
	resetAt time.Time
	gen     uint64
	timer   *time.Timer
}

type MemoryCounterOption func(*MemoryCounterStore)

// WithCounterClock troca o relógio (testes).
func WithCounterClock(now func() time.Time) MemoryCounterOption {
	return func(s *MemoryCounterStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryCounterStore(opts ...MemoryCounterOption) *MemoryCounterStore {
	s := &MemoryCounterStore{
		entries: make(map[string]*counterEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Increment implementa domain.CounterStore.
func (s *MemoryCounterStore) Increment(_ context.Context, key string, window time.Duration) (domain.Counter, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if ok && now.Before(ent.resetAt) {
		ent.count++
		return domain.Counter{Count: ent.count, ResetAt: ent.resetAt}, nil
	}

	// primeira da janela (ou janela expirada): recomeça do 1
	if ok && ent.timer != nil {
		ent.timer.Stop()
	}

	s.gen++
	gen := s.gen
	ent = &counterEntry{
		count:   1,
		resetAt: now.Add(window),
		gen:     gen,
	}
	ent.timer = time.AfterFunc(window, func() { s.evict(key, gen) })
	s.entries[key] = ent

	return domain.Counter{Count: 1, ResetAt: ent.resetAt}, nil
}

// Peek implementa domain.CounterPeeker (leitura sem consumo).
func (s *MemoryCounterStore) Peek(_ context.Context, key string) (domain.Counter, bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok || !now.Before(ent.resetAt) {
		return domain.Counter{}, false, nil
	}
	return domain.Counter{Count: ent.count, ResetAt: ent.resetAt}, true, nil
}

// evict remove a entrada só se ela ainda for da geração do timer que disparou.
func (s *MemoryCounterStore) evict(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok && ent.gen == gen {
		delete(s.entries, key)
	}
}

// Len é o número de janelas vivas (testes/diagnóstico).
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close cancela todos os timers pendentes e descarta as entradas.
func (s *MemoryCounterStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ent := range s.entries {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	s.entries = make(map[string]*counterEntry)
}

package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"webhook-gateway/middleware/ratelimit/domain"
)

// mapStore é uma implementação de janela fixa em memória só para os testes
// (sem timers). Compartilha o relógio com o Service via *fakeClock.
type mapStore struct {
	mu    sync.Mutex
	m     map[string]domain.Counter
	now   func() time.Time
	calls int
}

func newMapStore(now func() time.Time) *mapStore {
	return &mapStore{m: make(map[string]domain.Counter), now: now}
}

func (s *mapStore) Increment(_ context.Context, key string, window time.Duration) (domain.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	now := s.now()
	c, ok := s.m[key]
	if !ok || !now.Before(c.ResetAt) {
		c = domain.Counter{ResetAt: now.Add(window)}
	}
	c.Count++
	s.m[key] = c
	return c, nil
}

func (s *mapStore) Peek(_ context.Context, key string) (domain.Counter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.m[key]
	if !ok || !s.now().Before(c.ResetAt) {
		return domain.Counter{}, false, nil
	}
	return c, true, nil
}

type erroringStore struct{ calls int }

func (s *erroringStore) Increment(context.Context, string, time.Duration) (domain.Counter, error) {
	s.calls++
	return domain.Counter{}, errors.New("connection refused")
}

type brokenStore struct{}

func (brokenStore) Increment(context.Context, string, time.Duration) (domain.Counter, error) {
	return domain.Counter{Count: 0}, nil
}

type failingToolStats struct{ calls int }

func (s *failingToolStats) Record(context.Context, domain.ToolCallEvent) error {
	s.calls++
	return errors.New("disk full")
}

type memToolStats struct {
	mu  sync.Mutex
	evs []domain.ToolCallEvent
}

func (s *memToolStats) Record(_ context.Context, ev domain.ToolCallEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func testConfig(overrides map[domain.Category]domain.Limit) domain.Config {
	limits := map[domain.Category]domain.Limit{
		domain.CategoryGeneral: {Window: 10 * time.Second, Max: 100},
		domain.CategoryAPI:     {Window: 10 * time.Second, Max: 100},
		domain.CategoryWebhook: {Window: 10 * time.Second, Max: 3},
		domain.CategoryMCP:     {Window: 10 * time.Second, Max: 3},
		domain.CategoryTool:    {Window: 10 * time.Second, Max: 2},
	}
	for cat, lim := range overrides {
		limits[cat] = lim
	}
	return domain.Config{Enabled: true, Limits: limits}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
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

func newTestService(t *testing.T, cfg domain.Config, store domain.CounterStore, opts ...Option) *Service {
	t.Helper()
	svc, err := NewService(cfg, store, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestNewService_RejectsMissingCategory(t *testing.T) {
	cfg := testConfig(nil)
	delete(cfg.Limits, domain.CategoryTool)

	_, err := NewService(cfg, newMapStore(time.Now))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestNewService_RejectsNonPositiveWindow(t *testing.T) {
	cfg := testConfig(map[domain.Category]domain.Limit{
		domain.CategoryAPI: {Window: 0, Max: 10},
	})

	_, err := NewService(cfg, newMapStore(time.Now))
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestCheckAndConsume_BoundaryIsExact(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	svc := newTestService(t, testConfig(nil), store, WithClock(clock.Now))

	// limite webhook = 3: as três primeiras passam com remaining 2,1,0
	for i, want := range []int64{2, 1, 0} {
		dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "1.2.3.4")
		if !dec.Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
		if dec.Remaining != want {
			t.Fatalf("request %d: expected remaining=%d, got %d", i+1, want, dec.Remaining)
		}
		if dec.Limit != 3 {
			t.Fatalf("request %d: expected limit=3, got %d", i+1, dec.Limit)
		}
	}

	// a quarta é rejeitada
	dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "1.2.3.4")
	if dec.Allowed {
		t.Fatalf("expected 4th request rejected")
	}
	if dec.Remaining != 0 {
		t.Fatalf("expected remaining=0, got %d", dec.Remaining)
	}
	if dec.RetryAfterSeconds() <= 0 {
		t.Fatalf("expected positive retry-after, got %d", dec.RetryAfterSeconds())
	}
}

func TestCheckAndConsume_RetryAfterTracksWindowEnd(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	svc := newTestService(t, testConfig(nil), store, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	}

	// 3s dentro de uma janela de 10s: faltam 7s
	clock.Advance(3 * time.Second)
	dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	if dec.Allowed {
		t.Fatalf("expected rejection")
	}
	if got := dec.RetryAfterSeconds(); got != 7 {
		t.Fatalf("expected retry-after=7, got %d", got)
	}
}

func TestCheckAndConsume_WindowResets(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	svc := newTestService(t, testConfig(nil), store, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	}

	// janela de 10s estourada: recomeça do 1 mesmo com rejeições anteriores
	clock.Advance(11 * time.Second)
	dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	if !dec.Allowed {
		t.Fatalf("expected fresh window to allow")
	}
	if dec.Remaining != 2 {
		t.Fatalf("expected remaining=2 in fresh window, got %d", dec.Remaining)
	}
}

func TestCheckAndConsume_KeysAreIsolated(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	svc := newTestService(t, testConfig(nil), store, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "client-a")
	}

	// outra chave da mesma categoria e a mesma chave em outra categoria
	// seguem zeradas
	if dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "client-b"); !dec.Allowed || dec.Remaining != 2 {
		t.Fatalf("expected client-b untouched, got allowed=%v remaining=%d", dec.Allowed, dec.Remaining)
	}
	if dec := svc.CheckAndConsume(context.Background(), domain.CategoryMCP, "client-a"); !dec.Allowed || dec.Remaining != 2 {
		t.Fatalf("expected mcp counter untouched, got allowed=%v remaining=%d", dec.Allowed, dec.Remaining)
	}
}

func TestCheckAndConsume_DisabledNeverTouchesStore(t *testing.T) {
	cfg := testConfig(nil)
	cfg.Enabled = false
	store := &erroringStore{}
	svc := newTestService(t, cfg, store)

	for i := 0; i < 50; i++ {
		dec := svc.CheckAndConsume(context.Background(), domain.CategoryGeneral, "c")
		if !dec.Allowed {
			t.Fatalf("expected allowed with engine disabled")
		}
		if dec.Remaining != 100 {
			t.Fatalf("expected full quota reported, got %d", dec.Remaining)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected zero store calls, got %d", store.calls)
	}
}

func TestCheckAndConsume_FailsOpenOnStoreError(t *testing.T) {
	var logged []string
	logf := func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}

	svc := newTestService(t, testConfig(nil), &erroringStore{}, WithLogf(logf))

	dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	if !dec.Allowed {
		t.Fatalf("expected fail-open on store error")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "failing open") {
		t.Fatalf("expected operational log, got %v", logged)
	}
}

func TestCheckAndConsume_FailsClosedOnImpossibleState(t *testing.T) {
	var logged []string
	logf := func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}

	svc := newTestService(t, testConfig(nil), brokenStore{}, WithLogf(logf))

	dec := svc.CheckAndConsume(context.Background(), domain.CategoryWebhook, "c")
	if dec.Allowed {
		t.Fatalf("expected fail-closed on impossible counter state")
	}
	if dec.RetryAfterSeconds() <= 0 {
		t.Fatalf("expected positive retry-after, got %d", dec.RetryAfterSeconds())
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "failing closed") {
		t.Fatalf("expected error log, got %v", logged)
	}
}

func TestCheckAndConsumeTool_IndependentFromMCP(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	history := &memToolStats{}
	svc := newTestService(t, testConfig(nil), store,
		WithClock(clock.Now), WithToolStats(history))

	// mcp max=3: as três chamadas de envelope passam
	for i := 0; i < 3; i++ {
		if dec := svc.CheckAndConsume(context.Background(), domain.CategoryMCP, "c"); !dec.Allowed {
			t.Fatalf("expected mcp check %d to pass", i+1)
		}
	}

	// tool max=2: só as duas primeiras da mesma ferramenta passam
	for i := 0; i < 2; i++ {
		if dec := svc.CheckAndConsumeTool(context.Background(), "create-ticket", "c"); !dec.Allowed {
			t.Fatalf("expected tool call %d to pass", i+1)
		}
	}
	dec := svc.CheckAndConsumeTool(context.Background(), "create-ticket", "c")
	if dec.Allowed {
		t.Fatalf("expected 3rd tool call rejected")
	}

	// outra ferramenta tem contador próprio
	if dec := svc.CheckAndConsumeTool(context.Background(), "notify-channel", "c"); !dec.Allowed {
		t.Fatalf("expected different tool to have its own counter")
	}

	// histórico gravou todas, inclusive a rejeitada
	if len(history.evs) != 4 {
		t.Fatalf("expected 4 history events, got %d", len(history.evs))
	}
	if history.evs[2].Allowed || history.evs[2].Tool != "create-ticket" {
		t.Fatalf("expected 3rd event to be the rejected create-ticket call, got %+v", history.evs[2])
	}
}

func TestCheckAndConsumeTool_HistoryFailureNeverChangesDecision(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	stats := &failingToolStats{}

	var logged []string
	logf := func(format string, args ...any) {
		logged = append(logged, fmt.Sprintf(format, args...))
	}

	svc := newTestService(t, testConfig(nil), store,
		WithClock(clock.Now), WithToolStats(stats), WithLogf(logf))

	dec := svc.CheckAndConsumeTool(context.Background(), "append-row", "c")
	if !dec.Allowed {
		t.Fatalf("expected allowed despite history failure")
	}
	if stats.calls != 1 {
		t.Fatalf("expected history to be attempted once, got %d", stats.calls)
	}
	if len(logged) != 1 {
		t.Fatalf("expected history failure to be logged, got %v", logged)
	}
}

func TestCheck_DoesNotConsume(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	store := newMapStore(clock.Now)
	svc := newTestService(t, testConfig(nil), store, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		dec := svc.Check(context.Background(), domain.CategoryWebhook, "c")
		if !dec.Allowed {
			t.Fatalf("expected peek-only check %d allowed", i+1)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected no increments from Check, got %d", store.calls)
	}

	// depois de consumir o limite, o Check enxerga a janela cheia
	for i := 0; i < 3; i++ {
		svc.Consume(context.Background(), domain.CategoryWebhook, "c")
	}
	if dec := svc.Check(context.Background(), domain.CategoryWebhook, "c"); dec.Allowed {
		t.Fatalf("expected Check to reject with window full")
	}
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	dec := domain.Decision{RetryAfter: 2500 * time.Millisecond}
	if got := dec.RetryAfterSeconds(); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
	dec = domain.Decision{RetryAfter: 2 * time.Second}
	if got := dec.RetryAfterSeconds(); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

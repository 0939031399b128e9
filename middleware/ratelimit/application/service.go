package application

import (
	"context"
	"fmt"
	"log"
	"time"

	"webhook-gateway/middleware/ratelimit/domain"
)

// Service concentra a regra de aplicação da admissão (janela fixa).
//
// Ele não sabe nada sobre HTTP (headers/status), apenas devolve decisões.
// Toda mutação de contador passa pelo CounterStore; o Service não mantém
// lock próprio além do que o store garante por chave.
type Service struct {
	cfg   domain.Config
	store domain.CounterStore
	tools domain.ToolStatsStore
	logf  func(format string, args ...any)
	now   func() time.Time
}

type Option func(*Service)

// WithToolStats habilita o histórico best-effort de chamadas por ferramenta.
func WithToolStats(ts domain.ToolStatsStore) Option {
	return func(s *Service) { s.tools = ts }
}

// WithLogf troca o log de falhas operacionais (fail-open/anomalias).
// O padrão é log.Printf.
func WithLogf(logf func(format string, args ...any)) Option {
	return func(s *Service) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// WithClock troca o relógio (testes).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService valida a configuração e monta o engine.
// Configuração incompleta é fatal aqui: o engine não pode existir sem
// janela/limite para todas as categorias.
func NewService(cfg domain.Config, store domain.CounterStore, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: counter store is required", domain.ErrConfiguration)
	}

	s := &Service{
		cfg:   cfg,
		store: store,
		logf:  log.Printf,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Message é a mensagem configurada para o corpo do 429 (pode ser vazia).
func (s *Service) Message() string { return s.cfg.Message }

// Limit devolve o par janela/limite de uma categoria.
func (s *Service) Limit(cat domain.Category) domain.Limit { return s.cfg.Limits[cat] }

// CheckAndConsume decide e consome uma unidade da janela da categoria.
//
// Com o engine desabilitado devolve sempre allowed, sem tocar o store
// (fail-open por escolha, não por acidente).
func (s *Service) CheckAndConsume(ctx context.Context, cat domain.Category, clientKey string) domain.Decision {
	lim := s.cfg.Limits[cat]
	if !s.cfg.Enabled {
		return s.disabledDecision(lim)
	}
	return s.consume(ctx, cat, domain.CounterKey(cat, clientKey), lim)
}

// CheckAndConsumeTool é a camada de admissão por ferramenta: mesma regra,
// janela/limite da categoria tool, chave "tool:<nome>:<cliente>", contador
// independente da checagem mcp que já passou no envelope HTTP.
//
// O histórico da ferramenta é gravado best-effort: falha de gravação nunca
// muda a decisão devolvida.
func (s *Service) CheckAndConsumeTool(ctx context.Context, tool, clientKey string) domain.Decision {
	lim := s.cfg.Limits[domain.CategoryTool]
	if !s.cfg.Enabled {
		return s.disabledDecision(lim)
	}

	dec := s.consume(ctx, domain.CategoryTool, domain.ToolCounterKey(tool, clientKey), lim)

	if s.tools != nil {
		ev := domain.ToolCallEvent{
			Tool:    tool,
			Key:     clientKey,
			Allowed: dec.Allowed,
			At:      s.now(),
		}
		if err := s.tools.Record(ctx, ev); err != nil {
			s.logf("ratelimit: tool history record failed: tool=%s err=%v", tool, err)
		}
	}
	return dec
}

// Check decide sem consumir (leitura via Peek), avaliando como se esta
// requisição incrementasse o contador. Usado pela contagem pós-resposta
// (skipSuccessful/skipFailed); aproximação documentada: entre o Peek e o
// Consume outra requisição pode passar pela mesma janela.
func (s *Service) Check(ctx context.Context, cat domain.Category, clientKey string) domain.Decision {
	lim := s.cfg.Limits[cat]
	if !s.cfg.Enabled {
		return s.disabledDecision(lim)
	}

	peeker, ok := s.store.(domain.CounterPeeker)
	if !ok {
		// Store sem leitura não-consumidora: degrada para consumo imediato.
		return s.consume(ctx, cat, domain.CounterKey(cat, clientKey), lim)
	}

	now := s.now()
	key := domain.CounterKey(cat, clientKey)
	ctr, live, err := peeker.Peek(ctx, key)
	if err != nil {
		s.logf("ratelimit: store peek failed, failing open: category=%s key=%s err=%v", cat, key, err)
		return s.disabledDecision(lim)
	}

	prospective := int64(1)
	resetAt := now.Add(lim.Window)
	if live {
		prospective = ctr.Count + 1
		resetAt = ctr.ResetAt
	}
	return s.decide(prospective, lim, resetAt, now)
}

// Consume aplica o incremento pós-resposta da contagem condicional.
// Só conta; a decisão já foi tomada pelo Check.
func (s *Service) Consume(ctx context.Context, cat domain.Category, clientKey string) {
	if !s.cfg.Enabled {
		return
	}
	lim := s.cfg.Limits[cat]
	key := domain.CounterKey(cat, clientKey)
	if _, err := s.store.Increment(ctx, key, lim.Window); err != nil {
		s.logf("ratelimit: deferred increment failed: category=%s key=%s err=%v", cat, key, err)
	}
}

func (s *Service) consume(ctx context.Context, cat domain.Category, key string, lim domain.Limit) domain.Decision {
	now := s.now()

	ctr, err := s.store.Increment(ctx, key, lim.Window)
	if err != nil {
		// Indisponibilidade do middleware não pode virar indisponibilidade
		// do serviço protegido: libera esta requisição e registra.
		s.logf("ratelimit: store increment failed, failing open: category=%s key=%s err=%v", cat, key, err)
		return s.disabledDecision(lim)
	}

	if ctr.Count <= 0 || ctr.ResetAt.IsZero() {
		// Estado impossível se o store honra o contrato. Admitir em cima de
		// invariante quebrada é pior que um falso 429: fecha esta requisição.
		s.logf("ratelimit: impossible counter state, failing closed: category=%s key=%s count=%d resetAt=%s",
			cat, key, ctr.Count, ctr.ResetAt)
		resetAt := ctr.ResetAt
		if resetAt.IsZero() || !resetAt.After(now) {
			resetAt = now.Add(lim.Window)
		}
		return domain.Decision{
			Allowed:    false,
			Limit:      lim.Max,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: ceilSeconds(resetAt.Sub(now)),
		}
	}

	return s.decide(ctr.Count, lim, ctr.ResetAt, now)
}

// decide aplica a regra da janela fixa: a N-ésima requisição (count == max)
// ainda passa; a (N+1)-ésima é rejeitada.
func (s *Service) decide(count int64, lim domain.Limit, resetAt time.Time, now time.Time) domain.Decision {
	dec := domain.Decision{
		Allowed: count <= lim.Max,
		Limit:   lim.Max,
		ResetAt: resetAt,
	}
	if remaining := lim.Max - count; remaining > 0 {
		dec.Remaining = remaining
	}
	if !dec.Allowed {
		dec.RetryAfter = ceilSeconds(resetAt.Sub(now))
	}
	return dec
}

func (s *Service) disabledDecision(lim domain.Limit) domain.Decision {
	return domain.Decision{
		Allowed:   true,
		Limit:     lim.Max,
		Remaining: lim.Max,
		ResetAt:   s.now(),
	}
}

// ceilSeconds arredonda para cima em segundos inteiros, com piso de 1s:
// uma rejeição real nunca devolve Retry-After zero ou negativo.
func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return secs * time.Second
}

package infra

import (
	"context"
	"sync"

	"webhook-gateway/middleware/ratelimit/domain"
)

// DefaultHistorySize é a capacidade padrão do anel de histórico por ferramenta.
const DefaultHistorySize = 100

// ToolHistory implementa domain.ToolStatsStore com um ring buffer por
// ferramenta: guarda as últimas N chamadas (cliente, instante, allowed)
// para diagnóstico. Quando enche, a mais antiga é descartada.
//
// Só em memória; sem requisito de consistência além de visibilidade eventual.
type ToolHistory struct {
	mu       sync.Mutex
	capacity int
	byTool   map[string]*toolRing
}

type toolRing struct {
	events []domain.ToolCallEvent
	next   int
	full   bool
}

type ToolHistoryOption func(*ToolHistory)

func WithHistorySize(n int) ToolHistoryOption {
	return func(h *ToolHistory) {
		if n > 0 {
			h.capacity = n
		}
	}
}

func NewToolHistory(opts ...ToolHistoryOption) *ToolHistory {
	h := &ToolHistory{
		capacity: DefaultHistorySize,
		byTool:   make(map[string]*toolRing),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Record implementa domain.ToolStatsStore.
func (h *ToolHistory) Record(_ context.Context, ev domain.ToolCallEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.byTool[ev.Tool]
	if !ok {
		ring = &toolRing{events: make([]domain.ToolCallEvent, h.capacity)}
		h.byTool[ev.Tool] = ring
	}

	ring.events[ring.next] = ev
	ring.next++
	if ring.next == len(ring.events) {
		ring.next = 0
		ring.full = true
	}
	return nil
}

// Last devolve uma cópia do histórico da ferramenta, da mais antiga para a
// mais recente. Nil quando a ferramenta nunca foi chamada.
func (h *ToolHistory) Last(tool string) []domain.ToolCallEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	ring, ok := h.byTool[tool]
	if !ok {
		return nil
	}

	if !ring.full {
		out := make([]domain.ToolCallEvent, ring.next)
		copy(out, ring.events[:ring.next])
		return out
	}

	out := make([]domain.ToolCallEvent, 0, len(ring.events))
	out = append(out, ring.events[ring.next:]...)
	out = append(out, ring.events[:ring.next]...)
	return out
}

// Tools lista as ferramentas com histórico gravado.
func (h *ToolHistory) Tools() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]string, 0, len(h.byTool))
	for tool := range h.byTool {
		out = append(out, tool)
	}
	return out
}

package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão de admissão.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, dispatch de tools, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar Key/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis).
type StatsEvent struct {
	Key      string
	Category Category
	Allowed  bool

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de admissão.
//
// Implementações podem armazenar em Redis, memória, etc.
// Os adapters devem tratar erro como best-effort (não derrubar request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// ToolCallEvent registra uma chamada de tool avaliada pelo limite por ferramenta.
// Estado puramente observacional: nunca participa da decisão de admissão.
type ToolCallEvent struct {
	Tool    string
	Key     string
	Allowed bool
	At      time.Time
}

// ToolStatsStore guarda o histórico "últimas N" por ferramenta, para diagnóstico.
// Mesmo contrato best-effort do StatsStore.
type ToolStatsStore interface {
	Record(ctx context.Context, ev ToolCallEvent) error
}

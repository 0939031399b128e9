package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category é o domínio de throttling de uma requisição (janela/limite próprios).
type Category string

const (
	CategoryGeneral Category = "general"
	CategoryAPI     Category = "api"
	CategoryWebhook Category = "webhook"
	CategoryMCP     Category = "mcp"
	CategoryTool    Category = "tool"
)

// Categories lista todas as categorias que a configuração precisa cobrir.
var Categories = []Category{CategoryGeneral, CategoryAPI, CategoryWebhook, CategoryMCP, CategoryTool}

// Limit é o par janela/limite de uma categoria (janela fixa).
type Limit struct {
	Window time.Duration
	Max    int64
}

// Config é a configuração resolvida do engine. Imutável depois de carregada.
//
// A validação acontece na construção do engine (application.NewService):
// categoria referenciada sem janela/limite é erro fatal de configuração.
type Config struct {
	Enabled bool
	Limits  map[Category]Limit

	// Message é a mensagem devolvida no corpo do 429.
	// Vazio usa o padrão da camada de resposta.
	Message string
}

// ErrConfiguration indica categoria sem janela/limite válidos.
var ErrConfiguration = errors.New("rate limit configuration error")

// Validate confere que toda categoria conhecida tem janela e limite positivos.
func (c Config) Validate() error {
	for _, cat := range Categories {
		lim, ok := c.Limits[cat]
		if !ok {
			return fmt.Errorf("%w: category %q has no limit configured", ErrConfiguration, cat)
		}
		if lim.Window <= 0 {
			return fmt.Errorf("%w: category %q window must be > 0", ErrConfiguration, cat)
		}
		if lim.Max <= 0 {
			return fmt.Errorf("%w: category %q max must be > 0", ErrConfiguration, cat)
		}
	}
	return nil
}

// Counter é o estado de uma janela fixa para uma chave composta.
type Counter struct {
	Count   int64
	ResetAt time.Time
}

// CounterStore é o único ponto de mutação dos contadores.
//
// Increment cria `{1, now+window}` quando a chave não existe (ou a janela
// expirou) e incrementa mantendo ResetAt caso contrário. A operação precisa
// ser atômica entre chamadores concorrentes da mesma chave: duas chamadas
// simultâneas em chave nova não podem devolver as duas count == 1.
//
// Implementações: memória (mapa + mutex + timer de expiração) e Redis
// (script Lua INCR/PEXPIRE). Erro de transporte deve ser devolvido, nunca
// uma contagem errada silenciosa.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (Counter, error)
}

// CounterPeeker é a leitura sem consumo, usada pela contagem pós-resposta
// (skipSuccessful/skipFailed). O segundo retorno é false quando não há
// janela viva para a chave.
type CounterPeeker interface {
	Peek(ctx context.Context, key string) (Counter, bool, error)
}

// CounterKey monta a chave composta "<categoria>:<cliente>".
func CounterKey(cat Category, clientKey string) string {
	return string(cat) + ":" + clientKey
}

// ToolCounterKey monta a chave por ferramenta "tool:<ferramenta>:<cliente>".
// Contador independente do da categoria mcp.
func ToolCounterKey(tool, clientKey string) string {
	return string(CategoryTool) + ":" + tool + ":" + clientKey
}

// Decision é o veredito de admissão de uma única checagem.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfter só é relevante quando !Allowed (arredondado para cima,
	// nunca zero numa rejeição real).
	RetryAfter time.Duration
}

// RetryAfterSeconds é o valor inteiro para o header Retry-After.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	secs := int(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"webhook-gateway/middleware/ratelimit/application"
	"webhook-gateway/middleware/ratelimit/domain"
)

type KeyFunc func(r *http.Request) string

// Options configura um adapter HTTP de admissão.
//
// O mesmo construtor atende as categorias general, api, webhook e mcp;
// muda a categoria e as flags, a mecânica é a mesma.
type Options struct {
	Service  *application.Service
	Category domain.Category

	Stats domain.StatsStore

	KeyFn      KeyFunc
	KeyHeader  string
	TrustProxy bool

	// IncludeHeaders liga os headers X-RateLimit-* em toda resposta.
	IncludeHeaders bool

	// SkipSuccessful/SkipFailed adiam o consumo do contador para depois do
	// handler: a decisão pré-handler usa Peek e o incremento só acontece se
	// o desfecho não casar com a condição de skip. Aproximação documentada:
	// requisições concorrentes podem passar pelo Peek antes de qualquer
	// Consume da mesma janela.
	SkipSuccessful bool
	SkipFailed     bool
}

func DefaultKeyFunc(keyHeader string, trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustProxy {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				parts := strings.Split(xff, ",")
				if len(parts) > 0 {
					ip := strings.TrimSpace(parts[0])
					if ip != "" {
						return ip
					}
				}
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// Middleware devolve o adapter HTTP da categoria configurada.
//
// Fluxo: extrai a chave do cliente, pede a decisão ao engine, grava stats
// best-effort, e ou anexa headers e segue, ou responde 429 com corpo JSON.
// A chave do cliente é plantada no contexto para a camada de tools (MCP).
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Category == "" {
		opts.Category = domain.CategoryGeneral
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustProxy)
	}
	deferred := opts.SkipSuccessful || opts.SkipFailed

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Service == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := opts.KeyFn(r)
			ctx := r.Context()
			r = r.WithContext(WithClientKey(ctx, key))

			var dec domain.Decision
			if deferred {
				dec = opts.Service.Check(ctx, opts.Category, key)
			} else {
				dec = opts.Service.CheckAndConsume(ctx, opts.Category, key)
			}

			if opts.Stats != nil {
				_ = opts.Stats.Record(ctx, domain.StatsEvent{
					Key:      key,
					Category: opts.Category,
					Allowed:  dec.Allowed,
					Method:   r.Method,
					Path:     r.URL.Path,
					At:       time.Now(),
				})
			}

			if opts.IncludeHeaders {
				writeRateLimitHeaders(w.Header(), dec, opts.Service.Limit(opts.Category).Window)
			}

			if !dec.Allowed {
				writeRejected(w, dec, opts.Service.Message())
				return
			}

			if !deferred {
				next.ServeHTTP(w, r)
				return
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if shouldCount(rec.status, opts.SkipSuccessful, opts.SkipFailed) {
				opts.Service.Consume(ctx, opts.Category, key)
			}
		})
	}
}

// statusRecorder captura o status para a contagem condicional pós-resposta.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// shouldCount decide se o desfecho entra na contagem.
// Sucesso = status < 400 (2xx/3xx); falha = status >= 400.
func shouldCount(status int, skipSuccessful, skipFailed bool) bool {
	success := status < http.StatusBadRequest
	if success && skipSuccessful {
		return false
	}
	if !success && skipFailed {
		return false
	}
	return true
}

type clientKeyCtx struct{}

// WithClientKey planta a identidade do cliente no contexto da requisição.
func WithClientKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, clientKeyCtx{}, key)
}

// ClientKeyFromContext recupera a identidade plantada pelo Middleware.
// Vazio quando a requisição não passou pelo adapter HTTP.
func ClientKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyCtx{}).(string); ok {
		return v
	}
	return ""
}

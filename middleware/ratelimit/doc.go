// Package ratelimit fornece adapters de admissão (net/http e dispatch MCP)
// para rate limit por categoria e por ferramenta, e limite de concorrência.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (check-and-consume por categoria/ferramenta) sem net/http
//   - infra: implementações concretas (contador em memória, contador Redis,
//     histórico de tools, semáforo), detalhes de infraestrutura
//   - ratelimit (este pacote): middlewares HTTP/MCP + extração de chave +
//     tradução da decisão para status/headers/corpo
//
// Fluxo no gateway:
//
//  1. Extrai a chave do cliente (IP/header/XFF)
//  2. Chama a camada application para obter a decisão da categoria
//  3. Se bloqueado, responde 429 com corpo JSON estruturado (ou resultado
//     isError no dispatch de tool) e Retry-After
//  4. Se permitido, anexa os headers X-RateLimit-* e chama o próximo handler
//  5. No endpoint MCP, uma segunda checagem independente por nome de
//     ferramenta roda dentro do dispatch, antes do corpo da tool
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como RATE_LIMIT_ENABLED, RATE_<CATEGORIA>_WINDOW_MS,
// RATE_<CATEGORIA>_MAX, USE_SHARED_STORE e CONCURRENCY_MAX.
package ratelimit

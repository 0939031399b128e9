// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - MemoryCounterStore: janela fixa por chave num mapa com timers de expiração
//   - RedisCounterStore: mesma semântica num Redis compartilhado (script Lua)
//   - ToolHistory: ring buffer das últimas chamadas por ferramenta
//   - SemaphorePool: vagas de concorrência com x/sync/semaphore
package infra

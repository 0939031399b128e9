// Package application contém os casos de uso (regras de aplicação) para
// admissão de requisições e limite de concorrência.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.CheckAndConsume(ctx, categoria, cliente) retorna uma Decision
// (allow/deny + quota + retry-after).
package application

// Package fanout recebe webhooks, normaliza os metadados e repassa o payload
// para as integrações downstream registradas (chat, tickets, planilha,
// warehouse...).
//
// O pacote nunca inspeciona o conteúdo do payload: ele viaja opaco do webhook
// até o Sink. O que é do gateway aqui é só o envelope (id de entrega, origem,
// tipo, instante) e a disciplina de saída (throttle por sink + timeout por
// entrega), para uma integração lenta não represar as demais nem estourar a
// cota da API do fornecedor.
package fanout

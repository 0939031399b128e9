package fanout

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBody limita o corpo aceito de um webhook (1 MiB).
const DefaultMaxBody = 1 << 20

// Handler recebe webhooks via POST, monta o Event e despacha.
//
// A origem vem do caminho restante depois do StripPrefix do mux
// (ex: POST /webhooks/analytics -> source "analytics"); o tipo do evento vem
// do header X-Event-Type quando a origem manda um.
//
// A resposta é 202 com o id de entrega: o aceite do webhook não espera o
// resultado das integrações (falha de entrega é logada, não devolvida).
func Handler(d *Dispatcher, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		source := strings.Trim(r.URL.Path, "/")
		if source == "" {
			source = "default"
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		ev := Event{
			DeliveryID: uuid.NewString(),
			Source:     source,
			Kind:       r.Header.Get("X-Event-Type"),
			ReceivedAt: time.Now(),
			Payload:    payload,
		}

		// entrega best-effort: o erro já foi logado pelo dispatcher
		_ = d.Dispatch(r.Context(), ev)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accepted":   true,
			"deliveryId": ev.DeliveryID,
		})
	})
}

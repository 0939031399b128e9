package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Disparador burro de webhooks: martela o gateway para validar o rate limit
// no olho. Uso: go run ./teste-validacao/disparador-burrao [n]
func main() {
	target := "http://localhost:8080/webhooks/teste"
	if v := os.Getenv("TARGET_URL"); v != "" {
		target = v
	}

	n := 10
	if len(os.Args) > 1 {
		if i, err := strconv.Atoi(os.Args[1]); err == nil {
			n = i
		}
	}

	payload := []byte(`{"evento":"teste","quem":"disparador-burrao"}`)

	for i := 1; i <= n; i++ {
		resp, err := http.Post(target, "application/json", bytes.NewReader(payload))
		if err != nil {
			fmt.Printf("%02d: erro: %s\n", i, err)
			continue
		}
		fmt.Printf("%02d: %s  remaining=%s  retry-after=%s\n",
			i, resp.Status,
			resp.Header.Get("X-RateLimit-Remaining"),
			resp.Header.Get("Retry-After"))
		_ = resp.Body.Close()
		time.Sleep(50 * time.Millisecond)
	}
}

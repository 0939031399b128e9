package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"webhook-gateway/middleware/ratelimit/domain"
)

// DefaultMessage é a mensagem padrão do corpo de rejeição HTTP.
const DefaultMessage = "Too many requests, please try again later."

type rateLimitInfo struct {
	Limit      int64 `json:"limit"`
	Remaining  int64 `json:"remaining"`
	ResetTime  int64 `json:"resetTime"`
	RetryAfter int   `json:"retryAfter"`
}

type rejectedBody struct {
	Success       bool          `json:"success"`
	Error         string        `json:"error"`
	Message       string        `json:"message"`
	RateLimitInfo rateLimitInfo `json:"rateLimitInfo"`
}

// writeRateLimitHeaders anexa os headers padrão de quota.
// Reset em segundos unix; Window em milissegundos.
func writeRateLimitHeaders(h http.Header, dec domain.Decision, window time.Duration) {
	h.Set("X-RateLimit-Limit", formatInt64(dec.Limit))
	h.Set("X-RateLimit-Remaining", formatInt64(dec.Remaining))
	h.Set("X-RateLimit-Reset", formatInt64(dec.ResetAt.Unix()))
	h.Set("X-RateLimit-Window", formatInt64(window.Milliseconds()))
}

// writeRejected traduz uma decisão negada em 429 + Retry-After + corpo JSON.
func writeRejected(w http.ResponseWriter, dec domain.Decision, message string) {
	if message == "" {
		message = DefaultMessage
	}
	retry := dec.RetryAfterSeconds()

	w.Header().Set("Retry-After", formatInt(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	_ = json.NewEncoder(w).Encode(rejectedBody{
		Success: false,
		Error:   "Rate limit exceeded",
		Message: message,
		RateLimitInfo: rateLimitInfo{
			Limit:      dec.Limit,
			Remaining:  0,
			ResetTime:  dec.ResetAt.Unix(),
			RetryAfter: retry,
		},
	})
}

// ToolRejectedText é o texto do resultado de erro devolvido no dispatch de
// tool (resposta JSON-RPC 200 com isError, não um 429 HTTP).
func ToolRejectedText(tool string, dec domain.Decision) string {
	return fmt.Sprintf("Rate limit exceeded for tool %q. Please try again in %d seconds.",
		tool, dec.RetryAfterSeconds())
}

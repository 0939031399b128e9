package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func captureDispatcher() (*Dispatcher, *[]Event) {
	var got []Event
	d := NewDispatcher(WithLogf(func(string, ...any) {}))
	d.Register(SinkFunc{SinkName: "capture", Fn: func(_ context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	}}, 0, 0)
	return d, &got
}

func TestHandler_AcceptsAndReturnsDeliveryID(t *testing.T) {
	d, got := captureDispatcher()
	h := Handler(d, 0)

	r := httptest.NewRequest(http.MethodPost, "http://example/github", strings.NewReader(`{"ref":"main"}`))
	r.Header.Set("X-Event-Type", "push")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}

	var body struct {
		Accepted   bool   `json:"accepted"`
		DeliveryID string `json:"deliveryId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if !body.Accepted || body.DeliveryID == "" {
		t.Fatalf("unexpected body: %+v", body)
	}

	if len(*got) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(*got))
	}
	ev := (*got)[0]
	if ev.Source != "github" || ev.Kind != "push" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.DeliveryID != body.DeliveryID {
		t.Fatalf("expected body deliveryId to match the event")
	}
	if string(ev.Payload) != `{"ref":"main"}` {
		t.Fatalf("expected opaque payload pass-through, got %s", ev.Payload)
	}
}

func TestHandler_OnlyPost(t *testing.T) {
	d, got := captureDispatcher()
	h := Handler(d, 0)

	r := httptest.NewRequest(http.MethodGet, "http://example/github", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if len(*got) != 0 {
		t.Fatalf("expected no dispatch on rejected method")
	}
}

func TestHandler_EmptyPathFallsBackToDefaultSource(t *testing.T) {
	d, got := captureDispatcher()
	h := Handler(d, 0)

	r := httptest.NewRequest(http.MethodPost, "http://example/", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if (*got)[0].Source != "default" {
		t.Fatalf("expected default source, got %q", (*got)[0].Source)
	}
}

func TestHandler_TruncatesBodyAtLimit(t *testing.T) {
	d, got := captureDispatcher()
	h := Handler(d, 8)

	r := httptest.NewRequest(http.MethodPost, "http://example/github", strings.NewReader(strings.Repeat("x", 100)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len((*got)[0].Payload) != 8 {
		t.Fatalf("expected payload capped at 8 bytes, got %d", len((*got)[0].Payload))
	}
}

func TestHandler_DeliveryFailureDoesNotChangeResponse(t *testing.T) {
	d := NewDispatcher(WithLogf(func(string, ...any) {}))
	d.Register(SinkFunc{SinkName: "broken", Fn: func(context.Context, Event) error {
		return context.DeadlineExceeded
	}}, 0, 0)
	h := Handler(d, 0)

	r := httptest.NewRequest(http.MethodPost, "http://example/github", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 regardless of sink failure, got %d", w.Code)
	}
}

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Event é o envelope normalizado de um webhook recebido.
type Event struct {
	DeliveryID string
	Source     string
	Kind       string
	ReceivedAt time.Time

	// Payload é opaco: o gateway não olha dentro.
	Payload json.RawMessage
}

// Sink é uma integração downstream. A implementação concreta (cliente da API
// do fornecedor) fica fora deste módulo; aqui só importa nome e entrega.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// SinkFunc adapta uma função a Sink.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, ev Event) error
}

func (s SinkFunc) Name() string                                { return s.SinkName }
func (s SinkFunc) Deliver(ctx context.Context, ev Event) error { return s.Fn(ctx, ev) }

type throttledSink struct {
	sink Sink
	lim  *rate.Limiter
}

// Dispatcher faz o fan-out de um Event para todos os sinks registrados.
//
// Cada sink tem um token bucket de saída (x/time/rate): o Dispatch espera o
// token antes de entregar, respeitando o limite da API downstream. Cada
// entrega tem timeout próprio; falha de um sink não impede os outros.
type Dispatcher struct {
	sinks   []throttledSink
	timeout time.Duration
	logf    func(format string, args ...any)
}

type DispatcherOption func(*Dispatcher)

// WithDeliveryTimeout limita a duração de cada entrega (padrão 10s).
func WithDeliveryTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.timeout = d
		}
	}
}

func WithLogf(logf func(format string, args ...any)) DispatcherOption {
	return func(dp *Dispatcher) {
		if logf != nil {
			dp.logf = logf
		}
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		timeout: 10 * time.Second,
		logf:    log.Printf,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adiciona um sink com limite de saída `rps`/`burst`.
// rps <= 0 registra sem throttle.
func (d *Dispatcher) Register(s Sink, rps float64, burst int) {
	var lim *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	d.sinks = append(d.sinks, throttledSink{sink: s, lim: lim})
}

// Dispatch entrega o evento a todos os sinks, na ordem de registro.
// Devolve os erros agregados; o chamador trata como best-effort
// (o webhook já foi aceito, a entrega é responsabilidade do gateway).
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	var errs []error

	for _, ts := range d.sinks {
		if ts.lim != nil {
			if err := ts.lim.Wait(ctx); err != nil {
				errs = append(errs, fmt.Errorf("sink %s: throttle wait: %w", ts.sink.Name(), err))
				continue
			}
		}

		deliverCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := ts.sink.Deliver(deliverCtx, ev)
		cancel()

		if err != nil {
			d.logf("fanout: delivery failed: sink=%s delivery=%s err=%v", ts.sink.Name(), ev.DeliveryID, err)
			errs = append(errs, fmt.Errorf("sink %s: %w", ts.sink.Name(), err))
		}
	}

	return errors.Join(errs...)
}

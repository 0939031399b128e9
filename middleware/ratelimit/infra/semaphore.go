package infra

import (
	"context"

	"webhook-gateway/middleware/ratelimit/domain"

	"golang.org/x/sync/semaphore"
)

type semPool struct {
	sem *semaphore.Weighted
}

// NewSemaphorePool cria um pool de vagas com capacidade `max`,
// baseado em x/sync/semaphore.
func NewSemaphorePool(max int) domain.SlotPool {
	return &semPool{sem: semaphore.NewWeighted(int64(max))}
}

func (p *semPool) Acquire(ctx context.Context) (func(), bool) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, false
	}
	return func() { p.sem.Release(1) }, true
}

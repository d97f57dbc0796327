package core

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// permitPool is the bounded admission pool capping concurrently active
// leases. Acquire blocks until a permit frees or ctx is done; there is no
// FIFO fairness among waiters.
type permitPool struct {
	sem      *semaphore.Weighted
	capacity int64
	issued   atomic.Int64
}

func newPermitPool(capacity int) *permitPool {
	if capacity < 1 {
		capacity = 1
	}
	return &permitPool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until one permit is available. A ctx error is returned
// unmodified so callers can distinguish timeout from cancellation.
func (p *permitPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.issued.Add(1)
	return nil
}

// Release returns one permit. Callers must release exactly once per
// successful Acquire.
func (p *permitPool) Release() {
	p.issued.Add(-1)
	p.sem.Release(1)
}

// Issued reports the number of currently outstanding permits.
func (p *permitPool) Issued() int {
	return int(p.issued.Load())
}

// Capacity reports the pool's fixed permit capacity.
func (p *permitPool) Capacity() int {
	return int(p.capacity)
}

package transport

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pool is the bounded worker pool shared across connections for slow
// callbacks (OnConnect, auth, disconnect notices). Event delivery never
// goes through here; that stays on the per-connection ordered worker.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc

	sem  *semaphore.Weighted
	size int64

	log *zap.Logger
}

func NewPool(size int64, log *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(size),
		size:   size,
		log:    log,
	}
}

// Submit runs task on a pooled goroutine, blocking while all workers are
// busy. Tasks submitted after Close are dropped. Panics are recovered and
// logged so a broken callback cannot take the pool down.
func (p *Pool) Submit(task func()) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.log.Debug("Dropping task submitted to a closed pool")
		return
	}

	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("Pooled callback panicked", zap.Any("panic", r))
			}
		}()

		task()
	}()
}

// Close stops accepting tasks and waits for running ones to finish.
func (p *Pool) Close() error {
	p.cancel()

	// Acquiring the full weight waits out every running task.
	if err := p.sem.Acquire(context.Background(), p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)

	return nil
}

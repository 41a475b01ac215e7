// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidemill/signalmesh/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool enforcing backpressure when saturated. Tasks
// receive the pool's lifecycle context; Shutdown lets queued and in-flight
// tasks drain for a grace period before cancelling it.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan Task
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan Task, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task without blocking: a saturated queue returns a
// capacity error so callers can take their rollback path.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}

	p.wg.Add(1)
	select {
	case p.jobs <- fn:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeCapacity, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and in-flight tasks. When the
// context expires first the task context is cancelled and the error returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		p.cancel()
		return nil
	}
}

func (p *Pool) worker() {
	for fn := range p.jobs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Swallow panics to keep the worker alive; tasks report
					// failures through their own channels.
					_ = r
				}
			}()
			if err := fn(p.ctx); err != nil {
				_ = err
			}
		}()
		p.wg.Done()
	}
}

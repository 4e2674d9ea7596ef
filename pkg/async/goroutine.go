package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo runs fn in a goroutine bounded by timeout. Errors and panics are
// logged, never propagated. The returned channel closes when fn returns.
//
// Example:
//
//	SafeGo(ctx, logger, time.Minute, "initial refresh", func(ctx context.Context) error {
//	    return catalogs.RefreshAll(ctx)
//	})
func SafeGo(parentCtx context.Context, logger *logrus.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = logrus.New()
	}
	done := make(chan struct{})
	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{"task": taskName}).
					Errorf("Panic in background task: %v\n%s", r, debug.Stack())
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithFields(logrus.Fields{"task": taskName}).
				Errorf("Background task failed: %v", err)
		}
	}()
	return done
}

// WorkerPool runs submitted tasks on a fixed number of workers. Each task
// gets its own timeout; failures go to Errors.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	logger   *logrus.Logger

	mu     sync.Mutex
	closed bool
	workCh chan func(context.Context) error
	errCh  chan error
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorkerPool starts workers goroutines.
//
// Example:
//
//	pool := NewWorkerPool(ctx, logger, 1, "sideload", 10*time.Minute)
//	defer pool.Shutdown(5 * time.Second)
//
//	pool.Submit(func(ctx context.Context) error {
//	    return installFile(ctx, path)
//	})
func NewWorkerPool(ctx context.Context, logger *logrus.Logger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if logger == nil {
		logger = logrus.New()
	}
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	p := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		logger:   logger,
		workCh:   make(chan func(context.Context) error, workers*2),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Submit queues fn. It blocks while the queue is full.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks
// to drain. Running tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool shutdown timed out after %v", timeout)
	}
}

// Errors returns the channel task failures are sent to. Failures are
// dropped with a log line when nobody drains it.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for fn := range p.workCh {
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.WithFields(logrus.Fields{"task": p.taskName, "worker": id}).
					Errorf("Panic in worker: %v\n%s", r, debug.Stack())
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	if err == nil {
		return
	}

	select {
	case p.errCh <- err:
	default:
		p.logger.WithFields(logrus.Fields{"task": p.taskName}).
			Warnf("Error channel full, dropping error: %v", err)
	}
}

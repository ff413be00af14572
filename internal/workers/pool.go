// Package workers provides a small bounded worker pool used to cap
// in-process fan-out concurrency: auto-trade order dispatch and the
// schedule runner's same-tick fan-out both need "run N things in parallel,
// no more than K at once" without hand-rolling a semaphore at each call
// site.
package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task represents a unit of work to be processed.
type Task interface {
	Execute() error
}

// TaskFunc is a function that can be used as a Task.
type TaskFunc func() error

func (f TaskFunc) Execute() error { return f() }

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Name            string
	NumWorkers      int
	QueueSize       int
	TaskTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultPoolConfig bounds a pool to a handful of workers, sized for
// fan-out over a short-lived batch of brokerage calls or due schedules
// rather than a high-throughput stream.
func DefaultPoolConfig(name string) *PoolConfig {
	return &PoolConfig{
		Name:            name,
		NumWorkers:      5,
		QueueSize:       64,
		TaskTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// PoolStats reports pool counters.
type PoolStats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksTimeout   int64
	PanicRecovered int64
}

// Pool manages a bounded set of worker goroutines draining a task queue.
type Pool struct {
	logger *zap.Logger
	config *PoolConfig

	taskQueue chan Task
	wg        sync.WaitGroup

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a new worker pool. The pool does not start its workers
// until Start is called.
func NewPool(logger *zap.Logger, config *PoolConfig) *Pool {
	if config == nil {
		config = DefaultPoolConfig("default")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger.Named("workers").With(zap.String("pool", config.Name)),
		config:    config,
		taskQueue: make(chan Task, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start spawns the worker goroutines. Safe to call once; subsequent calls
// are no-ops.
func (p *Pool) Start() {
	if p.running.Swap(true) {
		return
	}
	p.logger.Info("starting worker pool", zap.Int("workers", p.config.NumWorkers))
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	log := p.logger.With(zap.Int("workerId", id))
	for {
		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.executeTask(log, task)
		}
	}
}

func (p *Pool) executeTask(log *zap.Logger, task Task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.TaskTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				log.Error("worker recovered from panic", zap.Any("panic", r))
				err = &PanicError{Recovered: r}
			}
			done <- err
		}()
		err = task.Execute()
	}()

	select {
	case err := <-done:
		if err != nil {
			p.failed.Add(1)
			log.Debug("task failed", zap.Error(err))
		} else {
			p.completed.Add(1)
		}
	case <-ctx.Done():
		p.timedOut.Add(1)
		log.Warn("task timed out", zap.Duration("timeout", p.config.TaskTimeout))
	}
}

// Submit enqueues a task without waiting for it to run.
func (p *Pool) Submit(task Task) error {
	if !p.running.Load() {
		return ErrPoolStopped
	}
	select {
	case p.taskQueue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitWait enqueues a task and blocks until it has run.
func (p *Pool) SubmitWait(task Task) error {
	done := make(chan error, 1)
	wrapper := TaskFunc(func() error {
		err := task.Execute()
		done <- err
		return err
	})
	if err := p.Submit(wrapper); err != nil {
		return err
	}
	return <-done
}

// SubmitFunc submits a function as a task.
func (p *Pool) SubmitFunc(fn func() error) error {
	return p.Submit(TaskFunc(fn))
}

// Stop signals workers to exit and waits up to ShutdownTimeout.
func (p *Pool) Stop() error {
	if !p.running.Swap(false) {
		return nil
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return ErrShutdownTimeout
	}
}

// IsRunning reports whether the pool's workers are active.
func (p *Pool) IsRunning() bool {
	return p.running.Load()
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksTimeout:   p.timedOut.Load(),
		PanicRecovered: p.panicked.Load(),
	}
}

var (
	ErrPoolStopped     = &PoolError{Message: "pool is stopped"}
	ErrQueueFull       = &PoolError{Message: "task queue is full"}
	ErrShutdownTimeout = &PoolError{Message: "shutdown timed out"}
)

// PoolError represents a pool error.
type PoolError struct {
	Message string
}

func (e *PoolError) Error() string { return e.Message }

// PanicError represents a recovered panic from a task.
type PanicError struct {
	Recovered interface{}
}

func (e *PanicError) Error() string { return "panic recovered" }

// Package workerpool provides a bounded goroutine pool. The cache node
// runs chunk downloads through one pool so concurrent transfers are
// capped by configuration rather than by the number of busy slots.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of work submitted to the pool. The context travels with
// the task so a canceled slot aborts its own download without touching
// the pool.
type Task struct {
	Name    string
	Context context.Context
	Fn      func(context.Context) error
}

// Pool is a fixed-size worker pool with a bounded queue
type Pool struct {
	name       string
	maxWorkers int
	tasks      chan Task
	logger     *zap.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// New creates and starts a worker pool
func New(cfg *Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.MaxWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		tasks:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.tasks:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}

	p.completed.Add(1)
	p.logger.Debug("Task completed",
		zap.String("pool", p.name),
		zap.Int("worker_id", workerID),
		zap.String("task", task.Name),
		zap.Duration("duration", time.Since(start)))
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Fn(ctx)
}

// Submit enqueues a task, blocking until the queue accepts it, the
// task's context is canceled, or the pool stops
func (p *Pool) Submit(task Task) error {
	ctx := task.Context
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-p.stopChan:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Stop shuts the pool down, waiting up to timeout for workers to finish
// their current tasks. Queued tasks that never started are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q stop timed out after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timed out", zap.String("name", p.name))
		}
	})
	return err
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(p.active.Load()),
		Queued:    len(p.tasks),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

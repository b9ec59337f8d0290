// Package pool provides a bounded worker pool for controlled concurrency.
// It runs async lifecycle event handlers and broadcast fan-out so that a
// burst of work cannot spawn unbounded goroutines.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrPoolFull   = errors.New("worker pool is full")
)

// Task is a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers"`
	QueueSize   int           `yaml:"queue_size" json:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  64,
		QueueSize:   512,
		IdleTimeout: 60 * time.Second,
	}
}

// WorkerPool runs tasks on a bounded set of lazily spawned workers.
// Idle workers above the minimum retire after IdleTimeout.
type WorkerPool struct {
	maxWorkers  int
	idleTimeout time.Duration

	// mu 串行化提交与关闭:持读锁发送,持写锁关闭队列,
	// 避免 Submit 与 Close 竞态导致向已关闭通道发送。
	mu     sync.RWMutex
	closed bool

	queue       chan job
	workerCount atomic.Int32
	activeCount atomic.Int32
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type job struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a worker pool.
func New(config Config) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultConfig().IdleTimeout
	}
	return &WorkerPool{
		maxWorkers:  config.MaxWorkers,
		idleTimeout: config.IdleTimeout,
		queue:       make(chan job, config.QueueSize),
	}
}

// Submit enqueues a task without waiting for its result.
// Returns ErrPoolFull when the queue is saturated and no worker slot is free.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	j := job{task: task, ctx: ctx}

	select {
	case p.queue <- j:
		p.ensureWorker()
		return nil
	default:
		if p.spawnWorker() {
			select {
			case p.queue <- j:
				return nil
			default:
			}
		}
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

// SubmitWait enqueues a task and blocks until it finishes or ctx is done.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}

	p.submitted.Add(1)
	j := job{task: task, ctx: ctx, result: make(chan error, 1)}

	select {
	case p.queue <- j:
		p.ensureWorker()
		p.mu.RUnlock()
	case <-ctx.Done():
		p.rejected.Add(1)
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Go runs fn asynchronously, falling back to a plain goroutine when the
// pool is saturated. Satisfies the lifecycle dispatcher contract: event
// handlers must never be dropped.
func (p *WorkerPool) Go(fn func()) {
	err := p.Submit(context.Background(), func(context.Context) error {
		fn()
		return nil
	})
	if err != nil {
		go fn()
	}
}

func (p *WorkerPool) ensureWorker() {
	if p.workerCount.Load() < int32(p.maxWorkers) {
		p.spawnWorker()
	}
}

func (p *WorkerPool) spawnWorker() bool {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return false
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return true
		}
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer p.workerCount.Add(-1)

	idle := time.NewTimer(p.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.run(j)
			p.activeCount.Add(-1)

			if j.result != nil {
				j.result <- err
				close(j.result)
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			idle.Reset(p.idleTimeout)

		case <-idle.C:
			// 保留最后一个常驻 worker
			if p.workerCount.Load() > 1 {
				return
			}
			idle.Reset(p.idleTimeout)
		}
	}
}

func (p *WorkerPool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
		}
	}()
	return j.task(j.ctx)
}

// Close stops accepting tasks and waits for in-flight work to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Stats contains pool counters.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

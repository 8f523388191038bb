package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a task cannot be queued without blocking
var ErrQueueFull = fmt.Errorf("worker pool queue is full")

// ErrStopped is returned for submissions after Stop
var ErrStopped = fmt.Errorf("worker pool is stopped")

// Task represents a unit of work; the context is cancelled when the pool stops
type Task struct {
	Name string
	Fn   func(context.Context)
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// WorkerPool runs tasks on a bounded set of goroutines
type WorkerPool struct {
	name      string
	tasks     chan Task
	ctx       context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
	mu        sync.RWMutex // guards stopped against concurrent Submit
	stopped   bool
	active    int32
	completed uint64
	panicked  uint64
	rejected  uint64
}

// New creates a worker pool and starts its workers
func New(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:   cfg.Name,
		tasks:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: cfg.Logger,
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.logger.Debug("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", cfg.MaxWorkers),
		zap.Int("queue_size", cfg.QueueSize))

	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

// run executes a single task with panic recovery
func (p *WorkerPool) run(task Task) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.panicked, 1)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task", task.Name),
				zap.Any("panic", r))
		}
	}()

	task.Fn(p.ctx)
	atomic.AddUint64(&p.completed, 1)
}

// Submit queues a task without blocking
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		atomic.AddUint64(&p.rejected, 1)
		return ErrStopped
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		p.logger.Warn("Worker pool queue full",
			zap.String("pool", p.name),
			zap.String("task", task.Name))
		return ErrQueueFull
	}
}

// Stop stops accepting tasks, cancels the task context, and waits up to
// timeout for queued tasks to drain
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.tasks)
		p.mu.Unlock()
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Debug("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(atomic.LoadInt32(&p.active)),
		Queued:    len(p.tasks),
		Completed: atomic.LoadUint64(&p.completed),
		Panicked:  atomic.LoadUint64(&p.panicked),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Completed uint64
	Panicked  uint64
	Rejected  uint64
}

// Package concurrency wraps alitto/pond with the defaults and submit
// semantics the rest of the system expects.
package concurrency

import (
	"fmt"
	"time"

	"github.com/flyingwolf1701/hypertrader/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool. NonBlocking makes Submit fail fast
// when the queue is full instead of blocking the caller.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool
}

func (c *PoolConfig) withDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 10
	}
	if c.MaxCapacity <= 0 {
		c.MaxCapacity = 100
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
}

// WorkerPool is a named pond pool with panic recovery routed through
// the structured logger.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	cfg.withDefaults()
	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	return &WorkerPool{
		config: cfg,
		logger: log,
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Worker panic recovered", "panic", p)
			}),
		),
	}
}

// Submit queues a task. In NonBlocking mode a full queue returns an
// error so the caller can shed the task instead of stalling.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %q full, capacity %d", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop drains queued tasks and waits for workers to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats exposes pond's counters for the status endpoint.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  wp.pool.RunningWorkers(),
		"idle_workers":     wp.pool.IdleWorkers(),
		"submitted_tasks":  wp.pool.SubmittedTasks(),
		"waiting_tasks":    wp.pool.WaitingTasks(),
		"successful_tasks": wp.pool.SuccessfulTasks(),
		"failed_tasks":     wp.pool.FailedTasks(),
	}
}

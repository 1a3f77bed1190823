// Package concurrency provides a bounded worker pool built on alitto/pond.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"trading_engine/internal/core"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit fail instead of blocking when the queue is
	// full. Dispatch paths off the trading path set this.
	NonBlocking bool
}

// WorkerPool wraps a pond pool with panic recovery and a submit policy.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 256
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}

	poolLogger := logger.WithField("pool", cfg.Name)
	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.PanicHandler(func(p interface{}) {
			poolLogger.Error("Worker panic recovered", "panic", p)
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: poolLogger}
}

// Submit enqueues a task. With NonBlocking set it returns an error when the
// queue is full; otherwise it blocks until a slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("pool %q full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop waits for queued tasks to finish, then releases the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
	wp.logger.Debug("Worker pool stopped",
		"submitted", wp.pool.SubmittedTasks(),
		"failed", wp.pool.FailedTasks(),
	)
}

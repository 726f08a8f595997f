// Package concurrency wraps alitto/pond with a standardized, monitored
// worker pool shape shared by every ingress and event-processing stage.
package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"

	"dispatchcore/internal/core"
)

// PoolConfig configures a WorkerPool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking, when true, makes Submit return an error instead of
	// blocking when the pool's queue is full.
	NonBlocking bool
}

// WorkerPool wraps pond.WorkerPool with named logging.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

// NewWorkerPool builds a WorkerPool, applying safe defaults for any unset
// size field.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	poolLogger := logger.With(map[string]any{"component": "worker_pool", "pool": cfg.Name})

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			poolLogger.Error(core.LogEvent{Name: "worker_pool_panic_recovered", Attrs: map[string]any{"panic": p}})
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: poolLogger}
}

// Submit enqueues task. In NonBlocking mode it returns an error instead of
// blocking when the pool is saturated.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity: %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}

	wp.pool.Submit(task)
	return nil
}

// SubmitAndWait submits task and blocks until it completes.
func (wp *WorkerPool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	wp.pool.Submit(func() {
		task()
		close(done)
	})
	<-done
}

// Stop drains the pool and waits for in-flight tasks to finish.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats returns point-in-time pool counters for telemetry export.
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

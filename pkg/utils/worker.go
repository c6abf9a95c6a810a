package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nmxmxh/portal-engine/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrPoolStopped is returned when submitting to a pool that has been stopped.
var ErrPoolStopped = errors.New("worker pool stopped")

// Task represents a unit of work to be processed
type Task interface {
	Process(ctx context.Context) error
}

// TaskFunc adapts a function to Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Process(ctx context.Context) error { return f(ctx) }

// WorkerPool runs submitted tasks on a fixed number of goroutines. With one
// worker it serializes every task, which is how inference is kept off
// concurrent goroutines.
type WorkerPool struct {
	numWorkers int
	tasks      chan Task
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	errors     chan error
	stopOnce   sync.Once
	metrics    *workerPoolMetrics
}

type workerPoolMetrics struct {
	activeWorkers  prometheus.Gauge
	queuedTasks    prometheus.Gauge
	processedTasks prometheus.Counter
	taskErrors     prometheus.Counter
	processingTime prometheus.Observer
}

func newWorkerPoolMetrics(poolName string) *workerPoolMetrics {
	return &workerPoolMetrics{
		activeWorkers:  metrics.WorkerPoolGauges.WithLabelValues(poolName, "active_workers"),
		queuedTasks:    metrics.WorkerPoolGauges.WithLabelValues(poolName, "queued_tasks"),
		processedTasks: metrics.WorkerPoolCounters.WithLabelValues(poolName, "processed_tasks"),
		taskErrors:     metrics.WorkerPoolCounters.WithLabelValues(poolName, "task_errors"),
		processingTime: metrics.WorkerPoolHistograms.WithLabelValues(poolName),
	}
}

// NewWorkerPool creates a pool with the given name and worker count.
func NewWorkerPool(name string, numWorkers int) *WorkerPool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		ctx:        ctx,
		cancel:     cancel,
		errors:     make(chan error, numWorkers),
		metrics:    newWorkerPoolMetrics(name),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
		p.metrics.activeWorkers.Inc()
	}
}

// Stop cancels in-flight work and waits for the workers to exit.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		close(p.errors)
		p.metrics.activeWorkers.Set(0)
	})
}

// Submit enqueues a task without waiting for it.
func (p *WorkerPool) Submit(task Task) error {
	select {
	case <-p.ctx.Done():
		return ErrPoolStopped
	default:
	}
	select {
	case p.tasks <- task:
		p.metrics.queuedTasks.Inc()
		return nil
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Do runs fn on a worker and waits for it to finish. The task's context is
// cancelled when either ctx or the pool is cancelled.
func (p *WorkerPool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	task := TaskFunc(func(poolCtx context.Context) error {
		taskCtx, cancel := context.WithCancel(poolCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
		err := fn(taskCtx)
		done <- err
		return err
	})
	if err := p.Submit(task); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Errors returns a channel that receives task processing errors
func (p *WorkerPool) Errors() <-chan error {
	return p.errors
}

func (p *WorkerPool) worker() {
	defer func() {
		p.wg.Done()
		p.metrics.activeWorkers.Dec()
	}()

	for {
		select {
		case task := <-p.tasks:
			p.metrics.queuedTasks.Dec()
			start := time.Now()

			if err := task.Process(p.ctx); err != nil {
				p.metrics.taskErrors.Inc()
				select {
				case p.errors <- err:
				default:
				}
			}

			p.metrics.processedTasks.Inc()
			p.metrics.processingTime.Observe(time.Since(start).Seconds())

		case <-p.ctx.Done():
			return
		}
	}
}

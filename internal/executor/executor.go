// Package executor runs introspection processing work in the background so
// the ramdisk submission handler can return immediately, mirroring
// process.py's use of a utils.spawn_n background greenlet for
// _reapply/_finish_set_ipmi_credentials/_finish. Unlike the single-worker
// agent executor this is generalized to pool of workers, since a
// coordinator handles many nodes concurrently (each one individually
// serialized by internal/lockregistry, not by this pool).
package executor

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Task is one unit of background work. It receives the pool's base context,
// already cancelled on shutdown.
type Task func(ctx context.Context)

// queueSize is the maximum number of tasks buffered while waiting for a
// free worker. Submit beyond this limit fails fast rather than blocking
// the HTTP handler that submitted it.
const queueSize = 256

// Pool runs Tasks across a fixed number of worker goroutines.
type Pool struct {
	workers int
	queue   chan Task
	logger  *zap.Logger

	queueDepth prometheus.Gauge
	inFlight   prometheus.Gauge
	processed  prometheus.Counter
	failed     prometheus.Counter
}

// New creates a Pool with the given number of workers. workers is clamped
// to at least 1.
func New(workers int, logger *zap.Logger, registerer prometheus.Registerer) *Pool {
	if workers < 1 {
		workers = 1
	}

	p := &Pool{
		workers: workers,
		queue:   make(chan Task, queueSize),
		logger:  logger.Named("executor"),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspector_executor_queue_depth",
			Help: "Number of background tasks waiting for a free worker.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspector_executor_in_flight",
			Help: "Number of background tasks currently executing.",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_executor_tasks_processed_total",
			Help: "Total number of background tasks that completed without panicking.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspector_executor_tasks_panicked_total",
			Help: "Total number of background tasks that panicked.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(p.queueDepth, p.inFlight, p.processed, p.failed)
	}

	return p
}

// Run starts the worker goroutines. It blocks until ctx is cancelled and
// every in-flight task returns.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("executor pool started", zap.Int("workers", p.workers))

	done := make(chan struct{})
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx, done)
	}

	<-ctx.Done()
	for i := 0; i < p.workers; i++ {
		<-done
	}
	p.logger.Info("executor pool stopped")
}

func (p *Pool) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.queue:
			p.queueDepth.Dec()
			p.runTask(ctx, task)
		}
	}
}

func (p *Pool) runTask(ctx context.Context, task Task) {
	p.inFlight.Inc()
	defer p.inFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			p.failed.Inc()
			p.logger.Error("background task panicked", zap.Any("panic", r))
			return
		}
		p.processed.Inc()
	}()

	task(ctx)
}

// Submit enqueues task for execution by the next free worker. It returns an
// error if the queue is full rather than blocking the caller.
func (p *Pool) Submit(task Task) error {
	select {
	case p.queue <- task:
		p.queueDepth.Inc()
		return nil
	default:
		return fmt.Errorf("executor: queue full, rejecting task")
	}
}

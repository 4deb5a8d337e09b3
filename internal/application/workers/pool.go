package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/internal/application/resources"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// Job is one task attempt handed to the pool. The reservation belongs to
// the job from the moment it is accepted.
type Job struct {
	Run         *coordinator.Run
	Task        *domain.Task
	Reservation *resources.Reservation
}

// JobHandler runs accepted jobs. Abandon is called for jobs still queued
// when the pool shuts down.
type JobHandler interface {
	Execute(ctx context.Context, job Job)
	Abandon(job Job)
}

// Pool manages a fixed number of worker goroutines
type Pool struct {
	size    int
	handler JobHandler
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	jobs     chan Job
	inflight atomic.Int64
	onIdle   atomic.Pointer[func()]

	workers []*worker
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// worker represents a single worker goroutine
type worker struct {
	id   string
	pool *Pool

	mu     sync.RWMutex
	status WorkerStatus
	runID  string
	taskID string
	since  time.Time
}

// WorkerStatus represents worker status
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

// NewPool creates a new worker pool
func NewPool(
	size int,
	handler JobHandler,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	healthCheckInterval time.Duration,
) *Pool {
	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		size:    size,
		handler: handler,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan Job, size),
		workers: make([]*worker, size),
		ctx:     ctx,
		cancel:  cancel,
	}

	pool.health = NewHealthMonitor(pool, healthCheckInterval, logger)

	return pool
}

// OnIdle registers a callback invoked every time a worker finishes a job
func (p *Pool) OnIdle(fn func()) {
	p.onIdle.Store(&fn)
}

// Start starts the worker pool
func (p *Pool) Start() error {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:     fmt.Sprintf("worker-%02d", i),
			pool:   p,
			status: WorkerStatusIdle,
			since:  time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(p.ctx)
	}

	p.health.Start()

	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// TryDispatch hands a job to the pool without blocking. It returns false
// when every worker slot is taken; the caller keeps ownership of the job.
func (p *Pool) TryDispatch(job Job) bool {
	if p.ctx.Err() != nil {
		return false
	}
	if p.inflight.Add(1) > int64(p.size) {
		p.inflight.Add(-1)
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.inflight.Add(-1)
		return false
	}
}

// InFlight returns the number of accepted jobs not yet finished
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}

// Size returns the worker ceiling
func (p *Pool) Size() int {
	return p.size
}

// Shutdown stops the workers. Running attempts see their context
// cancelled; queued jobs are abandoned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down worker pool")

	p.health.Stop()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}

	for {
		select {
		case job := <-p.jobs:
			p.inflight.Add(-1)
			p.handler.Abandon(job)
		default:
			p.logger.Info("worker pool shut down complete")
			return nil
		}
	}
}

// Health returns a fresh health sample
func (p *Pool) Health() *HealthStatus {
	return p.health.Sample()
}

// GetStatus returns the status of all workers
func (p *Pool) GetStatus() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus)
	for _, s := range p.workerStates() {
		status[s.ID] = s.Status
	}
	return status
}

func (p *Pool) workerStates() []WorkerState {
	states := make([]WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		states = append(states, WorkerState{
			ID:     w.id,
			Status: w.status,
			RunID:  w.runID,
			TaskID: w.taskID,
			Since:  w.since,
		})
		w.mu.RUnlock()
	}
	return states
}

// run is the main worker loop
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.setStatus(WorkerStatusStopped)
			w.pool.logger.Debug("worker stopped", zap.String("worker_id", w.id))
			return
		case job := <-w.pool.jobs:
			w.handle(ctx, job)
		}
	}
}

func (w *worker) handle(ctx context.Context, job Job) {
	w.mu.Lock()
	w.status = WorkerStatusBusy
	w.runID = job.Run.ID()
	w.taskID = job.Task.ID
	w.since = time.Now()
	w.mu.Unlock()

	defer func() {
		w.setStatus(WorkerStatusIdle)
		w.pool.inflight.Add(-1)
		if fn := w.pool.onIdle.Load(); fn != nil {
			(*fn)()
		}
	}()

	w.pool.logger.Debug("executing task",
		zap.String("worker_id", w.id),
		zap.String("run_id", job.Run.ID()),
		zap.String("task_id", job.Task.ID))

	w.pool.handler.Execute(ctx, job)
}

func (w *worker) setStatus(s WorkerStatus) {
	w.mu.Lock()
	w.status = s
	w.runID, w.taskID = "", ""
	w.since = time.Now()
	w.mu.Unlock()
}

package workers

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"go.uber.org/zap"
)

// stuckAfter is how long a worker may hold one attempt before it is
// reported; no attempt outlives the task timeout ceiling
const stuckAfter = domain.MaxTaskTimeoutSeconds * time.Second

// WorkerState is what one worker is doing
type WorkerState struct {
	ID     string       `json:"id"`
	Status WorkerStatus `json:"status"`
	RunID  string       `json:"run_id,omitempty"`
	TaskID string       `json:"task_id,omitempty"`
	Since  time.Time    `json:"since"`
}

// HealthStatus is one sample of the worker pool. A pool is healthy while
// none of its workers has stopped; a fully busy pool is saturated, not
// unhealthy.
type HealthStatus struct {
	TotalWorkers   int           `json:"total_workers"`
	IdleWorkers    int           `json:"idle_workers"`
	BusyWorkers    int           `json:"busy_workers"`
	StoppedWorkers int           `json:"stopped_workers"`
	InFlight       int           `json:"in_flight"`
	LongestBusy    time.Duration `json:"longest_busy_ns"`
	Healthy        bool          `json:"healthy"`
	Workers        []WorkerState `json:"workers"`
	Timestamp      time.Time     `json:"timestamp"`
}

// HealthMonitor samples the pool on an interval, feeds the worker gauges
// and logs saturation and stuck attempts
type HealthMonitor struct {
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHealthMonitor creates a new health monitor. A non-positive interval
// disables periodic sampling; Sample still works.
func NewHealthMonitor(pool *Pool, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	return &HealthMonitor{
		pool:     pool,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic sampling
func (h *HealthMonitor) Start() {
	if h.interval <= 0 || !h.started.CompareAndSwap(false, true) {
		return
	}
	go h.run()
}

// Stop ends periodic sampling and waits for the loop to exit
func (h *HealthMonitor) Stop() {
	if !h.started.CompareAndSwap(true, false) {
		return
	}
	close(h.stop)
	<-h.done
}

func (h *HealthMonitor) run() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.report(h.Sample())
		}
	}
}

func (h *HealthMonitor) report(status *HealthStatus) {
	h.logger.Debug("worker pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("in_flight", status.InFlight),
		zap.Duration("longest_busy", status.LongestBusy),
		zap.Bool("healthy", status.Healthy))

	if h.pool.metrics != nil {
		h.pool.metrics.RecordWorkerPoolStatus(status.IdleWorkers, status.BusyWorkers, status.StoppedWorkers)
	}

	if status.StoppedWorkers > 0 {
		h.logger.Warn("worker pool has stopped workers",
			zap.Int("stopped", status.StoppedWorkers),
			zap.Int("total", status.TotalWorkers))
	}

	for _, w := range status.Workers {
		if w.Status == WorkerStatusBusy && status.Timestamp.Sub(w.Since) > stuckAfter {
			h.logger.Warn("worker holds one attempt past the timeout ceiling",
				zap.String("worker_id", w.ID),
				zap.String("run_id", w.RunID),
				zap.String("task_id", w.TaskID),
				zap.Time("since", w.Since))
		}
	}
}

// Sample takes a health sample now
func (h *HealthMonitor) Sample() *HealthStatus {
	now := time.Now()
	states := h.pool.workerStates()
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })

	status := &HealthStatus{
		TotalWorkers: len(states),
		InFlight:     h.pool.InFlight(),
		Workers:      states,
		Timestamp:    now,
	}
	for _, w := range states {
		switch w.Status {
		case WorkerStatusIdle:
			status.IdleWorkers++
		case WorkerStatusBusy:
			status.BusyWorkers++
			if d := now.Sub(w.Since); d > status.LongestBusy {
				status.LongestBusy = d
			}
		case WorkerStatusStopped:
			status.StoppedWorkers++
		}
	}
	status.Healthy = status.TotalWorkers > 0 && status.StoppedWorkers == 0
	return status
}

// Package stats keeps in-process engine aggregates for the stats endpoint
// and forwards every sample to the Prometheus collector.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
)

// OperatorStats aggregates finished attempts of one operator
type OperatorStats struct {
	Operator    string        `json:"operator"`
	Attempts    int64         `json:"attempts"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	Retries     int64         `json:"retries"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration_ns"`

	total time.Duration
}

// Snapshot is a point-in-time copy of the engine aggregates
type Snapshot struct {
	RunsSubmitted   int64                      `json:"runs_submitted"`
	RunsByStatus    map[domain.RunStatus]int64 `json:"runs_by_status"`
	ActiveRuns      int                        `json:"active_runs"`
	QueuedRuns      int                        `json:"queued_runs"`
	ResourceDenials int64                      `json:"resource_denials"`
	Resources       domain.ResourceUsage       `json:"resources"`
	Utilization     map[string]float64         `json:"utilization"`
	Workers         WorkerCounts               `json:"workers"`
	Operators       []OperatorStats            `json:"operators"`
}

// WorkerCounts is the last worker pool status seen
type WorkerCounts struct {
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Stopped int `json:"stopped"`
}

// Recorder implements ports.MetricsCollector. It aggregates samples in
// memory and tees them into next, which may be nil.
type Recorder struct {
	next ports.MetricsCollector

	mu              sync.Mutex
	runsSubmitted   int64
	runsByStatus    map[domain.RunStatus]int64
	active, queued  int
	resourceDenials int64
	usage           domain.ResourceUsage
	workers         WorkerCounts
	operators       map[string]*OperatorStats
}

// NewRecorder creates a recorder forwarding to next
func NewRecorder(next ports.MetricsCollector) *Recorder {
	return &Recorder{
		next:         next,
		runsByStatus: make(map[domain.RunStatus]int64),
		operators:    make(map[string]*OperatorStats),
	}
}

func (r *Recorder) RecordRunSubmitted(pipelineID string) {
	r.mu.Lock()
	r.runsSubmitted++
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordRunSubmitted(pipelineID)
	}
}

func (r *Recorder) RecordRunCompleted(pipelineID string, status domain.RunStatus, duration time.Duration) {
	r.mu.Lock()
	r.runsByStatus[status]++
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordRunCompleted(pipelineID, status, duration)
	}
}

// RecordTaskExecuted counts an attempt. Retry outcomes count as attempts
// but neither as success nor failure.
func (r *Recorder) RecordTaskExecuted(operator string, status domain.TaskStatus, duration time.Duration) {
	r.mu.Lock()
	s := r.operatorLocked(operator)
	s.Attempts++
	s.total += duration
	switch status {
	case domain.TaskStatusSuccess:
		s.Succeeded++
	case domain.TaskStatusFailed:
		s.Failed++
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordTaskExecuted(operator, status, duration)
	}
}

func (r *Recorder) RecordTaskRetry(operator string) {
	r.mu.Lock()
	r.operatorLocked(operator).Retries++
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordTaskRetry(operator)
	}
}

func (r *Recorder) RecordResourceDenied() {
	r.mu.Lock()
	r.resourceDenials++
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordResourceDenied()
	}
}

func (r *Recorder) SetRunCounts(active, queued int) {
	r.mu.Lock()
	r.active, r.queued = active, queued
	r.mu.Unlock()

	if r.next != nil {
		r.next.SetRunCounts(active, queued)
	}
}

func (r *Recorder) SetResourceUsage(usage domain.ResourceUsage) {
	r.mu.Lock()
	r.usage = usage
	r.mu.Unlock()

	if r.next != nil {
		r.next.SetResourceUsage(usage)
	}
}

func (r *Recorder) RecordWorkerPoolStatus(idle, busy, stopped int) {
	r.mu.Lock()
	r.workers = WorkerCounts{Idle: idle, Busy: busy, Stopped: stopped}
	r.mu.Unlock()

	if r.next != nil {
		r.next.RecordWorkerPoolStatus(idle, busy, stopped)
	}
}

// Snapshot returns the current aggregates with operators sorted by name
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		RunsSubmitted:   r.runsSubmitted,
		RunsByStatus:    make(map[domain.RunStatus]int64, len(r.runsByStatus)),
		ActiveRuns:      r.active,
		QueuedRuns:      r.queued,
		ResourceDenials: r.resourceDenials,
		Resources:       r.usage,
		Utilization:     r.usage.Utilization(),
		Workers:         r.workers,
		Operators:       make([]OperatorStats, 0, len(r.operators)),
	}
	for status, n := range r.runsByStatus {
		snap.RunsByStatus[status] = n
	}

	for _, s := range r.operators {
		c := *s
		if finished := c.Succeeded + c.Failed; finished > 0 {
			c.SuccessRate = float64(c.Succeeded) / float64(finished)
		}
		if c.Attempts > 0 {
			c.AvgDuration = c.total / time.Duration(c.Attempts)
		}
		snap.Operators = append(snap.Operators, c)
	}
	sort.Slice(snap.Operators, func(i, j int) bool {
		return snap.Operators[i].Operator < snap.Operators[j].Operator
	})

	return snap
}

func (r *Recorder) operatorLocked(name string) *OperatorStats {
	s, ok := r.operators[name]
	if !ok {
		s = &OperatorStats{Operator: name}
		r.operators[name] = s
	}
	return s
}

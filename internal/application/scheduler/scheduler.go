// Package scheduler implements the engine's single control loop. Each
// pass admits pending runs, settles unreachable tasks, evaluates task
// conditions, reserves resources and hands runnable tasks to the worker
// pool, then finalizes runs that are done.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagrun/internal/application/condition"
	"github.com/aescanero/dagrun/internal/application/coordinator"
	"github.com/aescanero/dagrun/internal/application/journal"
	"github.com/aescanero/dagrun/internal/application/resources"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// DefaultPollInterval is used when the configured interval is not positive
const DefaultPollInterval = 500 * time.Millisecond

// Validator re-checks a pipeline snapshot at submission time
type Validator interface {
	Err(p *domain.Pipeline) error
}

// Dispatcher accepts task attempts without blocking
type Dispatcher interface {
	TryDispatch(job workers.Job) bool
	InFlight() int
	Size() int
}

// Scheduler owns the set of live runs
type Scheduler struct {
	pollInterval time.Duration
	validator    Validator
	resources    *resources.Manager
	pool         Dispatcher
	conditions   *condition.Evaluator
	runs         ports.RunStore
	journal      *journal.Journal
	metrics      ports.MetricsCollector
	logger       *zap.Logger

	mu      sync.Mutex
	pending []*coordinator.Run // FIFO, not yet admitted
	active  []*coordinator.Run // admission order
	saved   map[string]uint64  // last persisted revision per run
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	ctx    context.Context
}

// New creates a scheduler
func New(
	pollInterval time.Duration,
	validator Validator,
	res *resources.Manager,
	pool Dispatcher,
	runs ports.RunStore,
	j *journal.Journal,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Scheduler{
		pollInterval: pollInterval,
		validator:    validator,
		resources:    res,
		pool:         pool,
		conditions:   condition.NewEvaluator(),
		runs:         runs,
		journal:      j,
		metrics:      metrics,
		logger:       logger,
		saved:        make(map[string]uint64),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		ctx:          context.Background(),
	}
}

// Start launches the control loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return domain.ErrEngineStopped
	}
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("starting scheduler", zap.Duration("poll_interval", s.pollInterval))
	go s.loop()
	return nil
}

// Stop ends the control loop and persists every live run
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)

	select {
	case <-s.doneCh:
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}

	s.persist(true)
	s.logger.Info("scheduler stopped")
	return nil
}

// Wake requests an immediate pass
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit re-validates the run's pipeline snapshot and queues the run for
// admission. Nothing is queued when validation fails.
func (s *Scheduler) Submit(ctx context.Context, run *coordinator.Run) error {
	p := run.Pipeline()
	if err := s.validator.Err(p); err != nil {
		return err
	}
	for _, id := range sortedIDs(p) {
		t := p.Tasks[id]
		if !s.resources.Fits(t.Resources) {
			return fmt.Errorf("task %s requests cpu=%v memory=%v gpu=%d: %w",
				id, t.Resources.CPU, t.Resources.Memory, t.Resources.GPU, domain.ErrUnsatisfiable)
		}
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return domain.ErrEngineStopped
	}

	rev := run.Revision()
	if err := s.runs.SaveRun(ctx, run.Snapshot()); err != nil {
		return fmt.Errorf("persist run %s: %w", run.ID(), err)
	}

	s.mu.Lock()
	s.pending = append(s.pending, run)
	s.saved[run.ID()] = rev
	s.mu.Unlock()

	s.metrics.RecordRunSubmitted(run.PipelineID())
	s.journal.RunEvent(ctx, domain.EventTypeRunSubmitted, run.ID(), run.PipelineID(), nil)
	s.journal.Log(ctx, run.ID(), "", "info", "run submitted for pipeline %s version %d", p.ID, p.Version)

	s.logger.Info("run submitted",
		zap.String("run_id", run.ID()),
		zap.String("pipeline_id", run.PipelineID()),
		zap.Int("tasks", len(p.Tasks)))

	s.Wake()
	return nil
}

// Cancel cancels a live run. PENDING and QUEUED tasks are CANCELLED
// before it returns. It returns domain.ErrRunNotFound when the run is not
// live and domain.ErrRunTerminal when it already finished or was
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	run, ok := s.Lookup(runID)
	if !ok {
		return domain.ErrRunNotFound
	}
	if status := run.Status(); status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", domain.ErrRunTerminal, runID, status)
	}

	changed := run.Cancel()
	for _, tr := range changed {
		s.journal.TaskEvent(ctx, run.ID(), run.PipelineID(), tr.TaskID, tr.Status, nil)
	}
	s.journal.Log(ctx, run.ID(), "", "warn", "run cancellation requested")
	s.logger.Info("run cancellation requested",
		zap.String("run_id", run.ID()),
		zap.Int("tasks_cancelled", len(changed)))

	s.Wake()
	return nil
}

// Lookup returns a live run
func (s *Scheduler) Lookup(runID string) (*coordinator.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.active {
		if r.ID() == runID {
			return r, true
		}
	}
	for _, r := range s.pending {
		if r.ID() == runID {
			return r, true
		}
	}
	return nil, false
}

// LiveRuns returns the number of live runs of a pipeline, admitted or not
func (s *Scheduler) LiveRuns(pipelineID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.active {
		if r.PipelineID() == pipelineID {
			n++
		}
	}
	for _, r := range s.pending {
		if r.PipelineID() == pipelineID {
			n++
		}
	}
	return n
}

// Counts returns the number of admitted and waiting runs
func (s *Scheduler) Counts() (active, queued int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active), len(s.pending)
}

func (s *Scheduler) loop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		s.pass()

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// pass is one scheduling round. Task-level failures never escape it.
func (s *Scheduler) pass() {
	s.admit()

	s.mu.Lock()
	active := append([]*coordinator.Run(nil), s.active...)
	s.mu.Unlock()

	dispatching := true
	now := time.Now()
	for _, run := range active {
		dispatching = s.schedule(run, now, dispatching)
	}

	s.finalize()
	s.persist(false)

	activeCount, queued := s.Counts()
	s.metrics.SetRunCounts(activeCount, queued)
	s.metrics.SetResourceUsage(s.resources.Usage())
}

// admit moves pending runs into the active set in FIFO order while their
// pipeline has fewer admitted runs than max_concurrent_runs
func (s *Scheduler) admit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	perPipeline := make(map[string]int)
	for _, r := range s.active {
		perPipeline[r.PipelineID()]++
	}

	remaining := s.pending[:0]
	var admitted []*coordinator.Run
	for _, r := range s.pending {
		limit := r.Pipeline().MaxConcurrentRuns
		if limit < 1 {
			limit = 1
		}
		if r.Cancelled() || perPipeline[r.PipelineID()] >= limit {
			remaining = append(remaining, r)
			continue
		}
		if r.Admit() {
			perPipeline[r.PipelineID()]++
			s.active = append(s.active, r)
			admitted = append(admitted, r)
			continue
		}
		remaining = append(remaining, r)
	}
	for i := len(remaining); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = remaining

	for _, r := range admitted {
		s.journal.RunEvent(s.ctx, domain.EventTypeRunStarted, r.ID(), r.PipelineID(), nil)
		s.journal.Log(s.ctx, r.ID(), "", "info", "run started")
		s.logger.Info("run admitted", zap.String("run_id", r.ID()), zap.String("pipeline_id", r.PipelineID()))
	}
}

// schedule settles and dispatches one run. It returns false once the
// worker pool is full so later runs are not dispatched this pass.
func (s *Scheduler) schedule(run *coordinator.Run, now time.Time, dispatching bool) bool {
	for _, tr := range run.Settle() {
		s.journal.TaskEvent(s.ctx, run.ID(), run.PipelineID(), tr.TaskID, tr.Status, nil)
		s.journal.Log(s.ctx, run.ID(), tr.TaskID, "info", "task %s: its trigger rule can no longer be satisfied", tr.Status)
	}

	if !dispatching || run.Cancelled() {
		return dispatching
	}

	var scope *condition.Scope
	for _, t := range run.RunnableTasks(now) {
		if s.pool.InFlight() >= s.pool.Size() {
			return false
		}

		status, _ := run.TaskStatus(t.ID)
		if t.Condition != "" && status == domain.TaskStatusPending {
			if scope == nil {
				scope = &condition.Scope{Params: run.Params(), Outputs: run.Outputs()}
			}
			if !s.checkCondition(run, t, *scope) {
				continue
			}
		}

		reservation, err := s.resources.Reserve(t.Resources)
		if err != nil {
			// stays runnable; retried next pass
			s.metrics.RecordResourceDenied()
			continue
		}

		if err := run.MarkQueued(t.ID); err != nil {
			s.resources.Release(reservation)
			continue
		}

		if !s.pool.TryDispatch(workers.Job{Run: run, Task: t, Reservation: reservation}) {
			s.resources.Release(reservation)
			if err := run.Requeue(t.ID); err != nil {
				s.logger.Warn("failed to requeue task", zap.String("run_id", run.ID()), zap.String("task_id", t.ID), zap.Error(err))
			}
			return false
		}

		s.journal.TaskEvent(s.ctx, run.ID(), run.PipelineID(), t.ID, domain.TaskStatusQueued, nil)
	}
	return true
}

// checkCondition evaluates a task condition and settles the task when it
// must not run. It returns true when the task should be dispatched.
func (s *Scheduler) checkCondition(run *coordinator.Run, t *domain.Task, scope condition.Scope) bool {
	ok, err := s.conditions.Evaluate(t.Condition, scope)
	if err != nil {
		if markErr := run.MarkFailed(t.ID, domain.CodeConditionError, err); markErr == nil {
			s.journal.TaskEvent(s.ctx, run.ID(), run.PipelineID(), t.ID, domain.TaskStatusFailed,
				map[string]any{"error": err.Error(), "code": domain.CodeConditionError})
			s.journal.Log(s.ctx, run.ID(), t.ID, "error", "condition %q failed: %v", t.Condition, err)
		}
		return false
	}
	if !ok {
		if markErr := run.MarkSkipped(t.ID); markErr == nil {
			s.journal.TaskEvent(s.ctx, run.ID(), run.PipelineID(), t.ID, domain.TaskStatusSkipped,
				map[string]any{"condition": t.Condition})
			s.journal.Log(s.ctx, run.ID(), t.ID, "info", "skipped: condition %q is false", t.Condition)
		}
		return false
	}
	return true
}

// finalize archives runs that are done
func (s *Scheduler) finalize() {
	s.mu.Lock()
	var done []*coordinator.Run
	keepActive := s.active[:0]
	for _, r := range s.active {
		if r.Done() {
			done = append(done, r)
		} else {
			keepActive = append(keepActive, r)
		}
	}
	for i := len(keepActive); i < len(s.active); i++ {
		s.active[i] = nil
	}
	s.active = keepActive

	keepPending := s.pending[:0]
	for _, r := range s.pending {
		if r.Done() {
			done = append(done, r)
		} else {
			keepPending = append(keepPending, r)
		}
	}
	for i := len(keepPending); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = keepPending
	s.mu.Unlock()

	for _, r := range done {
		s.archive(r)
	}
}

func (s *Scheduler) archive(run *coordinator.Run) {
	run.Finish()
	snap := run.Snapshot()

	if err := s.runs.SaveRun(s.ctx, snap); err != nil {
		s.logger.Error("failed to archive run", zap.String("run_id", run.ID()), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.saved, run.ID())
	s.mu.Unlock()

	var duration time.Duration
	if snap.StartedAt != nil && snap.EndedAt != nil {
		duration = snap.EndedAt.Sub(*snap.StartedAt)
	}
	s.metrics.RecordRunCompleted(snap.PipelineID, snap.Status, duration)

	data := map[string]any{
		"status":   string(snap.Status),
		"progress": snap.Progress,
	}
	if snap.Error != "" {
		data["error"] = snap.Error
	}
	if len(snap.FailedTasks) > 0 {
		data["failed_tasks"] = snap.FailedTasks
	}
	if len(snap.BlockedTasks) > 0 {
		data["blocked_tasks"] = snap.BlockedTasks
	}
	s.journal.RunEvent(s.ctx, domain.RunEventType(snap.Status), run.ID(), run.PipelineID(), data)
	s.journal.Log(s.ctx, run.ID(), "", "info", "run finished with status %s", snap.Status)

	fields := []zap.Field{
		zap.String("run_id", run.ID()),
		zap.String("pipeline_id", snap.PipelineID),
		zap.String("status", string(snap.Status)),
		zap.Duration("duration", duration),
	}
	if snap.Status == domain.RunStatusFailed {
		s.logger.Warn("run failed", append(fields, zap.String("error", snap.Error), zap.Strings("failed_tasks", snap.FailedTasks))...)
		return
	}
	s.logger.Info("run finished", fields...)
}

// persist saves snapshots of live runs whose state changed since the last
// save; all of them when force is set
func (s *Scheduler) persist(force bool) {
	s.mu.Lock()
	live := append(append([]*coordinator.Run(nil), s.active...), s.pending...)
	s.mu.Unlock()

	for _, r := range live {
		rev := r.Revision()
		s.mu.Lock()
		last, seen := s.saved[r.ID()]
		s.mu.Unlock()
		if seen && last == rev && !force {
			continue
		}
		if err := s.runs.SaveRun(s.ctx, r.Snapshot()); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("failed to persist run", zap.String("run_id", r.ID()), zap.Error(err))
			}
			continue
		}
		s.mu.Lock()
		s.saved[r.ID()] = rev
		s.mu.Unlock()
	}
}

func sortedIDs(p *domain.Pipeline) []string {
	ids := make([]string, 0, len(p.Tasks))
	for id := range p.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Package coordinator owns the mutable state of a single run: one task
// record per task, readiness against trigger rules, status derivation and
// cancellation. Every run has its own lock; nothing here is shared between
// runs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// ErrInvalidTransition is returned when a task is not in the status a
// transition expects, e.g. a result arriving for a task that was cancelled
var ErrInvalidTransition = errors.New("invalid task status transition")

// Outcome is the result of one attempt as reported by the executor
type Outcome struct {
	Status        domain.TaskStatus // success, failed, retry or cancelled
	Output        map[string]any
	Err           error
	Code          string
	NextAttemptAt time.Time
}

// Transition is a task status change produced as a side effect of Settle
// or Cancel, used by callers to publish events
type Transition struct {
	TaskID string
	Status domain.TaskStatus
}

// Run coordinates the task records of one pipeline run
type Run struct {
	mu sync.Mutex

	id          string
	pipeline    *domain.Pipeline
	params      map[string]any
	triggeredBy string
	order       []string
	leaves      []string

	ctx    context.Context
	cancel context.CancelFunc

	createdAt time.Time
	startedAt *time.Time
	endedAt   *time.Time

	admitted  bool
	cancelled bool
	revision  uint64

	records map[string]*domain.TaskRecord
	outputs map[string]map[string]any
}

// New creates a run over a private copy of the pipeline. The pipeline must
// already be valid; every task starts PENDING.
func New(id string, p *domain.Pipeline, params map[string]any, triggeredBy string) *Run {
	snapshot := p.Clone()
	order, _ := snapshot.TopologicalOrder()

	ctx, cancel := context.WithCancel(context.Background())

	r := &Run{
		id:          id,
		pipeline:    snapshot,
		params:      domain.CloneMap(params),
		triggeredBy: triggeredBy,
		order:       order,
		leaves:      snapshot.Leaves(),
		ctx:         ctx,
		cancel:      cancel,
		createdAt:   time.Now(),
		records:     make(map[string]*domain.TaskRecord, len(snapshot.Tasks)),
		outputs:     make(map[string]map[string]any),
	}
	for id, t := range snapshot.Tasks {
		r.records[id] = &domain.TaskRecord{
			TaskID:   id,
			Operator: t.Operator,
			Status:   domain.TaskStatusPending,
		}
	}
	return r
}

// ID returns the run id
func (r *Run) ID() string { return r.id }

// PipelineID returns the id of the pipeline this run executes
func (r *Run) PipelineID() string { return r.pipeline.ID }

// Pipeline returns the immutable pipeline snapshot. Callers must not
// modify it.
func (r *Run) Pipeline() *domain.Pipeline { return r.pipeline }

// Params returns a copy of the run parameters
func (r *Run) Params() map[string]any { return domain.CloneMap(r.params) }

// Context is cancelled when the run is cancelled. Operator invocations
// derive their contexts from it.
func (r *Run) Context() context.Context { return r.ctx }

// Task returns the definition of a task in the snapshot
func (r *Run) Task(id string) (*domain.Task, bool) {
	t, ok := r.pipeline.Tasks[id]
	return t, ok
}

// Admit marks the run as started. It returns false when the run was
// already admitted or has been cancelled.
func (r *Run) Admit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.admitted || r.cancelled {
		return false
	}
	now := time.Now()
	r.admitted = true
	r.startedAt = &now
	r.revision++
	return true
}

// Admitted reports whether the run has been admitted
func (r *Run) Admitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admitted
}

// Cancelled reports whether cancellation was requested
func (r *Run) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Revision increases on every state change
func (r *Run) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// RunnableTasks returns, in topological order, the tasks that may be
// dispatched now: PENDING tasks whose trigger rule passes and RETRY tasks
// whose next attempt time has passed. Nothing is runnable before admission
// or after cancellation.
func (r *Run) RunnableTasks(now time.Time) []*domain.Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admitted || r.cancelled {
		return nil
	}

	var tasks []*domain.Task
	for _, id := range r.order {
		rec := r.records[id]
		t := r.pipeline.Tasks[id]
		switch rec.Status {
		case domain.TaskStatusPending:
			if ready(t.TriggerRule, r.upstreamLocked(t)) {
				tasks = append(tasks, t)
			}
		case domain.TaskStatusRetry:
			if rec.NextAttemptAt == nil || !now.Before(*rec.NextAttemptAt) {
				tasks = append(tasks, t)
			}
		}
	}
	return tasks
}

// Settle finalizes PENDING tasks that can never become ready. A task
// whose upstream tasks are all terminal but whose trigger rule failed is
// BLOCKED when an upstream failed or was blocked, SKIPPED otherwise.
// Walking in topological order lets the effect cascade in a single call.
func (r *Run) Settle() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admitted || r.cancelled {
		return nil
	}

	var changed []Transition
	now := time.Now()
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Status != domain.TaskStatusPending {
			continue
		}
		status, ok := unreachable(r.pipeline.Tasks[id].TriggerRule, r.upstreamLocked(r.pipeline.Tasks[id]))
		if !ok {
			continue
		}
		rec.Status = status
		rec.EndedAt = &now
		if status == domain.TaskStatusBlocked {
			rec.Error = "upstream failure prevents trigger rule " + string(r.pipeline.Tasks[id].TriggerRule)
		}
		changed = append(changed, Transition{TaskID: id, Status: status})
	}
	if len(changed) > 0 {
		r.revision++
	}
	return changed
}

// MarkQueued moves a PENDING or RETRY task to QUEUED
func (r *Run) MarkQueued(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return fmt.Errorf("task %s: run cancelled: %w", id, ErrInvalidTransition)
	}
	rec, err := r.expectLocked(id, domain.TaskStatusPending, domain.TaskStatusRetry)
	if err != nil {
		return err
	}
	rec.Status = domain.TaskStatusQueued
	r.revision++
	return nil
}

// Requeue undoes MarkQueued when a task could not be handed to a worker.
// Tasks that already failed once return to RETRY, others to PENDING.
func (r *Run) Requeue(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusQueued)
	if err != nil {
		return err
	}
	if rec.RetryCount > 0 {
		rec.Status = domain.TaskStatusRetry
	} else {
		rec.Status = domain.TaskStatusPending
	}
	r.revision++
	return nil
}

// Interrupt returns a RUNNING task to the state it was dispatched from,
// used when the engine stops under a live attempt. The attempt does not
// count against the retry policy. On a cancelled run the task is
// cancelled instead.
func (r *Run) Interrupt(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusRunning)
	if err != nil {
		return err
	}
	switch {
	case r.cancelled:
		now := time.Now()
		rec.Status = domain.TaskStatusCancelled
		rec.ErrorCode = domain.CodeCancelled
		rec.EndedAt = &now
	case rec.RetryCount > 0:
		rec.Status = domain.TaskStatusRetry
		rec.StartedAt, rec.EndedAt = nil, nil
	default:
		rec.Status = domain.TaskStatusPending
		rec.StartedAt, rec.EndedAt = nil, nil
	}
	r.revision++
	return nil
}

// MarkRunning moves a QUEUED task to RUNNING and records the start time.
// It fails when the run was cancelled after the task was queued.
func (r *Run) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusQueued)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = domain.TaskStatusRunning
	rec.StartedAt = &now
	rec.EndedAt = nil
	rec.NextAttemptAt = nil
	r.revision++
	return nil
}

// MarkResult records the outcome of a RUNNING task's attempt
func (r *Run) MarkResult(id string, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusRunning)
	if err != nil {
		return err
	}

	status := out.Status
	// a cancelled run never schedules another attempt
	if status == domain.TaskStatusRetry && r.cancelled {
		status = domain.TaskStatusCancelled
	}

	now := time.Now()
	rec.EndedAt = &now
	rec.Status = status

	switch status {
	case domain.TaskStatusSuccess:
		rec.Output = domain.CloneMap(out.Output)
		rec.Error = ""
		rec.ErrorCode = ""
		if rec.Output == nil {
			rec.Output = map[string]any{}
		}
		r.outputs[id] = domain.CloneMap(rec.Output)
	case domain.TaskStatusRetry:
		rec.RetryCount++
		rec.Error = errString(out.Err)
		rec.ErrorCode = out.Code
		next := out.NextAttemptAt
		rec.NextAttemptAt = &next
	case domain.TaskStatusFailed:
		rec.Error = errString(out.Err)
		rec.ErrorCode = out.Code
	case domain.TaskStatusCancelled:
		rec.Error = errString(out.Err)
		rec.ErrorCode = domain.CodeCancelled
	default:
		return fmt.Errorf("task %s: outcome status %s: %w", id, out.Status, ErrInvalidTransition)
	}

	r.revision++
	return nil
}

// MarkSkipped moves a PENDING task to SKIPPED, used when its condition
// evaluates to false
func (r *Run) MarkSkipped(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusPending, domain.TaskStatusRetry)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = domain.TaskStatusSkipped
	rec.EndedAt = &now
	r.revision++
	return nil
}

// MarkFailed fails a task before it ever ran, e.g. when its condition
// cannot be evaluated
func (r *Run) MarkFailed(id, code string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.expectLocked(id, domain.TaskStatusPending, domain.TaskStatusRetry, domain.TaskStatusQueued)
	if err != nil {
		return err
	}
	now := time.Now()
	rec.Status = domain.TaskStatusFailed
	rec.EndedAt = &now
	rec.Error = errString(cause)
	rec.ErrorCode = code
	r.revision++
	return nil
}

// Cancel requests cancellation. PENDING, QUEUED and RETRY tasks move to
// CANCELLED before Cancel returns; RUNNING tasks see their context
// cancelled and are finalized by their executor. Only the first call has
// an effect.
func (r *Run) Cancel() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return nil
	}
	r.cancelled = true
	r.cancel()

	var changed []Transition
	now := time.Now()
	for _, id := range r.order {
		rec := r.records[id]
		switch rec.Status {
		case domain.TaskStatusPending, domain.TaskStatusQueued, domain.TaskStatusRetry:
			rec.Status = domain.TaskStatusCancelled
			rec.ErrorCode = domain.CodeCancelled
			rec.EndedAt = &now
			rec.NextAttemptAt = nil
			changed = append(changed, Transition{TaskID: id, Status: domain.TaskStatusCancelled})
		}
	}
	r.revision++
	return changed
}

// TaskStatus returns the current status of one task
func (r *Run) TaskStatus(id string) (domain.TaskStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// Record returns a copy of one task record
func (r *Run) Record(id string) (*domain.TaskRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Status derives the run status from its task records. A run succeeds
// when every leaf task succeeded or was skipped, even if an inner task
// FAILED and a trigger rule such as one_success routed around it; such
// tasks are still listed in the snapshot's FailedTasks.
func (r *Run) Status() domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

// Progress is the fraction of leaf tasks in a terminal status
func (r *Run) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progressLocked()
}

// Done reports whether no task needs further scheduling or execution.
// A cancelled run is done once its running attempts have been finalized.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.admitted && !r.cancelled {
		return false
	}
	for _, rec := range r.records {
		if rec.Status.IsActive() {
			return false
		}
	}
	return true
}

// Finish stamps the end time once the run is done. It is a no-op on
// later calls.
func (r *Run) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endedAt != nil {
		return
	}
	now := time.Now()
	r.endedAt = &now
	r.revision++
}

// Outputs returns the output map of every succeeded task
func (r *Run) Outputs() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneOutputs(r.outputs)
}

// Snapshot returns a deep copy of the run in its persisted form
func (r *Run) Snapshot() *domain.Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &domain.Run{
		ID:              r.id,
		PipelineID:      r.pipeline.ID,
		PipelineVersion: r.pipeline.Version,
		Pipeline:        r.pipeline.Clone(),
		TriggeredBy:     r.triggeredBy,
		Parameters:      domain.CloneMap(r.params),
		Status:          r.statusLocked(),
		Progress:        r.progressLocked(),
		CreatedAt:       r.createdAt,
		StartedAt:       cloneTime(r.startedAt),
		EndedAt:         cloneTime(r.endedAt),
		Tasks:           make(map[string]*domain.TaskRecord, len(r.records)),
		Outputs:         cloneOutputs(r.outputs),
	}
	for id, rec := range r.records {
		run.Tasks[id] = rec.Clone()
	}

	run.FailedTasks, run.BlockedTasks = r.failuresLocked()
	if run.Status == domain.RunStatusFailed {
		run.Error = r.firstErrorLocked()
	}
	return run
}

func (r *Run) statusLocked() domain.RunStatus {
	if r.cancelled {
		return domain.RunStatusCancelled
	}
	if !r.admitted {
		return domain.RunStatusPending
	}
	for _, rec := range r.records {
		if rec.Status.IsActive() {
			return domain.RunStatusRunning
		}
	}
	for _, id := range r.leaves {
		switch r.records[id].Status {
		case domain.TaskStatusSuccess, domain.TaskStatusSkipped:
		default:
			return domain.RunStatusFailed
		}
	}
	return domain.RunStatusSuccess
}

func (r *Run) progressLocked() float64 {
	if len(r.leaves) == 0 {
		return 0
	}
	done := 0
	for _, id := range r.leaves {
		if r.records[id].Status.IsTerminal() {
			done++
		}
	}
	return float64(done) / float64(len(r.leaves))
}

func (r *Run) failuresLocked() (failed, blocked []string) {
	for _, id := range r.order {
		switch r.records[id].Status {
		case domain.TaskStatusFailed:
			failed = append(failed, id)
		case domain.TaskStatusBlocked:
			blocked = append(blocked, id)
		}
	}
	sort.Strings(failed)
	sort.Strings(blocked)
	return failed, blocked
}

// firstErrorLocked returns the error of the earliest-ending failed task
func (r *Run) firstErrorLocked() string {
	var first *domain.TaskRecord
	for _, id := range r.order {
		rec := r.records[id]
		if rec.Status != domain.TaskStatusFailed {
			continue
		}
		if first == nil || (rec.EndedAt != nil && first.EndedAt != nil && rec.EndedAt.Before(*first.EndedAt)) {
			first = rec
		}
	}
	if first == nil {
		return ""
	}
	return fmt.Sprintf("task %s failed: %s", first.TaskID, first.Error)
}

func (r *Run) upstreamLocked(t *domain.Task) upstreamOutcome {
	statuses := make([]domain.TaskStatus, 0, len(t.Upstream))
	for _, u := range t.Upstream {
		if rec, ok := r.records[u]; ok {
			statuses = append(statuses, rec.Status)
		}
	}
	return outcomeOf(statuses)
}

func (r *Run) expectLocked(id string, allowed ...domain.TaskStatus) (*domain.TaskRecord, error) {
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("task %s not in run %s: %w", id, r.id, ErrInvalidTransition)
	}
	for _, s := range allowed {
		if rec.Status == s {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("task %s is %s: %w", id, rec.Status, ErrInvalidTransition)
}

func cloneOutputs(in map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(in))
	for id, o := range in {
		out[id] = domain.CloneMap(o)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package domain

import "time"

// TaskStatus is the lifecycle state of one task within a run
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
	TaskStatusCancelled TaskStatus = "cancelled"
	// TaskStatusBlocked marks a task whose trigger rule can no longer be
	// satisfied because of upstream failures.
	TaskStatusBlocked TaskStatus = "blocked"
)

// IsTerminal reports whether the task will not change state again
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusSkipped,
		TaskStatusCancelled, TaskStatusBlocked:
		return true
	}
	return false
}

// IsActive reports whether the task still needs scheduling or execution
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusPending, TaskStatusQueued, TaskStatusRunning, TaskStatusRetry:
		return true
	}
	return false
}

// RunStatus is the derived state of a run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskRecord holds the runtime fields of one task inside one run
type TaskRecord struct {
	TaskID        string         `json:"task_id"`
	Operator      string         `json:"operator"`
	Status        TaskStatus     `json:"status"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	RetryCount    int            `json:"retry_count"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
}

// Clone returns a deep copy of the record
func (r *TaskRecord) Clone() *TaskRecord {
	c := *r
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	c.NextAttemptAt = cloneTime(r.NextAttemptAt)
	c.Output = CloneMap(r.Output)
	return &c
}

// Duration returns how long the last attempt ran, zero when unknown
func (r *TaskRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// Run is one execution of a pipeline snapshot
type Run struct {
	ID              string                    `json:"id"`
	PipelineID      string                    `json:"pipeline_id"`
	PipelineVersion int                       `json:"pipeline_version"`
	Pipeline        *Pipeline                 `json:"pipeline,omitempty"`
	TriggeredBy     string                    `json:"triggered_by"`
	Parameters      map[string]any            `json:"parameters,omitempty"`
	Status          RunStatus                 `json:"status"`
	Progress        float64                   `json:"progress"`
	CreatedAt       time.Time                 `json:"created_at"`
	StartedAt       *time.Time                `json:"started_at,omitempty"`
	EndedAt         *time.Time                `json:"ended_at,omitempty"`
	Tasks           map[string]*TaskRecord    `json:"tasks"`
	Outputs         map[string]map[string]any `json:"outputs,omitempty"`
	Error           string                    `json:"error,omitempty"`
	FailedTasks     []string                  `json:"failed_tasks,omitempty"`
	BlockedTasks    []string                  `json:"blocked_tasks,omitempty"`
}

// LogEntry is one line of a run's log stream
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy of the run
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Pipeline = r.Pipeline.Clone()
	c.Parameters = CloneMap(r.Parameters)
	c.StartedAt = cloneTime(r.StartedAt)
	c.EndedAt = cloneTime(r.EndedAt)
	c.FailedTasks = append([]string(nil), r.FailedTasks...)
	c.BlockedTasks = append([]string(nil), r.BlockedTasks...)
	if r.Tasks != nil {
		c.Tasks = make(map[string]*TaskRecord, len(r.Tasks))
		for id, rec := range r.Tasks {
			c.Tasks[id] = rec.Clone()
		}
	}
	if r.Outputs != nil {
		c.Outputs = make(map[string]map[string]any, len(r.Outputs))
		for id, out := range r.Outputs {
			c.Outputs[id] = CloneMap(out)
		}
	}
	return &c
}

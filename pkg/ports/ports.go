// Package ports declares the interfaces the engine depends on. Adapters
// under pkg/adapters implement them.
package ports

import (
	"context"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
)

// EventHandler processes one event delivered by an EventBus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes run and task lifecycle events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// PipelineStore persists pipeline definitions
type PipelineStore interface {
	SavePipeline(ctx context.Context, p *domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*domain.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*domain.Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error
}

// RunStore persists run snapshots
type RunStore interface {
	SaveRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, pipelineID string) ([]*domain.Run, error)
}

// LogStore keeps the per-run log stream
type LogStore interface {
	AppendLog(ctx context.Context, entry domain.LogEntry) error
	// Logs returns the last tail entries of a run, optionally filtered by
	// task. A tail <= 0 returns every entry.
	Logs(ctx context.Context, runID, taskID string, tail int) ([]domain.LogEntry, error)
}

// MetricsCollector records engine metrics
type MetricsCollector interface {
	RecordRunSubmitted(pipelineID string)
	RecordRunCompleted(pipelineID string, status domain.RunStatus, duration time.Duration)
	RecordTaskExecuted(operator string, status domain.TaskStatus, duration time.Duration)
	RecordTaskRetry(operator string)
	RecordResourceDenied()
	SetRunCounts(active, queued int)
	SetResourceUsage(usage domain.ResourceUsage)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// Package journal publishes lifecycle events and appends run log lines.
// Failures are logged and swallowed: losing an event or a log line must
// never change the outcome of a task.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// Journal writes to the event bus and the log store
type Journal struct {
	events ports.EventBus
	logs   ports.LogStore
	logger *zap.Logger
}

// New creates a journal. Either sink may be nil.
func New(events ports.EventBus, logs ports.LogStore, logger *zap.Logger) *Journal {
	return &Journal{events: events, logs: logs, logger: logger}
}

// TaskEvent publishes the event matching a task status on the task topic
func (j *Journal) TaskEvent(ctx context.Context, runID, pipelineID, taskID string, status domain.TaskStatus, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(status)
	j.publish(ctx, domain.TopicTaskEvents, domain.NewEvent(domain.TaskEventType(status), runID, pipelineID, taskID, data))
}

// RunEvent publishes a run lifecycle event on the run topic
func (j *Journal) RunEvent(ctx context.Context, eventType domain.EventType, runID, pipelineID string, data map[string]any) {
	j.publish(ctx, domain.TopicRunEvents, domain.NewEvent(eventType, runID, pipelineID, "", data))
}

// Log appends one line to a run's log stream
func (j *Journal) Log(ctx context.Context, runID, taskID, level, format string, args ...any) {
	if j.logs == nil {
		return
	}
	entry := domain.LogEntry{
		Timestamp: time.Now(),
		RunID:     runID,
		TaskID:    taskID,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	}
	if err := j.logs.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		j.logger.Warn("failed to append run log",
			zap.String("run_id", runID),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

// Logf returns a printf-style function bound to one task of one run
func (j *Journal) Logf(ctx context.Context, runID, taskID string) func(format string, args ...any) {
	return func(format string, args ...any) {
		j.Log(ctx, runID, taskID, "info", format, args...)
	}
}

func (j *Journal) publish(ctx context.Context, topic string, event domain.Event) {
	if j.events == nil {
		return
	}
	if err := j.events.Publish(context.WithoutCancel(ctx), topic, event); err != nil {
		j.logger.Warn("failed to publish event",
			zap.String("topic", topic),
			zap.String("event_type", string(event.Type)),
			zap.String("run_id", event.RunID),
			zap.Error(err))
	}
}

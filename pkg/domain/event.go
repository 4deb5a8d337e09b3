package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event
type EventType string

const (
	EventTypeRunSubmitted EventType = "run.submitted"
	EventTypeRunStarted   EventType = "run.started"
	EventTypeRunSucceeded EventType = "run.succeeded"
	EventTypeRunFailed    EventType = "run.failed"
	EventTypeRunCancelled EventType = "run.cancelled"

	EventTypeTaskQueued    EventType = "task.queued"
	EventTypeTaskStarted   EventType = "task.started"
	EventTypeTaskSucceeded EventType = "task.succeeded"
	EventTypeTaskFailed    EventType = "task.failed"
	EventTypeTaskRetry     EventType = "task.retry"
	EventTypeTaskSkipped   EventType = "task.skipped"
	EventTypeTaskBlocked   EventType = "task.blocked"
	EventTypeTaskCancelled EventType = "task.cancelled"
)

// Event topics
const (
	TopicRunEvents  = "run.events"
	TopicTaskEvents = "task.events"
)

// Event is published on the event bus for every run and task transition
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	RunID      string         `json:"run_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id and the current time
func NewEvent(eventType EventType, runID, pipelineID, taskID string, data map[string]any) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		RunID:      runID,
		PipelineID: pipelineID,
		TaskID:     taskID,
		Timestamp:  time.Now(),
		Data:       data,
	}
}

// TaskEventType maps a task status to the event announcing it
func TaskEventType(status TaskStatus) EventType {
	switch status {
	case TaskStatusQueued:
		return EventTypeTaskQueued
	case TaskStatusRunning:
		return EventTypeTaskStarted
	case TaskStatusSuccess:
		return EventTypeTaskSucceeded
	case TaskStatusFailed:
		return EventTypeTaskFailed
	case TaskStatusRetry:
		return EventTypeTaskRetry
	case TaskStatusSkipped:
		return EventTypeTaskSkipped
	case TaskStatusBlocked:
		return EventTypeTaskBlocked
	default:
		return EventTypeTaskCancelled
	}
}

// RunEventType maps a terminal run status to its event
func RunEventType(status RunStatus) EventType {
	switch status {
	case RunStatusSuccess:
		return EventTypeRunSucceeded
	case RunStatusCancelled:
		return EventTypeRunCancelled
	default:
		return EventTypeRunFailed
	}
}

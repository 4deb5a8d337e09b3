package journal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type published struct {
	topic string
	event domain.Event
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (b *fakeBus) Publish(_ context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.events = append(b.events, published{topic: topic, event: event})
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string, ports.EventHandler) error { return nil }
func (b *fakeBus) Unsubscribe(context.Context, string) error { return nil }
func (b *fakeBus) Close() error { return nil }

type fakeLogs struct {
	entries []domain.LogEntry
	err     error
}

func (l *fakeLogs) AppendLog(_ context.Context, entry domain.LogEntry) error {
	if l.err != nil {
		return l.err
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *fakeLogs) Logs(context.Context, string, string, int) ([]domain.LogEntry, error) {
	return l.entries, nil
}

func TestTaskEvent_TopicAndType(t *testing.T) {
	bus := &fakeBus{}
	j := New(bus, nil, zap.NewNop())

	j.TaskEvent(context.Background(), "r1", "etl", "extract", domain.TaskStatusRetry, map[string]any{"attempt": 2})

	require.Len(t, bus.events, 1)
	got := bus.events[0]
	assert.Equal(t, domain.TopicTaskEvents, got.topic)
	assert.Equal(t, domain.EventTypeTaskRetry, got.event.Type)
	assert.Equal(t, "extract", got.event.TaskID)
	assert.Equal(t, "retry", got.event.Data["status"])
	assert.Equal(t, 2, got.event.Data["attempt"])
}

func TestRunEvent_Topic(t *testing.T) {
	bus := &fakeBus{}
	j := New(bus, nil, zap.NewNop())

	j.RunEvent(context.Background(), domain.EventTypeRunSucceeded, "r1", "etl", nil)

	require.Len(t, bus.events, 1)
	assert.Equal(t, domain.TopicRunEvents, bus.events[0].topic)
	assert.Equal(t, domain.EventTypeRunSucceeded, bus.events[0].event.Type)
	assert.Empty(t, bus.events[0].event.TaskID)
}

func TestLogf_BindsRunAndTask(t *testing.T) {
	logs := &fakeLogs{}
	j := New(nil, logs, zap.NewNop())

	logf := j.Logf(context.Background(), "r1", "load")
	logf("wrote %d rows", 42)

	require.Len(t, logs.entries, 1)
	e := logs.entries[0]
	assert.Equal(t, "r1", e.RunID)
	assert.Equal(t, "load", e.TaskID)
	assert.Equal(t, "info", e.Level)
	assert.Equal(t, "wrote 42 rows", e.Message)
	assert.False(t, e.Timestamp.IsZero())
}

func TestSinkFailuresAreSwallowed(t *testing.T) {
	bus := &fakeBus{err: errors.New("bus down")}
	logs := &fakeLogs{err: errors.New("store down")}
	j := New(bus, logs, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() {
		j.RunEvent(ctx, domain.EventTypeRunFailed, "r1", "etl", nil)
		j.Log(ctx, "r1", "", "error", "boom")
	})
}

func TestNilSinks(t *testing.T) {
	j := New(nil, nil, zap.NewNop())
	assert.NotPanics(t, func() {
		j.TaskEvent(context.Background(), "r1", "etl", "a", domain.TaskStatusSuccess, nil)
		j.Log(context.Background(), "r1", "a", "info", "ok")
	})
}

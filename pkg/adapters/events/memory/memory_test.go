package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *collector) handle(_ context.Context, e domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) types() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func TestPublish_FansOutInOrder(t *testing.T) {
	bus := NewEventBus(0, zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	var a, b collector
	require.NoError(t, bus.Subscribe(ctx, domain.TopicTaskEvents, a.handle))
	require.NoError(t, bus.Subscribe(ctx, domain.TopicTaskEvents, b.handle))

	sequence := []domain.EventType{
		domain.EventTypeTaskQueued,
		domain.EventTypeTaskStarted,
		domain.EventTypeTaskSucceeded,
	}
	for _, typ := range sequence {
		require.NoError(t, bus.Publish(ctx, domain.TopicTaskEvents, domain.NewEvent(typ, "r1", "p1", "a", nil)))
	}

	require.Eventually(t, func() bool { return a.len() == 3 && b.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, sequence, a.types())
	assert.Equal(t, sequence, b.types())
}

func TestPublish_OtherTopicNotDelivered(t *testing.T) {
	bus := NewEventBus(0, zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, bus.Subscribe(ctx, domain.TopicRunEvents, c.handle))
	require.NoError(t, bus.Publish(ctx, domain.TopicTaskEvents, domain.NewEvent(domain.EventTypeTaskQueued, "r1", "p1", "a", nil)))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestSubscribe_ContextCancelRemovesOnlyThatSubscriber(t *testing.T) {
	bus := NewEventBus(0, zap.NewNop())
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var gone, kept collector
	require.NoError(t, bus.Subscribe(ctx, domain.TopicRunEvents, gone.handle))
	require.NoError(t, bus.Subscribe(context.Background(), domain.TopicRunEvents, kept.handle))
	assert.Equal(t, 2, bus.Subscribers(domain.TopicRunEvents))

	cancel()
	require.Eventually(t, func() bool { return bus.Subscribers(domain.TopicRunEvents) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), domain.TopicRunEvents, domain.NewEvent(domain.EventTypeRunStarted, "r1", "p1", "", nil)))
	require.Eventually(t, func() bool { return kept.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, gone.len())
}

func TestUnsubscribe_RemovesTopic(t *testing.T) {
	bus := NewEventBus(0, zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	var c collector
	require.NoError(t, bus.Subscribe(ctx, domain.TopicRunEvents, c.handle))
	require.NoError(t, bus.Unsubscribe(ctx, domain.TopicRunEvents))
	assert.Zero(t, bus.Subscribers(domain.TopicRunEvents))

	require.NoError(t, bus.Publish(ctx, domain.TopicRunEvents, domain.NewEvent(domain.EventTypeRunStarted, "r1", "p1", "", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, c.len())
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewEventBus(1, zap.NewNop())
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, bus.Subscribe(ctx, domain.TopicTaskEvents, func(context.Context, domain.Event) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish(ctx, domain.TopicTaskEvents, domain.NewEvent(domain.EventTypeTaskQueued, "r1", "p1", "a", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestClose_RejectsPublish(t *testing.T) {
	bus := NewEventBus(0, zap.NewNop())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), domain.TopicRunEvents, domain.NewEvent(domain.EventTypeRunStarted, "r1", "p1", "", nil))
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
	assert.ErrorIs(t, bus.Subscribe(context.Background(), domain.TopicRunEvents, func(context.Context, domain.Event) error { return nil }), domain.ErrEngineStopped)
}

package memory

import (
	"context"
	"sync"

	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"go.uber.org/zap"
)

// DefaultBufferSize is the per-subscriber queue length
const DefaultBufferSize = 256

// EventBus delivers events to in-process subscribers. Every subscriber
// has its own queue and delivery goroutine, so events reach one handler
// in publish order and a slow handler never blocks the publisher. Events
// are dropped for a subscriber whose queue is full.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*subscription
	nextID      uint64
	bufferSize  int
	closed      bool
	logger      *zap.Logger
}

type subscription struct {
	id      uint64
	topic   string
	handler ports.EventHandler
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// NewEventBus creates an in-memory event bus
func NewEventBus(bufferSize int, logger *zap.Logger) *EventBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &EventBus{
		subscribers: make(map[string]map[uint64]*subscription),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Publish queues an event for every subscriber of a topic
func (e *EventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return domain.ErrEngineStopped
	}

	for _, sub := range e.subscribers[topic] {
		select {
		case sub.queue <- event:
		default:
			e.logger.Warn("subscriber queue full, dropping event",
				zap.String("topic", topic),
				zap.Uint64("subscription", sub.id),
				zap.String("event_id", event.ID),
				zap.String("type", string(event.Type)))
		}
	}
	return nil
}

// Subscribe registers handler for a topic until ctx is done or the topic
// is unsubscribed
func (e *EventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.ErrEngineStopped
	}
	e.nextID++
	sub := &subscription{
		id:      e.nextID,
		topic:   topic,
		handler: handler,
		queue:   make(chan domain.Event, e.bufferSize),
		done:    make(chan struct{}),
	}
	if e.subscribers[topic] == nil {
		e.subscribers[topic] = make(map[uint64]*subscription)
	}
	e.subscribers[topic][sub.id] = sub
	e.mu.Unlock()

	go e.deliver(ctx, sub)
	return nil
}

func (e *EventBus) deliver(ctx context.Context, sub *subscription) {
	defer e.remove(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.queue:
			if err := sub.handler(ctx, event); err != nil {
				e.logger.Debug("event handler error",
					zap.String("topic", sub.topic),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}
	}
}

// Unsubscribe removes every subscription of a topic
func (e *EventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, sub := range e.subscribers[topic] {
		sub.stop()
	}
	delete(e.subscribers, topic)
	return nil
}

// Close stops every subscription; later publishes fail
func (e *EventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = true
	for _, subs := range e.subscribers {
		for _, sub := range subs {
			sub.stop()
		}
	}
	e.subscribers = make(map[string]map[uint64]*subscription)
	return nil
}

// Subscribers returns the number of live subscriptions on a topic
func (e *EventBus) Subscribers(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers[topic])
}

func (e *EventBus) remove(sub *subscription) {
	sub.stop()

	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subscribers[sub.topic]
	if subs[sub.id] != sub {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(e.subscribers, sub.topic)
	}
}

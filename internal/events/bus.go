package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives published events for a topic.
type Handler func(Event)

type subscriber struct {
	id uuid.UUID
	fn Handler
}

// Bus is a synchronous publish/subscribe fan-out keyed by topic.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Topic][]subscriber
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[Topic][]subscriber),
	}
}

// Subscribe registers a handler for a topic and returns its
// unsubscribe handle. Handlers run synchronously on the publishing
// goroutine, in subscription order.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	id := uuid.New()

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, fn: fn})
	b.mu.Unlock()

	return func() { b.remove(topic, id) }
}

// Publish delivers an event to every current subscriber of its topic.
// A panicking subscriber is logged and delivery continues.
func (b *Bus) Publish(evt Event) {
	topic := evt.EventTopic()

	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, evt)
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) invoke(s subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"topic", evt.EventTopic(),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.fn(evt)
}

func (b *Bus) remove(topic Topic, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

package events

import (
	"sync"

	"github.com/google/uuid"
)

// Handler receives published events. Handlers are invoked synchronously
// in subscription order; a handler needing long work should hand it to
// its own goroutine.
type Handler func(topic string, payload any)

// Logger is the minimal logging interface used by this package.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Bus is an in-process publish/subscribe event bus.
//
// Publication is isolated per subscriber: a panicking handler is
// recovered and logged, and the remaining handlers still run. Safe for
// concurrent use.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]*Subscription
	logger Logger
}

// Subscription is a handle to one registered handler. Cancel is
// idempotent and safe to call from any goroutine.
type Subscription struct {
	id      string
	topic   string
	handler Handler

	bus  *Bus
	once sync.Once
}

// Topic returns the topic the subscription is registered on.
func (s *Subscription) Topic() string { return s.topic }

// Cancel removes the subscription from the bus. Events published after
// Cancel returns are not delivered to the handler.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		topics: make(map[string][]*Subscription),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger used for handler panics.
func (b *Bus) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	b.mu.Lock()
	b.logger = logger
	b.mu.Unlock()
}

// Subscribe registers a handler for a topic and returns its handle.
// Each call creates a new subscription, so subscribing the same handler
// twice delivers every event twice; use the returned handle, not the
// handler, as the identity to cancel with.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	sub := &Subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: handler,
		bus:     b,
	}
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers payload to every subscriber of topic, in subscription
// order. Delivery to one subscriber is independent of the others.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := make([]*Subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	logger := b.logger
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, topic, payload, logger)
	}
}

func (b *Bus) deliver(sub *Subscription, topic string, payload any, logger Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"topic", topic,
				"subscription_id", sub.id,
				"panic", r)
		}
	}()
	sub.handler(topic, payload)
}

// SubscriberCount returns the number of active subscriptions on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.topics[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			b.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[sub.topic]) == 0 {
		delete(b.topics, sub.topic)
	}
}

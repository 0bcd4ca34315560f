package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives events synchronously on the publisher's goroutine.
type Handler func(Event)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(topic string, event Event)
}

type subscription struct {
	id      uint64
	handler Handler
}

// EventBus is a topic-based pub-sub bus. Handlers run synchronously in
// subscription order; a panicking handler is logged and skipped without
// affecting the others. Stream channels receive events non-blocking.
type EventBus struct {
	mu      sync.RWMutex
	nextID  uint64
	subs    map[string][]subscription // topic -> handlers
	allSubs []subscription            // handlers subscribed to all topics
	streams []chan Event
	closed  bool
	logger  *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[string][]subscription),
		logger: slog.Default(),
	}
}

// SetLogger replaces the logger used to report handler panics.
func (b *EventBus) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l
}

// Subscribe registers h for a topic and returns a function that removes it.
func (b *EventBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs[topic] = removeSub(b.subs[topic], id)
	}
}

// SubscribeAll registers h for every topic and returns a function that removes it.
func (b *EventBus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.allSubs = append(b.allSubs, subscription{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = removeSub(b.allSubs, id)
	}
}

// Stream returns a channel receiving every event. If the channel is full the
// event is dropped for that stream. bufSize defaults to 256 if <= 0.
func (b *EventBus) Stream(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.streams = append(b.streams, ch)
	return ch
}

func removeSub(list []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(list))
	for _, s := range list {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers event to the topic's handlers, then to all-topic handlers,
// then to streams. Handlers may subscribe or unsubscribe while being called.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]subscription, 0, len(b.subs[topic])+len(b.allSubs))
	handlers = append(handlers, b.subs[topic]...)
	handlers = append(handlers, b.allSubs...)
	logger := b.logger
	b.mu.RUnlock()

	for _, s := range handlers {
		b.deliver(logger, topic, s.handler, event)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.streams {
		select {
		case ch <- event:
		default:
			// Channel full, drop event (non-blocking)
		}
	}
}

func (b *EventBus) deliver(logger *slog.Logger, topic string, h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked",
				"topic", topic,
				"event", event.EventType(),
				"panic", fmt.Sprint(r))
		}
	}()
	h(event)
}

// Close closes all streams and drops all handlers.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.subs = make(map[string][]subscription)
	b.allSubs = nil

	for _, ch := range b.streams {
		close(ch)
	}
	b.streams = nil
}

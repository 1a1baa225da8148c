// Package eventbus provides the in-process implementation of the domain
// event bus, the infrastructure adapter for domain.EventBus.
package eventbus

import (
	"sync"

	"github.com/botloom/loom/pkg/domain"
)

// InProcessEventBus dispatches events to registered handlers
// synchronously on Publish. It can be swapped for an async or
// distributed implementation behind the same domain.EventBus interface.
type InProcessEventBus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex
	closed      bool
}

// New creates a new in-process event bus.
func New() *InProcessEventBus {
	return &InProcessEventBus{
		handlers: make(map[domain.EventType][]domain.EventHandler),
	}
}

// Publish dispatches an event to all matching handlers. Handlers for
// the specific event type run first, then global handlers.
func (b *InProcessEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, handler := range b.handlers[event.EventType()] {
		handler(event)
	}
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InProcessEventBus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events are dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// PublishAll dispatches multiple events, e.g. a PullEvents batch.
func (b *InProcessEventBus) PublishAll(events []domain.Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

// HandlerCount returns the number of registered handlers, for diagnostics.
func (b *InProcessEventBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allHandlers)
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return count
}

var _ domain.EventBus = (*InProcessEventBus)(nil)

// Package bus provides the buffered queues connecting platform
// adapters, the dispatcher, and observers. Inbound canonical messages
// flow from adapters to the controller; outbound messages and system
// events fan out to named subscriber taps (the live event stream,
// tests, diagnostics).
package bus

import (
	"context"
	"sync"

	"github.com/botloom/loom/pkg/domain"
)

// SystemEvent is a loosely typed event for observability taps: adapter
// lifecycle, drops, dispatch outcomes.
type SystemEvent struct {
	Type   string      `json:"type"`
	Source string      `json:"source"`
	Data   interface{} `json:"data"`
}

// Subscriber is a named tap on a message stream. Multiple subscribers
// can independently consume the same published messages (fan-out).
type Subscriber struct {
	Name string
	ch   chan interface{}
}

// MessageBus carries canonical traffic between the transport edge and
// the dispatcher.
type MessageBus struct {
	inbound   chan *domain.Message
	outbound  chan *domain.Outbound
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	inboundSubs  []*Subscriber
	outboundSubs []*Subscriber
	systemSubs   []*Subscriber
}

// New creates a message bus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *domain.Message, 100),
		outbound: make(chan *domain.Outbound, 100),
	}
}

// --- Fan-out subscriptions ---

// SubscribeInboundTap creates a named subscriber that receives copies
// of all inbound messages. The returned channel is buffered; slow
// consumers drop.
func (mb *MessageBus) SubscribeInboundTap(name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	mb.inboundSubs = append(mb.inboundSubs, sub)
	return sub.ch
}

// SubscribeOutboundTap creates a named subscriber for outbound messages.
func (mb *MessageBus) SubscribeOutboundTap(name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	mb.outboundSubs = append(mb.outboundSubs, sub)
	return sub.ch
}

// SubscribeSystem creates a named subscriber for system events.
func (mb *MessageBus) SubscribeSystem(name string) <-chan interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	sub := &Subscriber{Name: name, ch: make(chan interface{}, 64)}
	mb.systemSubs = append(mb.systemSubs, sub)
	return sub.ch
}

// PublishSystem publishes a system event to all system subscribers.
func (mb *MessageBus) PublishSystem(event SystemEvent) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	for _, sub := range mb.systemSubs {
		select {
		case sub.ch <- event:
		default: // drop if slow
		}
	}
}

func (mb *MessageBus) fanOutInbound(msg *domain.Message) {
	for _, sub := range mb.inboundSubs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

func (mb *MessageBus) fanOutOutbound(out *domain.Outbound) {
	for _, sub := range mb.outboundSubs {
		select {
		case sub.ch <- out:
		default:
		}
	}
}

// --- Primary publish/consume ---

// PublishInbound queues a canonical message for dispatch. When the
// queue is full the oldest entry is dropped to keep the edge live. The
// enqueue happens under the read lock so it cannot race Close, which
// closes the queue under the write lock.
func (mb *MessageBus) PublishInbound(msg *domain.Message) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	mb.fanOutInbound(msg)

	select {
	case mb.inbound <- msg:
	default:
		select {
		case <-mb.inbound:
		default:
		}
		select {
		case mb.inbound <- msg:
		default:
		}
	}
}

// ConsumeInbound blocks for the next inbound message or context cancel.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (*domain.Message, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, msg != nil
	case <-ctx.Done():
		return nil, false
	}
}

// PublishOutbound records a delivered outbound message for observers.
func (mb *MessageBus) PublishOutbound(out *domain.Outbound) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return
	}
	mb.fanOutOutbound(out)

	select {
	case mb.outbound <- out:
	default:
		select {
		case <-mb.outbound:
		default:
		}
		select {
		case mb.outbound <- out:
		default:
		}
	}
}

// ConsumeOutbound blocks for the next outbound record or context cancel.
func (mb *MessageBus) ConsumeOutbound(ctx context.Context) (*domain.Outbound, bool) {
	select {
	case out := <-mb.outbound:
		return out, out != nil
	case <-ctx.Done():
		return nil, false
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		defer mb.mu.Unlock()
		mb.closed = true
		for _, sub := range mb.inboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.outboundSubs {
			close(sub.ch)
		}
		for _, sub := range mb.systemSubs {
			close(sub.ch)
		}
		close(mb.inbound)
		close(mb.outbound)
	})
}

// Event bridge: forwards bus traffic and domain events to WebSocket
// clients through fan-out taps, without stealing from the dispatch
// loop's primary queues.
package api

import (
	"context"

	"github.com/botloom/loom/pkg/bus"
	"github.com/botloom/loom/pkg/domain"
	"github.com/botloom/loom/pkg/logger"
)

// EventBridge connects the message bus and the domain event bus to the
// WebSocket hub.
type EventBridge struct {
	bus    *bus.MessageBus
	events domain.EventBus
	hub    *WSHub
}

// NewEventBridge creates a bridge.
func NewEventBridge(mb *bus.MessageBus, events domain.EventBus, hub *WSHub) *EventBridge {
	return &EventBridge{bus: mb, events: events, hub: hub}
}

// Run starts the forwarding loops. Call in a goroutine; tap readers
// exit when the context is canceled or the bus closes.
func (eb *EventBridge) Run(ctx context.Context) {
	logger.InfoC("events", "Event bridge started")

	inboundTap := eb.bus.SubscribeInboundTap("event-bridge")
	outboundTap := eb.bus.SubscribeOutboundTap("event-bridge")
	systemTap := eb.bus.SubscribeSystem("event-bridge")

	go eb.forwardInbound(ctx, inboundTap)
	go eb.forwardOutbound(ctx, outboundTap)
	go eb.forwardSystem(ctx, systemTap)

	if eb.events != nil {
		eb.events.SubscribeAll(func(ev domain.Event) {
			eb.hub.Broadcast(string(ev.EventType()), map[string]interface{}{
				"aggregate_id": ev.AggregateID(),
				"payload":      ev.Payload(),
			})
		})
	}
}

func (eb *EventBridge) forwardInbound(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if msg, ok := raw.(*domain.Message); ok {
				eb.hub.Broadcast("message.inbound", map[string]interface{}{
					"platform": msg.Reference.Platform,
					"type":     msg.Type,
					"user":     msg.User,
					"channel":  msg.Channel,
					"text":     truncate(msg.Text, 200),
				})
			}
		}
	}
}

func (eb *EventBridge) forwardOutbound(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if out, ok := raw.(*domain.Outbound); ok {
				eb.hub.Broadcast("message.outbound", map[string]interface{}{
					"platform": out.Platform,
					"channel":  out.Channel,
					"text":     truncate(out.Text, 200),
				})
			}
		}
	}
}

func (eb *EventBridge) forwardSystem(ctx context.Context, tap <-chan interface{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-tap:
			if !ok {
				return
			}
			if evt, ok := raw.(bus.SystemEvent); ok {
				eb.hub.Broadcast(evt.Type, evt.Data)
			}
		}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

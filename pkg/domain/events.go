package domain

import "time"

// ---------------------------------------------------------------------------
// Domain event system
// ---------------------------------------------------------------------------

// EventType classifies domain events for routing and filtering.
type EventType string

// Bounded context prefixes ensure global uniqueness of event names.
const (
	// Message flow events
	EventMessageReceived EventType = "message.received"
	EventMessageDropped  EventType = "message.dropped"
	EventMessageSent     EventType = "message.sent"

	// Conversation lifecycle events
	EventConversationStarted EventType = "conversation.started"
	EventConversationEnded   EventType = "conversation.ended"

	// Platform adapter events
	EventAdapterConnected    EventType = "adapter.connected"
	EventAdapterDisconnected EventType = "adapter.disconnected"
	EventAdapterError        EventType = "adapter.error"

	// System-level events
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"
)

// Event is the interface all domain events implement.
type Event interface {
	// EventType returns the classified event type.
	EventType() EventType
	// OccurredAt returns when the event happened.
	OccurredAt() time.Time
	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() EntityID
	// Payload returns the event-specific data.
	Payload() interface{}
}

// BaseEvent provides a reusable implementation of the Event interface.
type BaseEvent struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	AggID     EntityID    `json:"aggregate_id"`
	EventData interface{} `json:"data,omitempty"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() EntityID { return e.AggID }
func (e BaseEvent) Payload() interface{}  { return e.EventData }

// NewEvent creates a new domain event.
func NewEvent(eventType EventType, aggregateID EntityID, data interface{}) BaseEvent {
	return BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		AggID:     aggregateID,
		EventData: data,
	}
}

// ---------------------------------------------------------------------------
// Event bus — decoupled cross-context communication
// ---------------------------------------------------------------------------

// EventHandler processes a domain event. Handlers should be idempotent.
type EventHandler func(Event)

// EventBus dispatches domain events to registered handlers.
type EventBus interface {
	// Publish dispatches an event to all registered handlers.
	Publish(event Event)
	// Subscribe registers a handler for a specific event type.
	Subscribe(eventType EventType, handler EventHandler)
	// SubscribeAll registers a handler that receives every event.
	SubscribeAll(handler EventHandler)
	// Close shuts down the event bus.
	Close()
}

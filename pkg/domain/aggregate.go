package domain

// ---------------------------------------------------------------------------
// Aggregate root base
// ---------------------------------------------------------------------------

// AggregateRoot is the base for all aggregate roots. It records domain
// events that occurred during a unit of work, to be dispatched after the
// mutation completes.
type AggregateRoot struct {
	id     EntityID
	events []Event
}

// ID returns the aggregate's identity.
func (a *AggregateRoot) ID() EntityID { return a.id }

// SetID sets the aggregate's identity (used during reconstitution).
func (a *AggregateRoot) SetID(id EntityID) { a.id = id }

// RecordEvent appends a domain event to be dispatched later.
func (a *AggregateRoot) RecordEvent(e Event) {
	a.events = append(a.events, e)
}

// PullEvents returns and clears all pending domain events.
func (a *AggregateRoot) PullEvents() []Event {
	events := a.events
	a.events = nil
	return events
}

// HasPendingEvents returns true if there are undispatched events.
func (a *AggregateRoot) HasPendingEvents() bool {
	return len(a.events) > 0
}

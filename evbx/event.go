package evbx

import (
	"time"

	"github.com/google/uuid"
)

// DomainEvent is something that happened in the domain and must be delivered
// reliably to the interested consumers. Implementations are expected to be
// value types (structs with value receivers) embedding BaseEvent, so that the
// zero value of the type can report its EventType.
type DomainEvent interface {
	EventID() uuid.UUID         // unique event identifier
	EventOccurredAt() time.Time // when the event happened (UTC)
	EventType() string          // stable discriminator (e.g. "UserCreated")
}

// BaseEvent carries the identity and timestamp shared by every domain event.
type BaseEvent struct {
	ID         uuid.UUID `json:"id"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewBaseEvent returns a BaseEvent with a fresh identifier that occurred now.
func NewBaseEvent() BaseEvent {
	return BaseEvent{
		ID:         uuid.New(),
		OccurredAt: time.Now().UTC(),
	}
}

func (e BaseEvent) EventID() uuid.UUID {
	return e.ID
}

func (e BaseEvent) EventOccurredAt() time.Time {
	return e.OccurredAt
}

// EventEmitter is implemented by business entities that accumulate domain
// events during a unit of work.
type EventEmitter interface {
	// Events returns the pending events in the order they were raised.
	Events() []DomainEvent

	// ClearEvents discards the pending events.
	ClearEvents()
}

// EventRecorder is an embeddable EventEmitter implementation.
type EventRecorder struct {
	events []DomainEvent
}

var _ EventEmitter = (*EventRecorder)(nil)

// Raise appends an event to the pending sequence.
func (r *EventRecorder) Raise(e DomainEvent) {
	r.events = append(r.events, e)
}

// Events returns a copy of the pending events.
func (r *EventRecorder) Events() []DomainEvent {
	if len(r.events) == 0 {
		return nil
	}
	events := make([]DomainEvent, len(r.events))
	copy(events, r.events)
	return events
}

func (r *EventRecorder) ClearEvents() {
	r.events = nil
}

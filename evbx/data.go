package evbx

import (
	"time"

	"github.com/google/uuid"
)

// Tables used by the repositories.
const (
	OutboxTable     = "outbox_messages"
	ConsumerTable   = "outbox_consumers"
	DeadLetterTable = "dead_letter_messages"
	LockTable       = "outbox_lock"
)

// TableName qualifies a table with schema when one is given.
func TableName(schema, table string) string {
	if schema == "" {
		return table
	}
	return schema + "." + table
}

// OutboxMessage is the durable form of a domain event waiting to be delivered.
type OutboxMessage struct {
	ID           uuid.UUID  // same as the source event identifier
	EventType    string     // event discriminator
	Content      string     // serialized event (see Codec)
	OccurredAt   time.Time  // when the source event happened
	ProcessedAt  *time.Time // nil while the message is pending
	IsProcessing bool       // claim flag set by the dispatch job
	ClaimedAt    *time.Time // when the current claim was taken
}

// NewOutboxMessage builds a pending outbox message for a serialized event.
func NewOutboxMessage(e DomainEvent, content string) *OutboxMessage {
	return &OutboxMessage{
		ID:         e.EventID(),
		EventType:  e.EventType(),
		Content:    content,
		OccurredAt: e.EventOccurredAt(),
	}
}

// IsPending reports whether the message still has to be delivered.
func (m *OutboxMessage) IsPending() bool {
	return m.ProcessedAt == nil
}

// ConsumerRecord marks that a consumer has successfully applied an event. There
// is at most one record per (EventID, Consumer) pair.
type ConsumerRecord struct {
	EventID  uuid.UUID
	Consumer string
}

// DeadLetterMessage is an outbox message that could not be delivered and is
// retained for manual inspection.
type DeadLetterMessage struct {
	ID          uuid.UUID // same as the original outbox message identifier
	EventType   string
	Content     string
	OccurredAt  time.Time
	Error       string // description of the last failure
	RetryCount  int    // 0 for payloads that could not be decoded
	LastErrorAt time.Time
}

// NewDeadLetterMessage builds the dead letter that replaces an outbox message.
// retries is the number of publish retries spent on it: 0 means the message was
// never retried (its payload could not be decoded), MaxRetryAttempts means the
// retries were exhausted.
func NewDeadLetterMessage(m *OutboxMessage, cause error, retries int, at time.Time) *DeadLetterMessage {
	var description string
	if cause != nil {
		description = cause.Error()
	}
	return &DeadLetterMessage{
		ID:          m.ID,
		EventType:   m.EventType,
		Content:     m.Content,
		OccurredAt:  m.OccurredAt,
		Error:       description,
		RetryCount:  retries,
		LastErrorAt: at,
	}
}

package sql

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    uuid.NullUUID
	lockedAt    sql.NullTime
	lockedUntil sql.NullTime
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy.UUID,
		o.lockedAt.Time,
		o.lockedUntil.Time,
		o.version)
}

// outboxRow mirrors a row of the outbox table. Nullable columns use the
// database/sql null types.
type outboxRow struct {
	id           uuid.UUID
	eventType    string
	content      string
	occurredAt   time.Time
	processedAt  sql.NullTime
	isProcessing bool
	claimedAt    sql.NullTime
}

func (o *outboxRow) dest() []any {
	return []any{&o.id, &o.eventType, &o.content, &o.occurredAt, &o.processedAt, &o.isProcessing, &o.claimedAt}
}

func (o *outboxRow) toOutboxMessage() *evbx.OutboxMessage {
	return &evbx.OutboxMessage{
		ID:           o.id,
		EventType:    o.eventType,
		Content:      o.content,
		OccurredAt:   o.occurredAt.UTC(),
		ProcessedAt:  timePtr(o.processedAt),
		IsProcessing: o.isProcessing,
		ClaimedAt:    timePtr(o.claimedAt),
	}
}

// nullTime converts an optional time to UTC so that text-based stores compare
// timestamps consistently.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

package gorm

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

type outboxMessage struct {
	ID           uuid.UUID    `gorm:"column:id;type:uuid;primaryKey"`
	EventType    string       `gorm:"column:event_type"`
	Content      string       `gorm:"column:content"`
	OccurredAt   time.Time    `gorm:"column:occurred_at"`
	ProcessedAt  sql.NullTime `gorm:"column:processed_at"`
	IsProcessing bool         `gorm:"column:is_processing"`
	ClaimedAt    sql.NullTime `gorm:"column:claimed_at"`
}

func fromOutboxMessage(m *evbx.OutboxMessage) *outboxMessage {
	return &outboxMessage{
		ID:           m.ID,
		EventType:    m.EventType,
		Content:      m.Content,
		OccurredAt:   m.OccurredAt,
		ProcessedAt:  nullTime(m.ProcessedAt),
		IsProcessing: m.IsProcessing,
		ClaimedAt:    nullTime(m.ClaimedAt),
	}
}

func (o *outboxMessage) toOutboxMessage() *evbx.OutboxMessage {
	return &evbx.OutboxMessage{
		ID:           o.ID,
		EventType:    o.EventType,
		Content:      o.Content,
		OccurredAt:   o.OccurredAt.UTC(),
		ProcessedAt:  timePtr(o.ProcessedAt),
		IsProcessing: o.IsProcessing,
		ClaimedAt:    timePtr(o.ClaimedAt),
	}
}

type consumerRecord struct {
	EventID  uuid.UUID `gorm:"column:event_id;type:uuid;primaryKey"`
	Consumer string    `gorm:"column:consumer;primaryKey"`
}

type deadLetterMessage struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	EventType   string    `gorm:"column:event_type"`
	Content     string    `gorm:"column:content"`
	OccurredAt  time.Time `gorm:"column:occurred_at"`
	Error       string    `gorm:"column:error"`
	RetryCount  int       `gorm:"column:retry_count"`
	LastErrorAt time.Time `gorm:"column:last_error_at"`
}

func fromDeadLetterMessage(d *evbx.DeadLetterMessage) *deadLetterMessage {
	return &deadLetterMessage{
		ID:          d.ID,
		EventType:   d.EventType,
		Content:     d.Content,
		OccurredAt:  d.OccurredAt,
		Error:       d.Error,
		RetryCount:  d.RetryCount,
		LastErrorAt: d.LastErrorAt,
	}
}

func (d *deadLetterMessage) toDeadLetterMessage() *evbx.DeadLetterMessage {
	return &evbx.DeadLetterMessage{
		ID:          d.ID,
		EventType:   d.EventType,
		Content:     d.Content,
		OccurredAt:  d.OccurredAt.UTC(),
		Error:       d.Error,
		RetryCount:  d.RetryCount,
		LastErrorAt: d.LastErrorAt.UTC(),
	}
}

type outboxLock struct {
	ID          int
	Locked      bool
	LockedBy    uuid.NullUUID
	LockedAt    sql.NullTime
	LockedUntil sql.NullTime
	Version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.Locked,
		o.LockedBy.UUID,
		o.LockedAt.Time,
		o.LockedUntil.Time,
		o.Version)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

package pgxv5

import (
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type outboxLock struct {
	id          int
	locked      bool
	lockedBy    *uuid.UUID
	lockedAt    *time.Time
	lockedUntil *time.Time
	version     int64
}

func (o *outboxLock) String() string {
	return fmt.Sprintf("{locked=%t, lockedBy=%v, lockedAt=%v, lockedUntil=%v, version=%d}",
		o.locked,
		o.lockedBy,
		o.lockedAt,
		o.lockedUntil,
		o.version)
}

func (o *outboxLock) heldBy(id uuid.UUID) bool {
	return o.locked && o.lockedBy != nil && *o.lockedBy == id
}

func (o *outboxLock) leaseActive(now time.Time) bool {
	return o.locked && o.lockedUntil != nil && o.lockedUntil.After(now)
}

// scanOutboxMessages reads rows selected with outboxColumns.
func scanOutboxMessages(rows pgx.Rows) ([]*evbx.OutboxMessage, error) {
	defer rows.Close()
	var msgs []*evbx.OutboxMessage
	for rows.Next() {
		var m evbx.OutboxMessage
		err := rows.Scan(&m.ID, &m.EventType, &m.Content, &m.OccurredAt, &m.ProcessedAt, &m.IsProcessing, &m.ClaimedAt)
		if err != nil {
			return nil, err
		}
		m.OccurredAt = m.OccurredAt.UTC()
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

// scanDeadLetters reads rows selected with deadLetterColumns.
func scanDeadLetters(rows pgx.Rows) ([]*evbx.DeadLetterMessage, error) {
	defer rows.Close()
	var dls []*evbx.DeadLetterMessage
	for rows.Next() {
		var d evbx.DeadLetterMessage
		err := rows.Scan(&d.ID, &d.EventType, &d.Content, &d.OccurredAt, &d.Error, &d.RetryCount, &d.LastErrorAt)
		if err != nil {
			return nil, err
		}
		d.OccurredAt = d.OccurredAt.UTC()
		d.LastErrorAt = d.LastErrorAt.UTC()
		dls = append(dls, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dls, nil
}

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

const (
	getOutboxLockRowSql = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM %s WHERE id=1"
	acquireLockSql      = "UPDATE %s SET locked=?, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql      = "UPDATE %s SET locked=?, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=?"
)

// Locker obtains a lock on the outbox by employing an optimistic locking
// strategy on the single row of the 'outbox_lock' table.
type Locker struct {
	id        uuid.UUID
	db        *sql.DB
	table     string
	useDollar bool
	logger    evbx.Logger
}

var _ evbx.Locker = (*Locker)(nil)
var _ evbx.Loggable = (*Locker)(nil)

// NewLocker creates a Locker with a random owner identifier.
func NewLocker(db *sql.DB, useDollar bool, options ...opt) *Locker {
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{}
	for _, o := range options {
		o(r)
	}
	return &Locker{
		id:        uuid.New(),
		db:        db,
		table:     evbx.TableName(r.schema, evbx.LockTable),
		useDollar: useDollar,
		logger:    &evbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (l *Locker) SetLogger(lg evbx.Logger) {
	l.logger = lg
}

// TryLock takes the lock when it is free or its lease expired.
func (l *Locker) TryLock(ctx context.Context) (bool, error) {
	lock, err := l.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	if lock.locked && lock.lockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now().UTC()
	lockedUntil := lockedAt.Add(evbx.LockLease)
	res, err := l.db.ExecContext(ctx, l.query(acquireLockSql), true, l.id, lockedAt, lockedUntil, lock.version+1, lock.version)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	if ra == 0 {
		l.logger.Debug("race condition detected during the optimistic locking")
		return false, nil
	}

	l.logger.Debug(fmt.Sprintf("the lock was acquired by %s", l.id))
	return true, nil
}

// Unlock releases the lock acquired with TryLock.
func (l *Locker) Unlock(ctx context.Context) error {
	lock, err := l.getOutboxLockRow(ctx)
	if err != nil {
		return err
	}
	if !lock.locked || lock.lockedBy.UUID != l.id {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, l.id)
	}
	if _, err := l.db.ExecContext(ctx, l.query(releaseLockSql), false, l.id); err != nil {
		return err
	}
	l.logger.Debug(fmt.Sprintf("the lock was released by %s", l.id))
	return nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (l *Locker) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	row := l.db.QueryRowContext(ctx, l.query(getOutboxLockRowSql))
	var lock outboxLock
	err := row.Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

func (l *Locker) query(template string) string {
	return rewrite(fmt.Sprintf(template, l.table), l.useDollar)
}

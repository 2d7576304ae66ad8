package pgxv5

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

const (
	getOutboxLockRowSql = "SELECT id, locked, locked_by, locked_at, locked_until, version FROM %s WHERE id=1"
	acquireLockSql      = "UPDATE %s SET locked=true, locked_by=$1, locked_at=$2, locked_until=$3, version=$4 WHERE id=1 AND version=$5"
	releaseLockSql      = "UPDATE %s SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=$1"
)

// Locker obtains a lock on the outbox by employing an optimistic locking
// strategy on the single row of the 'outbox_lock' table.
type Locker struct {
	id     uuid.UUID
	db     querier
	table  string
	logger evbx.Logger
}

var _ evbx.Locker = (*Locker)(nil)
var _ evbx.Loggable = (*Locker)(nil)

// NewLocker creates a Locker with a random owner identifier.
func NewLocker(pool dbpool, options ...opt) *Locker {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	r := &Repository{}
	for _, o := range options {
		o(r)
	}
	return &Locker{
		id:     uuid.New(),
		db:     pool,
		table:  evbx.TableName(r.schema, evbx.LockTable),
		logger: &evbx.NopLogger{},
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
	if lock.leaseActive(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now().UTC()
	tag, err := l.db.Exec(ctx, fmt.Sprintf(acquireLockSql, l.table), l.id, lockedAt, lockedAt.Add(evbx.LockLease), lock.version+1, lock.version)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
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
	if !lock.heldBy(l.id) {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, l.id)
	}
	if _, err := l.db.Exec(ctx, fmt.Sprintf(releaseLockSql, l.table), l.id); err != nil {
		return err
	}
	l.logger.Debug(fmt.Sprintf("the lock was released by %s", l.id))
	return nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (l *Locker) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	err := l.db.QueryRow(ctx, fmt.Sprintf(getOutboxLockRowSql, l.table)).
		Scan(&lock.id, &lock.locked, &lock.lockedBy, &lock.lockedAt, &lock.lockedUntil, &lock.version)
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

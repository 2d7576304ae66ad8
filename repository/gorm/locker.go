package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	getOutboxLockRowSql = "SELECT * FROM %s WHERE id=1"
	acquireLockSql      = "UPDATE %s SET locked=true, locked_by=?, locked_at=?, locked_until=?, version=? WHERE id=1 AND version=?"
	releaseLockSql      = "UPDATE %s SET locked=false, locked_by=null, locked_at=null, locked_until=null WHERE id=1 AND locked_by=?"
)

// Locker obtains a lock on the outbox by employing an optimistic locking
// strategy on the single row of the 'outbox_lock' table. A lock held longer
// than evbx.LockLease can be taken over.
type Locker struct {
	id     uuid.UUID
	db     *gorm.DB
	table  string
	logger evbx.Logger
}

var _ evbx.Locker = (*Locker)(nil)
var _ evbx.Loggable = (*Locker)(nil)

// NewLocker creates a Locker with a random owner identifier.
func NewLocker(db *gorm.DB, options ...opt) *Locker {
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{}
	for _, o := range options {
		o(r)
	}
	return &Locker{
		id:     uuid.New(),
		db:     db,
		table:  evbx.TableName(r.schema, evbx.LockTable),
		logger: &evbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (l *Locker) SetLogger(lg evbx.Logger) {
	l.logger = lg
}

// TryLock takes the lock when it is free or its lease expired. Losing the
// optimistic race against another owner is reported as not acquired.
func (l *Locker) TryLock(ctx context.Context) (bool, error) {
	lock, err := l.getOutboxLockRow(ctx)
	if err != nil {
		return false, err
	}
	if lock.Locked && lock.LockedUntil.Time.After(time.Now()) {
		return false, nil
	}
	lockedAt := time.Now().UTC()
	lockedUntil := lockedAt.Add(evbx.LockLease)
	res := l.db.WithContext(ctx).Exec(fmt.Sprintf(acquireLockSql, l.table), l.id, lockedAt, lockedUntil, lock.Version+1, lock.Version)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
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
	if !lock.Locked || lock.LockedBy.UUID != l.id {
		return fmt.Errorf("unexpected lock status: %s. The lock should be locked by %s", lock, l.id)
	}
	err = l.db.WithContext(ctx).Exec(fmt.Sprintf(releaseLockSql, l.table), l.id).Error
	if err != nil {
		return err
	}
	l.logger.Debug(fmt.Sprintf("the lock was released by %s", l.id))
	return nil
}

// getOutboxLockRow returns the only 'outbox_lock' table row.
func (l *Locker) getOutboxLockRow(ctx context.Context) (*outboxLock, error) {
	var lock outboxLock
	result := l.db.WithContext(ctx).Raw(fmt.Sprintf(getOutboxLockRowSql, l.table)).Scan(&lock)
	if result.Error != nil {
		return nil, result.Error
	}
	return &lock, nil
}

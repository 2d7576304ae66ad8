package evbx

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrAlreadyConsumed is returned by Repository.MarkConsumed when the consumer
// ledger already holds the (event, consumer) pair.
var ErrAlreadyConsumed = errors.New("event already consumed")

// ErrLockNotHeld is returned by LocalLocker.Unlock when the lock is free.
var ErrLockNotHeld = errors.New("the local lock is not held")

// ErrNoTransaction is returned by repository operations that must run inside a
// transaction carried by the context.
var ErrNoTransaction = errors.New("no transaction found in context")

// DecodeError means a payload cannot be restored to a typed event. It is a
// permanent failure.
type DecodeError struct {
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	if e.EventType == "" {
		return fmt.Sprintf("cannot decode event: %v", e.Err)
	}
	return fmt.Sprintf("cannot decode event of type '%s': %v", e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// PublishError means one or more consumers failed to apply an event. It is a
// transient failure subject to retry.
type PublishError struct {
	EventID   uuid.UUID
	EventType string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publishing event '%s' (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// PersistenceError means a storage commit failed and the current unit of work
// did not happen.
type PersistenceError struct {
	Op  string // commit, claim or save
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// retryExhaustedError triggers dead-lettering once every publish attempt failed.
type retryExhaustedError struct {
	attempts int
	err      error
}

func (e *retryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.attempts, e.err)
}

func (e *retryExhaustedError) Unwrap() error {
	return e.err
}

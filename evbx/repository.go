package evbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository manages the persistent state of the outbox: pending messages, the
// consumer ledger and the dead letters. All the operations act on the same
// physical store, so a single local transaction spans business writes, outbox
// writes and ledger writes.
type Repository interface {

	// InTx runs fn inside a transaction. The transaction travels in the context
	// received by fn, so repository operations (and business code) invoked with
	// that context join it. If ctx already carries a transaction fn joins it too
	// and the outermost caller decides the outcome. The transaction is committed
	// when fn returns nil and rolled back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error

	// SaveMessages stages new outbox messages. It must be called inside a
	// transaction provided in the context.
	SaveMessages(ctx context.Context, msgs []*OutboxMessage) error

	// ClaimPending atomically claims up to limit pending messages ordered by
	// occurrence (ties broken by id). A message is claimable when it is not
	// processed and either not being processed or claimed before staleBefore.
	// Only the messages whose claim flag was actually flipped by this call are
	// returned.
	ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*OutboxMessage, error)

	// Complete commits the outcome of a batch in a single transaction: processed
	// messages are updated and dead letters replace their outbox messages.
	Complete(ctx context.Context, processed []*OutboxMessage, deadLetters []*DeadLetterMessage) error

	// IsConsumed reports whether the consumer ledger holds (eventID, consumer).
	IsConsumed(ctx context.Context, eventID uuid.UUID, consumer string) (bool, error)

	// MarkConsumed writes (eventID, consumer) into the consumer ledger. It must be
	// called inside a transaction provided in the context and returns
	// ErrAlreadyConsumed if the pair already exists.
	MarkConsumed(ctx context.Context, eventID uuid.UUID, consumer string) error
}

// Locker guarantees that only one dispatch job invocation runs at a time.
type Locker interface {
	// TryLock attempts to take the lock without waiting.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases a lock previously taken with TryLock.
	Unlock(ctx context.Context) error
}

// UnitOfWork groups the business changes that must be committed together with
// the events they raised.
type UnitOfWork interface {
	// Entities returns the entities touched by the unit of work. Those
	// implementing EventEmitter are drained into the outbox.
	Entities() []any

	// Apply performs the business writes using the transaction carried in ctx.
	Apply(ctx context.Context) error
}

type work struct {
	apply    func(ctx context.Context) error
	entities []any
}

// Work builds a UnitOfWork from a write function and the entities it touches.
// A nil apply function writes nothing but still drains the entities.
func Work(apply func(ctx context.Context) error, entities ...any) UnitOfWork {
	return &work{apply: apply, entities: entities}
}

func (w *work) Entities() []any {
	return w.entities
}

func (w *work) Apply(ctx context.Context) error {
	if w.apply == nil {
		return nil
	}
	return w.apply(ctx)
}

package pgxv5

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	outboxColumns     = "id, event_type, content, occurred_at, processed_at, is_processing, claimed_at"
	deadLetterColumns = "id, event_type, content, occurred_at, error, retry_count, last_error_at"

	insertOutboxSql     = "INSERT INTO %s (" + outboxColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7)"
	claimPendingSql     = "UPDATE %[1]s SET is_processing=true, claimed_at=$1 WHERE processed_at IS NULL AND (is_processing=false OR claimed_at < $2) AND id IN (SELECT id FROM %[1]s WHERE processed_at IS NULL AND (is_processing=false OR claimed_at < $2) ORDER BY occurred_at ASC, id ASC LIMIT $3 FOR UPDATE SKIP LOCKED) RETURNING " + outboxColumns
	completeOutboxSql   = "UPDATE %s SET processed_at=$1, is_processing=$2 WHERE id=$3"
	insertDeadLetterSql = "INSERT INTO %s (" + deadLetterColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7)"
	deleteOutboxSql     = "DELETE FROM %s WHERE id=$1"
	isConsumedSql       = "SELECT EXISTS (SELECT 1 FROM %s WHERE event_id=$1 AND consumer=$2)"
	markConsumedSql     = "INSERT INTO %s (event_id, consumer) VALUES ($1, $2) ON CONFLICT DO NOTHING"
	getDeadLettersSql   = "SELECT " + deadLetterColumns + " FROM %s ORDER BY occurred_at ASC, id ASC"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// querier is the subset shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type Repository struct {
	txKey  evbx.TxKey
	db     dbpool
	schema string
	logger evbx.Logger
}

var _ evbx.Loggable = (*Repository)(nil)
var _ evbx.Repository = (*Repository)(nil)

// opt allows optional configuration.
type opt func(r *Repository)

// WithSchema qualifies the outbox tables with a database schema.
func WithSchema(schema string) opt {
	return func(r *Repository) {
		r.schema = schema
	}
}

func New(txKey evbx.TxKey, pool dbpool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &evbx.NopLogger{},
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l evbx.Logger) {
	r.logger = l
}

// InTx runs fn inside a pgx transaction stored in the context under the
// configured txKey. An existing transaction in ctx is joined.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return fn(ctx)
	}
	return r.withTx(ctx, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// SaveMessages persists outbox messages in the business transaction that should
// be present in the context. The expected transaction should implement pgx.Tx
// interface.
func (r *Repository) SaveMessages(ctx context.Context, msgs []*evbx.OutboxMessage) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(insertOutboxSql, r.table(evbx.OutboxTable))
	for _, m := range msgs {
		_, err := tx.Exec(ctx, query, m.ID, m.EventType, m.Content, m.OccurredAt, m.ProcessedAt, m.IsProcessing, m.ClaimedAt)
		if err != nil {
			return fmt.Errorf("could not persist the outbox messages: %w", err)
		}
	}
	return nil
}

// ClaimPending flips the claim flag of up to limit pending messages in a single
// statement. Rows locked by a concurrent claim are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*evbx.OutboxMessage, error) {
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx, fmt.Sprintf(claimPendingSql, r.table(evbx.OutboxTable)), now, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	claimed, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not keep the subquery order.
	slices.SortFunc(claimed, func(a, b *evbx.OutboxMessage) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return claimed, nil
}

// Complete updates the processed messages and moves the dead letters out of
// the outbox table in a single transaction.
func (r *Repository) Complete(ctx context.Context, processed []*evbx.OutboxMessage, deadLetters []*evbx.DeadLetterMessage) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		for _, m := range processed {
			_, err := tx.Exec(ctx, fmt.Sprintf(completeOutboxSql, r.table(evbx.OutboxTable)), m.ProcessedAt, m.IsProcessing, m.ID)
			if err != nil {
				return err
			}
		}
		for _, d := range deadLetters {
			_, err := tx.Exec(ctx, fmt.Sprintf(insertDeadLetterSql, r.table(evbx.DeadLetterTable)),
				d.ID, d.EventType, d.Content, d.OccurredAt, d.Error, d.RetryCount, d.LastErrorAt)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(deleteOutboxSql, r.table(evbx.OutboxTable)), d.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) IsConsumed(ctx context.Context, eventID uuid.UUID, consumer string) (bool, error) {
	var consumed bool
	err := r.conn(ctx).QueryRow(ctx, fmt.Sprintf(isConsumedSql, r.table(evbx.ConsumerTable)), eventID, consumer).Scan(&consumed)
	if err != nil {
		return false, err
	}
	return consumed, nil
}

// MarkConsumed inserts the ledger entry in the transaction present in the
// context. A conflicting entry means another delivery got there first.
func (r *Repository) MarkConsumed(ctx context.Context, eventID uuid.UUID, consumer string) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(markConsumedSql, r.table(evbx.ConsumerTable)), eventID, consumer)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return evbx.ErrAlreadyConsumed
	}
	return nil
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (r *Repository) DeadLetters(ctx context.Context) ([]*evbx.DeadLetterMessage, error) {
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(getDeadLettersSql, r.table(evbx.DeadLetterTable)))
	if err != nil {
		return nil, err
	}
	return scanDeadLetters(rows)
}

// withTx commits when fn succeeds and rolls back otherwise.
func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			r.logger.Error("could not roll back the transaction", rbErr)
		}
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) tx(ctx context.Context) (pgx.Tx, error) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("%w: a pgx.Tx transaction was expected", evbx.ErrNoTransaction)
	}
	return tx, nil
}

// conn returns the transaction in ctx, if any, or the pool.
func (r *Repository) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		return tx
	}
	return r.db
}

func (r *Repository) table(name string) string {
	return evbx.TableName(r.schema, name)
}

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	outboxColumns     = "id, event_type, content, occurred_at, processed_at, is_processing, claimed_at"
	deadLetterColumns = "id, event_type, content, occurred_at, error, retry_count, last_error_at"
	claimableSql      = "processed_at IS NULL AND (is_processing = ? OR claimed_at < ?)"

	insertOutboxSql     = "INSERT INTO %s (" + outboxColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)"
	getClaimableSql     = "SELECT " + outboxColumns + " FROM %s WHERE " + claimableSql + " ORDER BY occurred_at ASC, id ASC LIMIT ?"
	claimOutboxSql      = "UPDATE %s SET is_processing = ?, claimed_at = ? WHERE id = ? AND " + claimableSql
	completeOutboxSql   = "UPDATE %s SET processed_at = ?, is_processing = ? WHERE id = ?"
	insertDeadLetterSql = "INSERT INTO %s (" + deadLetterColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?)"
	deleteOutboxSql     = "DELETE FROM %s WHERE id = ?"
	countConsumedSql    = "SELECT COUNT(*) FROM %s WHERE event_id = ? AND consumer = ?"
	markConsumedSql     = "INSERT INTO %s (event_id, consumer) VALUES (?, ?) ON CONFLICT DO NOTHING"
	getDeadLettersSql   = "SELECT " + deadLetterColumns + " FROM %s ORDER BY occurred_at ASC, id ASC"
)

// execer is the subset shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repository struct {
	txKey     evbx.TxKey
	db        *sql.DB
	useDollar bool
	schema    string
	logger    evbx.Logger
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

// New creates a database/sql repository. Set useDollar for drivers expecting
// $n placeholders (Postgres) instead of '?'.
func New(txKey evbx.TxKey, db *sql.DB, useDollar bool, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
		logger:    &evbx.NopLogger{},
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

// InTx runs fn inside a transaction stored in the context under the configured
// txKey. An existing transaction in ctx is joined.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return fn(ctx)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// SaveMessages persists outbox messages in the business transaction that should
// be present in the context. The expected transaction should be a pointer to
// an instance of sql.Tx.
func (r *Repository) SaveMessages(ctx context.Context, msgs []*evbx.OutboxMessage) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	query := r.query(insertOutboxSql, evbx.OutboxTable)
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, query, m.ID, m.EventType, m.Content, m.OccurredAt.UTC(),
			nullTime(m.ProcessedAt), m.IsProcessing, nullTime(m.ClaimedAt))
		if err != nil {
			return fmt.Errorf("could not persist the outbox messages: %w", err)
		}
	}
	return nil
}

// ClaimPending flips the claim flag of up to limit pending messages. Every
// candidate is claimed with a conditional update, so a message claimed by a
// concurrent invocation in the meantime is left out.
func (r *Repository) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*evbx.OutboxMessage, error) {
	staleBefore = staleBefore.UTC()
	var claimed []*evbx.OutboxMessage
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := r.claimable(ctx, tx, limit, staleBefore)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		query := r.query(claimOutboxSql, evbx.OutboxTable)
		for _, c := range candidates {
			res, err := tx.ExecContext(ctx, query, true, now, c.id, false, staleBefore)
			if err != nil {
				return err
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return errors.New(raNotSupported)
			}
			if ra != 1 {
				r.logger.Debug(fmt.Sprintf("outbox message '%s' was claimed by someone else", c.id))
				continue
			}
			m := c.toOutboxMessage()
			m.IsProcessing = true
			m.ClaimedAt = &now
			claimed = append(claimed, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Repository) claimable(ctx context.Context, tx *sql.Tx, limit int, staleBefore time.Time) ([]*outboxRow, error) {
	rows, err := tx.QueryContext(ctx, r.query(getClaimableSql, evbx.OutboxTable), false, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*outboxRow
	for rows.Next() {
		var o outboxRow
		if err := rows.Scan(o.dest()...); err != nil {
			return nil, err
		}
		candidates = append(candidates, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// Complete updates the processed messages and moves the dead letters out of
// the outbox table in a single transaction.
func (r *Repository) Complete(ctx context.Context, processed []*evbx.OutboxMessage, deadLetters []*evbx.DeadLetterMessage) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		for _, m := range processed {
			_, err := tx.ExecContext(ctx, r.query(completeOutboxSql, evbx.OutboxTable), nullTime(m.ProcessedAt), m.IsProcessing, m.ID)
			if err != nil {
				return err
			}
		}
		for _, d := range deadLetters {
			_, err := tx.ExecContext(ctx, r.query(insertDeadLetterSql, evbx.DeadLetterTable),
				d.ID, d.EventType, d.Content, d.OccurredAt.UTC(), d.Error, d.RetryCount, d.LastErrorAt.UTC())
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, r.query(deleteOutboxSql, evbx.OutboxTable), d.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) IsConsumed(ctx context.Context, eventID uuid.UUID, consumer string) (bool, error) {
	var n int
	err := r.conn(ctx).QueryRowContext(ctx, r.query(countConsumedSql, evbx.ConsumerTable), eventID, consumer).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkConsumed inserts the ledger entry in the transaction present in the
// context. A conflicting entry means another delivery got there first.
func (r *Repository) MarkConsumed(ctx context.Context, eventID uuid.UUID, consumer string) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.query(markConsumedSql, evbx.ConsumerTable), eventID, consumer)
	if err != nil {
		return err
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return evbx.ErrAlreadyConsumed
	}
	return nil
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (r *Repository) DeadLetters(ctx context.Context) ([]*evbx.DeadLetterMessage, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, r.query(getDeadLettersSql, evbx.DeadLetterTable))
	if err != nil {
		return nil, err
	}
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

// withTx commits when fn succeeds and rolls back otherwise.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Error("could not roll back the transaction", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (r *Repository) tx(ctx context.Context) (*sql.Tx, error) {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return nil, fmt.Errorf("%w: an *sql.Tx transaction was expected", evbx.ErrNoTransaction)
	}
	return tx, nil
}

// conn returns the transaction in ctx, if any, or the database handle.
func (r *Repository) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		return tx
	}
	return r.db
}

// query qualifies the table of a statement template and adapts its
// placeholders to the driver.
func (r *Repository) query(template, table string) string {
	return rewrite(fmt.Sprintf(template, evbx.TableName(r.schema, table)), r.useDollar)
}

func rewrite(query string, useDollar bool) string {
	if !useDollar {
		return query
	}
	return convertToDollarPlaceholder(query)
}

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}

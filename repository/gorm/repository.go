package gorm

import (
	"context"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	claimableSql = "processed_at IS NULL AND (is_processing = ? OR claimed_at < ?)"
	pendingOrder = "occurred_at ASC, id ASC"
)

type Repository struct {
	txKey  evbx.TxKey
	db     *gorm.DB
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

func New(txKey evbx.TxKey, db *gorm.DB, options ...opt) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	r := &Repository{
		txKey:  txKey,
		db:     db,
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

// InTx runs fn inside a gorm transaction stored in the context under the
// configured txKey. An existing transaction in ctx is joined.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// SaveMessages persists outbox messages in the business transaction that should
// be present in the context. The expected transaction should be a pointer to
// an instance of gorm.DB.
func (r *Repository) SaveMessages(ctx context.Context, msgs []*evbx.OutboxMessage) error {
	tx, err := r.tx(ctx)
	if err != nil {
		return err
	}
	rows := make([]*outboxMessage, len(msgs))
	for i, m := range msgs {
		rows[i] = fromOutboxMessage(m)
	}
	if err := tx.Table(r.table(evbx.OutboxTable)).Create(&rows).Error; err != nil {
		return fmt.Errorf("could not persist the outbox messages: %w", err)
	}
	return nil
}

// ClaimPending flips the claim flag of up to limit pending messages. Every
// candidate is claimed with a conditional update, so a message claimed by a
// concurrent invocation in the meantime is left out.
func (r *Repository) ClaimPending(ctx context.Context, limit int, staleBefore time.Time) ([]*evbx.OutboxMessage, error) {
	var claimed []*evbx.OutboxMessage
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []*outboxMessage
		err := tx.Table(r.table(evbx.OutboxTable)).
			Where(claimableSql, false, staleBefore).
			Order(pendingOrder).
			Limit(limit).
			Find(&candidates).Error
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, c := range candidates {
			res := tx.Table(r.table(evbx.OutboxTable)).
				Where("id = ?", c.ID).
				Where(claimableSql, false, staleBefore).
				Updates(map[string]any{"is_processing": true, "claimed_at": now})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != 1 {
				r.logger.Debug(fmt.Sprintf("outbox message '%s' was claimed by someone else", c.ID))
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

// Complete updates the processed messages and moves the dead letters out of
// the outbox table in a single transaction.
func (r *Repository) Complete(ctx context.Context, processed []*evbx.OutboxMessage, deadLetters []*evbx.DeadLetterMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range processed {
			err := tx.Table(r.table(evbx.OutboxTable)).
				Where("id = ?", m.ID).
				Updates(map[string]any{
					"processed_at":  nullTime(m.ProcessedAt),
					"is_processing": m.IsProcessing,
				}).Error
			if err != nil {
				return err
			}
		}
		for _, d := range deadLetters {
			if err := tx.Table(r.table(evbx.DeadLetterTable)).Create(fromDeadLetterMessage(d)).Error; err != nil {
				return err
			}
			if err := tx.Table(r.table(evbx.OutboxTable)).Where("id = ?", d.ID).Delete(&outboxMessage{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Repository) IsConsumed(ctx context.Context, eventID uuid.UUID, consumer string) (bool, error) {
	var n int64
	err := r.conn(ctx).Table(r.table(evbx.ConsumerTable)).
		Where("event_id = ? AND consumer = ?", eventID, consumer).
		Count(&n).Error
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
	res := tx.Table(r.table(evbx.ConsumerTable)).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&consumerRecord{EventID: eventID, Consumer: consumer})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return evbx.ErrAlreadyConsumed
	}
	return nil
}

// DeadLetters returns the dead-lettered messages, oldest first.
func (r *Repository) DeadLetters(ctx context.Context) ([]*evbx.DeadLetterMessage, error) {
	var rows []*deadLetterMessage
	err := r.conn(ctx).Table(r.table(evbx.DeadLetterTable)).Order(pendingOrder).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	dls := make([]*evbx.DeadLetterMessage, len(rows))
	for i, d := range rows {
		dls[i] = d.toDeadLetterMessage()
	}
	return dls, nil
}

func (r *Repository) tx(ctx context.Context) (*gorm.DB, error) {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return nil, fmt.Errorf("%w: a *gorm.DB transaction was expected", evbx.ErrNoTransaction)
	}
	return tx, nil
}

// conn returns the transaction in ctx, if any, or the database handle.
func (r *Repository) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		return tx
	}
	return r.db.WithContext(ctx)
}

func (r *Repository) table(name string) string {
	return evbx.TableName(r.schema, name)
}

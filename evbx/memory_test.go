package evbx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memTxKey carries the in-memory transaction in the context.
type memTxKey struct{}

type memTx struct {
	writes    []func()
	consumers []ConsumerRecord
	messages  map[uuid.UUID]bool
}

// memRepository is an in-memory Repository. Writes done inside InTx become
// visible only when the outermost transaction commits.
type memRepository struct {
	mu          sync.Mutex
	messages    map[uuid.UUID]*OutboxMessage
	consumers   map[ConsumerRecord]bool
	deadLetters map[uuid.UUID]*DeadLetterMessage
	rows        map[string]int // business rows

	claimErr    error
	completeErr error
	saveErr     error
	commits     int
}

var _ Repository = (*memRepository)(nil)

func newMemRepository() *memRepository {
	return &memRepository{
		messages:    make(map[uuid.UUID]*OutboxMessage),
		consumers:   make(map[ConsumerRecord]bool),
		deadLetters: make(map[uuid.UUID]*DeadLetterMessage),
		rows:        make(map[string]int),
	}
}

func (r *memRepository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memTxKey{}).(*memTx); ok {
		return fn(ctx)
	}
	tx := &memTx{}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range tx.consumers {
		if r.consumers[c] {
			return ErrAlreadyConsumed
		}
	}
	for _, c := range tx.consumers {
		r.consumers[c] = true
	}
	for _, w := range tx.writes {
		w()
	}
	r.commits++
	return nil
}

// write stages a business write in the transaction carried by ctx.
func (r *memRepository) write(ctx context.Context, key string) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrNoTransaction
	}
	tx.writes = append(tx.writes, func() { r.rows[key]++ })
	return nil
}

func (r *memRepository) SaveMessages(ctx context.Context, msgs []*OutboxMessage) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrNoTransaction
	}
	if r.saveErr != nil {
		return r.saveErr
	}
	if tx.messages == nil {
		tx.messages = make(map[uuid.UUID]bool)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if _, ok := r.messages[m.ID]; ok || tx.messages[m.ID] {
			return fmt.Errorf("duplicate outbox message id '%s'", m.ID)
		}
		tx.messages[m.ID] = true
		m := *m
		tx.writes = append(tx.writes, func() { r.messages[m.ID] = &m })
	}
	return nil
}

func (r *memRepository) ClaimPending(_ context.Context, limit int, staleBefore time.Time) ([]*OutboxMessage, error) {
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var candidates []*OutboxMessage
	for _, m := range r.messages {
		if m.ProcessedAt != nil {
			continue
		}
		if m.IsProcessing && (m.ClaimedAt == nil || !m.ClaimedAt.Before(staleBefore)) {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].OccurredAt.Equal(candidates[j].OccurredAt) {
			return candidates[i].ID.String() < candidates[j].ID.String()
		}
		return candidates[i].OccurredAt.Before(candidates[j].OccurredAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	now := time.Now().UTC()
	claimed := make([]*OutboxMessage, 0, len(candidates))
	for _, m := range candidates {
		m.IsProcessing = true
		m.ClaimedAt = &now
		c := *m
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func (r *memRepository) Complete(_ context.Context, processed []*OutboxMessage, deadLetters []*DeadLetterMessage) error {
	if r.completeErr != nil {
		return r.completeErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range processed {
		c := *m
		r.messages[m.ID] = &c
	}
	for _, d := range deadLetters {
		c := *d
		r.deadLetters[d.ID] = &c
		delete(r.messages, d.ID)
	}
	return nil
}

func (r *memRepository) IsConsumed(_ context.Context, eventID uuid.UUID, consumer string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consumers[ConsumerRecord{EventID: eventID, Consumer: consumer}], nil
}

func (r *memRepository) MarkConsumed(ctx context.Context, eventID uuid.UUID, consumer string) error {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if !ok {
		return ErrNoTransaction
	}
	rec := ConsumerRecord{EventID: eventID, Consumer: consumer}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumers[rec] {
		return ErrAlreadyConsumed
	}
	tx.consumers = append(tx.consumers, rec)
	return nil
}

func (r *memRepository) message(id uuid.UUID) *OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[id]
}

func (r *memRepository) deadLetter(id uuid.UUID) *DeadLetterMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deadLetters[id]
}

func (r *memRepository) row(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[key]
}

// Test events and entities shared by the package tests.

type userCreated struct {
	BaseEvent
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (userCreated) EventType() string { return "UserCreated" }

type userDeleted struct {
	BaseEvent
}

func (userDeleted) EventType() string { return "UserDeleted" }

type address struct {
	Street string   `json:"street"`
	Tags   []string `json:"tags"`
}

type profileUpdated struct {
	BaseEvent
	Addresses []address          `json:"addresses"`
	Extra     map[string]float64 `json:"extra"`
	Previous  *address           `json:"previous"`
}

func (profileUpdated) EventType() string { return "ProfileUpdated" }

type node struct {
	Name string `json:"name"`
	Next *node  `json:"next"`
}

type linked struct {
	BaseEvent
	Head *node `json:"head"`
}

func (linked) EventType() string { return "Linked" }

type user struct {
	EventRecorder
	Name string
}

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// eventAt returns a BaseEvent that occurred offset after baseTime.
func eventAt(offset time.Duration) BaseEvent {
	return BaseEvent{ID: uuid.New(), OccurredAt: baseTime.Add(offset)}
}

// seed commits a message for each event directly in the repository.
func seed(t testing.TB, r *memRepository, c *Codec, events ...DomainEvent) {
	for _, e := range events {
		content, err := c.Serialize(e)
		if err != nil {
			t.Fatal(err)
		}
		m := NewOutboxMessage(e, content)
		r.messages[m.ID] = m
	}
}

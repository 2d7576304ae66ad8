package gorm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/test"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type accountOpened struct {
	evbx.BaseEvent
	Owner string `json:"owner"`
}

func (accountOpened) EventType() string { return "AccountOpened" }

type account struct {
	evbx.EventRecorder `gorm:"-"`
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Owner              string
}

func (account) TableName() string { return "accounts" }

func openAccount(owner string) *account {
	a := &account{ID: uuid.New(), Owner: owner}
	a.Raise(accountOpened{BaseEvent: evbx.NewBaseEvent(), Owner: owner})
	return a
}

// newSqliteRepository returns a repository backed by a fresh in-memory database.
func newSqliteRepository(t *testing.T) (*Repository, *gorm.DB) {
	db, err := test.InitSqlite()
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE accounts (id TEXT PRIMARY KEY, owner TEXT NOT NULL)").Error)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return New(test.DefaultCtxKey, db), db
}

func createSqlMockRepository() (*Repository, sqlmock.Sqlmock) {
	db, mock, _ := sqlmock.New()
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	repository := New(test.DefaultCtxKey, gormDB)
	repository.SetLogger(&evbx.NopLogger{})
	return repository, mock
}

func pendingMessage(offset time.Duration) *evbx.OutboxMessage {
	return &evbx.OutboxMessage{
		ID:         uuid.New(),
		EventType:  "AccountOpened",
		Content:    "{}",
		OccurredAt: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(offset),
	}
}

func saveMessages(t *testing.T, r *Repository, msgs ...*evbx.OutboxMessage) {
	err := r.InTx(context.Background(), func(ctx context.Context) error {
		return r.SaveMessages(ctx, msgs)
	})
	require.NoError(t, err)
}

func TestNew(t *testing.T) {
	_, db := newSqliteRepository(t)
	type args struct {
		txKey evbx.TxKey
		db    *gorm.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db)
				})
			}
		})
	}
}

func TestWithSchema(t *testing.T) {
	_, db := newSqliteRepository(t)
	r := New(test.DefaultCtxKey, db, WithSchema("outbox"))
	assert.Equal(t, "outbox.outbox_messages", r.table(evbx.OutboxTable))
}

func TestInTx(t *testing.T) {
	r, db := newSqliteRepository(t)
	m := pendingMessage(0)

	err := r.InTx(context.Background(), func(ctx context.Context) error {
		if err := r.SaveMessages(ctx, []*evbx.OutboxMessage{m}); err != nil {
			return err
		}
		return errors.New("rollback")
	})
	assert.EqualError(t, err, "rollback")

	var n int64
	require.NoError(t, db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(0), n)

	err = r.InTx(context.Background(), func(ctx context.Context) error {
		return r.InTx(ctx, func(ctx context.Context) error {
			return r.SaveMessages(ctx, []*evbx.OutboxMessage{m})
		})
	})
	require.NoError(t, err)
	require.NoError(t, db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestSaveMessages(t *testing.T) {
	type args struct {
		ctx func(r *Repository) context.Context
	}
	testcases := []struct {
		name             string
		args             args
		mockExpectations func(sqlmock.Sqlmock)
		wantErr          bool
		wantErrMsg       string
	}{
		{
			name: "context without an existing transaction",
			args: args{
				ctx: func(*Repository) context.Context {
					return context.Background()
				},
			},
			wantErr:    true,
			wantErrMsg: "no transaction found in context: a *gorm.DB transaction was expected",
		},
		{
			name: "simulate error when saving",
			args: args{
				ctx: func(r *Repository) context.Context {
					return context.WithValue(context.Background(), test.DefaultCtxKey, r.db.Begin())
				},
			},
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("INSERT INTO \"outbox_messages\".+").WithArgs(test.GenerateAnyArgsSlice(7)...).WillReturnError(errors.New("error#1"))
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox messages: error#1",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			repo, mock := createSqlMockRepository()
			if tc.mockExpectations != nil {
				tc.mockExpectations(mock)
			}
			err := repo.SaveMessages(tc.args.ctx(repo), []*evbx.OutboxMessage{pendingMessage(0)})
			test.AssertError(t, err, tc.wantErr)
			if tc.wantErr {
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}
		})
	}
}

func TestClaimPending(t *testing.T) {
	r, _ := newSqliteRepository(t)
	third := pendingMessage(3 * time.Second)
	first := pendingMessage(1 * time.Second)
	second := pendingMessage(2 * time.Second)
	saveMessages(t, r, third, first, second)

	claimed, err := r.ClaimPending(context.Background(), 2, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, second.ID, claimed[1].ID)
	for _, m := range claimed {
		assert.True(t, m.IsProcessing)
		assert.NotNil(t, m.ClaimedAt)
		assert.True(t, m.IsPending())
	}

	claimed, err = r.ClaimPending(context.Background(), 2, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 1, "claimed messages are not claimed again")
	assert.Equal(t, third.ID, claimed[0].ID)

	claimed, err = r.ClaimPending(context.Background(), 10, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, claimed)

	claimed, err = r.ClaimPending(context.Background(), 10, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, claimed, 3, "stale claims are taken again")
}

func TestClaimPending_Error(t *testing.T) {
	repo, mock := createSqlMockRepository()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM \"outbox_messages\".+").WillReturnError(errors.New("error#2"))
	mock.ExpectRollback()

	claimed, err := repo.ClaimPending(context.Background(), 10, time.Now())
	assert.EqualError(t, err, "error#2")
	assert.Nil(t, claimed)
}

func TestComplete(t *testing.T) {
	r, db := newSqliteRepository(t)
	ok := pendingMessage(0)
	failed := pendingMessage(time.Second)
	saveMessages(t, r, ok, failed)
	claimed, err := r.ClaimPending(context.Background(), 10, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	processedAt := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	claimed[0].ProcessedAt = &processedAt
	claimed[0].IsProcessing = false
	dl := evbx.NewDeadLetterMessage(claimed[1], errors.New("broker unavailable"), 3, processedAt)

	require.NoError(t, r.Complete(context.Background(), claimed[:1], []*evbx.DeadLetterMessage{dl}))

	var rows []*outboxMessage
	require.NoError(t, db.Table(evbx.OutboxTable).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, ok.ID, rows[0].ID)
	assert.False(t, rows[0].IsProcessing)
	assert.True(t, rows[0].ProcessedAt.Valid)
	assert.True(t, processedAt.Equal(rows[0].ProcessedAt.Time))

	dls, err := r.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, failed.ID, dls[0].ID)
	assert.Equal(t, 3, dls[0].RetryCount)
	assert.Equal(t, "broker unavailable", dls[0].Error)
	assert.Equal(t, "AccountOpened", dls[0].EventType)
	assert.True(t, failed.OccurredAt.Equal(dls[0].OccurredAt))
}

func TestConsumerLedger(t *testing.T) {
	r, _ := newSqliteRepository(t)
	eventID := uuid.New()
	ctx := context.Background()

	consumed, err := r.IsConsumed(ctx, eventID, "mailer")
	require.NoError(t, err)
	assert.False(t, consumed)

	assert.EqualError(t, r.MarkConsumed(ctx, eventID, "mailer"), "no transaction found in context: a *gorm.DB transaction was expected")

	require.NoError(t, r.InTx(ctx, func(ctx context.Context) error {
		return r.MarkConsumed(ctx, eventID, "mailer")
	}))
	consumed, err = r.IsConsumed(ctx, eventID, "mailer")
	require.NoError(t, err)
	assert.True(t, consumed)

	consumed, err = r.IsConsumed(ctx, eventID, "auditor")
	require.NoError(t, err)
	assert.False(t, consumed)

	err = r.InTx(ctx, func(ctx context.Context) error {
		return r.MarkConsumed(ctx, eventID, "mailer")
	})
	assert.ErrorIs(t, err, evbx.ErrAlreadyConsumed)
}

func TestUnitOfWork_Apply(t *testing.T) {
	r, _ := newSqliteRepository(t)
	a := openAccount("john")
	uow := r.Track(a)
	assert.Equal(t, []any{a}, uow.Entities())

	assert.EqualError(t, uow.Apply(context.Background()), "no transaction found in context: a *gorm.DB transaction was expected")
	require.NoError(t, r.InTx(context.Background(), uow.Apply))

	var stored account
	require.NoError(t, r.db.First(&stored, "id = ?", a.ID).Error)
	assert.Equal(t, "john", stored.Owner)
}

// The following tests run the whole outbox against the gorm repository.

type mailer struct {
	db    *gorm.DB
	txKey evbx.TxKey
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mailer) Handle(ctx context.Context, e accountOpened) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	tx := ctx.Value(m.txKey).(*gorm.DB)
	return tx.Exec("INSERT INTO accounts (id, owner) VALUES (?, ?)", uuid.New(), "mail:"+e.Owner).Error
}

func newOutbox(t *testing.T, batch int) (*evbx.Outbox, *Repository, *mailer) {
	r, db := newSqliteRepository(t)
	codec := evbx.NewCodec()
	bus := evbx.NewBus(codec, evbx.WithIdempotency(r))
	m := &mailer{db: db, txKey: test.DefaultCtxKey}
	evbx.Subscribe[accountOpened](bus, m)
	o := evbx.New(evbx.Settings{
		MaxMessagesPerBatch: batch,
		RetryInterval:       time.Millisecond,
		MaxRetryAttempts:    3,
	}, r, codec, bus)
	return o, r, m
}

func countAccounts(t *testing.T, db *gorm.DB, owner string) int64 {
	var n int64
	require.NoError(t, db.Table("accounts").Where("owner = ?", owner).Count(&n).Error)
	return n
}

func TestOutbox_Atomicity(t *testing.T) {
	o, r, _ := newOutbox(t, 10)
	a := openAccount("john")

	err := o.ProcessAndSave(context.Background(), evbx.Work(func(ctx context.Context) error {
		if err := r.Track(a).Apply(ctx); err != nil {
			return err
		}
		return errors.New("business rule violated")
	}, a))

	var persistenceErr *evbx.PersistenceError
	require.ErrorAs(t, err, &persistenceErr)
	assert.Equal(t, int64(0), countAccounts(t, r.db, "john"))
	var n int64
	require.NoError(t, r.db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(0), n)
	assert.Len(t, a.Events(), 1)

	require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(a)))
	assert.Equal(t, int64(1), countAccounts(t, r.db, "john"))
	require.NoError(t, r.db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, a.Events())

	require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(a)))
	require.NoError(t, r.db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(1), n, "processing again writes nothing new")
}

func TestOutbox_EntityTrackedTwice(t *testing.T) {
	o, r, _ := newOutbox(t, 10)
	a := openAccount("john")

	require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(a).Add(a)))

	var n int64
	require.NoError(t, r.db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(1), countAccounts(t, r.db, "john"))
}

func TestOutbox_DeliverOnce(t *testing.T) {
	o, r, m := newOutbox(t, 10)
	a := openAccount("john")
	require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(a)))

	require.NoError(t, o.Execute(context.Background()))
	require.NoError(t, o.Execute(context.Background()))

	assert.Equal(t, 1, m.calls)
	assert.Equal(t, int64(1), countAccounts(t, r.db, "mail:john"))

	var rows []*outboxMessage
	require.NoError(t, r.db.Table(evbx.OutboxTable).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].ProcessedAt.Valid)
	assert.False(t, rows[0].IsProcessing)
}

func TestOutbox_DeadLetter(t *testing.T) {
	o, r, m := newOutbox(t, 10)
	m.err = errors.New("smtp down")
	a := openAccount("john")
	require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(a)))

	require.NoError(t, o.Execute(context.Background()))

	assert.Equal(t, 4, m.calls)
	assert.Equal(t, int64(0), countAccounts(t, r.db, "mail:john"))
	dls, err := r.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, 3, dls[0].RetryCount)
	assert.Contains(t, dls[0].Error, "smtp down")
	var n int64
	require.NoError(t, r.db.Table(evbx.OutboxTable).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestOutbox_BatchOrdering(t *testing.T) {
	o, r, m := newOutbox(t, 2)
	var owners []string
	for _, owner := range []string{"a", "b", "c"} {
		require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(openAccount(owner))))
		owners = append(owners, owner)
		time.Sleep(time.Millisecond)
	}

	require.NoError(t, o.Execute(context.Background()))
	assert.Equal(t, 2, m.calls)
	assert.Equal(t, int64(1), countAccounts(t, r.db, "mail:a"))
	assert.Equal(t, int64(1), countAccounts(t, r.db, "mail:b"))
	assert.Equal(t, int64(0), countAccounts(t, r.db, "mail:c"))

	require.NoError(t, o.Execute(context.Background()))
	assert.Equal(t, 3, m.calls)
	for _, owner := range owners {
		assert.Equal(t, int64(1), countAccounts(t, r.db, "mail:"+owner))
	}
}

func TestOutbox_RacingInvocations(t *testing.T) {
	o, r, m := newOutbox(t, 10)
	for i := 0; i < 5; i++ {
		require.NoError(t, o.ProcessAndSave(context.Background(), r.Track(openAccount(uuid.NewString()))))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, o.Execute(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, m.calls)
}

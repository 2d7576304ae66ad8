// Package demo holds a small user registration domain that exercises the
// eventbox end to end.
package demo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	evbxgorm "github.com/3rs4lg4d0/eventbox/repository/gorm"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrInvalidEmail = errors.New("invalid email")

type UserCreated struct {
	evbx.BaseEvent
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
	Email  string    `json:"email"`
}

func (UserCreated) EventType() string { return "UserCreated" }

type UserRenamed struct {
	evbx.BaseEvent
	UserID  uuid.UUID `json:"userId"`
	OldName string    `json:"oldName"`
	NewName string    `json:"newName"`
}

func (UserRenamed) EventType() string { return "UserRenamed" }

// User is the aggregate. Every state change raises an event.
type User struct {
	evbx.EventRecorder `gorm:"-"`
	ID                 uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name               string    `gorm:"not null"`
	Email              string    `gorm:"not null;uniqueIndex"`
	CreatedAt          time.Time
}

func (User) TableName() string { return "demo_users" }

func NewUser(name, email string) (*User, error) {
	if !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	u := &User{ID: uuid.New(), Name: name, Email: email, CreatedAt: time.Now().UTC()}
	u.Raise(UserCreated{BaseEvent: evbx.NewBaseEvent(), UserID: u.ID, Name: name, Email: email})
	return u, nil
}

// Rename changes the user name. Renaming to the current name raises nothing.
func (u *User) Rename(name string) {
	if name == u.Name {
		return
	}
	u.Raise(UserRenamed{BaseEvent: evbx.NewBaseEvent(), UserID: u.ID, OldName: u.Name, NewName: name})
	u.Name = name
}

// SentEmail records an email sent by the EmailSender.
type SentEmail struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	EventID   uuid.UUID `gorm:"type:uuid;not null"`
	Recipient string    `gorm:"not null"`
	Subject   string    `gorm:"not null"`
}

func (SentEmail) TableName() string { return "demo_sent_emails" }

// Migrate creates the demo tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &SentEmail{})
}

// EmailSender welcomes new users. The email is recorded with the transaction
// of the idempotent consumer, so a redelivered event sends nothing.
type EmailSender struct {
	txKey evbx.TxKey
}

func NewEmailSender(txKey evbx.TxKey) *EmailSender {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	return &EmailSender{txKey: txKey}
}

func (s *EmailSender) Handle(ctx context.Context, e UserCreated) error {
	tx, ok := ctx.Value(s.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", evbx.ErrNoTransaction)
	}
	return tx.Create(&SentEmail{
		ID:        uuid.New(),
		EventID:   e.EventID(),
		Recipient: e.Email,
		Subject:   fmt.Sprintf("Welcome %s!", e.Name),
	}).Error
}

// Service registers and renames users through the outbox.
type Service struct {
	outbox     *evbx.Outbox
	repository *evbxgorm.Repository
}

func NewService(o *evbx.Outbox, r *evbxgorm.Repository) *Service {
	if o == nil || r == nil {
		panic("you must provide an outbox and a repository")
	}
	return &Service{outbox: o, repository: r}
}

func (s *Service) Register(ctx context.Context, name, email string) (*User, error) {
	u, err := NewUser(name, email)
	if err != nil {
		return nil, err
	}
	if err := s.outbox.ProcessAndSave(ctx, s.repository.Track(u)); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Rename(ctx context.Context, u *User, name string) error {
	u.Rename(name)
	return s.outbox.ProcessAndSave(ctx, s.repository.Track(u))
}

// Subscribe registers the demo consumers in b.
func Subscribe(b *evbx.Bus, txKey evbx.TxKey) {
	evbx.Subscribe[UserCreated](b, NewEmailSender(txKey))
	evbx.Subscribe[UserRenamed](b, evbx.Named("demo.audit", evbx.ConsumerFunc[UserRenamed](
		func(ctx context.Context, e UserRenamed) error { return nil })))
}

// Register makes the demo events decodable by c without subscribing consumers.
func Register(c *evbx.Codec) {
	evbx.Register[UserCreated](c)
	evbx.Register[UserRenamed](c)
}

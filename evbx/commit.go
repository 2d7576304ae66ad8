package evbx

import (
	"context"
	"fmt"
	"reflect"
)

// CommitProcessor converts the pending events of a unit of work into outbox
// messages and commits them together with the business changes.
type CommitProcessor struct {
	repository Repository
	codec      *Codec
	logger     Logger
}

// NewCommitProcessor creates a CommitProcessor. The repository and the codec are
// mandatory.
func NewCommitProcessor(r Repository, c *Codec, l Logger) *CommitProcessor {
	if r == nil || c == nil {
		panic("you must provide a repository and a codec")
	}
	if l == nil {
		l = &NopLogger{}
	}
	return &CommitProcessor{
		repository: r,
		codec:      c,
		logger:     l,
	}
}

// ProcessAndSave drains the events of every emitter tracked by uow into outbox
// messages and commits the business writes and the outbox writes atomically. The
// emitters are cleared only once the commit succeeded, so a failed call can be
// retried without losing events. Commit failures are returned as a
// *PersistenceError.
func (p *CommitProcessor) ProcessAndSave(ctx context.Context, uow UnitOfWork) error {
	emitters, msgs, err := p.drain(uow)
	if err != nil {
		return err
	}

	err = p.repository.InTx(ctx, func(ctx context.Context) error {
		if err := uow.Apply(ctx); err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		return p.repository.SaveMessages(ctx, msgs)
	})
	if err != nil {
		p.logger.Error(fmt.Sprintf("committing unit of work with %d outbox messages", len(msgs)), err)
		return &PersistenceError{Op: "commit", Err: err}
	}

	for _, e := range emitters {
		e.ClearEvents()
	}
	if len(msgs) > 0 {
		p.logger.Debug(fmt.Sprintf("%d outbox messages committed", len(msgs)))
	}
	return nil
}

// drain reads the pending events of the tracked emitters and maps them to outbox
// messages, preserving the order in which each entity raised them. An entity
// tracked more than once is drained once.
func (p *CommitProcessor) drain(uow UnitOfWork) ([]EventEmitter, []*OutboxMessage, error) {
	var emitters []EventEmitter
	var msgs []*OutboxMessage
	seen := make(map[uintptr]bool)
	for _, entity := range uow.Entities() {
		emitter, ok := entity.(EventEmitter)
		if !ok {
			continue
		}
		if v := reflect.ValueOf(entity); v.Kind() == reflect.Pointer {
			if seen[v.Pointer()] {
				continue
			}
			seen[v.Pointer()] = true
		}
		events := emitter.Events()
		if len(events) == 0 {
			continue
		}
		for _, e := range events {
			content, err := p.codec.Serialize(e)
			if err != nil {
				return nil, nil, err
			}
			msgs = append(msgs, NewOutboxMessage(e, content))
		}
		emitters = append(emitters, emitter)
	}
	return emitters, msgs, nil
}

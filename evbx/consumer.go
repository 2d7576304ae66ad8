package evbx

import (
	"context"
	"errors"
	"fmt"
	"reflect"
)

// Consumer applies events of type E.
type Consumer[E DomainEvent] interface {
	Handle(ctx context.Context, e E) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc[E DomainEvent] func(ctx context.Context, e E) error

func (f ConsumerFunc[E]) Handle(ctx context.Context, e E) error {
	return f(ctx, e)
}

// NamedConsumer is implemented by consumers that provide their own identity in
// the consumer ledger.
type NamedConsumer interface {
	ConsumerName() string
}

type namedConsumer[E DomainEvent] struct {
	name string
	Consumer[E]
}

func (n *namedConsumer[E]) ConsumerName() string {
	return n.name
}

// Named gives a consumer an explicit identity. It is mostly useful for functions,
// whose type name is shared by every ConsumerFunc of the same event type.
func Named[E DomainEvent](name string, c Consumer[E]) Consumer[E] {
	return &namedConsumer[E]{name: name, Consumer: c}
}

// ConsumerIdentity returns the name under which the consumer ledger records the
// events applied by c: its ConsumerName when it implements NamedConsumer, the
// fully qualified name of its type otherwise.
func ConsumerIdentity(c any) string {
	if n, ok := c.(NamedConsumer); ok {
		return n.ConsumerName()
	}
	t := reflect.TypeOf(c)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "<nil>"
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// IdempotentConsumer decorates a consumer so that each event is applied at most
// once by it. The consumer side effects and the ledger entry are committed in
// the same transaction.
type IdempotentConsumer[E DomainEvent] struct {
	inner        Consumer[E]
	name         string
	repository   Repository
	logger       Logger
	duplicateCtr Counter
}

// ConsumerOpt allows optional configuration of an IdempotentConsumer.
type ConsumerOpt func(c *consumerOptions)

type consumerOptions struct {
	logger       Logger
	duplicateCtr Counter
}

// WithConsumerLogger configures the logger used by an IdempotentConsumer.
func WithConsumerLogger(l Logger) ConsumerOpt {
	return func(c *consumerOptions) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDuplicateCounter configures a counter incremented every time an already
// consumed event is skipped.
func WithDuplicateCounter(co Counter) ConsumerOpt {
	return func(c *consumerOptions) {
		if co != nil {
			c.duplicateCtr = co
		}
	}
}

// NewIdempotentConsumer decorates c. The consumer and the repository are
// mandatory.
func NewIdempotentConsumer[E DomainEvent](c Consumer[E], r Repository, options ...ConsumerOpt) *IdempotentConsumer[E] {
	if c == nil || r == nil {
		panic("you must provide a consumer and a repository")
	}
	o := consumerOptions{logger: &NopLogger{}, duplicateCtr: &NopCounter{}}
	for _, opt := range options {
		opt(&o)
	}
	return &IdempotentConsumer[E]{
		inner:        c,
		name:         ConsumerIdentity(c),
		repository:   r,
		logger:       o.logger,
		duplicateCtr: o.duplicateCtr,
	}
}

var _ Loggable = (*IdempotentConsumer[DomainEvent])(nil)

// SetLogger replaces the logger given at construction.
func (c *IdempotentConsumer[E]) SetLogger(l Logger) {
	if l != nil {
		c.logger = l
	}
}

// ConsumerName returns the identity of the decorated consumer.
func (c *IdempotentConsumer[E]) ConsumerName() string {
	return c.name
}

// Handle applies e unless the ledger says it was already applied. A consumer
// failure rolls back its side effects and is returned. Losing a race against a
// concurrent delivery of the same event also rolls back, but is reported as
// success.
func (c *IdempotentConsumer[E]) Handle(ctx context.Context, e E) error {
	consumed, err := c.repository.IsConsumed(ctx, e.EventID(), c.name)
	if err != nil {
		return fmt.Errorf("checking consumer ledger: %w", err)
	}
	if consumed {
		c.skip(e)
		return nil
	}

	err = c.repository.InTx(ctx, func(ctx context.Context) error {
		if err := c.inner.Handle(ctx, e); err != nil {
			return err
		}
		return c.repository.MarkConsumed(ctx, e.EventID(), c.name)
	})
	if errors.Is(err, ErrAlreadyConsumed) {
		c.skip(e)
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Debug(fmt.Sprintf("event '%s' consumed by '%s'", e.EventID(), c.name))
	return nil
}

func (c *IdempotentConsumer[E]) skip(e E) {
	c.duplicateCtr.Inc(1)
	c.logger.Debug(fmt.Sprintf("event '%s' already consumed by '%s', skipping", e.EventID(), c.name))
}

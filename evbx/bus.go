package evbx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

type subscriber struct {
	name     string
	consumer any
	handle   func(ctx context.Context, e DomainEvent) error
}

// Bus is an in-process Publisher that delivers each event to the consumers
// subscribed to its type.
type Bus struct {
	mu             sync.RWMutex
	codec          *Codec
	repository     Repository
	logger         Logger
	duplicateCtr   Counter
	maxConcurrency int
	subscribers    map[string][]subscriber
}

var _ Publisher = (*Bus)(nil)
var _ Loggable = (*Bus)(nil)

// BusOpt allows optional configuration of a Bus.
type BusOpt func(b *Bus)

// WithIdempotency makes the bus wrap every subscribed consumer with an
// IdempotentConsumer backed by r.
func WithIdempotency(r Repository) BusOpt {
	return func(b *Bus) {
		b.repository = r
	}
}

// WithBusConcurrency limits how many consumers of the same event run in
// parallel.
func WithBusConcurrency(n int) BusOpt {
	return func(b *Bus) {
		if n > 0 {
			b.maxConcurrency = n
		}
	}
}

// WithBusDuplicateCounter configures the counter of skipped duplicates used by
// the idempotent consumers created by the bus.
func WithBusDuplicateCounter(co Counter) BusOpt {
	return func(b *Bus) {
		if co != nil {
			b.duplicateCtr = co
		}
	}
}

// NewBus creates a Bus. Subscribed event types are registered in c, so the same
// codec must be used by the dispatch job.
func NewBus(c *Codec, options ...BusOpt) *Bus {
	if c == nil {
		panic("you must provide a codec")
	}
	b := &Bus{
		codec:          c,
		logger:         &NopLogger{},
		duplicateCtr:   &NopCounter{},
		maxConcurrency: 1,
		subscribers:    make(map[string][]subscriber),
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// SetLogger sets the bus logger and hands it to the consumers already
// subscribed.
func (b *Bus) SetLogger(l Logger) {
	if l == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = l
	for _, subs := range b.subscribers {
		for _, s := range subs {
			injectLogger(l, s.consumer)
		}
	}
}

// Subscribe registers E in the bus codec and adds c to the consumers of E.
// Consumers of the same event type must have distinct identities: functions
// need Named, otherwise they all share the identity of ConsumerFunc[E].
func Subscribe[E DomainEvent](b *Bus, c Consumer[E]) {
	if c == nil {
		panic("you must provide a consumer")
	}
	eventType := Register[E](b.codec)
	name := ConsumerIdentity(c)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subscribers[eventType] {
		if s.name == name {
			panic(fmt.Sprintf("consumer '%s' is already subscribed to '%s'", name, eventType))
		}
	}
	if b.repository != nil {
		c = NewIdempotentConsumer(c, b.repository,
			WithConsumerLogger(b.logger),
			WithDuplicateCounter(b.duplicateCtr))
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber{
		name:     name,
		consumer: c,
		handle: func(ctx context.Context, e DomainEvent) error {
			typed, ok := e.(E)
			if !ok {
				return fmt.Errorf("consumer '%s' cannot handle %T", name, e)
			}
			return c.Handle(ctx, typed)
		},
	})
	b.logger.Debug(fmt.Sprintf("consumer '%s' subscribed to '%s'", name, eventType))
}

// Publish delivers e to every consumer of its type. Consumer failures are
// joined into a single *PublishError. Publishing an event without consumers is
// a no-op.
func (b *Bus) Publish(ctx context.Context, e DomainEvent) error {
	b.mu.RLock()
	subs := b.subscribers[e.EventType()]
	b.mu.RUnlock()
	if len(subs) == 0 {
		b.logger.Debug(fmt.Sprintf("no consumers for '%s'", e.EventType()))
		return nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(b.maxConcurrency)
	for _, s := range subs {
		s := s
		p.Go(func() error {
			if err := s.handle(ctx, e); err != nil {
				return fmt.Errorf("consumer '%s': %w", s.name, err)
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return &PublishError{EventID: e.EventID(), EventType: e.EventType(), Err: err}
	}
	return nil
}

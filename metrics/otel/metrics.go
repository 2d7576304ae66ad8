// Package otel reports the outbox counters through an OpenTelemetry meter.
package otel

import (
	"context"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"go.opentelemetry.io/otel/metric"
)

const (
	DispatchedCounter   = "eventbox.dispatched"
	DeadLetteredCounter = "eventbox.dead_lettered"
	DuplicatesCounter   = "eventbox.duplicates_skipped"
)

type Counter struct {
	Counter metric.Int64Counter
}

var _ evbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Add(context.Background(), delta)
}

// Counters groups the counters reported by the outbox.
type Counters struct {
	Dispatched   *Counter
	DeadLettered *Counter
	Duplicates   *Counter
}

// NewCounters creates the outbox instruments in meter.
func NewCounters(meter metric.Meter) (*Counters, error) {
	if meter == nil {
		panic("meter is mandatory")
	}
	dispatched, err := meter.Int64Counter(DispatchedCounter,
		metric.WithDescription("Outbox messages delivered by the dispatch job"))
	if err != nil {
		return nil, err
	}
	deadLettered, err := meter.Int64Counter(DeadLetteredCounter,
		metric.WithDescription("Outbox messages moved to the dead letter table"))
	if err != nil {
		return nil, err
	}
	duplicates, err := meter.Int64Counter(DuplicatesCounter,
		metric.WithDescription("Deliveries skipped because the consumer already applied the event"))
	if err != nil {
		return nil, err
	}
	return &Counters{
		Dispatched:   &Counter{Counter: dispatched},
		DeadLettered: &Counter{Counter: deadLettered},
		Duplicates:   &Counter{Counter: duplicates},
	}, nil
}

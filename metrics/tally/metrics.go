package tally

import (
	"github.com/3rs4lg4d0/eventbox/evbx"
	tally "github.com/uber-go/tally/v4"
)

const (
	DispatchedCounter   = "dispatched"
	DeadLetteredCounter = "dead_lettered"
	DuplicatesCounter   = "duplicates_skipped"
)

type Counter struct {
	Counter tally.Counter
}

var _ evbx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}

// Counters groups the counters reported by the outbox.
type Counters struct {
	Dispatched   *Counter // messages delivered by the dispatch job
	DeadLettered *Counter // messages moved to the dead letter table
	Duplicates   *Counter // deliveries skipped by the consumer ledger
}

// NewCounters registers the outbox counters in scope.
func NewCounters(scope tally.Scope) *Counters {
	if scope == nil {
		panic("scope is mandatory")
	}
	return &Counters{
		Dispatched:   &Counter{Counter: scope.Counter(DispatchedCounter)},
		DeadLettered: &Counter{Counter: scope.Counter(DeadLetteredCounter)},
		Duplicates:   &Counter{Counter: scope.Counter(DuplicatesCounter)},
	}
}

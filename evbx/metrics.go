package evbx

// Counter is incremented by the dispatch job and the idempotent consumers.
// Adapters for tally and OpenTelemetry live under the metrics directory.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(delta int64)

func (f CounterFunc) Inc(delta int64) {
	f(delta)
}

type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)
var _ Counter = CounterFunc(nil)

func (*NopCounter) Inc(int64) {}

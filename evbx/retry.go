package evbx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff waits n*interval before the n-th retry.
type linearBackOff struct {
	interval time.Duration
	retries  int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.retries++
	return time.Duration(b.retries) * b.interval
}

func (b *linearBackOff) Reset() {
	b.retries = 0
}

// retryPolicy runs an operation once and retries it up to maxRetries times.
type retryPolicy struct {
	interval   time.Duration
	maxRetries int
	logger     Logger
}

// run returns nil as soon as op succeeds. When every attempt failed the last
// error is wrapped in a retryExhaustedError. Cancelling ctx stops the retries
// and returns the context error.
func (p *retryPolicy) run(ctx context.Context, what string, op func(ctx context.Context) error) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, op(ctx)
	},
		backoff.WithBackOff(&linearBackOff{interval: p.interval}),
		backoff.WithMaxTries(uint(p.maxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn(fmt.Sprintf("%s failed (attempt %d), retrying in %s: %v", what, attempts, next, err))
		}),
	)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &retryExhaustedError{attempts: attempts, err: err}
}

package evbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// Publisher delivers a domain event to its consumers. Implementations report
// consumer failures as errors; the dispatch job retries them.
type Publisher interface {
	Publish(ctx context.Context, e DomainEvent) error
}

// Job claims pending outbox messages, publishes them and records the outcome.
// Messages that cannot be delivered are moved to the dead letter store.
type Job struct {
	settings   Settings
	repository Repository
	codec      *Codec
	publisher  Publisher
	retry      *retryPolicy
	logger     Logger
	successCtr Counter
	errorCtr   Counter
	now        func() time.Time
}

// outcome is the result of processing a single claimed message.
type outcome struct {
	processed  *OutboxMessage
	deadLetter *DeadLetterMessage
}

// NewJob creates a dispatch Job. The repository, the codec and the publisher are
// mandatory.
func NewJob(s Settings, r Repository, c *Codec, p Publisher, l Logger) *Job {
	if r == nil || c == nil || p == nil {
		panic("you must provide a repository, a codec and a publisher")
	}
	if l == nil {
		l = &NopLogger{}
	}
	validateSettings(&s)
	return &Job{
		settings:   s,
		repository: r,
		codec:      c,
		publisher:  p,
		retry: &retryPolicy{
			interval:   s.RetryInterval,
			maxRetries: s.MaxRetryAttempts,
			logger:     l,
		},
		logger:     l,
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one dispatch invocation: claim a batch, publish every claimed
// message and save the results. Claim and save failures are returned as a
// *PersistenceError. If ctx is cancelled the batch is abandoned without saving
// and the claimed messages become claimable again once their claim expires.
func (j *Job) Execute(ctx context.Context) error {
	claimed, err := j.repository.ClaimPending(ctx, j.settings.MaxMessagesPerBatch, j.settings.staleBefore(j.now()))
	if err != nil {
		j.logger.Error("claiming outbox messages", err)
		return &PersistenceError{Op: "claim", Err: err}
	}
	if len(claimed) == 0 {
		j.logger.Debug("no pending outbox messages")
		return nil
	}
	j.logger.Debug(fmt.Sprintf("%d outbox messages claimed", len(claimed)))

	outcomes := make([]outcome, len(claimed))
	p := pool.New().WithMaxGoroutines(j.settings.MaxConcurrency)
	for i, m := range claimed {
		i, m := i, m
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			outcomes[i] = j.process(ctx, m)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		j.logger.Warn(fmt.Sprintf("dispatch cancelled, abandoning a batch of %d messages", len(claimed)))
		return err
	}

	var processed []*OutboxMessage
	var deadLetters []*DeadLetterMessage
	for _, o := range outcomes {
		if o.processed != nil {
			processed = append(processed, o.processed)
		}
		if o.deadLetter != nil {
			deadLetters = append(deadLetters, o.deadLetter)
		}
	}

	if err := j.repository.Complete(ctx, processed, deadLetters); err != nil {
		j.logger.Error(fmt.Sprintf("saving the results of %d outbox messages", len(claimed)), err)
		return &PersistenceError{Op: "save", Err: err}
	}
	j.successCtr.Inc(int64(len(processed)))
	j.errorCtr.Inc(int64(len(deadLetters)))
	j.logger.Info(fmt.Sprintf("%d messages were successfully processed (with %d dead-lettered) from a total of %d claimed", len(processed), len(deadLetters), len(claimed)))
	return nil
}

// process decodes and publishes a claimed message. The returned outcome is
// empty when ctx was cancelled while publishing.
func (j *Job) process(ctx context.Context, m *OutboxMessage) outcome {
	j.logger.Debug(fmt.Sprintf("processing outbox message '%s'", m.ID))

	e, err := j.codec.Deserialize(m.Content)
	if err != nil {
		// Decode errors are permanent, so nothing is retried.
		j.logger.Error(fmt.Sprintf("decoding outbox message '%s'", m.ID), err)
		return outcome{deadLetter: NewDeadLetterMessage(m, err, 0, j.now())}
	}

	err = j.retry.run(ctx, fmt.Sprintf("publishing outbox message '%s'", m.ID), func(ctx context.Context) error {
		return j.publisher.Publish(ctx, e)
	})
	if err == nil {
		now := j.now()
		m.ProcessedAt = &now
		m.IsProcessing = false
		j.logger.Debug(fmt.Sprintf("outbox message '%s' processed", m.ID))
		return outcome{processed: m}
	}

	var exhausted *retryExhaustedError
	if !errors.As(err, &exhausted) {
		return outcome{}
	}
	j.logger.Error(fmt.Sprintf("moving outbox message '%s' to the dead letter store", m.ID), err)
	return outcome{deadLetter: NewDeadLetterMessage(m, exhausted.err, j.settings.MaxRetryAttempts, j.now())}
}

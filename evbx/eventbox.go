package evbx

import (
	"context"
	"time"
)

// Outbox wires the commit processor, the dispatch job and its scheduler around
// a single repository.
type Outbox struct {
	settings   Settings
	logger     Logger
	repository Repository
	publisher  Publisher
	locker     Locker
	successCtr Counter
	errorCtr   Counter
	now        func() time.Time

	processor *CommitProcessor
	job       *Job
	scheduler *Scheduler
}

// opt allows optional configuration.
type opt func(o *Outbox)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l Logger) opt {
	return func(o *Outbox) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for the messages
// processed and dead-lettered by the dispatch job.
func WithCounters(success, failure Counter) opt {
	return func(o *Outbox) {
		if success != nil {
			o.successCtr = success
		}
		if failure != nil {
			o.errorCtr = failure
		}
	}
}

// WithLocker allows clients to configure the lock that keeps dispatch job
// invocations from overlapping. Defaults to a LocalLocker.
func WithLocker(l Locker) opt {
	return func(o *Outbox) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithClock overrides the source of the processing and dead-letter timestamps.
func WithClock(now func() time.Time) opt {
	return func(o *Outbox) {
		if now != nil {
			o.now = now
		}
	}
}

// New creates an Outbox using the provided settings, options and the
// Repository, Codec and Publisher implementations.
func New(s Settings, r Repository, c *Codec, p Publisher, options ...opt) *Outbox {
	if r == nil || c == nil || p == nil {
		panic("you must provide a repository, a codec and a publisher")
	}
	validateSettings(&s)

	o := &Outbox{
		settings:   s,
		logger:     &NopLogger{},
		repository: r,
		publisher:  p,
		locker:     &LocalLocker{},
		successCtr: &NopCounter{},
		errorCtr:   &NopCounter{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range options {
		opt(o)
	}

	injectLogger(o.logger, r, p, o.locker)

	o.processor = NewCommitProcessor(r, c, o.logger)
	o.job = NewJob(s, r, c, p, o.logger)
	o.job.successCtr = o.successCtr
	o.job.errorCtr = o.errorCtr
	o.job.now = o.now
	o.scheduler = NewScheduler(o.job, o.locker, s.ProcessingInterval, o.logger)
	return o
}

// ProcessAndSave commits the business changes of uow together with the events
// raised by its entities.
func (o *Outbox) ProcessAndSave(ctx context.Context, uow UnitOfWork) error {
	return o.processor.ProcessAndSave(ctx, uow)
}

// Execute runs a single dispatch job invocation, regardless of the locker.
func (o *Outbox) Execute(ctx context.Context) error {
	return o.job.Execute(ctx)
}

// Run schedules the dispatch job until ctx is done.
func (o *Outbox) Run(ctx context.Context) error {
	o.logger.Debug("the outbox dispatch job is scheduled")
	return o.scheduler.Run(ctx)
}

// Settings returns the effective settings, defaults included.
func (o *Outbox) Settings() Settings {
	return o.settings
}

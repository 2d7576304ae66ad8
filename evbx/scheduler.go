package evbx

import (
	"context"
	"sync/atomic"
	"time"
)

// LocalLocker is a Locker that only guards against overlapping invocations
// within the current process.
type LocalLocker struct {
	held atomic.Bool
}

var _ Locker = (*LocalLocker)(nil)

func (l *LocalLocker) TryLock(context.Context) (bool, error) {
	return l.held.CompareAndSwap(false, true), nil
}

func (l *LocalLocker) Unlock(context.Context) error {
	if !l.held.CompareAndSwap(true, false) {
		return ErrLockNotHeld
	}
	return nil
}

// Executor runs one dispatch job invocation. Job implements it.
type Executor interface {
	Execute(ctx context.Context) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context) error

func (f ExecutorFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// Scheduler triggers a dispatch job periodically. An invocation is skipped when
// the previous one (here or in another process sharing the locker) is still
// running.
type Scheduler struct {
	job      Executor
	locker   Locker
	interval time.Duration
	logger   Logger
}

// NewScheduler creates a Scheduler for j. A LocalLocker is used when l is nil.
func NewScheduler(j Executor, l Locker, interval time.Duration, logger Logger) *Scheduler {
	if j == nil {
		panic("you must provide a job")
	}
	if l == nil {
		l = &LocalLocker{}
	}
	if interval <= 0 {
		interval = defaultProcessingInterval
	}
	if logger == nil {
		logger = &NopLogger{}
	}
	return &Scheduler{job: j, locker: l, interval: interval, logger: logger}
}

// Run invokes the job once per interval until ctx is done. Job errors are
// logged and do not stop the scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick runs a single guarded invocation and reports whether the job ran.
func (s *Scheduler) tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	acquired, err := s.locker.TryLock(ctx)
	if err != nil {
		s.logger.Error("unable to get the lock", err)
		return false
	}
	if !acquired {
		s.logger.Debug("a dispatch job is already running, skipping")
		return false
	}
	defer func() {
		// The job context may be cancelled by now.
		if err := s.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Error("releasing the lock", err)
		}
	}()
	if err := s.job.Execute(ctx); err != nil {
		s.logger.Error("executing dispatch job", err)
	}
	return true
}

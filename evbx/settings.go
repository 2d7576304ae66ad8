package evbx

import (
	"time"
)

const (
	defaultProcessingInterval  time.Duration = time.Second * 10
	defaultMaxMessagesPerBatch int           = 10
	defaultRetryInterval       time.Duration = time.Millisecond * 50
	defaultMaxRetryAttempts    int           = 3
	defaultMaxConcurrency      int           = 1
	defaultClaimTTL            time.Duration = time.Minute * 5
)

const LockLease = time.Second * 15 // max duration of a lock on 'outbox_lock'

type TxKey any

// Settings holds the general eventbox configuration.
type Settings struct {
	ProcessingInterval  time.Duration // interval between dispatch job invocations
	MaxMessagesPerBatch int           // maximum number of messages claimed by each invocation
	RetryInterval       time.Duration // base delay between publish retries (retry n waits n*RetryInterval)
	MaxRetryAttempts    int           // publish retries before a message is dead-lettered
	MaxConcurrency      int           // messages of a batch processed in parallel (1 = strictly in order)
	ClaimTTL            time.Duration // claims older than this are taken again (negative = never)
}

// validateSettings validates the stablished settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.ProcessingInterval <= 0 {
		s.ProcessingInterval = defaultProcessingInterval
	}
	if s.MaxMessagesPerBatch <= 0 {
		s.MaxMessagesPerBatch = defaultMaxMessagesPerBatch
	}
	if s.RetryInterval <= 0 {
		s.RetryInterval = defaultRetryInterval
	}
	if s.MaxRetryAttempts <= 0 {
		s.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = defaultMaxConcurrency
	}
	if s.ClaimTTL == 0 {
		s.ClaimTTL = defaultClaimTTL
	}
}

// staleBefore returns the instant before which a claim is considered abandoned.
// The zero time is returned when abandoned claims must never be taken again.
func (s *Settings) staleBefore(now time.Time) time.Time {
	if s.ClaimTTL < 0 {
		return time.Time{}
	}
	return now.Add(-s.ClaimTTL)
}

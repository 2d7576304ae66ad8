// Package redis provides an evbx.Locker backed by a Redis key, for deployments
// where the dispatch job runs on several hosts.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const defaultKey = "eventbox:outbox:lock"

// ErrLockNotHeld is returned by Unlock when the key is missing or owned by
// someone else, usually because the lease expired.
var ErrLockNotHeld = errors.New("the lock is not held by this locker")

// releaseScript deletes the key only if it still holds the owner token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker takes the outbox lock with SET NX PX. The key expires after the
// lease, so a crashed owner never blocks the job for longer than that.
type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
	lease  time.Duration
	logger evbx.Logger
}

var _ evbx.Locker = (*Locker)(nil)
var _ evbx.Loggable = (*Locker)(nil)

// opt allows optional configuration.
type opt func(l *Locker)

// WithKey overrides the Redis key holding the lock.
func WithKey(key string) opt {
	return func(l *Locker) {
		if key != "" {
			l.key = key
		}
	}
}

// WithLease overrides evbx.LockLease.
func WithLease(d time.Duration) opt {
	return func(l *Locker) {
		if d > 0 {
			l.lease = d
		}
	}
}

func New(client redis.UniversalClient, options ...opt) *Locker {
	if client == nil {
		panic("client is mandatory")
	}
	l := &Locker{
		client: client,
		key:    defaultKey,
		owner:  uuid.NewString(),
		lease:  evbx.LockLease,
		logger: &evbx.NopLogger{},
	}
	for _, o := range options {
		o(l)
	}
	return l
}

// SetLogger sets an optional logger.
func (l *Locker) SetLogger(lg evbx.Logger) {
	l.logger = lg
}

func (l *Locker) TryLock(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.owner, l.lease).Result()
	if err != nil {
		return false, err
	}
	if acquired {
		l.logger.Debug(fmt.Sprintf("the lock was acquired by %s", l.owner))
	}
	return acquired, nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	l.logger.Debug(fmt.Sprintf("the lock was released by %s", l.owner))
	return nil
}

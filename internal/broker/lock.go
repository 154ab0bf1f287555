package broker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// lockTTL bounds how long a crashed holder can keep a lock.
const lockTTL = 10 * time.Second

const lockRetryInterval = 25 * time.Millisecond

// Lock is a named mutual-exclusion lock on the shared store (SET NX with a
// per-holder token). Create one Lock per acquisition attempt.
type Lock struct {
	broker Broker
	name   string
	token  string
}

func NewLock(b Broker, name string) *Lock {
	return &Lock{broker: b, name: name, token: uuid.NewString()}
}

// Acquire polls for the lock for at most wait. It returns false when the lock
// stayed held by someone else for the whole window.
func (l *Lock) Acquire(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.broker.SetNX(ctx, l.name, l.token, lockTTL)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// Release deletes the lock only when this holder still owns it, so a release
// after TTL expiry cannot drop someone else's lock.
func (l *Lock) Release(ctx context.Context) error {
	current, err := l.broker.Get(ctx, l.name)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current != l.token {
		return nil
	}
	return l.broker.Delete(ctx, l.name)
}

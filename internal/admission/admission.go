// Package admission gates how many worker instances may be live at once.
// The counter and the slot-ownership set live in the shared store so every
// API replica observes the same capacity.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
)

const (
	InstanceCountKey  = "instance-count"
	InstanceMaxKey    = "instance-max"
	InstanceOwnersKey = "instance-tasks"
)

// ErrLockUnavailable means capacity could not be checked within the bounded
// wait. Callers must treat it as transient (retry later), not as denial.
var ErrLockUnavailable = errors.New("admission lock unavailable")

// Decision reports the outcome of an acquisition attempt together with the
// observed counter state.
type Decision struct {
	Granted bool
	Current int64
	Max     int64
}

type Controller struct {
	broker      broker.Broker
	lockName    string
	lockTimeout time.Duration
}

func NewController(b broker.Broker, lockName string, lockTimeout time.Duration) *Controller {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	return &Controller{broker: b, lockName: lockName, lockTimeout: lockTimeout}
}

// TryAcquire grants a worker slot to taskID when capacity allows. The
// observe-and-increment is serialized by the store lock; the critical section
// is only the counter read-compare-write, never a downstream call.
func (c *Controller) TryAcquire(ctx context.Context, taskID string) (Decision, error) {
	lock := broker.NewLock(c.broker, c.lockName)
	acquired, err := lock.Acquire(ctx, c.lockTimeout)
	if err != nil {
		return Decision{}, fmt.Errorf("acquire admission lock: %w", err)
	}
	if !acquired {
		return Decision{}, ErrLockUnavailable
	}
	defer func() { _ = lock.Release(ctx) }()

	current, err := c.counter(ctx, InstanceCountKey, 0)
	if err != nil {
		return Decision{}, err
	}
	max, err := c.counter(ctx, InstanceMaxKey, -1)
	if err != nil {
		return Decision{}, err
	}
	if max < 0 {
		return Decision{}, fmt.Errorf("%s is not configured", InstanceMaxKey)
	}

	if current >= max {
		return Decision{Granted: false, Current: current, Max: max}, nil
	}

	added, err := c.broker.AddMember(ctx, InstanceOwnersKey, taskID)
	if err != nil {
		return Decision{}, fmt.Errorf("record slot owner: %w", err)
	}
	if !added {
		// Task already owns a slot; don't count it twice.
		return Decision{Granted: true, Current: current, Max: max}, nil
	}

	current, err = c.broker.Incr(ctx, InstanceCountKey)
	if err != nil {
		_, _ = c.broker.RemoveMember(ctx, InstanceOwnersKey, taskID)
		return Decision{}, fmt.Errorf("increment %s: %w", InstanceCountKey, err)
	}
	return Decision{Granted: true, Current: current, Max: max}, nil
}

// Release frees the slot owned by taskID. It decrements only when the task
// actually held a slot, so double release and release-without-acquire are
// no-ops and the counter never goes negative.
func (c *Controller) Release(ctx context.Context, taskID string) error {
	removed, err := c.broker.RemoveMember(ctx, InstanceOwnersKey, taskID)
	if err != nil {
		return fmt.Errorf("remove slot owner: %w", err)
	}
	if !removed {
		return nil
	}
	if _, err := c.broker.Decr(ctx, InstanceCountKey); err != nil {
		return fmt.Errorf("decrement %s: %w", InstanceCountKey, err)
	}
	return nil
}

func (c *Controller) counter(ctx context.Context, key string, fallback int64) (int64, error) {
	v, err := c.broker.Get(ctx, key)
	if errors.Is(err, broker.ErrNotFound) {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

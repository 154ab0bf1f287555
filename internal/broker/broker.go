package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("key not found")
)

// Message is a single stream entry: an id assigned at publish time plus the
// field map that was published. Ids are ordered, so [start, end] intervals
// can be replayed with Range.
type Message struct {
	ID     string
	Values map[string]string
}

// Broker is the shared rendezvous store between the API, the interactive
// clients and the worker manager. Streams carry control-plane commands with
// consumer-group, at-least-once semantics (explicit Ack). Lists carry the
// lower-latency per-task request/response channels with FIFO ordering within
// one queue. Plain keys hold task status, config and annotation payloads.
type Broker interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// SetNX sets the key only when absent. ttl of zero means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Values(ctx context.Context, pattern string) ([]string, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)

	Push(ctx context.Context, queue, value string) error
	// Pop is non-blocking; the second return reports whether a value was
	// dequeued.
	Pop(ctx context.Context, queue string) (string, bool, error)

	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	// Consume redelivers the group's unacknowledged entries before reading
	// new ones, so a crashed consumer's messages reach the next caller.
	// Consumers must Ack and tolerate duplicates.
	Consume(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Range(ctx context.Context, stream, start, end string) ([]Message, error)

	AddMember(ctx context.Context, key, member string) (bool, error)
	RemoveMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}

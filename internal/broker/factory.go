package broker

import (
	"context"
	"strings"
)

// New creates a redis-backed broker when an address is configured, otherwise
// an in-memory one.
func New(ctx context.Context, cfg RedisConfig) (Broker, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return NewMemoryBroker(), nil
	}
	return NewRedisBroker(ctx, cfg)
}

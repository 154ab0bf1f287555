package broker

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with the same semantics as the Redis
// implementation. It backs tests and store-less development runs.
type MemoryBroker struct {
	mu      sync.Mutex
	kv      map[string]memoryValue
	queues  map[string][]string
	streams map[string]*memoryStream
	sets    map[string]map[string]struct{}
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memoryStream struct {
	entries []Message
	seq     int64
	groups  map[string]*memoryGroup
}

type memoryGroup struct {
	cursor  int
	pending map[string]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		kv:      make(map[string]memoryValue),
		queues:  make(map[string][]string),
		streams: make(map[string]*memoryStream),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (b *MemoryBroker) Get(_ context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.liveValue(key)
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (b *MemoryBroker) Set(_ context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = memoryValue{value: value}
	return nil
}

func (b *MemoryBroker) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.liveValue(key); ok {
		return false, nil
	}
	mv := memoryValue{value: value}
	if ttl > 0 {
		mv.expiresAt = time.Now().Add(ttl)
	}
	b.kv[key] = mv
	return true, nil
}

func (b *MemoryBroker) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.kv, key)
	}
	return nil
}

func (b *MemoryBroker) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for key := range b.kv {
		if _, ok := b.liveValue(key); !ok {
			continue
		}
		if matched, err := path.Match(pattern, key); err == nil && matched {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBroker) Values(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		if v, ok := b.liveValue(key); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func (b *MemoryBroker) Incr(_ context.Context, key string) (int64, error) {
	return b.add(key, 1)
}

func (b *MemoryBroker) Decr(_ context.Context, key string) (int64, error) {
	return b.add(key, -1)
}

func (b *MemoryBroker) add(key string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var current int64
	if v, ok := b.liveValue(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("incr %s: value is not an integer", key)
		}
		current = n
	}
	current += delta
	b.kv[key] = memoryValue{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (b *MemoryBroker) Push(_ context.Context, queue, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[queue] = append(b.queues[queue], value)
	return nil
}

func (b *MemoryBroker) Pop(_ context.Context, queue string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if len(q) == 0 {
		return "", false, nil
	}
	v := q[0]
	b.queues[queue] = q[1:]
	return v, true, nil
}

func (b *MemoryBroker) Publish(_ context.Context, stream string, values map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	s.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	s.entries = append(s.entries, Message{ID: id, Values: copied})
	return id, nil
}

func (b *MemoryBroker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{pending: make(map[string]struct{})}
	}
	return nil
}

func (b *MemoryBroker) Consume(_ context.Context, stream, group, _ string, count int64, _ time.Duration) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, fmt.Errorf("consume %s: no such group %q", stream, group)
	}
	var out []Message
	// Redeliver unacknowledged entries first so a consumer that crashed
	// before acking cannot lose a command.
	for _, msg := range s.entries {
		if int64(len(out)) >= count {
			return out, nil
		}
		if _, unacked := g.pending[msg.ID]; unacked {
			out = append(out, msg)
		}
	}
	for g.cursor < len(s.entries) && int64(len(out)) < count {
		msg := s.entries[g.cursor]
		g.cursor++
		g.pending[msg.ID] = struct{}{}
		out = append(out, msg)
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, stream, group string, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return fmt.Errorf("ack %s: no such group %q", stream, group)
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

func (b *MemoryBroker) Range(_ context.Context, stream, start, end string) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stream(stream)
	var out []Message
	for _, msg := range s.entries {
		if start != "-" && compareIDs(msg.ID, start) < 0 {
			continue
		}
		if end != "+" && compareIDs(msg.ID, end) > 0 {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *MemoryBroker) AddMember(_ context.Context, key, member string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (b *MemoryBroker) RemoveMember(_ context.Context, key, member string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.sets[key]
	if !ok {
		return false, nil
	}
	if _, exists := set[member]; !exists {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

func (b *MemoryBroker) Close() error {
	return nil
}

// liveValue must be called with the mutex held.
func (b *MemoryBroker) liveValue(key string) (string, bool) {
	mv, ok := b.kv[key]
	if !ok {
		return "", false
	}
	if !mv.expiresAt.IsZero() && time.Now().After(mv.expiresAt) {
		delete(b.kv, key)
		return "", false
	}
	return mv.value, true
}

func (b *MemoryBroker) stream(name string) *memoryStream {
	s, ok := b.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup)}
		b.streams[name] = s
	}
	return s
}

// compareIDs orders stream ids of the form "<ms>-<seq>".
func compareIDs(a, c string) int {
	ams, aseq := splitID(a)
	cms, cseq := splitID(c)
	if ams != cms {
		if ams < cms {
			return -1
		}
		return 1
	}
	if aseq != cseq {
		if aseq < cseq {
			return -1
		}
		return 1
	}
	return 0
}

func splitID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

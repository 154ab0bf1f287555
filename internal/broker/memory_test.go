package broker

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestQueueFIFOWithinOneTask(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	queue := "task:abc:request"
	other := "task:xyz:request"
	// Interleave publishes across two tasks; order must hold per queue.
	for i := 0; i < 3; i++ {
		if err := b.Push(ctx, queue, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if err := b.Push(ctx, other, fmt.Sprintf("x%d", i)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		v, ok, err := b.Pop(ctx, queue)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if !ok {
			t.Fatalf("Pop() empty at %d, want value", i)
		}
		if want := fmt.Sprintf("m%d", i); v != want {
			t.Fatalf("Pop() = %q, want %q", v, want)
		}
	}
	if _, ok, _ := b.Pop(ctx, queue); ok {
		t.Fatalf("Pop() after drain returned a value, want empty")
	}
}

func TestStreamGroupConsumeAndAck(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	stream := "manager-stream"
	if err := b.EnsureGroup(ctx, stream, "main"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}

	id1, err := b.Publish(ctx, stream, map[string]string{"data": "one"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	id2, err := b.Publish(ctx, stream, map[string]string{"data": "two"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msgs, err := b.Consume(ctx, stream, "main", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("Consume() len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Fatalf("Consume() order = %q,%q, want %q,%q", msgs[0].ID, msgs[1].ID, id1, id2)
	}
	if msgs[0].Values["data"] != "one" {
		t.Fatalf("Consume() values[0] = %v, want data=one", msgs[0].Values)
	}

	if err := b.Ack(ctx, stream, "main", id1, id2); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// Second consume from the same group must not redeliver acked entries.
	again, err := b.Consume(ctx, stream, "main", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Consume() second error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("Consume() second len = %d, want 0", len(again))
	}
}

func TestUnackedMessagesAreRedelivered(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	stream := "manager-stream"
	if err := b.EnsureGroup(ctx, stream, "main"); err != nil {
		t.Fatalf("EnsureGroup() error = %v", err)
	}
	id, err := b.Publish(ctx, stream, map[string]string{"data": "init"})
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// First consumer reads but dies before acking.
	msgs, err := b.Consume(ctx, stream, "main", "c1", 10, 0)
	if err != nil {
		t.Fatalf("Consume() c1 error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Consume() c1 = %v, want the published entry", msgs)
	}

	// The entry must reach the next consumer in the group.
	msgs, err = b.Consume(ctx, stream, "main", "c2", 10, 0)
	if err != nil {
		t.Fatalf("Consume() c2 error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("Consume() c2 = %v, want redelivery of %s", msgs, id)
	}
	if msgs[0].Values["data"] != "init" {
		t.Fatalf("redelivered values = %v, want data=init", msgs[0].Values)
	}

	if err := b.Ack(ctx, stream, "main", id); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	msgs, err = b.Consume(ctx, stream, "main", "c3", 10, 0)
	if err != nil {
		t.Fatalf("Consume() c3 error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("Consume() after ack = %v, want none", msgs)
	}
}

func TestStreamRangeByIDInterval(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	stream := "audit"
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := b.Publish(ctx, stream, map[string]string{"n": fmt.Sprintf("%d", i)})
		if err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		ids = append(ids, id)
	}

	all, err := b.Range(ctx, stream, "-", "+")
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("Range(-,+) len = %d, want 4", len(all))
	}

	mid, err := b.Range(ctx, stream, ids[1], ids[2])
	if err != nil {
		t.Fatalf("Range() error = %v", err)
	}
	if len(mid) != 2 || mid[0].ID != ids[1] || mid[1].ID != ids[2] {
		t.Fatalf("Range(%s,%s) = %v, want ids[1..2]", ids[1], ids[2], mid)
	}
}

func TestKeysAndValuesPattern(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	_ = b.Set(ctx, "task:a:status", "ready")
	_ = b.Set(ctx, "task:b:status", "busy")
	_ = b.Set(ctx, "task:a:annotation:status", "waiting")

	// The * wildcard crosses colon boundaries, same as redis globs, so the
	// annotation status key matches too. Callers filter by segment count.
	keys, err := b.Keys(ctx, "task:*:status")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("Keys() = %v, want three matches", keys)
	}

	values, err := b.Values(ctx, "task:a:*")
	if err != nil {
		t.Fatalf("Values() error = %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("Values() = %v, want two values for task a", values)
	}
}

func TestSetNXAndExpiry(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock", "t1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("SetNX() first = %v, %v, want true", ok, err)
	}
	ok, err = b.SetNX(ctx, "lock", "t2", 0)
	if err != nil || ok {
		t.Fatalf("SetNX() second = %v, %v, want false", ok, err)
	}

	time.Sleep(30 * time.Millisecond)
	ok, err = b.SetNX(ctx, "lock", "t3", 0)
	if err != nil || !ok {
		t.Fatalf("SetNX() after expiry = %v, %v, want true", ok, err)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	b := NewMemoryBroker()
	ctx := context.Background()

	first := NewLock(b, "model-init-lock")
	ok, err := first.Acquire(ctx, 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire() first = %v, %v, want true", ok, err)
	}

	second := NewLock(b, "model-init-lock")
	ok, err = second.Acquire(ctx, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() second error = %v", err)
	}
	if ok {
		t.Fatalf("Acquire() second = true, want false while held")
	}

	// A failed acquirer's release must not drop the holder's lock.
	if err := second.Release(ctx); err != nil {
		t.Fatalf("Release() second error = %v", err)
	}
	ok, err = NewLock(b, "model-init-lock").Acquire(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() third error = %v", err)
	}
	if ok {
		t.Fatalf("Acquire() third = true, want false; foreign release dropped the lock")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() first error = %v", err)
	}
	ok, err = NewLock(b, "model-init-lock").Acquire(ctx, 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("Acquire() after release = %v, %v, want true", ok, err)
	}
}

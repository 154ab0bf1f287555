package admission

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
)

func newController(t *testing.T, max int) (*Controller, *broker.MemoryBroker) {
	t.Helper()
	b := broker.NewMemoryBroker()
	if err := b.Set(context.Background(), InstanceMaxKey, strconv.Itoa(max)); err != nil {
		t.Fatalf("seed %s: %v", InstanceMaxKey, err)
	}
	return NewController(b, "model-init-lock", time.Second), b
}

func TestTryAcquireGrantsUpToMax(t *testing.T) {
	c, _ := newController(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := c.TryAcquire(ctx, fmt.Sprintf("task-%d", i))
		if err != nil {
			t.Fatalf("TryAcquire(%d) error = %v", i, err)
		}
		if !d.Granted {
			t.Fatalf("TryAcquire(%d) granted = false, want true", i)
		}
	}

	d, err := c.TryAcquire(ctx, "task-overflow")
	if err != nil {
		t.Fatalf("TryAcquire(overflow) error = %v", err)
	}
	if d.Granted {
		t.Fatalf("TryAcquire(overflow) granted = true, want denial at capacity")
	}
	if d.Current != 2 || d.Max != 2 {
		t.Fatalf("denial state = %d/%d, want 2/2", d.Current, d.Max)
	}
}

func TestTwoConcurrentAcquiresMaxOne(t *testing.T) {
	c, _ := newController(t, 1)
	ctx := context.Background()

	results := make(chan Decision, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d, err := c.TryAcquire(ctx, fmt.Sprintf("task-%d", id))
			if err != nil {
				t.Errorf("TryAcquire(%d) error = %v", id, err)
				return
			}
			results <- d
		}(i)
	}
	wg.Wait()
	close(results)

	granted := 0
	for d := range results {
		if d.Granted {
			granted++
		}
	}
	if granted != 1 {
		t.Fatalf("granted = %d, want exactly 1 with max=1", granted)
	}
}

func TestConcurrentAcquiresNeverExceedMax(t *testing.T) {
	const max = 3
	const callers = 16
	c, b := newController(t, max)
	ctx := context.Background()

	var wg sync.WaitGroup
	granted := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			taskID := fmt.Sprintf("task-%d", id)
			d, err := c.TryAcquire(ctx, taskID)
			if err != nil {
				t.Errorf("TryAcquire(%d) error = %v", id, err)
				return
			}
			if d.Granted {
				granted <- taskID
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	count := 0
	for range granted {
		count++
	}
	if count != max {
		t.Fatalf("granted = %d, want %d", count, max)
	}

	// Denied requests must not have incremented the counter.
	v, err := b.Get(ctx, InstanceCountKey)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", InstanceCountKey, err)
	}
	if v != strconv.Itoa(max) {
		t.Fatalf("%s = %s, want %d", InstanceCountKey, v, max)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, b := newController(t, 1)
	ctx := context.Background()

	d, err := c.TryAcquire(ctx, "task-a")
	if err != nil || !d.Granted {
		t.Fatalf("TryAcquire() = %+v, %v, want grant", d, err)
	}

	if err := c.Release(ctx, "task-a"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := c.Release(ctx, "task-a"); err != nil {
		t.Fatalf("Release() second error = %v", err)
	}
	if err := c.Release(ctx, "task-never-acquired"); err != nil {
		t.Fatalf("Release() unknown error = %v", err)
	}

	v, err := b.Get(ctx, InstanceCountKey)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", InstanceCountKey, err)
	}
	if v != "0" {
		t.Fatalf("%s = %s, want 0 after double release", InstanceCountKey, v)
	}

	// The slot is reusable after release.
	d, err = c.TryAcquire(ctx, "task-b")
	if err != nil || !d.Granted {
		t.Fatalf("TryAcquire() after release = %+v, %v, want grant", d, err)
	}
}

func TestTryAcquireLockUnavailable(t *testing.T) {
	b := broker.NewMemoryBroker()
	ctx := context.Background()
	if err := b.Set(ctx, InstanceMaxKey, "1"); err != nil {
		t.Fatalf("seed max: %v", err)
	}
	c := NewController(b, "model-init-lock", 30*time.Millisecond)

	// Simulate another replica holding the lock past our wait window.
	holder := broker.NewLock(b, "model-init-lock")
	if ok, err := holder.Acquire(ctx, time.Second); err != nil || !ok {
		t.Fatalf("holder Acquire() = %v, %v", ok, err)
	}

	_, err := c.TryAcquire(ctx, "task-a")
	if err == nil {
		t.Fatalf("TryAcquire() error = nil, want ErrLockUnavailable")
	}
	if err != ErrLockUnavailable {
		t.Fatalf("TryAcquire() error = %v, want ErrLockUnavailable", err)
	}
}

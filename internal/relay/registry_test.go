package relay

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestConnectDisconnect(t *testing.T) {
	r := NewRegistry(4, nil)
	var closes int32
	s := r.Connect("task-1", func() error {
		atomic.AddInt32(&closes, 1)
		return nil
	})
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}

	r.Disconnect(s)
	if r.Count() != 0 {
		t.Fatalf("Count() after disconnect = %d, want 0", r.Count())
	}
	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("closer ran %d times, want 1", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	r := NewRegistry(4, nil)
	var closes int32
	s := r.Connect("task-1", func() error {
		atomic.AddInt32(&closes, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Disconnect(s)
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&closes); got != 1 {
		t.Fatalf("closer ran %d times, want 1", got)
	}
	if r.Count() != 0 {
		t.Fatalf("Count() = %d, want 0", r.Count())
	}
}

func TestEnqueueAfterDisconnect(t *testing.T) {
	r := NewRegistry(4, nil)
	s := r.Connect("task-1", nil)
	r.Disconnect(s)

	if s.EnqueueInbound([]byte("x")) {
		t.Fatal("EnqueueInbound on closed session = true, want false")
	}
	if s.EnqueueOutbound([]byte("x")) {
		t.Fatal("EnqueueOutbound on closed session = true, want false")
	}
}

func TestEnqueueSaturation(t *testing.T) {
	r := NewRegistry(2, nil)
	s := r.Connect("task-1", nil)
	defer r.Disconnect(s)

	if !s.EnqueueInbound([]byte("a")) || !s.EnqueueInbound([]byte("b")) {
		t.Fatal("enqueue within capacity failed")
	}
	if s.EnqueueInbound([]byte("c")) {
		t.Fatal("EnqueueInbound on full queue = true, want false")
	}
}

func TestMultipleSessionsPerTask(t *testing.T) {
	r := NewRegistry(4, nil)
	a := r.Connect("task-1", nil)
	b := r.Connect("task-1", nil)
	if a.ID == b.ID {
		t.Fatal("sessions for the same task share an ID")
	}
	if r.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", r.Count())
	}
	r.Disconnect(a)
	if r.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", r.Count())
	}
	r.Disconnect(b)
}

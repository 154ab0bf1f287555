package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/observability"
)

// Session is the ephemeral per-socket state: two bounded queues plus a
// once-only closer for the underlying connection. Never persisted.
type Session struct {
	ID       string
	TaskUUID string

	inbound  chan []byte
	outbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once
	closer    func() error
}

// Inbound is the socket→relay queue.
func (s *Session) Inbound() <-chan []byte { return s.inbound }

// Outbound is the relay→socket queue.
func (s *Session) Outbound() <-chan []byte { return s.outbound }

// Closed is closed once the session is disconnected.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// EnqueueInbound hands a raw client frame to the relay. It reports false when
// the session is gone or the queue is saturated; it never blocks.
func (s *Session) EnqueueInbound(raw []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.inbound <- raw:
		return true
	default:
		return false
	}
}

// EnqueueOutbound queues a frame for delivery to the client. Same soft-fail
// semantics as EnqueueInbound.
func (s *Session) EnqueueOutbound(raw []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbound <- raw:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.closer != nil {
			_ = s.closer()
		}
	})
}

// Registry owns all live relay sessions. It is an explicit component passed
// to the pumps, not process-global state.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	queueSize int
	metrics   *observability.Metrics
}

func NewRegistry(queueSize int, metrics *observability.Metrics) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		queueSize: queueSize,
		metrics:   metrics,
	}
}

// Connect registers a session for a task and allocates its queues. closer is
// invoked exactly once on disconnect, no matter how many paths race into it.
func (r *Registry) Connect(taskUUID string, closer func() error) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		TaskUUID: taskUUID,
		inbound:  make(chan []byte, r.queueSize),
		outbound: make(chan []byte, r.queueSize),
		closed:   make(chan struct{}),
		closer:   closer,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(count))
		r.metrics.SessionEvents.WithLabelValues("connected").Inc()
	}
	return s
}

// Disconnect removes the session and closes the socket once. Calling it again
// for the same session is a no-op.
func (r *Registry) Disconnect(s *Session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	_, present := r.sessions[s.ID]
	delete(r.sessions, s.ID)
	count := len(r.sessions)
	r.mu.Unlock()

	s.close()

	if present && r.metrics != nil {
		r.metrics.ActiveSessions.Set(float64(count))
		r.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/admission"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/observability"
)

var (
	ErrNotFound         = errors.New("task not found")
	ErrNotReady         = errors.New("task not ready")
	ErrTerminalState    = errors.New("task already terminated")
	ErrAlreadyExported  = errors.New("task already exported")
	ErrVideoNotReady    = errors.New("video not ready for inference")
	ErrCapacityExceeded = errors.New("maximum live model instances reached")
)

// Manager is the single authoritative state machine for task and annotation
// lifecycle. Every mutating entry point routes through it; handlers never
// touch status keys directly.
type Manager struct {
	mu         sync.Mutex
	broker     broker.Broker
	store      Store
	admission  *admission.Controller
	metrics    *observability.Metrics
	streamName string
}

func NewManager(b broker.Broker, store Store, adm *admission.Controller, metrics *observability.Metrics, streamName string) *Manager {
	return &Manager{
		broker:     b,
		store:      store,
		admission:  adm,
		metrics:    metrics,
		streamName: streamName,
	}
}

// Initialize admits a new worker instance, publishes the initialize_model
// command and seeds the task's shared-store keys. The admission critical
// section is internal to TryAcquire; nothing downstream runs under the lock.
func (m *Manager) Initialize(ctx context.Context, req InitializeRequest) (Command, error) {
	model, err := m.store.GetModel(ctx, req.AiModelID)
	if errors.Is(err, ErrStoreNotFound) {
		return Command{}, fmt.Errorf("%w: ai model %d", ErrNotFound, req.AiModelID)
	}
	if err != nil {
		return Command{}, err
	}
	video, err := m.store.GetVideo(ctx, req.VideoID)
	if errors.Is(err, ErrStoreNotFound) {
		return Command{}, fmt.Errorf("%w: video %d", ErrNotFound, req.VideoID)
	}
	if err != nil {
		return Command{}, err
	}
	if video.Status != VideoStatusReady {
		return Command{}, fmt.Errorf("%w: video %d is %q", ErrVideoNotReady, video.ID, video.Status)
	}

	taskUUID := uuid.NewString()
	decision, err := m.admission.TryAcquire(ctx, taskUUID)
	if err != nil {
		return Command{}, err
	}
	if !decision.Granted {
		m.countAdmission("denied")
		return Command{}, fmt.Errorf("%w (%d/%d)", ErrCapacityExceeded, decision.Current, decision.Max)
	}
	m.countAdmission("granted")

	cmd := Command{
		TaskType: TaskTypeInitializeModel,
		Task:     &InitCommandBody{AiModel: model, Video: video},
		UUID:     taskUUID,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		_ = m.admission.Release(ctx, taskUUID)
		return Command{}, fmt.Errorf("encode init command: %w", err)
	}

	// Publish before flipping any local state so a broker failure leaves
	// nothing to roll back except the slot.
	if _, err := m.broker.Publish(ctx, m.streamName, map[string]string{
		"task_uuid": taskUUID,
		"data":      string(payload),
	}); err != nil {
		_ = m.admission.Release(ctx, taskUUID)
		m.countBrokerError("publish")
		return Command{}, fmt.Errorf("publish init command: %w", err)
	}

	if err := m.seedTaskKeys(ctx, taskUUID, string(payload)); err != nil {
		_ = m.admission.Release(ctx, taskUUID)
		return Command{}, err
	}
	m.countTransition(StatusPending)

	now := time.Now().UTC()
	if _, err := m.store.SaveTask(ctx, Record{
		UUID:            taskUUID,
		Name:            strings.TrimSpace(req.TaskName),
		VideoID:         video.ID,
		AiModelID:       model.ID,
		Config:          string(payload),
		IsActive:        true,
		CreatedAt:       now,
		LastInteraction: now,
	}); err != nil {
		// The task is already live in the shared store; the snapshot is a
		// side effect, so surface the error without unwinding.
		return cmd, fmt.Errorf("persist task record: %w", err)
	}

	return cmd, nil
}

func (m *Manager) seedTaskKeys(ctx context.Context, taskUUID, config string) error {
	if err := m.broker.Set(ctx, ConfigKey(taskUUID), config); err != nil {
		m.countBrokerError("set")
		return fmt.Errorf("set task config: %w", err)
	}
	if err := m.broker.Set(ctx, StatusKey(taskUUID), string(StatusPending)); err != nil {
		m.countBrokerError("set")
		return fmt.Errorf("set task status: %w", err)
	}
	if err := m.broker.Set(ctx, AnnotationStatusKey(taskUUID), string(AnnotationWaiting)); err != nil {
		m.countBrokerError("set")
		return fmt.Errorf("set annotation status: %w", err)
	}
	return nil
}

// Status reads the live task status from the shared store.
func (m *Manager) Status(ctx context.Context, taskUUID string) (Status, error) {
	v, err := m.broker.Get(ctx, StatusKey(taskUUID))
	if errors.Is(err, broker.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, taskUUID)
	}
	if err != nil {
		return "", err
	}
	return Status(v), nil
}

// List returns the status of every live task, keyed by uuid.
func (m *Manager) List(ctx context.Context) (map[string]Status, error) {
	keys, err := m.broker.Keys(ctx, "task:*:status")
	if err != nil {
		return nil, err
	}
	out := make(map[string]Status)
	for _, key := range keys {
		parts := strings.Split(key, ":")
		if len(parts) != 3 {
			// Skip annotation status keys caught by the pattern.
			continue
		}
		v, err := m.broker.Get(ctx, key)
		if err != nil {
			continue
		}
		out[parts[1]] = Status(v)
	}
	return out, nil
}

// Info returns the relational snapshot for a task.
func (m *Manager) Info(ctx context.Context, taskUUID string) (Record, error) {
	rec, err := m.store.GetTask(ctx, taskUUID)
	if errors.Is(err, ErrStoreNotFound) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, taskUUID)
	}
	return rec, err
}

// Reset re-enters the interactive loop from ready. The flip to busy happens
// before the command is queued so a concurrent second reset observes busy and
// is rejected.
func (m *Manager) Reset(ctx context.Context, taskUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, err := m.Status(ctx, taskUUID)
	if err != nil {
		return err
	}
	if !CanTransition(status, StatusBusy) || status != StatusReady {
		return fmt.Errorf("%w: cannot reset at %q", ErrNotReady, status)
	}

	if err := m.broker.Set(ctx, StatusKey(taskUUID), string(StatusBusy)); err != nil {
		m.countBrokerError("set")
		return fmt.Errorf("flip status to busy: %w", err)
	}
	m.countTransition(StatusBusy)

	envelope, _ := json.Marshal(struct {
		MsgType string `json:"msg_type"`
	}{MsgType: TaskTypeReset})
	if err := m.broker.Push(ctx, RequestQueue(taskUUID), string(envelope)); err != nil {
		// Restore ready so the task is not wedged in busy with no worker
		// command in flight.
		if restoreErr := m.broker.Set(ctx, StatusKey(taskUUID), string(StatusReady)); restoreErr != nil {
			log.Printf("task %s: restore ready after failed reset publish: %v", taskUUID, restoreErr)
		}
		m.countBrokerError("push")
		return fmt.Errorf("queue reset command: %w", err)
	}
	return nil
}

// Terminate emits the terminate command and marks the snapshot inactive. It
// returns once the command is durably queued, not once the worker confirms.
// Disconnecting a session never terminates; this is the only path that does.
func (m *Manager) Terminate(ctx context.Context, taskUUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, err := m.Status(ctx, taskUUID)
	if err != nil {
		return err
	}
	if status == StatusCancelled || status == StatusStopped {
		return fmt.Errorf("%w: cannot terminate at %q", ErrTerminalState, status)
	}

	if _, err := m.store.GetTask(ctx, taskUUID); errors.Is(err, ErrStoreNotFound) {
		return fmt.Errorf("%w: %s has no task record", ErrNotFound, taskUUID)
	} else if err != nil {
		return err
	}

	cmd := Command{TaskType: TaskTypeTerminateModel, Task: nil, UUID: taskUUID}
	payload, _ := json.Marshal(cmd)
	if _, err := m.broker.Publish(ctx, m.streamName, map[string]string{
		"task_uuid": taskUUID,
		"data":      string(payload),
	}); err != nil {
		m.countBrokerError("publish")
		return fmt.Errorf("publish terminate command: %w", err)
	}

	if err := m.store.SetTaskInactive(ctx, taskUUID); err != nil {
		return fmt.Errorf("mark task inactive: %w", err)
	}
	if err := m.admission.Release(ctx, taskUUID); err != nil {
		log.Printf("task %s: release instance slot: %v", taskUUID, err)
	}
	return nil
}

// TerminateAll terminates every live task, best effort. It returns how many
// terminations were queued.
func (m *Manager) TerminateAll(ctx context.Context) (int, error) {
	statuses, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	terminated := 0
	for taskUUID := range statuses {
		if err := m.Terminate(ctx, taskUUID); err != nil {
			log.Printf("task %s: terminate: %v", taskUUID, err)
			continue
		}
		terminated++
	}
	return terminated, nil
}

// AnnotationStatus reads the annotation sub-state for a task.
func (m *Manager) AnnotationStatus(ctx context.Context, taskUUID string) (AnnotationStatus, error) {
	v, err := m.broker.Get(ctx, AnnotationStatusKey(taskUUID))
	if errors.Is(err, broker.ErrNotFound) {
		return "", fmt.Errorf("%w: annotation for %s", ErrNotFound, taskUUID)
	}
	if err != nil {
		return "", err
	}
	return AnnotationStatus(v), nil
}

// Annotations returns the task's labeling output, optionally filtered to
// "bbox" or "polygon". Invalid payloads are skipped, not fatal.
func (m *Manager) Annotations(ctx context.Context, taskUUID, format string) ([]ImageAnnotation, error) {
	status, err := m.AnnotationStatus(ctx, taskUUID)
	if err != nil {
		return nil, err
	}
	if status != AnnotationReady {
		return nil, fmt.Errorf("%w: annotation is %q, only ready annotations can be read", ErrNotReady, status)
	}

	raw, err := m.broker.Values(ctx, annotationPattern(taskUUID))
	if err != nil {
		return nil, err
	}
	annotations := make([]ImageAnnotation, 0, len(raw))
	for _, v := range raw {
		var anno ImageAnnotation
		if err := json.Unmarshal([]byte(v), &anno); err != nil {
			log.Printf("task %s: skip malformed annotation: %v", taskUUID, err)
			continue
		}
		switch format {
		case "bbox":
			anno.PolygonAnnotations = nil
		case "polygon":
			anno.BboxAnnotations = nil
		}
		annotations = append(annotations, anno)
	}
	return annotations, nil
}

// Export persists the task's annotations to the relational store. A repeat
// export requires the overwrite flag and updates rows in place.
func (m *Manager) Export(ctx context.Context, taskUUID string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	annotations, err := m.Annotations(ctx, taskUUID, "all")
	if err != nil {
		return err
	}
	if len(annotations) == 0 {
		return fmt.Errorf("%w: no annotations for %s", ErrNotFound, taskUUID)
	}

	rec, err := m.store.GetTask(ctx, taskUUID)
	if errors.Is(err, ErrStoreNotFound) {
		return fmt.Errorf("%w: %s has no task record", ErrNotFound, taskUUID)
	}
	if err != nil {
		return err
	}
	if rec.ExportedAt != nil && !overwrite {
		return fmt.Errorf("%w at %s", ErrAlreadyExported, rec.ExportedAt.Format(time.RFC3339))
	}

	rows := make([]AnnotationRecord, 0, len(annotations))
	for _, anno := range annotations {
		data, err := json.Marshal(anno)
		if err != nil {
			continue
		}
		rows = append(rows, AnnotationRecord{
			TaskID:      rec.ID,
			ImageID:     anno.ImageID,
			ImagePath:   anno.ImagePath,
			Data:        string(data),
			Type:        "all",
			FrameIdx:    anno.Meta.FrameIdx,
			AnnotatedAt: anno.Meta.AnnotatedAt,
		})
	}
	if err := m.store.UpsertAnnotations(ctx, rows); err != nil {
		return fmt.Errorf("persist annotations: %w", err)
	}
	return m.store.SetTaskExported(ctx, taskUUID, time.Now().UTC())
}

func (m *Manager) countTransition(to Status) {
	if m.metrics != nil {
		m.metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (m *Manager) countAdmission(decision string) {
	if m.metrics != nil {
		m.metrics.AdmissionDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Manager) countBrokerError(op string) {
	if m.metrics != nil {
		m.metrics.BrokerErrors.WithLabelValues(op).Inc()
	}
}

package tasks

import (
	"encoding/json"
	"time"
)

// Status is the task lifecycle state kept in the shared store under
// task:{uuid}:status. The worker manager owns the pending→busy→ready leg;
// the API owns the ready→busy reset flip and termination.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBusy      Status = "busy"
	StatusReady     Status = "ready"
	StatusCancelled Status = "cancelled"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusStopped, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from→to is a legal lifecycle edge. Terminal
// states accept nothing; pending is never re-entered.
func CanTransition(from, to Status) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StatusCancelled, StatusStopped, StatusFailed:
		return true
	case StatusBusy:
		return from == StatusPending || from == StatusReady
	case StatusReady:
		return from == StatusBusy
	default:
		return false
	}
}

// AnnotationStatus tracks whether labeling output is available for export.
// It is flipped to ready by the worker, never by the API.
type AnnotationStatus string

const (
	AnnotationWaiting AnnotationStatus = "waiting"
	AnnotationReady   AnnotationStatus = "ready"
)

// Command task types carried on the manager stream and per-task queues.
const (
	TaskTypeInitializeModel = "initialize_model"
	TaskTypeAddPoints       = "add_points"
	TaskTypeRunInference    = "run_inference"
	TaskTypeRemoveObject    = "remove_object"
	TaskTypeTerminateModel  = "terminate_model"
	TaskTypeReset           = "reset"
)

// Command is the control-plane envelope exchanged with the worker manager.
// The payload shape is fixed by TaskType; terminate carries none.
type Command struct {
	TaskType string           `json:"task_type"`
	Task     *InitCommandBody `json:"task"`
	UUID     string           `json:"uuid"`
}

type InitCommandBody struct {
	AiModel Model `json:"ai_model"`
	Video   Video `json:"video"`
}

// Record is the relational snapshot of a task. Liveness lives in the shared
// store; this row is a side effect, not the source of truth.
type Record struct {
	ID              int64      `json:"task_id"`
	UUID            string     `json:"task_uuid"`
	Name            string     `json:"task_name"`
	VideoID         int64      `json:"video_id"`
	AiModelID       int64      `json:"ai_model_id"`
	Config          string     `json:"-"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastInteraction time.Time  `json:"last_interaction"`
	ExportedAt      *time.Time `json:"exported_at,omitempty"`
}

type Model struct {
	ID             int64  `json:"ai_model_id"`
	Name           string `json:"name"`
	CheckpointPath string `json:"checkpoint_path"`
	ConfigPath     string `json:"config_path"`
}

const VideoStatusReady = "ready"

type Video struct {
	ID         int64  `json:"video_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	FrameCount int    `json:"frame_count"`
}

// ImageAnnotation is the per-frame labeling payload the worker writes under
// task:{uuid}:annotation:{image_id}.
type ImageAnnotation struct {
	ImageID            string            `json:"image_id"`
	ImagePath          string            `json:"image_path"`
	BboxAnnotations    []json.RawMessage `json:"bbox_annotations"`
	PolygonAnnotations []json.RawMessage `json:"polygon_annotations"`
	Meta               AnnotationMeta    `json:"meta"`
}

type AnnotationMeta struct {
	FrameIdx    int       `json:"frame_idx"`
	AnnotatedAt time.Time `json:"annotated_at"`
}

// AnnotationRecord is one exported per-image row in the relational store.
type AnnotationRecord struct {
	TaskID      int64
	ImageID     string
	ImagePath   string
	Data        string
	Type        string
	FrameIdx    int
	AnnotatedAt time.Time
}

type InitializeRequest struct {
	TaskName  string `json:"task_name"`
	AiModelID int64  `json:"ai_model_id"`
	VideoID   int64  `json:"video_id"`
}

// Shared-store key layout for one task.

func StatusKey(uuid string) string { return "task:" + uuid + ":status" }

func ConfigKey(uuid string) string { return "task:" + uuid + ":config" }

func AnnotationStatusKey(uuid string) string { return "task:" + uuid + ":annotation:status" }

func annotationPattern(uuid string) string { return "task:" + uuid + ":annotation:[0-9]*" }

// RequestQueue is the client→worker channel for one task.
func RequestQueue(uuid string) string { return "task:" + uuid + ":request" }

// ResponseQueue is the worker→client channel for one task.
func ResponseQueue(uuid string) string { return "task:" + uuid + ":response" }

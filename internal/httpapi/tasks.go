package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/admission"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/tasks"
)

type initializeResponse struct {
	TaskUUID string `json:"task_uuid"`
	Status   string `json:"status"`
}

type statusResponse struct {
	TaskUUID string `json:"task_uuid"`
	Status   string `json:"status"`
}

type annotationStatusResponse struct {
	TaskUUID string `json:"task_uuid"`
	Status   string `json:"status"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req tasks.InitializeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.TaskName) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "task_name is required")
		return
	}
	if req.AiModelID <= 0 || req.VideoID <= 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "ai_model_id and video_id are required")
		return
	}

	cmd, err := s.manager.Initialize(r.Context(), req)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, initializeResponse{
		TaskUUID: cmd.UUID,
		Status:   string(tasks.StatusPending),
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := queryTaskUUID(w, r)
	if !ok {
		return
	}
	status, err := s.manager.Status(r.Context(), taskUUID)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{TaskUUID: taskUUID, Status: string(status)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.manager.List(r.Context())
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	out := make([]statusResponse, 0, len(statuses))
	for uuid, status := range statuses {
		out = append(out, statusResponse{TaskUUID: uuid, Status: string(status)})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTaskInfo(w http.ResponseWriter, r *http.Request) {
	taskUUID := strings.TrimSpace(chi.URLParam(r, "task_uuid"))
	if taskUUID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_uuid", "missing task uuid")
		return
	}
	rec, err := s.manager.Info(r.Context(), taskUUID)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	taskUUID := strings.TrimSpace(chi.URLParam(r, "task_uuid"))
	if taskUUID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_uuid", "missing task uuid")
		return
	}
	if err := s.manager.Reset(r.Context(), taskUUID); err != nil {
		s.respondManagerError(w, err)
		return
	}
	// The reset command is queued for the worker, not yet applied.
	respondJSON(w, http.StatusAccepted, statusResponse{TaskUUID: taskUUID, Status: string(tasks.StatusBusy)})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := queryTaskUUID(w, r)
	if !ok {
		return
	}
	if err := s.manager.Terminate(r.Context(), taskUUID); err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{TaskUUID: taskUUID, Status: string(tasks.StatusCancelled)})
}

func (s *Server) handleTerminateAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.TerminateAll(r.Context())
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"terminated": n})
}

func (s *Server) handleAnnotationStatus(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := queryTaskUUID(w, r)
	if !ok {
		return
	}
	status, err := s.manager.AnnotationStatus(r.Context(), taskUUID)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, annotationStatusResponse{TaskUUID: taskUUID, Status: string(status)})
}

func (s *Server) handleAnnotations(w http.ResponseWriter, r *http.Request) {
	taskUUID, ok := queryTaskUUID(w, r)
	if !ok {
		return
	}
	format := strings.TrimSpace(r.URL.Query().Get("annotation_format"))
	if format == "" {
		format = "all"
	}
	switch format {
	case "all", "bbox", "polygon":
	default:
		respondError(w, http.StatusBadRequest, "invalid_annotation_format", "annotation_format must be one of all, bbox, polygon")
		return
	}

	anns, err := s.manager.Annotations(r.Context(), taskUUID, format)
	if err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, anns)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	taskUUID := strings.TrimSpace(chi.URLParam(r, "task_uuid"))
	if taskUUID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_uuid", "missing task uuid")
		return
	}
	overwrite := strings.EqualFold(r.URL.Query().Get("overwrite"), "true")

	if err := s.manager.Export(r.Context(), taskUUID, overwrite); err != nil {
		s.respondManagerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task_uuid": taskUUID, "exported": true})
}

func queryTaskUUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskUUID := strings.TrimSpace(r.URL.Query().Get("task_uuid"))
	if taskUUID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_uuid", "query parameter task_uuid is required")
		return "", false
	}
	return taskUUID, true
}

// respondManagerError maps lifecycle sentinels onto HTTP statuses. Anything
// unrecognized is treated as a broker or store failure.
func (s *Server) respondManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tasks.ErrNotReady):
		respondError(w, http.StatusConflict, "task_not_ready", err.Error())
	case errors.Is(err, tasks.ErrAlreadyExported):
		respondError(w, http.StatusConflict, "already_exported", err.Error())
	case errors.Is(err, tasks.ErrTerminalState):
		respondError(w, http.StatusBadRequest, "task_terminated", err.Error())
	case errors.Is(err, tasks.ErrVideoNotReady):
		respondError(w, http.StatusBadRequest, "video_not_ready", err.Error())
	case errors.Is(err, tasks.ErrCapacityExceeded):
		respondError(w, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
	case errors.Is(err, admission.ErrLockUnavailable):
		respondError(w, http.StatusServiceUnavailable, "admission_lock_busy", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

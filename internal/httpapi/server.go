package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/admission"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/broker"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/config"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/observability"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/relay"
	"github.com/TAVTechnologies-Research/autolabel-anything-api/internal/tasks"
)

type Server struct {
	cfg      config.Config
	manager  *tasks.Manager
	registry *relay.Registry
	broker   broker.Broker
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, manager *tasks.Manager, registry *relay.Registry, b broker.Broker, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		manager:  manager,
		registry: registry,
		broker:   b,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Delete("/", s.handleTerminateAll)
		r.Get("/status", s.handleTaskStatus)

		r.Post("/inference/initialize", s.handleInitialize)
		r.Post("/inference/terminate", s.handleTerminate)
		r.Get("/inference/{task_uuid}", s.handleSessionWS)

		r.Get("/annotation/status", s.handleAnnotationStatus)
		r.Get("/annotation/", s.handleAnnotations)

		r.Post("/export/{task_uuid}", s.handleExport)
		r.Post("/{task_uuid}/reset", s.handleReset)
		r.Get("/{task_uuid}", s.handleTaskInfo)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.broker.Get(r.Context(), admission.InstanceMaxKey); err != nil && !errors.Is(err, broker.ErrNotFound) {
		respondError(w, http.StatusServiceUnavailable, "broker_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.registry.Count(),
	})
}

// errorResponse mirrors the in-band session error envelope so clients see
// one error shape on both transports.
type errorResponse struct {
	MsgType string         `json:"msg_type"`
	Data    any            `json:"data"`
	Error   map[string]any `json:"error"`
	Message string         `json:"message"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{
		MsgType: "error",
		Error:   map[string]any{"code": code},
		Message: message,
	})
}

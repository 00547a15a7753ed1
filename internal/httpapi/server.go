package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/config"
	"github.com/ent0n29/taskd/internal/events"
	"github.com/ent0n29/taskd/internal/observability"
	"github.com/ent0n29/taskd/internal/orchestrator"
	"github.com/ent0n29/taskd/internal/queue"
	"github.com/ent0n29/taskd/internal/tasks"
)

// Orchestrator is the daemon surface the API drives.
type Orchestrator interface {
	SubmitTask(ctx context.Context, req orchestrator.NewTask) (tasks.Task, error)
	GetTask(ctx context.Context, taskID string) (tasks.Task, error)
	ListTaskEvents(ctx context.Context, taskID string) ([]tasks.EventRecord, error)
	CancelTask(ctx context.Context, taskID string) error
	PauseTask(ctx context.Context, taskID string) error
	ResumeTask(ctx context.Context, taskID string) error
	SendMessage(ctx context.Context, taskID, message string) error
	RespondToApproval(ctx context.Context, approvalID string, approved bool) error
	PendingApprovals() []string
	QueueStatus() queue.Status
	Settings() queue.Settings
	SaveSettings(ctx context.Context, patch queue.SettingsPatch) (queue.Settings, error)
	ClearStuckTasks() (running, queued int)
	Subscribe(topic string) (<-chan events.Event, func())
	CachedExecutors() (active, completed int)
	Closed() bool
}

// Server exposes the daemon over REST and a websocket event stream.
type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	workspaces   tasks.WorkspaceRepository
	metrics      *observability.Metrics
	logger       *zap.Logger
	storeMode    string
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orch Orchestrator, workspaces tasks.WorkspaceRepository, metrics *observability.Metrics, storeMode string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:          cfg,
		orchestrator: orch,
		workspaces:   workspaces,
		metrics:      metrics,
		logger:       logger,
		storeMode:    storeMode,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only subscribe from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
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
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/v1/metrics/stages", s.handleStageMetrics)

	r.Post("/v1/workspaces", s.handleCreateWorkspace)
	r.Get("/v1/workspaces/{id}", s.handleGetWorkspace)
	r.Put("/v1/workspaces/{id}", s.handleUpdateWorkspace)

	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/events", s.handleListTaskEvents)
		r.Post("/{id}/cancel", s.handleCancelTask)
		r.Post("/{id}/pause", s.handlePauseTask)
		r.Post("/{id}/resume", s.handleResumeTask)
		r.Post("/{id}/messages", s.handleSendMessage)
	})

	r.Get("/v1/approvals", s.handleListApprovals)
	r.Post("/v1/approvals/{id}", s.handleRespondApproval)

	r.Get("/v1/queue", s.handleQueueStatus)
	r.Get("/v1/queue/settings", s.handleGetSettings)
	r.Put("/v1/queue/settings", s.handleSaveSettings)
	r.Post("/v1/queue/clear-stuck", s.handleClearStuck)

	r.Get("/v1/events/ws", s.handleEventsWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active, completed := s.orchestrator.CachedExecutors()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"taskStoreMode":      s.storeMode,
		"queue":              s.orchestrator.QueueStatus(),
		"executorsActive":    active,
		"executorsCompleted": completed,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator.Closed() {
		respondError(w, http.StatusServiceUnavailable, "shutting_down", "orchestrator is shutting down")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ready",
		"taskStoreMode": s.storeMode,
	})
}

func (s *Server) handleStageMetrics(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
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
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondDomainError maps orchestrator and store errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, fallbackCode string, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, orchestrator.ErrWorkspaceNotFound):
		respondError(w, http.StatusNotFound, "workspace_not_found", err.Error())
	case errors.Is(err, orchestrator.ErrApprovalNotFound):
		respondError(w, http.StatusNotFound, "approval_not_found", err.Error())
	case errors.Is(err, tasks.ErrStoreNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orchestrator.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, orchestrator.ErrTaskFinished):
		respondError(w, http.StatusConflict, "task_finished", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

func pathID(w http.ResponseWriter, r *http.Request, code string) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, code, "missing id")
		return "", false
	}
	return id, true
}

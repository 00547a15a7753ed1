package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/taskd/internal/orchestrator"
)

type createTaskRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type respondApprovalRequest struct {
	Approved *bool `json:"approved"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.WorkspaceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "workspaceId is required")
		return
	}
	if req.Prompt == "" && strings.TrimSpace(req.Title) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt or title is required")
		return
	}

	task, err := s.orchestrator.SubmitTask(r.Context(), orchestrator.NewTask{
		WorkspaceID: req.WorkspaceID,
		Title:       req.Title,
		Prompt:      req.Prompt,
	})
	if err != nil {
		respondDomainError(w, "task_create_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "invalid_task_id")
	if !ok {
		return
	}
	task, err := s.orchestrator.GetTask(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, "task_get_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "invalid_task_id")
	if !ok {
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	history, err := s.orchestrator.ListTaskEvents(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, "task_events_failed", err)
		return
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"taskId": taskID,
		"events": history,
	})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "task_cancel_failed", s.orchestrator.CancelTask)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "task_pause_failed", s.orchestrator.PauseTask)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.taskAction(w, r, "task_resume_failed", s.orchestrator.ResumeTask)
}

// taskAction runs a lifecycle call and answers with the task's new state.
func (s *Server) taskAction(w http.ResponseWriter, r *http.Request, failCode string, action func(context.Context, string) error) {
	taskID, ok := pathID(w, r, "invalid_task_id")
	if !ok {
		return
	}
	if err := action(r.Context(), taskID); err != nil {
		respondDomainError(w, failCode, err)
		return
	}
	task, err := s.orchestrator.GetTask(r.Context(), taskID)
	if err != nil {
		respondDomainError(w, failCode, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

// handleSendMessage answers once the task is known; the turn itself runs in
// the background and reports through the task's events.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "invalid_task_id")
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return
	}
	if s.orchestrator.Closed() {
		respondDomainError(w, "message_failed", orchestrator.ErrShuttingDown)
		return
	}
	if _, err := s.orchestrator.GetTask(r.Context(), taskID); err != nil {
		respondDomainError(w, "message_failed", err)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.orchestrator.SendMessage(ctx, taskID, req.Message); err != nil {
			s.logger.Warn("follow-up message failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"taskId": taskID,
		"status": "accepted",
	})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"pending": s.orchestrator.PendingApprovals(),
	})
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	approvalID, ok := pathID(w, r, "invalid_approval_id")
	if !ok {
		return
	}
	var req respondApprovalRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Approved == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "approved is required")
		return
	}
	if err := s.orchestrator.RespondToApproval(r.Context(), approvalID, *req.Approved); err != nil {
		respondDomainError(w, "approval_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"approvalId": approvalID,
		"approved":   *req.Approved,
	})
}

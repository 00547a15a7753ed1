package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/taskd/internal/tasks"
)

type workspaceRequest struct {
	Name         string `json:"name"`
	RootPath     string `json:"rootPath"`
	AllowNetwork bool   `json:"allowNetwork"`
	AllowShell   bool   `json:"allowShell"`
	AllowWrites  bool   `json:"allowWrites"`
	AutoApprove  bool   `json:"autoApprove"`
}

func (req workspaceRequest) apply(ws *tasks.Workspace) {
	ws.Name = strings.TrimSpace(req.Name)
	ws.RootPath = strings.TrimSpace(req.RootPath)
	ws.AllowNetwork = req.AllowNetwork
	ws.AllowShell = req.AllowShell
	ws.AllowWrites = req.AllowWrites
	ws.AutoApprove = req.AutoApprove
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	now := time.Now().UTC()
	ws := tasks.Workspace{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	req.apply(&ws)
	if err := s.workspaces.SaveWorkspace(r.Context(), ws); err != nil {
		respondDomainError(w, "workspace_create_failed", err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_workspace_id")
	if !ok {
		return
	}
	ws, err := s.workspaces.GetWorkspace(r.Context(), id)
	if err != nil {
		respondDomainError(w, "workspace_get_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

// handleUpdateWorkspace replaces the permission flags. Running executors see
// the change on their next follow-up message.
func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "invalid_workspace_id")
	if !ok {
		return
	}
	var req workspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	ws, err := s.workspaces.GetWorkspace(r.Context(), id)
	if err != nil {
		respondDomainError(w, "workspace_get_failed", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		req.Name = ws.Name
	}
	req.apply(&ws)
	ws.UpdatedAt = time.Now().UTC()
	if err := s.workspaces.SaveWorkspace(r.Context(), ws); err != nil {
		respondDomainError(w, "workspace_update_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, ws)
}

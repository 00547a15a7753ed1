package httpapi

import (
	"net/http"

	"github.com/ent0n29/taskd/internal/queue"
)

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.QueueStatus())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.Settings())
}

// handleSaveSettings clamps out-of-range values rather than rejecting them.
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var patch queue.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	saved, err := s.orchestrator.SaveSettings(r.Context(), patch)
	if err != nil {
		respondDomainError(w, "settings_save_failed", err)
		return
	}
	respondJSON(w, http.StatusOK, saved)
}

func (s *Server) handleClearStuck(w http.ResponseWriter, _ *http.Request) {
	running, queued := s.orchestrator.ClearStuckTasks()
	respondJSON(w, http.StatusOK, map[string]any{
		"clearedRunning": running,
		"clearedQueued":  queued,
	})
}

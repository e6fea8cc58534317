package api

import "net/http"

// handleEmergencyStop stops every running task and clears the pending queue.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.ResetAll(r.Context())
	if err != nil {
		s.logger.Error("emergency stop", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reset tasks")
		return
	}

	s.logger.Warn("emergency stop", "stopped", counts.Stopped, "cleared", counts.Cleared)
	s.writeJSON(w, http.StatusOK, counts)
}

// handleShutdown resets all tasks and then signals the server to exit. The
// response is written before the shutdown channel fires so the client gets
// an acknowledgment.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.ResetAll(r.Context())
	if err != nil {
		s.logger.Error("shutdown reset", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reset tasks")
		return
	}

	s.logger.Info("shutdown requested", "stopped", counts.Stopped, "cleared", counts.Cleared)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"shutting_down": true,
		"stopped":       counts.Stopped,
		"cleared":       counts.Cleared,
	})

	s.shutdownOnce.Do(func() { close(s.shutdown) })
}

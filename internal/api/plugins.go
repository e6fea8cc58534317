package api

import "net/http"

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.registry.List()
	s.writeJSON(w, http.StatusOK, plugins)
}

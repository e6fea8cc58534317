package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kinohq/kino/internal/model"
	"github.com/kinohq/kino/internal/store"
)

// createProjectRequest is the JSON body for POST /v1/projects.
type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	now := time.Now().UTC()
	p := &model.Project{
		ID:        model.NewID(),
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.logger.Error("create project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := s.store.GetProject(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.logger.Error("get project", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get project")
		return
	}

	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		s.logger.Error("list projects", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}

	if projects == nil {
		projects = []*model.Project{}
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleListProjectFrames(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("get project for frames", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get project")
		return
	}

	frames, err := s.store.ListFramesByProject(r.Context(), id)
	if err != nil {
		s.logger.Error("list frames", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list frames")
		return
	}

	if frames == nil {
		frames = []*model.Frame{}
	}
	s.writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	f, err := s.store.GetFrame(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "frame not found")
		return
	}
	if err != nil {
		s.logger.Error("get frame", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get frame")
		return
	}

	s.writeJSON(w, http.StatusOK, f)
}

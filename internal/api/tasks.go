package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kinohq/kino/internal/engine"
	"github.com/kinohq/kino/internal/model"
	"github.com/kinohq/kino/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// createTaskRequest is the JSON body for POST /v1/tasks.
type createTaskRequest struct {
	Name  string          `json:"name"`
	Type  string          `json:"type"`
	Input json.RawMessage `json:"input"`
}

// listTasksResponse wraps the task list response.
type listTasksResponse struct {
	Tasks []*model.Task `json:"tasks"`
	Total int           `json:"total"`
}

// progressResponse is the JSON response for GET /v1/tasks/:id/progress.
type progressResponse struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Live     bool    `json:"live"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	if req.Name == "" {
		req.Name = req.Type
	}

	task, err := s.engine.Submit(r.Context(), req.Name, req.Type, req.Input)
	if errors.Is(err, engine.ErrUnknownPluginType) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("create task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	s.writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*model.Task
		err   error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		tasks, err = s.store.ListTasksByStatus(r.Context(), status)
	} else {
		tasks, err = s.store.ListTasks(r.Context())
	}
	if err != nil {
		s.logger.Error("list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	if tasks == nil {
		tasks = []*model.Task{}
	}

	s.writeJSON(w, http.StatusOK, listTasksResponse{
		Tasks: tasks,
		Total: len(tasks),
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	started, err := s.engine.Start(r.Context(), id)
	if err != nil {
		s.logger.Error("start task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to start task")
		return
	}
	if !started {
		// Missing, already running, or terminal; report the reason precisely.
		task, gerr := s.store.GetTask(r.Context(), id)
		if errors.Is(gerr, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if gerr != nil {
			s.logger.Error("get task after start rejection", "task_id", id, "error", gerr)
			s.writeError(w, http.StatusInternalServerError, "failed to start task")
			return
		}
		s.writeError(w, http.StatusConflict, "task is not pending, status is "+task.Status)
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get started task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	stopped, err := s.engine.RequestStop(r.Context(), id)
	if err != nil {
		s.logger.Error("stop task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop task")
		return
	}
	if !stopped {
		task, gerr := s.store.GetTask(r.Context(), id)
		if errors.Is(gerr, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		if gerr != nil {
			s.logger.Error("get task after stop rejection", "task_id", id, "error", gerr)
			s.writeError(w, http.StatusInternalServerError, "failed to stop task")
			return
		}
		s.writeError(w, http.StatusConflict, "task is not running, status is "+task.Status)
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.logger.Error("get stopped task", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	// Live plugin progress wins over the last persisted value; between
	// persists the instance is ahead of the store.
	progress, live := s.engine.ProgressOf(id)
	if !live {
		progress = task.Progress
	}

	s.writeJSON(w, http.StatusOK, progressResponse{
		TaskID:   id,
		Status:   task.Status,
		Progress: progress,
		Live:     live,
	})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	stopped := s.engine.StopAll(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.engine.ClearPending(r.Context())
	if err != nil {
		s.logger.Error("clear pending", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear pending tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

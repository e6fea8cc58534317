package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kinohq/kino/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrProjectNotFound is returned when a frame references a missing project.
var ErrProjectNotFound = errors.New("project not found")

// ErrInvalidTransition is returned when a task status update would leave a
// terminal state or skip an edge of the lifecycle graph.
var ErrInvalidTransition = errors.New("invalid status transition")

// TaskUpdate describes a partial update to a task. Status is required; the
// remaining fields are applied only when non-nil.
type TaskUpdate struct {
	Status   string
	Progress *float64
	Result   json.RawMessage
	Error    *string
}

// TaskStats holds aggregate task execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByType   map[string]int `json:"count_by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// TaskStore defines the persistence operations the engine needs for tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context) ([]*model.Task, error)
	ListTasksByStatus(ctx context.Context, status string) ([]*model.Task, error)
	// UpdateTask applies upd to the task, stamping updated_at always,
	// started_at on the first running transition, and completed_at on the
	// first terminal transition. Returns ErrInvalidTransition if the task is
	// already terminal or the edge is not in the lifecycle graph.
	UpdateTask(ctx context.Context, id string, upd TaskUpdate) (*model.Task, error)
	// MarkPendingStopped bulk-transitions every pending task to stopped and
	// returns the number of tasks affected.
	MarkPendingStopped(ctx context.Context) (int, error)
	GetTaskStats(ctx context.Context) (*TaskStats, error)
}

// FrameStore defines the persistence operations for produced artifacts.
type FrameStore interface {
	CreateFrame(ctx context.Context, f *model.Frame) error
	GetFrame(ctx context.Context, id string) (*model.Frame, error)
	UpdateFramePath(ctx context.Context, id, path string) (*model.Frame, error)
	ListFramesByProject(ctx context.Context, projectID string) ([]*model.Frame, error)
}

// ProjectStore defines the persistence operations for projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *model.Project) error
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListProjects(ctx context.Context) ([]*model.Project, error)
}

// Store is the full persistence surface backed by one database.
type Store interface {
	TaskStore
	FrameStore
	ProjectStore
	Close() error
}

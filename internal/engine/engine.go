package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kinohq/kino/internal/event"
	"github.com/kinohq/kino/internal/model"
	"github.com/kinohq/kino/internal/plugin"
	"github.com/kinohq/kino/internal/store"
)

// ErrUnknownPluginType rejects task submission for an unregistered generator.
var ErrUnknownPluginType = errors.New("unknown plugin type")

// orphanedError is the error recorded on tasks found RUNNING at startup.
// Such tasks are necessarily orphaned: the running-set does not survive a
// restart, so nothing is executing them.
const orphanedError = "task interrupted by server restart"

// stoppedByUser is recorded on tasks stopped through RequestStop.
const stoppedByUser = "stopped by user"

// ResetCounts reports the outcome of ResetAll.
type ResetCounts struct {
	Stopped int `json:"stopped"`
	Cleared int `json:"cleared"`
}

// Engine bridges the task store, the plugin registry, and the running-set.
// The running-set is the sole source of truth for which tasks are executing;
// every mutation happens under mu so concurrent start/stop calls for the
// same task id cannot race.
type Engine struct {
	store    store.Store
	registry *plugin.Registry
	broker   *event.Broker
	logger   *slog.Logger
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]plugin.Plugin
}

// New creates an engine over the given store and registry.
func New(s store.Store, reg *plugin.Registry, broker *event.Broker, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		broker:   broker,
		logger:   logger,
		running:  make(map[string]plugin.Plugin),
	}
}

// Broker returns the engine's event broker for observer subscription.
func (e *Engine) Broker() *event.Broker {
	return e.broker
}

// Wait blocks until all in-flight pipeline goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit validates the generator type and persists a new pending task.
// Execution does not begin until Start is called.
func (e *Engine) Submit(ctx context.Context, name, typeName string, input json.RawMessage) (*model.Task, error) {
	if !e.registry.IsRegistered(typeName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPluginType, typeName)
	}

	now := time.Now().UTC()
	t := &model.Task{
		ID:        model.NewID(),
		Name:      name,
		Type:      typeName,
		Input:     input,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	tasksSubmitted.Inc()
	e.logger.Info("task created", "task_id", t.ID, "type", t.Type)
	return t, nil
}

// Start claims a pending task: it instantiates the plugin, registers it in
// the running-set, transitions the task to running, and dispatches the
// pipeline in a goroutine. Returns false without error when the task is
// missing or not pending; the caller does not wait for completion.
func (e *Engine) Start(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A running-set entry means a concurrent Start already won.
	if _, ok := e.running[id]; ok {
		return false, nil
	}

	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get task: %w", err)
	}
	if t.Status != model.StatusPending {
		return false, nil
	}

	factory, err := e.registry.Resolve(t.Type)
	if err != nil {
		// Registered at submit time but gone now; surface on the task.
		errMsg := err.Error()
		if _, uerr := e.store.UpdateTask(ctx, id, store.TaskUpdate{
			Status: model.StatusFailed,
			Error:  &errMsg,
		}); uerr != nil {
			e.logger.Error("fail unresolvable task", "task_id", id, "error", uerr)
		}
		return false, nil
	}

	p := factory()
	e.running[id] = p

	zero := 0.0
	if _, err := e.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status:   model.StatusRunning,
		Progress: &zero,
	}); err != nil {
		delete(e.running, id)
		return false, fmt.Errorf("transition to running: %w", err)
	}

	tasksRunning.Inc()
	e.logger.Info("task started", "task_id", id, "type", t.Type)

	input := t.Input
	e.wg.Go(func() {
		e.execute(id, p, input)
	})

	return true, nil
}

// execute runs one task's pipeline to completion and handles the terminal
// transition. The running-set entry is removed exactly once, even if
// completion handling itself fails.
func (e *Engine) execute(id string, p plugin.Plugin, input json.RawMessage) {
	defer e.removeRunning(id)

	result := e.runPipeline(id, p, input)

	if result.Success {
		e.finishCompleted(id, result.Data)
	} else {
		e.finishFailed(id, result.Err)
	}
}

// runPipeline invokes Generate, converting a panic into a failed result so
// no exception crosses the orchestrator boundary.
func (e *Engine) runPipeline(id string, p plugin.Plugin, input json.RawMessage) (result plugin.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline panic", "task_id", id, "panic", r)
			result = plugin.Failure(fmt.Sprintf("pipeline panic: %v", r))
		}
	}()

	sink := func(progress float64) {
		if _, err := e.store.UpdateTask(context.Background(), id, store.TaskUpdate{
			Status:   model.StatusRunning,
			Progress: &progress,
		}); err != nil {
			// A stop may have landed between callback and persist; the
			// terminal state is absorbing, so this update is dropped.
			if !errors.Is(err, store.ErrInvalidTransition) {
				e.logger.Error("persist progress", "task_id", id, "error", err)
			}
			return
		}
		e.broker.Publish(event.Event{Type: event.TypeTaskProgress, Data: event.TaskProgress{
			TaskID:   id,
			Progress: progress,
		}})
	}

	return p.Generate(context.Background(), id, input, sink)
}

// finishCompleted persists the completed state and attaches frame records.
func (e *Engine) finishCompleted(id string, data map[string]any) {
	ctx := context.Background()

	resultJSON, err := json.Marshal(data)
	if err != nil {
		e.finishFailed(id, fmt.Sprintf("encode result: %v", err))
		return
	}

	full := 100.0
	if _, err := e.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status:   model.StatusCompleted,
		Progress: &full,
		Result:   resultJSON,
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Stopped while the pipeline was unwinding; keep the stop.
			e.logger.Info("completion discarded, task already terminal", "task_id", id)
			return
		}
		e.logger.Error("update completed task", "task_id", id, "error", err)
		return
	}

	tasksFinished.WithLabelValues(model.StatusCompleted).Inc()
	e.logger.Info("task completed", "task_id", id)

	e.broadcastFrames(ctx, id, data)
}

// broadcastFrames emits a frame_updated event per produced frame. The plugin
// creates its own frame records inline for preview support, so the engine
// only attaches to them here; failures are logged and swallowed — frame
// notification must never fail a completed task.
func (e *Engine) broadcastFrames(ctx context.Context, taskID string, data map[string]any) {
	for _, frameID := range resultFrameIDs(data) {
		f, err := e.store.GetFrame(ctx, frameID)
		if err != nil {
			e.logger.Warn("frame missing on completion", "task_id", taskID, "frame_id", frameID, "error", err)
			continue
		}
		e.broker.Publish(event.Event{Type: event.TypeFrameUpdated, Data: event.FrameUpdated{
			FrameID:   f.ID,
			ProjectID: f.ProjectID,
			Path:      f.Path,
			Generator: f.Generator,
			CreatedAt: f.CreatedAt.Format(time.RFC3339),
			UpdatedAt: f.UpdatedAt.Format(time.RFC3339),
		}})
	}
}

// resultFrameIDs extracts produced frame ids from a plugin result payload.
func resultFrameIDs(data map[string]any) []string {
	if ids, ok := data["frames"].([]string); ok {
		return ids
	}
	if id, ok := data["frame_id"].(string); ok && id != "" {
		return []string{id}
	}
	return nil
}

// finishFailed persists the failed state with the pipeline's error message.
func (e *Engine) finishFailed(id, errMsg string) {
	if _, err := e.store.UpdateTask(context.Background(), id, store.TaskUpdate{
		Status: model.StatusFailed,
		Error:  &errMsg,
	}); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Info("failure discarded, task already terminal", "task_id", id)
			return
		}
		e.logger.Error("update failed task", "task_id", id, "error", err)
		return
	}

	tasksFinished.WithLabelValues(model.StatusFailed).Inc()
	e.logger.Error("task failed", "task_id", id, "error", errMsg)
}

// removeRunning deletes the running-set entry for id if still present.
func (e *Engine) removeRunning(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[id]; ok {
		delete(e.running, id)
		tasksRunning.Dec()
	}
}

// RequestStop signals the running plugin to stop and transitions the task to
// stopped. Returns false when the task is missing or not running. The stop
// is a signal only: the background pipeline may still be unwinding when this
// returns.
func (e *Engine) RequestStop(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get task: %w", err)
	}
	if t.Status != model.StatusRunning {
		return false, nil
	}

	if p, ok := e.running[id]; ok {
		p.Stop()
		delete(e.running, id)
		tasksRunning.Dec()
	}

	errMsg := stoppedByUser
	if _, err := e.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status: model.StatusStopped,
		Error:  &errMsg,
	}); err != nil {
		return false, fmt.Errorf("transition to stopped: %w", err)
	}

	tasksFinished.WithLabelValues(model.StatusStopped).Inc()
	e.logger.Info("task stopped", "task_id", id)
	return true, nil
}

// ProgressOf returns the live progress of a running task's plugin instance.
// The second return is false when the task is not in the running-set; the
// caller then falls back to the last persisted progress.
func (e *Engine) ProgressOf(id string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.running[id]
	if !ok {
		return 0, false
	}
	return p.Progress(), true
}

// StopAll requests a stop for every running task and returns the number
// successfully stopped. Individual failures are logged and skipped.
func (e *Engine) StopAll(ctx context.Context) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	stopped := 0
	for _, id := range ids {
		ok, err := e.RequestStop(ctx, id)
		if err != nil {
			e.logger.Error("stop task", "task_id", id, "error", err)
			continue
		}
		if ok {
			stopped++
		}
	}
	return stopped
}

// ClearPending bulk-transitions every pending task to stopped without
// touching running tasks. Returns the number cleared.
func (e *Engine) ClearPending(ctx context.Context) (int, error) {
	n, err := e.store.MarkPendingStopped(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear pending: %w", err)
	}
	if n > 0 {
		e.logger.Info("pending tasks cleared", "count", n)
	}
	return n, nil
}

// ResetAll stops every running task and clears the pending queue. Used by
// emergency-stop and graceful-shutdown flows.
func (e *Engine) ResetAll(ctx context.Context) (ResetCounts, error) {
	stopped := e.StopAll(ctx)
	cleared, err := e.ClearPending(ctx)
	if err != nil {
		return ResetCounts{Stopped: stopped}, err
	}
	return ResetCounts{Stopped: stopped, Cleared: cleared}, nil
}

// RecoverOrphans force-transitions every task persisted as running to
// stopped with progress reset to zero. Must run at startup before accepting
// work: the running-set is in-memory, so any task still marked running
// after a restart has no executor and would stay running forever.
func (e *Engine) RecoverOrphans(ctx context.Context) (int, error) {
	orphans, err := e.store.ListTasksByStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	for _, t := range orphans {
		zero := 0.0
		errMsg := orphanedError
		if _, err := e.store.UpdateTask(ctx, t.ID, store.TaskUpdate{
			Status:   model.StatusStopped,
			Progress: &zero,
			Error:    &errMsg,
		}); err != nil {
			e.logger.Error("recover orphaned task", "task_id", t.ID, "error", err)
			continue
		}
		recovered++
		e.logger.Warn("orphaned task recovered", "task_id", t.ID)
	}
	return recovered, nil
}

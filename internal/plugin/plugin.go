// Package plugin defines the contract between the task orchestrator and
// generator implementations, and the registry that resolves a generator type
// name to a concrete plugin.
package plugin

import (
	"context"
	"encoding/json"
)

// ProgressFunc receives progress updates in the range [0, 100]. The
// orchestrator persists each reported value, so values must be non-decreasing
// for the lifetime of one task.
type ProgressFunc func(progress float64)

// Result is the outcome of one Generate call. Data is the opaque payload
// stored on the task record when Success is true; Err carries the failure
// reason otherwise.
type Result struct {
	Success bool
	Data    map[string]any
	Err     string
}

// Failure builds a failed Result with the given reason.
func Failure(reason string) Result {
	return Result{Success: false, Data: map[string]any{}, Err: reason}
}

// Plugin executes one task's generation pipeline. One instance is created per
// task and lives only while the task is running.
//
// Generate runs the pipeline to completion and returns a Result; it must poll
// the cooperative stop flag between stages and return promptly once it is
// set. Cancellation takes effect only at stage boundaries — a single long
// compute stage is not preempted.
//
// Stop signals the cooperative stop flag. It may be called concurrently with
// Generate and is safe at any time, including before Generate starts or
// after it returns.
//
// Progress returns the last value passed to the progress callback, 0 before
// the first report.
type Plugin interface {
	Generate(ctx context.Context, taskID string, input json.RawMessage, report ProgressFunc) Result
	Stop()
	Progress() float64
	Info() Metadata
}

// Factory constructs a fresh plugin instance for one task.
type Factory func() Plugin

// Capabilities describes what a plugin supports. Used only by external
// callers; the orchestrator treats all plugins uniformly.
type Capabilities struct {
	SupportsStop     bool `json:"supports_stop"`
	SupportsProgress bool `json:"supports_progress"`
	SupportsVariants bool `json:"supports_variants"`
}

// ParamSpec describes one parameter accepted by a plugin's input payload.
type ParamSpec struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Default     any      `json:"default,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Options     []string `json:"options,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Metadata is the static description a plugin advertises.
type Metadata struct {
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	Description  string               `json:"description"`
	Visible      bool                 `json:"visible"`
	Parameters   map[string]ParamSpec `json:"parameters"`
	Capabilities Capabilities         `json:"capabilities"`
}

package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kinohq/kino/internal/event"
	"github.com/kinohq/kino/internal/model"
	"github.com/kinohq/kino/internal/plugin"
	"github.com/kinohq/kino/internal/store"
)

// TypeName is the registry key for the diffusion generator.
const TypeName = "diffusion"

const pluginVersion = "1.0.0"

// gatePollInterval bounds how long a queued task waits before noticing a
// stop request while the compute gate is held by another task.
const gatePollInterval = 20 * time.Millisecond

// errStopped reports cooperative cancellation observed at a stage boundary.
var errStopped = errors.New("generation stopped")

// Progress budget. Phases are fixed percentages of the whole task; the
// per-variant window divides the remaining budget evenly across variants.
const (
	progressLoadStart   = 5.0
	progressLoadDone    = 10.0
	progressVariantsEnd = 95.0
)

// Per-variant stage budget, as percentages of one variant's window.
const (
	variantEncode      = 5.0
	variantLatent      = 10.0
	variantPreviewed   = 15.0
	variantSampleStart = 20.0
	variantSampleEnd   = 85.0
	variantDecode      = 90.0
	variantSave        = 95.0
)

// Input is the diffusion generator's payload. Seed is the base seed; each
// variant derives its own as base + variant index. FrameID switches the
// pipeline into regeneration mode, reusing an existing frame record.
type Input struct {
	Prompt         string  `json:"prompt" validate:"required"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width,omitempty" validate:"omitempty,min=64,max=2048"`
	Height         int     `json:"height,omitempty" validate:"omitempty,min=64,max=2048"`
	Steps          int     `json:"steps,omitempty" validate:"omitempty,min=1,max=150"`
	CFGScale       float64 `json:"cfg_scale,omitempty" validate:"omitempty,min=1,max=20"`
	ModelName      string  `json:"model_name" validate:"required"`
	Seed           *int64  `json:"seed,omitempty"`
	NumVariants    int     `json:"num_variants,omitempty" validate:"omitempty,min=1,max=10"`
	ProjectID      string  `json:"project_id" validate:"required"`
	FrameID        string  `json:"frame_id,omitempty"`
}

func (in *Input) applyDefaults() {
	if in.Width == 0 {
		in.Width = 512
	}
	if in.Height == 0 {
		in.Height = 512
	}
	if in.Steps == 0 {
		in.Steps = 20
	}
	if in.CFGScale == 0 {
		in.CFGScale = 3.5
	}
	if in.NumVariants == 0 {
		in.NumVariants = 1
	}
}

// Config wires the diffusion generator's collaborators.
type Config struct {
	FramesDir string
	Executor  Executor
	Frames    store.FrameStore
	Broker    *event.Broker
	Gate      *plugin.Gate
	Logger    *slog.Logger
}

// Diffusion runs the staged image generation pipeline. One instance exists
// per running task; the model cache and gate are shared across instances
// created by the same factory.
type Diffusion struct {
	plugin.Base
	cfg      Config
	cache    *modelCache
	validate *validator.Validate
}

// NewFactory returns a plugin factory whose instances share one single-slot
// model cache and one compute gate.
func NewFactory(cfg Config) plugin.Factory {
	if cfg.Gate == nil {
		cfg.Gate = plugin.NewGate(1)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cache := &modelCache{}
	validate := validator.New()
	return func() plugin.Plugin {
		return &Diffusion{cfg: cfg, cache: cache, validate: validate}
	}
}

// Info advertises the generator's parameter schema and capabilities.
func (g *Diffusion) Info() plugin.Metadata {
	minVariants, maxVariants := 1.0, 10.0
	minSteps, maxSteps := 1.0, 150.0
	return plugin.Metadata{
		Name:        TypeName,
		Version:     pluginVersion,
		Description: "Staged diffusion image generator with multi-variant support",
		Visible:     true,
		Parameters: map[string]plugin.ParamSpec{
			"prompt":          {Type: "string", Required: true, Description: "Text prompt for generation"},
			"negative_prompt": {Type: "string", Default: ""},
			"model_name":      {Type: "model_selection", Required: true, Description: "Model checkpoint name"},
			"width":           {Type: "integer", Default: 512},
			"height":          {Type: "integer", Default: 512},
			"steps":           {Type: "integer", Default: 20, Min: &minSteps, Max: &maxSteps},
			"cfg_scale":       {Type: "float", Default: 3.5},
			"seed":            {Type: "integer", Description: "Base seed; empty for random"},
			"num_variants":    {Type: "integer", Default: 1, Min: &minVariants, Max: &maxVariants},
			"project_id":      {Type: "string", Required: true},
		},
		Capabilities: plugin.Capabilities{
			SupportsStop:     true,
			SupportsProgress: true,
			SupportsVariants: true,
		},
	}
}

// Generate runs the full pipeline: load the model (through the single-slot
// cache), then produce each variant in turn. The result is all-or-nothing:
// any variant failure fails the task, leaving earlier variants' artifacts
// on disk.
func (g *Diffusion) Generate(ctx context.Context, taskID string, raw json.RawMessage, report plugin.ProgressFunc) plugin.Result {
	var in Input
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &in); err != nil {
			return plugin.Failure(fmt.Sprintf("invalid input payload: %v", err))
		}
	}
	in.applyDefaults()
	if err := g.validate.Struct(&in); err != nil {
		return plugin.Failure(fmt.Sprintf("invalid input payload: %v", err))
	}
	if in.FrameID != "" && in.NumVariants != 1 {
		return plugin.Failure("regeneration supports exactly one variant")
	}

	if g.Stopped() {
		return plugin.Failure(errStopped.Error())
	}

	// The whole compute section runs under the gate: model residency and
	// sampling share one accelerator.
	g.ReportProgress(progressLoadStart, report)
	if err := g.acquireGate(ctx); err != nil {
		return plugin.Failure(err.Error())
	}
	defer g.cfg.Gate.Release()

	m, err := g.loadModel(ctx, in.ModelName)
	if err != nil {
		return plugin.Failure(fmt.Sprintf("load model: %v", err))
	}
	g.ReportProgress(progressLoadDone, report)

	baseSeed := int64(0)
	if in.Seed != nil {
		baseSeed = *in.Seed
	} else {
		baseSeed = rand.Int63n(1 << 32)
	}

	groupID := model.NewID()
	frameIDs := make([]string, 0, in.NumVariants)

	for idx := range in.NumVariants {
		if g.Stopped() {
			return plugin.Failure(errStopped.Error())
		}

		winStart := progressLoadDone + float64(idx)/float64(in.NumVariants)*(progressVariantsEnd-progressLoadDone)
		winEnd := progressLoadDone + float64(idx+1)/float64(in.NumVariants)*(progressVariantsEnd-progressLoadDone)
		scaled := func(p float64) {
			g.ReportProgress(winStart+p*(winEnd-winStart)/100, report)
		}

		frameID, err := g.generateVariant(ctx, taskID, m, in, groupID, idx, baseSeed+int64(idx), scaled)
		if err != nil {
			if errors.Is(err, errStopped) {
				return plugin.Failure(errStopped.Error())
			}
			return plugin.Failure(fmt.Sprintf("variant %d: %v", idx, err))
		}
		frameIDs = append(frameIDs, frameID)
	}

	g.ReportProgress(100, report)

	return plugin.Result{
		Success: true,
		Data: map[string]any{
			"frames":       frameIDs,
			"frame_id":     frameIDs[0],
			"group_id":     groupID,
			"num_variants": in.NumVariants,
			"seed":         baseSeed,
			"project_id":   in.ProjectID,
		},
	}
}

// acquireGate waits for the compute permit, polling the stop flag so a
// queued task honors cancellation promptly.
func (g *Diffusion) acquireGate(ctx context.Context) error {
	for {
		if g.cfg.Gate.TryAcquire() {
			return nil
		}
		if g.Stopped() {
			return errStopped
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(gatePollInterval):
		}
	}
}

// loadModel resolves the model through the shared single-slot cache. Must be
// called with the gate held.
func (g *Diffusion) loadModel(ctx context.Context, ref string) (Model, error) {
	if g.cache.ref == ref && g.cache.model != nil {
		return g.cache.model, nil
	}
	m, err := g.cfg.Executor.LoadModel(ctx, ref)
	if err != nil {
		return nil, err
	}
	g.cache.ref = ref
	g.cache.model = m
	g.cfg.Logger.Info("model loaded", "ref", ref)
	return m, nil
}

// generateVariant produces one variant: frame record, placeholder preview,
// compute stages with per-step previews, final save, sidecar, and events.
// The scaled progress function maps [0,100] onto this variant's window.
func (g *Diffusion) generateVariant(ctx context.Context, taskID string, m Model, in Input, groupID string, idx int, seed int64, scaled func(float64)) (string, error) {
	frame, previewPath, err := g.prepareFrame(ctx, in, groupID, idx)
	if err != nil {
		return "", err
	}

	cond, err := g.cfg.Executor.EncodePrompt(ctx, m, in.Prompt, in.NegativePrompt)
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	scaled(variantEncode)
	if g.Stopped() {
		return "", errStopped
	}

	lat, err := g.cfg.Executor.InitLatent(ctx, m, in.Width, in.Height, seed)
	if err != nil {
		return "", fmt.Errorf("init latent: %w", err)
	}
	scaled(variantLatent)

	// Placeholder preview goes on disk before any compute so observers have
	// something to render immediately.
	if err := os.WriteFile(previewPath, previewBytes(seed, 0), 0o644); err != nil {
		g.cfg.Logger.Warn("write placeholder preview", "path", previewPath, "error", err)
	}
	scaled(variantPreviewed)

	g.publish(event.Event{Type: event.TypeGenerationStarted, Data: event.GenerationStarted{
		TaskID:      taskID,
		FrameID:     frame.ID,
		ProjectID:   in.ProjectID,
		PreviewPath: previewPath,
		Generator:   TypeName,
		VariantID:   idx,
	}})

	if g.Stopped() {
		return "", errStopped
	}

	scaled(variantSampleStart)
	onStep := func(step, total int, preview []byte) {
		scaled(variantSampleStart + float64(step+1)/float64(total)*(variantSampleEnd-variantSampleStart))
		if err := os.WriteFile(previewPath, preview, 0o644); err != nil {
			g.cfg.Logger.Warn("write preview", "path", previewPath, "step", step, "error", err)
		}
	}
	sampled, err := g.cfg.Executor.Sample(ctx, m, cond, lat, in.Steps, in.CFGScale, seed, onStep)
	if err != nil {
		return "", fmt.Errorf("sample: %w", err)
	}
	if g.Stopped() {
		return "", errStopped
	}

	artifact, err := g.cfg.Executor.Decode(ctx, m, sampled)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	scaled(variantDecode)
	if g.Stopped() {
		return "", errStopped
	}

	finalPath := filepath.Join(g.cfg.FramesDir, frame.ID+".png")
	if err := os.WriteFile(finalPath, artifact, 0o644); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	if _, err := g.cfg.Frames.UpdateFramePath(ctx, frame.ID, finalPath); err != nil {
		return "", fmt.Errorf("update frame path: %w", err)
	}
	if previewPath != finalPath {
		if err := os.Remove(previewPath); err != nil && !os.IsNotExist(err) {
			g.cfg.Logger.Warn("remove preview", "path", previewPath, "error", err)
		}
	}
	scaled(variantSave)

	sidecar := sidecarParams{
		Plugin:    TypeName,
		Version:   pluginVersion,
		TaskID:    taskID,
		FrameID:   frame.ID,
		GroupID:   groupID,
		VariantID: idx,
		Seed:      seed,
		Input:     in,
		CreatedAt: time.Now().UTC(),
	}
	if err := writeSidecar(finalPath, sidecar); err != nil {
		g.cfg.Logger.Warn("write sidecar params", "frame_id", frame.ID, "error", err)
	}

	g.publish(event.Event{Type: event.TypeGenerationCompleted, Data: event.GenerationCompleted{
		TaskID:    taskID,
		FrameID:   frame.ID,
		ProjectID: in.ProjectID,
		FinalPath: finalPath,
		Generator: TypeName,
		VariantID: idx,
	}})

	scaled(100)
	return frame.ID, nil
}

// prepareFrame creates the variant's frame record with its placeholder
// preview path, or in regeneration mode fetches the existing record and
// reuses its path for previews.
func (g *Diffusion) prepareFrame(ctx context.Context, in Input, groupID string, idx int) (*model.Frame, string, error) {
	if err := os.MkdirAll(g.cfg.FramesDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create frames dir: %w", err)
	}

	if in.FrameID != "" {
		frame, err := g.cfg.Frames.GetFrame(ctx, in.FrameID)
		if err != nil {
			return nil, "", fmt.Errorf("frame %s not found for regeneration: %w", in.FrameID, err)
		}
		return frame, frame.Path, nil
	}

	now := time.Now().UTC()
	frame := &model.Frame{
		ID:        model.NewID(),
		Generator: TypeName,
		ProjectID: in.ProjectID,
		GroupID:   groupID,
		VariantID: idx,
		CreatedAt: now,
		UpdatedAt: now,
	}
	frame.Path = filepath.Join(g.cfg.FramesDir, frame.ID+"_preview.png")
	if err := g.cfg.Frames.CreateFrame(ctx, frame); err != nil {
		return nil, "", fmt.Errorf("create frame: %w", err)
	}
	return frame, frame.Path, nil
}

func (g *Diffusion) publish(ev event.Event) {
	if g.cfg.Broker != nil {
		g.cfg.Broker.Publish(ev)
	}
}

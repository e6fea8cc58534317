// Package generator implements the staged generation pipeline behind the
// diffusion plugin. The numeric stages (model load, prompt encode, latent
// init, sampling, decode) sit behind the Executor interface; the pipeline
// code owns ordering, cancellation points, variant bookkeeping, previews,
// and event broadcasting.
package generator

import "context"

// Model is an opaque handle to a loaded model set.
type Model any

// Conditioning is an opaque encoded-prompt handle.
type Conditioning any

// Latent is an opaque latent-space handle passed between stages.
type Latent any

// StepFunc is invoked once per sampling step with a low-cost preview
// rendering of the in-progress output. Implementations must not block.
type StepFunc func(step, totalSteps int, preview []byte)

// Executor runs the numeric stages of the pipeline. Each call may suspend on
// I/O or compute; the pipeline only invokes one stage at a time per task and
// serializes compute across tasks with a Gate, so implementations may keep
// a single resident model set.
type Executor interface {
	LoadModel(ctx context.Context, ref string) (Model, error)
	EncodePrompt(ctx context.Context, m Model, prompt, negative string) (Conditioning, error)
	InitLatent(ctx context.Context, m Model, width, height int, seed int64) (Latent, error)
	Sample(ctx context.Context, m Model, cond Conditioning, lat Latent, steps int, cfgScale float64, seed int64, onStep StepFunc) (Latent, error)
	Decode(ctx context.Context, m Model, lat Latent) ([]byte, error)
}

// modelCache is the deliberate single-slot model cache: only one model set
// is resident at a time, and a load is skipped when the requested ref matches
// the last one. Access is guarded by holding the compute Gate, never by the
// cache itself.
type modelCache struct {
	ref   string
	model Model
}

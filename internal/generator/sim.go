package generator

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// SimExecutor is a deterministic stand-in for a real sampling backend. It
// produces seed-derived byte payloads so tests can assert on outputs without
// an accelerator. StepDelay throttles the sampling loop to make cancellation
// and progress observable.
type SimExecutor struct {
	StepDelay time.Duration

	// Error injection for pipeline failure paths.
	LoadErr   error
	EncodeErr error
	SampleErr error
	DecodeErr error

	// LoadCount counts LoadModel calls, exposing single-slot cache behavior.
	LoadCount atomic.Int64
}

type simModel struct{ ref string }

type simConditioning struct{ prompt string }

type simLatent struct {
	width, height int
	seed          int64
	sampled       bool
}

// LoadModel returns a handle tied to ref.
func (e *SimExecutor) LoadModel(ctx context.Context, ref string) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	e.LoadCount.Add(1)
	return simModel{ref: ref}, nil
}

// EncodePrompt returns a conditioning handle for the prompt pair.
func (e *SimExecutor) EncodePrompt(ctx context.Context, _ Model, prompt, negative string) (Conditioning, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.EncodeErr != nil {
		return nil, e.EncodeErr
	}
	return simConditioning{prompt: prompt + "\x00" + negative}, nil
}

// InitLatent seeds an empty latent of the requested dimensions.
func (e *SimExecutor) InitLatent(ctx context.Context, _ Model, width, height int, seed int64) (Latent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &simLatent{width: width, height: height, seed: seed}, nil
}

// Sample iterates the requested number of steps, emitting a preview per step.
func (e *SimExecutor) Sample(ctx context.Context, _ Model, _ Conditioning, lat Latent, steps int, _ float64, seed int64, onStep StepFunc) (Latent, error) {
	l, ok := lat.(*simLatent)
	if !ok {
		return nil, fmt.Errorf("sample: unexpected latent type %T", lat)
	}
	if e.SampleErr != nil {
		return nil, e.SampleErr
	}

	for step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.StepDelay > 0 {
			time.Sleep(e.StepDelay)
		}
		if onStep != nil {
			onStep(step, steps, previewBytes(seed, step))
		}
	}

	l.sampled = true
	return l, nil
}

// Decode renders the sampled latent into a final artifact payload.
func (e *SimExecutor) Decode(ctx context.Context, _ Model, lat Latent) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.DecodeErr != nil {
		return nil, e.DecodeErr
	}
	l, ok := lat.(*simLatent)
	if !ok {
		return nil, fmt.Errorf("decode: unexpected latent type %T", lat)
	}
	if !l.sampled {
		return nil, fmt.Errorf("decode: latent was not sampled")
	}
	return artifactBytes(l.seed, l.width, l.height), nil
}

// previewBytes derives a small deterministic preview payload.
func previewBytes(seed int64, step int) []byte {
	buf := make([]byte, 16)
	copy(buf, "KPRV")
	binary.BigEndian.PutUint64(buf[4:], uint64(seed))
	binary.BigEndian.PutUint32(buf[12:], uint32(step))
	return buf
}

// artifactBytes derives a deterministic final artifact payload.
func artifactBytes(seed int64, width, height int) []byte {
	buf := make([]byte, 20)
	copy(buf, "KIMG")
	binary.BigEndian.PutUint64(buf[4:], uint64(seed))
	binary.BigEndian.PutUint32(buf[12:], uint32(width))
	binary.BigEndian.PutUint32(buf[16:], uint32(height))
	return buf
}

package plugin

import "context"

// Gate serializes access to the scarce compute resource. Generators acquire
// a permit around each variant's compute stage so that two concurrently
// started tasks cannot corrupt the shared model state; with one permit the
// second task queues until the first releases.
type Gate struct {
	permits chan struct{}
}

// NewGate creates a gate with n permits. The engine uses a single permit for
// a single-accelerator deployment.
func NewGate(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{permits: make(chan struct{}, n)}
}

// Acquire blocks until a permit is available or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.permits <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a permit without blocking, reporting whether it succeeded.
func (g *Gate) TryAcquire() bool {
	select {
	case g.permits <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a permit. It must pair with a successful Acquire or
// TryAcquire.
func (g *Gate) Release() {
	select {
	case <-g.permits:
	default:
		panic("plugin: Gate.Release without Acquire")
	}
}

package plugin

import (
	"math"
	"sync/atomic"
)

// Base provides the cooperative stop flag and progress tracking shared by
// all plugins. Embed it and call ReportProgress at stage boundaries.
//
// The zero value is ready to use: the stop flag starts cleared and progress
// starts at 0. The flag is never reset, so a Stop issued before Generate
// begins still takes effect at the first stage boundary.
type Base struct {
	stop     atomic.Bool
	progress atomic.Uint64 // float64 bits
}

// Stop sets the cooperative stop flag. Idempotent and safe to call at any
// time from any goroutine.
func (b *Base) Stop() {
	b.stop.Store(true)
}

// Stopped reports whether a stop has been requested.
func (b *Base) Stopped() bool {
	return b.stop.Load()
}

// Progress returns the last reported progress, 0 before the first report.
func (b *Base) Progress() float64 {
	return math.Float64frombits(b.progress.Load())
}

// ReportProgress clamps p to [0, 100], records it, and forwards it to the
// sink if one is set.
func (b *Base) ReportProgress(p float64, report ProgressFunc) {
	p = math.Min(100, math.Max(0, p))
	b.progress.Store(math.Float64bits(p))
	if report != nil {
		report(p)
	}
}

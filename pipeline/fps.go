package pipeline

import (
	"time"

	"github.com/benbjohnson/clock"
)

// fpsCounter derives an instantaneous frames-per-second figure from the gap
// between consecutive results, the same way the original postprocess loop did.
type fpsCounter struct {
	clock clock.Clock
	last  time.Time
}

func newFPSCounter(c clock.Clock) *fpsCounter {
	if c == nil {
		c = clock.New()
	}
	return &fpsCounter{clock: c}
}

// Tick records a frame and returns the rate implied by the time since the last
// one. The first call returns 0.
func (f *fpsCounter) Tick() float64 {
	now := f.clock.Now()
	defer func() { f.last = now }()
	if f.last.IsZero() {
		return 0
	}
	elapsed := now.Sub(f.last)
	if elapsed <= 0 {
		return 0
	}
	return float64(time.Second) / float64(elapsed)
}

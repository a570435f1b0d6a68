package admission

import (
	"math"
	"time"
)

// gateAccumulator is a scalar that decays with a half-life and accumulates
// reply-worth evidence above a baseline.
type gateAccumulator struct {
	value  float64
	lastTs time.Time
}

// decay applies exponential decay for the time elapsed since lastTs.
func (g *gateAccumulator) decay(now time.Time, halfLife time.Duration) {
	if !g.lastTs.IsZero() && halfLife > 0 {
		if elapsed := now.Sub(g.lastTs); elapsed > 0 {
			g.value *= math.Pow(0.5, float64(elapsed)/float64(halfLife))
		}
	}
	if g.value < 0 || math.IsNaN(g.value) {
		g.value = 0
	}
	g.lastTs = now
}

// add decays, then adds prob-baseline when prob exceeds baseline. Returns the new value.
func (g *gateAccumulator) add(now time.Time, halfLife time.Duration, prob, baseline float64) float64 {
	g.decay(now, halfLife)
	if prob > baseline {
		g.value += prob - baseline
	}
	return g.value
}

func (g *gateAccumulator) reset(now time.Time) {
	g.value = 0
	g.lastTs = now
}

package admission

import (
	"math"
	"time"

	"github.com/nextlevelbuilder/goreply/internal/config"
)

// fatigueCounter is a sliding window of reply timestamps for one sender or group.
type fatigueCounter struct {
	timestamps []time.Time
	lastReply  time.Time
}

// prune drops timestamps older than window.
func (f *fatigueCounter) prune(now time.Time, window time.Duration) {
	cut := 0
	for cut < len(f.timestamps) && now.Sub(f.timestamps[cut]) > window {
		cut++
	}
	if cut > 0 {
		f.timestamps = append(f.timestamps[:0], f.timestamps[cut:]...)
	}
}

func (f *fatigueCounter) record(now time.Time) {
	f.timestamps = append(f.timestamps, now)
	f.lastReply = now
}

// fatigueGate evaluates one fatigue counter against its config.
type fatigueGate struct {
	cfg config.FatigueGateConfig
}

// requiredInterval is the minimum gap since the last reply for a given window count.
// Zero until count exceeds BaseLimit, then MinInterval × BackoffFactor^overload,
// capped at MinInterval × MaxBackoffMultiplier.
func (g fatigueGate) requiredInterval(count int) time.Duration {
	overload := count - g.cfg.BaseLimit
	if overload <= 0 {
		return 0
	}
	base := float64(g.cfg.MinInterval.Std())
	factor := g.cfg.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	maxMult := g.cfg.MaxBackoffMultiplier
	if maxMult < 1 {
		maxMult = 1
	}
	mult := math.Pow(factor, float64(overload))
	if math.IsInf(mult, 0) || mult > maxMult {
		mult = maxMult
	}
	return time.Duration(base * mult)
}

// maxInterval is the backoff ceiling.
func (g fatigueGate) maxInterval() time.Duration {
	maxMult := g.cfg.MaxBackoffMultiplier
	if maxMult < 1 {
		maxMult = 1
	}
	return time.Duration(float64(g.cfg.MinInterval.Std()) * maxMult)
}

// check prunes the counter and reports whether a reply is allowed now,
// plus the normalized fatigue in [0,1].
func (g fatigueGate) check(f *fatigueCounter, now time.Time) (allowed bool, fatigue float64) {
	if f == nil || !g.cfg.Enabled {
		return true, 0
	}
	f.prune(now, g.cfg.Window.Std())
	required := g.requiredInterval(len(f.timestamps))
	if ceiling := g.maxInterval(); ceiling > 0 {
		fatigue = float64(required) / float64(ceiling)
	}
	fatigue = clamp01(fatigue)
	if required == 0 || f.lastReply.IsZero() {
		return true, fatigue
	}
	return now.Sub(f.lastReply) >= required, fatigue
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

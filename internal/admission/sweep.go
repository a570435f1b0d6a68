package admission

import (
	"log/slog"
	"time"
)

// accumulatorFloor is the value below which an idle accumulator is forgotten.
const accumulatorFloor = 1e-3

// Sweep drops stale queued tasks and idle per-sender / per-conversation state.
// Called periodically by the janitor.
func (c *Controller) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped int
	for sender, q := range c.queues {
		dropped += q.dropStale(now, c.cfg.QueueTimeout.Std())
		if q.len() == 0 {
			delete(c.queues, sender)
		}
	}
	c.expired += int64(dropped)

	if window := c.cfg.Attention.Window.Std(); window > 0 {
		for conv, set := range c.attention {
			set.prune(now, window)
			if len(set.lastSeen) == 0 {
				delete(c.attention, conv)
			}
		}
	}

	sweepCounters(c.groupFatigue, now, c.cfg.Fatigue.Group.Window.Std())
	sweepCounters(c.senderFatigue, now, c.cfg.Fatigue.Sender.Window.Std())

	halfLife := c.cfg.Gate.HalfLife.Std()
	for key, acc := range c.gates {
		acc.decay(now, halfLife)
		if acc.value < accumulatorFloor {
			delete(c.gates, key)
		}
	}

	if window := c.cfg.FollowupWindow.Std(); window > 0 {
		for key, ts := range c.botReplies {
			if now.Sub(ts) > window {
				delete(c.botReplies, key)
			}
		}
	}

	if dropped > 0 {
		slog.Debug("admission: swept stale queued tasks", "count", dropped)
	}
}

func sweepCounters(m map[string]*fatigueCounter, now time.Time, window time.Duration) {
	for key, f := range m {
		f.prune(now, window)
		if len(f.timestamps) == 0 && now.Sub(f.lastReply) > window {
			delete(m, key)
		}
	}
}

package conversation

import "time"

// pairsLocked groups history entries into pairs in chronological order.
// A pair's timestamp is its user entry's timestamp.
func pairsLocked(st *State) []PairView {
	var out []PairView
	index := make(map[string]int)
	for _, h := range st.History {
		i, ok := index[h.PairID]
		if !ok {
			i = len(out)
			index[h.PairID] = i
			out = append(out, PairView{PairID: h.PairID, Timestamp: h.Timestamp})
		}
		switch h.Role {
		case "user":
			out[i].User = h.Content
			out[i].Timestamp = h.Timestamp
		case "assistant":
			out[i].Assistant = h.Content
		}
	}
	return out
}

func (m *Manager) pairs(convID string) []PairView {
	c := m.loaded(convID)
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return pairsLocked(&c.state)
}

func inWindow(ts time.Time, start, end *time.Time) bool {
	if start != nil && ts.Before(*start) {
		return false
	}
	if end != nil && !ts.Before(*end) {
		return false
	}
	return true
}

// GetConversationHistoryForContext returns finished pairs for prompt context, oldest first.
//
// Without a window it returns the most recent q.RecentPairs pairs. With a window it returns
// every pair inside [TimeStart, TimeEnd) plus the most recent pairs outside it, as many as
// needed to reach q.RecentPairs. Window hits are never truncated.
func (m *Manager) GetConversationHistoryForContext(convID string, q HistoryQuery) []PairView {
	all := m.pairs(convID)
	recent := q.RecentPairs
	if recent <= 0 {
		recent = m.cfg.RecentPairs
	}

	if q.TimeStart == nil && q.TimeEnd == nil {
		if len(all) > recent {
			all = all[len(all)-recent:]
		}
		return all
	}

	keep := make([]bool, len(all))
	hits := 0
	for i, p := range all {
		if inWindow(p.Timestamp, q.TimeStart, q.TimeEnd) {
			keep[i] = true
			hits++
		}
	}
	for i := len(all) - 1; i >= 0 && hits < recent; i-- {
		if !keep[i] {
			keep[i] = true
			hits++
		}
	}

	out := make([]PairView, 0, hits)
	for i, p := range all {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// GetConversationPairSlice returns pairs [start, end) counted from the most recent
// (index 0 is the newest pair), newest first, with the min and max timestamps covered.
func (m *Manager) GetConversationPairSlice(convID string, start, end int) PairSlice {
	all := m.pairs(convID)
	n := len(all)
	if start < 0 {
		start = 0
	}
	if end > n {
		end = n
	}
	if start >= end {
		return PairSlice{}
	}

	var s PairSlice
	for i := start; i < end; i++ {
		p := all[n-1-i]
		s.Pairs = append(s.Pairs, p)
		if s.MinTS.IsZero() || p.Timestamp.Before(s.MinTS) {
			s.MinTS = p.Timestamp
		}
		if p.Timestamp.After(s.MaxTS) {
			s.MaxTS = p.Timestamp
		}
	}
	return s
}

// RecentLines renders the last n pairs as "user: ..." / "assistant: ..." lines.
func (m *Manager) RecentLines(convID string, n int) []string {
	pairs := m.GetConversationHistoryForContext(convID, HistoryQuery{RecentPairs: n})
	lines := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		lines = append(lines, "user: "+p.User, "assistant: "+p.Assistant)
	}
	return lines
}

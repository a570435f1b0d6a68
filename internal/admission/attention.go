package admission

import "time"

// attentionSet is the bounded set of senders the bot is currently engaged with in one conversation.
type attentionSet struct {
	lastSeen map[string]time.Time
}

func newAttentionSet() *attentionSet {
	return &attentionSet{lastSeen: make(map[string]time.Time)}
}

func (a *attentionSet) prune(now time.Time, window time.Duration) {
	for id, ts := range a.lastSeen {
		if now.Sub(ts) > window {
			delete(a.lastSeen, id)
		}
	}
}

// allows reports whether sender may proceed: already a member, or there is room.
func (a *attentionSet) allows(sender string, maxSenders int) bool {
	if _, ok := a.lastSeen[sender]; ok {
		return true
	}
	return maxSenders <= 0 || len(a.lastSeen) < maxSenders
}

// touch marks sender as attended. When full, the least recently seen member is evicted.
func (a *attentionSet) touch(sender string, now time.Time, maxSenders int) {
	if _, ok := a.lastSeen[sender]; !ok && maxSenders > 0 && len(a.lastSeen) >= maxSenders {
		var oldestID string
		var oldest time.Time
		for id, ts := range a.lastSeen {
			if oldestID == "" || ts.Before(oldest) {
				oldestID, oldest = id, ts
			}
		}
		delete(a.lastSeen, oldestID)
	}
	a.lastSeen[sender] = now
}

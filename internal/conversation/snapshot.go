package conversation

import (
	"time"

	"github.com/nextlevelbuilder/goreply/internal/store"
)

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func toMessageRecords(msgs []Message) []store.MessageRecord {
	out := make([]store.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, store.MessageRecord{
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			MessageID:  m.MessageID,
			Text:       m.Text,
			Resources:  append([]string(nil), m.Resources...),
			Timestamp:  ms(m.Timestamp),
		})
	}
	return out
}

func fromMessageRecords(recs []store.MessageRecord) []Message {
	out := make([]Message, 0, len(recs))
	for _, r := range recs {
		out = append(out, Message{
			SenderID:   r.SenderID,
			SenderName: r.SenderName,
			MessageID:  r.MessageID,
			Text:       r.Text,
			Resources:  r.Resources,
			Timestamp:  fromMS(r.Timestamp),
		})
	}
	return out
}

// toSnapshot flattens s for persistence.
func (s *State) toSnapshot() *store.ConversationSnapshot {
	snap := &store.ConversationSnapshot{
		Conversations:         make([]store.HistoryRecord, 0, len(s.History)),
		PendingMessages:       toMessageRecords(s.PendingMessages),
		ProcessingMessages:    toMessageRecords(s.ProcessingMessages),
		ActivePairs:           make(map[string]store.PairRecord, len(s.ActivePairs)),
		SenderLastMessageTime: make(map[string]int64, len(s.SenderLastMessageTime)),
	}
	for _, h := range s.History {
		snap.Conversations = append(snap.Conversations, store.HistoryRecord{
			Role: h.Role, Content: h.Content, PairID: h.PairID, Timestamp: ms(h.Timestamp),
		})
	}
	for id, p := range s.ActivePairs {
		var uc *string
		if p.UserContent != nil {
			v := *p.UserContent
			uc = &v
		}
		snap.ActivePairs[id] = store.PairRecord{
			Assistant:     p.Assistant,
			UserContent:   uc,
			CreatedAt:     ms(p.CreatedAt),
			LastUpdatedAt: ms(p.LastUpdatedAt),
			Status:        string(p.Status),
			SenderID:      p.SenderID,
		}
	}
	for k, v := range s.SenderLastMessageTime {
		snap.SenderLastMessageTime[k] = v
	}
	return snap
}

// stateFromSnapshot rebuilds state after a restart. Pairs that were still building
// cannot be resumed and are dropped as cancelled; their ids are returned.
func stateFromSnapshot(snap *store.ConversationSnapshot) (State, []string) {
	st := newState()
	if snap == nil {
		return st, nil
	}
	for _, h := range snap.Conversations {
		st.History = append(st.History, HistoryEntry{
			Role: h.Role, Content: h.Content, PairID: h.PairID, Timestamp: fromMS(h.Timestamp),
		})
	}
	st.PendingMessages = fromMessageRecords(snap.PendingMessages)
	st.ProcessingMessages = fromMessageRecords(snap.ProcessingMessages)
	for k, v := range snap.SenderLastMessageTime {
		st.SenderLastMessageTime[k] = v
	}
	var demoted []string
	for id, p := range snap.ActivePairs {
		if PairStatus(p.Status) == PairBuilding {
			demoted = append(demoted, id)
		}
	}
	return st, demoted
}

// mergeState lays changes made while the store was unreadable on top of the stored state.
// Local history and messages are newer than anything stored, so they go last.
func mergeState(stored, local State) State {
	st := stored
	st.History = append(st.History, local.History...)
	st.PendingMessages = append(st.PendingMessages, local.PendingMessages...)
	st.ProcessingMessages = append(st.ProcessingMessages, local.ProcessingMessages...)
	for id, p := range local.ActivePairs {
		st.ActivePairs[id] = p
	}
	for k, v := range local.SenderLastMessageTime {
		if v > st.SenderLastMessageTime[k] {
			st.SenderLastMessageTime[k] = v
		}
	}
	return st
}

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/goreply/internal/config"
	"github.com/nextlevelbuilder/goreply/internal/store"
)

const (
	defaultSenderTimeout = 2 * time.Minute
	defaultRecentPairs   = 10
	persistTimeout       = 5 * time.Second
)

// conversation is one loaded State plus its read lock.
// Writers run on the executor worker for the key and take mu only around the mutation.
// Lock order: conversation.mu before Manager.mu, never the reverse.
type conversation struct {
	mu        sync.RWMutex
	state     State
	touchedAt time.Time

	// synced is false until the store has been read successfully. Until then
	// changes stay in memory and nothing is written back.
	synced bool

	// dirty marks changes the store does not hold yet.
	dirty bool
}

// Manager is the conversation state manager.
type Manager struct {
	cfg   config.ConversationConfig
	store store.ConversationStore
	exec  *Executor
	now   func() time.Time

	// volatile stores keep nothing, so memory is the only copy.
	volatile bool

	// Cancelled is the cooperative cancellation set checked by turn runners.
	Cancelled *CancelledTasks

	mu        sync.RWMutex
	convs     map[string]*conversation
	pairIndex map[string]string // pair id → conversation id
}

// NewManager creates a Manager persisting to st. A nil st disables persistence.
func NewManager(cfg config.ConversationConfig, st store.ConversationStore) *Manager {
	if st == nil {
		st = store.NopStore{}
	}
	_, volatile := st.(store.NopStore)
	if cfg.SenderTimeout <= 0 {
		cfg.SenderTimeout = config.Duration(defaultSenderTimeout)
	}
	if cfg.RecentPairs <= 0 {
		cfg.RecentPairs = defaultRecentPairs
	}
	return &Manager{
		cfg:       cfg,
		store:     st,
		volatile:  volatile,
		exec:      NewExecutor(cfg.ExecutorIdle.Std()),
		now:       time.Now,
		Cancelled: NewCancelledTasks(cfg.CancelledTTL.Std(), cfg.CancelledLimit),
		convs:     make(map[string]*conversation),
		pairIndex: make(map[string]string),
	}
}

// Close drains the executor. The store is owned by the caller.
func (m *Manager) Close() {
	m.exec.Close()
}

// run executes fn on convID's worker with the loaded conversation, then persists it.
// fn returns whether it changed anything worth persisting.
func (m *Manager) run(ctx context.Context, convID string, fn func(c *conversation, now time.Time) bool) error {
	return m.exec.Submit(ctx, convID, func() {
		c := m.load(ctx, convID)
		now := m.now()
		c.mu.Lock()
		if fn(c, now) {
			c.dirty = true
		}
		c.touchedAt = now
		var snap *store.ConversationSnapshot
		if c.synced && c.dirty {
			snap = c.state.toSnapshot()
		}
		c.mu.Unlock()
		if snap == nil {
			return
		}
		err := m.persist(ctx, convID, snap)
		c.mu.Lock()
		c.dirty = err != nil
		c.mu.Unlock()
	})
}

// load returns the in-memory conversation, reading the store on first touch.
// A failed read leaves the conversation unsynced and is retried on the next touch;
// only a successful read that finds nothing starts a conversation from scratch.
// Only called on the executor worker for convID.
func (m *Manager) load(ctx context.Context, convID string) *conversation {
	c := m.loaded(convID)
	if c != nil && c.synced {
		return c
	}

	snap, err := m.store.Get(ctx, convID)
	if err != nil {
		slog.Warn("conversation: load snapshot failed, holding changes in memory", "conversation", convID, "error", err)
		if c == nil {
			c = &conversation{state: newState(), touchedAt: m.now()}
			m.mu.Lock()
			m.convs[convID] = c
			m.mu.Unlock()
		}
		return c
	}
	st, demoted := stateFromSnapshot(snap)
	if len(demoted) > 0 {
		slog.Info("conversation: dropped pairs left building by a previous run", "conversation", convID, "count", len(demoted))
	}

	if c == nil {
		c = &conversation{state: st, touchedAt: m.now(), synced: true}
		m.mu.Lock()
		m.convs[convID] = c
		m.mu.Unlock()
		return c
	}

	c.mu.Lock()
	c.state = mergeState(st, c.state)
	m.trimHistory(&c.state)
	c.synced = true
	c.dirty = true
	c.mu.Unlock()
	slog.Info("conversation: snapshot loaded after earlier failure", "conversation", convID)
	return c
}

func (m *Manager) persist(ctx context.Context, convID string, snap *store.ConversationSnapshot) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := m.store.Set(ctx, convID, snap, m.cfg.SnapshotTTL.Std()); err != nil {
		slog.Warn("conversation: persist snapshot failed", "conversation", convID, "error", err)
		return err
	}
	return nil
}

func (m *Manager) trimHistory(st *State) {
	if limit := m.cfg.MaxHistory; limit > 0 && len(st.History) > limit {
		st.History = append([]HistoryEntry(nil), st.History[len(st.History)-limit:]...)
	}
}

// AddPendingMessage buffers msg and sweeps senders idle past the sender timeout.
func (m *Manager) AddPendingMessage(ctx context.Context, convID string, msg Message) error {
	return m.run(ctx, convID, func(c *conversation, now time.Time) bool {
		m.gcStaleSenders(&c.state, now)
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		c.state.PendingMessages = append(c.state.PendingMessages, msg)
		c.state.SenderLastMessageTime[msg.SenderID] = now.UnixMilli()
		return true
	})
}

// gcStaleSenders drops pending and processing messages of senders silent for longer than the timeout.
func (m *Manager) gcStaleSenders(st *State, now time.Time) {
	timeout := m.cfg.SenderTimeout.Std()
	stale := make(map[string]bool)
	for sender, last := range st.SenderLastMessageTime {
		if now.Sub(time.UnixMilli(last)) > timeout {
			stale[sender] = true
			delete(st.SenderLastMessageTime, sender)
		}
	}
	if len(stale) == 0 {
		return
	}
	keep := func(msgs []Message) []Message {
		out := msgs[:0]
		for _, msg := range msgs {
			if !stale[msg.SenderID] {
				out = append(out, msg)
			}
		}
		return out
	}
	st.PendingMessages = keep(st.PendingMessages)
	st.ProcessingMessages = keep(st.ProcessingMessages)
	slog.Debug("conversation: swept stale senders", "count", len(stale))
}

// StartProcessingMessages moves senderID's pending messages to processing and returns
// everything the sender has in processing, including messages left by a cancelled turn.
func (m *Manager) StartProcessingMessages(ctx context.Context, convID, senderID string) ([]Message, error) {
	var out []Message
	err := m.run(ctx, convID, func(c *conversation, _ time.Time) bool {
		rest := c.state.PendingMessages[:0]
		moved := 0
		for _, msg := range c.state.PendingMessages {
			if msg.SenderID == senderID {
				c.state.ProcessingMessages = append(c.state.ProcessingMessages, msg)
				moved++
				continue
			}
			rest = append(rest, msg)
		}
		c.state.PendingMessages = rest
		for _, msg := range c.state.ProcessingMessages {
			if msg.SenderID == senderID {
				out = append(out, msg)
			}
		}
		return moved > 0
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StartAssistantPair opens a new building pair.
func (m *Manager) StartAssistantPair(ctx context.Context, convID string) (string, error) {
	return m.StartAssistantPairFor(ctx, convID, "")
}

// StartAssistantPairFor opens a new building pair answering senderID. When the pair
// finishes, senderID's processing messages are considered folded into history.
func (m *Manager) StartAssistantPairFor(ctx context.Context, convID, senderID string) (string, error) {
	id := uuid.Must(uuid.NewV7()).String()
	err := m.run(ctx, convID, func(c *conversation, now time.Time) bool {
		c.state.ActivePairs[id] = &Pair{
			ID:            id,
			CreatedAt:     now,
			LastUpdatedAt: now,
			Status:        PairBuilding,
			SenderID:      senderID,
		}
		m.mu.Lock()
		m.pairIndex[id] = convID
		m.mu.Unlock()
		return true
	})
	if err != nil {
		// the job may still run after ctx ended; close the pair it leaves behind
		m.CancelPair(context.WithoutCancel(ctx), convID, id)
		return "", err
	}
	return id, nil
}

// buildingPair returns the pair if it exists and is still building.
func buildingPair(st *State, pairID string) *Pair {
	p, ok := st.ActivePairs[pairID]
	if !ok || p.Status != PairBuilding {
		return nil
	}
	return p
}

// AppendToPair appends assistant text. False when the pair is missing or no longer building.
func (m *Manager) AppendToPair(ctx context.Context, convID, pairID, text string) bool {
	ok := false
	err := m.run(ctx, convID, func(c *conversation, now time.Time) bool {
		p := buildingPair(&c.state, pairID)
		if p == nil {
			slog.Debug("conversation: append to missing or closed pair", "conversation", convID, "pair", pairID)
			return false
		}
		p.Assistant += text
		p.LastUpdatedAt = now
		ok = true
		return true
	})
	return err == nil && ok
}

// closePairLocked removes a pair from the active set with a terminal status.
func (m *Manager) closePairLocked(st *State, p *Pair, status PairStatus) {
	p.Status = status
	delete(st.ActivePairs, p.ID)
	m.mu.Lock()
	delete(m.pairIndex, p.ID)
	m.mu.Unlock()
}

// CancelPair cancels a building pair.
func (m *Manager) CancelPair(ctx context.Context, convID, pairID string) bool {
	ok := false
	err := m.run(ctx, convID, func(c *conversation, _ time.Time) bool {
		p := buildingPair(&c.state, pairID)
		if p == nil {
			slog.Debug("conversation: cancel of missing or closed pair", "conversation", convID, "pair", pairID)
			return false
		}
		m.closePairLocked(&c.state, p, PairCancelled)
		ok = true
		return true
	})
	return err == nil && ok
}

// CancelAllBuildingPairs cancels every building pair and returns how many were cancelled.
func (m *Manager) CancelAllBuildingPairs(ctx context.Context, convID string) int {
	n := 0
	err := m.run(ctx, convID, func(c *conversation, _ time.Time) bool {
		for _, p := range c.state.ActivePairs {
			if p.Status == PairBuilding {
				m.closePairLocked(&c.state, p, PairCancelled)
				n++
			}
		}
		return n > 0
	})
	if err != nil {
		return 0
	}
	return n
}

// FinishPair commits a building pair to history. It returns false, leaving history
// untouched, when the pair is missing, not building, or either side is empty; an
// empty building pair is cancelled.
func (m *Manager) FinishPair(ctx context.Context, convID, pairID, userContent string) bool {
	ok := false
	err := m.run(ctx, convID, func(c *conversation, now time.Time) bool {
		p := buildingPair(&c.state, pairID)
		if p == nil {
			slog.Debug("conversation: finish of missing or closed pair", "conversation", convID, "pair", pairID)
			return false
		}
		if strings.TrimSpace(userContent) == "" || strings.TrimSpace(p.Assistant) == "" {
			m.closePairLocked(&c.state, p, PairCancelled)
			slog.Debug("conversation: empty pair cancelled", "conversation", convID, "pair", pairID)
			return true
		}

		uc := userContent
		p.UserContent = &uc
		p.LastUpdatedAt = now
		c.state.History = append(c.state.History,
			HistoryEntry{Role: "user", Content: uc, PairID: p.ID, Timestamp: p.CreatedAt},
			HistoryEntry{Role: "assistant", Content: p.Assistant, PairID: p.ID, Timestamp: now},
		)
		m.trimHistory(&c.state)
		if p.SenderID != "" {
			rest := c.state.ProcessingMessages[:0]
			for _, msg := range c.state.ProcessingMessages {
				if msg.SenderID != p.SenderID {
					rest = append(rest, msg)
				}
			}
			c.state.ProcessingMessages = rest
		}
		m.closePairLocked(&c.state, p, PairFinished)
		ok = true
		return true
	})
	return err == nil && ok
}

// CancelPairByID cancels a pair without knowing its conversation.
func (m *Manager) CancelPairByID(ctx context.Context, pairID string) bool {
	m.mu.RLock()
	convID, found := m.pairIndex[pairID]
	m.mu.RUnlock()
	if !found {
		slog.Debug("conversation: cancel by id of unknown pair", "pair", pairID)
		return false
	}
	return m.CancelPair(ctx, convID, pairID)
}

// PendingCount returns how many pending messages senderID has in convID.
func (m *Manager) PendingCount(convID, senderID string) int {
	c := m.loaded(convID)
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, msg := range c.state.PendingMessages {
		if msg.SenderID == senderID {
			n++
		}
	}
	return n
}

// Snapshot returns a deep copy of the in-memory state, or false when convID is not loaded.
func (m *Manager) Snapshot(convID string) (State, bool) {
	c := m.loaded(convID)
	if c == nil {
		return State{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := newState()
	st.History = append(st.History, c.state.History...)
	st.PendingMessages = append(st.PendingMessages, c.state.PendingMessages...)
	st.ProcessingMessages = append(st.ProcessingMessages, c.state.ProcessingMessages...)
	for id, p := range c.state.ActivePairs {
		cp := *p
		st.ActivePairs[id] = &cp
	}
	for k, v := range c.state.SenderLastMessageTime {
		st.SenderLastMessageTime[k] = v
	}
	return st, true
}

func (m *Manager) loaded(convID string) *conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convs[convID]
}

// Sweep evicts expired cancellation marks and unloads conversations idle past StateIdle
// with no building pairs. Only conversations the store fully holds are unloaded; they are
// read back on next use.
func (m *Manager) Sweep(now time.Time) {
	m.Cancelled.Sweep(now)

	idle := m.cfg.StateIdle.Std()
	if idle <= 0 || m.volatile {
		return
	}
	m.mu.RLock()
	all := make(map[string]*conversation, len(m.convs))
	for id, c := range m.convs {
		all[id] = c
	}
	m.mu.RUnlock()

	isIdle := func(c *conversation) bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.synced && !c.dirty && now.Sub(c.touchedAt) > idle && len(c.state.ActivePairs) == 0
	}
	var candidates []string
	for id, c := range all {
		if isIdle(c) {
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		convID := id
		_ = m.exec.Submit(context.Background(), convID, func() {
			c := m.loaded(convID)
			if c == nil || !isIdle(c) {
				return
			}
			m.mu.Lock()
			delete(m.convs, convID)
			m.mu.Unlock()
		})
	}
	if len(candidates) > 0 {
		slog.Debug("conversation: unloaded idle conversations", "count", len(candidates))
	}
}

// Loaded returns the number of conversations held in memory.
func (m *Manager) Loaded() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.convs)
}

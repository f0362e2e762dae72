// Package session maps conversations onto agent-side sessions and keeps that
// mapping durable across restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

// Key identifies one conversation: a chat on a channel.
type Key struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

func (k Key) String() string {
	return k.Channel + ":" + k.ChatID
}

// ParseKey is the inverse of Key.String. The chat id may itself contain colons.
func ParseKey(s string) (Key, error) {
	channel, chatID, ok := strings.Cut(s, ":")
	if !ok || channel == "" || chatID == "" {
		return Key{}, fmt.Errorf("invalid conversation key %q", s)
	}
	return Key{Channel: channel, ChatID: chatID}, nil
}

// Session is one conversation's binding to the agent. An empty AgentSessionID
// means the agent has not assigned one yet; the next turn will start fresh.
type Session struct {
	Key            Key
	AgentSessionID string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	TurnCount      int
}

type Store interface {
	UpsertSession(ctx context.Context, rec persistence.SessionRecord) error
	DeleteSession(ctx context.Context, channel, chatID string) error
	DeleteSessionsByAgentID(ctx context.Context, agentSessionIDs []string) (int64, error)
	ClearSessions(ctx context.Context) (int64, error)
	ListSessions(ctx context.Context) ([]persistence.SessionRecord, error)
}

type Config struct {
	Store  Store
	Logger *slog.Logger
	Bus    *bus.Bus
	// MaxTurns rotates a session once it has served this many turns. Zero disables rotation.
	MaxTurns int
	Now      func() time.Time
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Channel string
	ChatID  string
}

// Manager owns every Session. All mutations are serialized by one lock that
// is held across the durable write, so the store always sees mutations in
// the same order as memory.
type Manager struct {
	store    Store
	logger   *slog.Logger
	bus      *bus.Bus
	maxTurns int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[Key]*Session

	degraded atomic.Bool
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		store:    cfg.Store,
		logger:   cfg.Logger,
		bus:      cfg.Bus,
		maxTurns: cfg.MaxTurns,
		now:      cfg.Now,
		sessions: make(map[Key]*Session),
	}
}

// Load reads every persisted session into memory. Sessions are not probed
// against the agent here; a stale binding is discovered on first use.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		key := Key{Channel: rec.Channel, ChatID: rec.ChatID}
		m.sessions[key] = &Session{
			Key:            key,
			AgentSessionID: rec.AgentSessionID,
			CreatedAt:      rec.CreatedAt,
			LastActiveAt:   rec.LastActiveAt,
			TurnCount:      rec.TurnCount,
		}
	}
	return len(recs), nil
}

// Resolve returns the session for key, creating and persisting one if needed.
// A session that has reached MaxTurns is replaced by a fresh one.
func (m *Manager) Resolve(ctx context.Context, key Key) (Session, error) {
	if key.Channel == "" || key.ChatID == "" {
		return Session{}, fmt.Errorf("resolve session: incomplete key %q", key.String())
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	if s, ok := m.sessions[key]; ok {
		if m.maxTurns <= 0 || s.TurnCount < m.maxTurns {
			s.LastActiveAt = now
			return *s, nil
		}
		m.logger.Info("session reached turn limit, rotating",
			"session_key", key.String(), "agent_session_id", s.AgentSessionID, "turns", s.TurnCount)
		m.publishInvalidated(*s, "max_turns")
	}

	s := &Session{Key: key, CreatedAt: now, LastActiveAt: now}
	m.sessions[key] = s
	if err := m.persist(ctx, "create", *s); err != nil {
		delete(m.sessions, key)
		return Session{}, err
	}
	m.logger.Debug("session created", "session_key", key.String())
	return *s, nil
}

// Get returns the session for key without creating one.
func (m *Manager) Get(key Key) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Bind records the agent session id assigned to key. Unchanged ids are not rewritten.
func (m *Manager) Bind(ctx context.Context, key Key, agentSessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		now := m.now().UTC()
		s = &Session{Key: key, CreatedAt: now, LastActiveAt: now}
		m.sessions[key] = s
	} else if s.AgentSessionID == agentSessionID {
		return nil
	}
	s.AgentSessionID = agentSessionID
	return m.persist(ctx, "bind", *s)
}

// RecordTurn counts a completed turn against the session.
func (m *Manager) RecordTurn(ctx context.Context, key Key) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return Session{}, fmt.Errorf("record turn: no session for %q", key.String())
	}
	s.TurnCount++
	s.LastActiveAt = m.now().UTC()
	return *s, m.persist(ctx, "record turn", *s)
}

// Invalidate discards the mapping for key. The next Resolve creates a new session.
func (m *Manager) Invalidate(ctx context.Context, key Key, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil
	}
	delete(m.sessions, key)
	m.publishInvalidated(*s, reason)
	m.logger.Info("session invalidated", "session_key", key.String(), "agent_session_id", s.AgentSessionID, "reason", reason)
	if m.store == nil {
		return nil
	}
	return m.degrade(m.store.DeleteSession(ctx, key.Channel, key.ChatID))
}

// InvalidateAgentSessions drops every session bound to one of ids. The engine
// calls this when the process that owned those agent sessions is gone.
func (m *Manager) InvalidateAgentSessions(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	lost := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			lost[id] = struct{}{}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key, s := range m.sessions {
		if _, ok := lost[s.AgentSessionID]; !ok {
			continue
		}
		delete(m.sessions, key)
		m.publishInvalidated(*s, "engine_lost")
		n++
	}
	if n > 0 {
		m.logger.Warn("sessions invalidated after engine loss", "count", n)
	}
	if m.store == nil {
		return n, nil
	}
	_, err := m.store.DeleteSessionsByAgentID(ctx, ids)
	return n, m.degrade(err)
}

// List returns matching sessions, most recently active first.
func (m *Manager) List(f Filter) []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		if f.Channel != "" && key.Channel != f.Channel {
			continue
		}
		if f.ChatID != "" && key.ChatID != f.ChatID {
			continue
		}
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// ClearAll drops every session and returns how many were removed.
func (m *Manager) ClearAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	m.sessions = make(map[Key]*Session)
	m.logger.Info("all sessions cleared", "count", n)
	if m.store == nil {
		return n, nil
	}
	_, err := m.store.ClearSessions(ctx)
	return n, m.degrade(err)
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Degraded reports whether the most recent write failed and the in-memory
// state is ahead of the store.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

func (m *Manager) persist(ctx context.Context, op string, s Session) error {
	if m.store == nil {
		return nil
	}
	err := m.store.UpsertSession(ctx, persistence.SessionRecord{
		Channel:        s.Key.Channel,
		ChatID:         s.Key.ChatID,
		AgentSessionID: s.AgentSessionID,
		TurnCount:      s.TurnCount,
		CreatedAt:      s.CreatedAt,
		LastActiveAt:   s.LastActiveAt,
	})
	if err != nil && !errors.Is(err, persistence.ErrWriteFailed) {
		return fmt.Errorf("%s session: %w", op, err)
	}
	return m.degrade(err)
}

// degrade swallows exhausted write failures: the in-memory map stays
// authoritative and the operator is warned.
func (m *Manager) degrade(err error) error {
	if err == nil {
		m.degraded.Store(false)
		return nil
	}
	if errors.Is(err, persistence.ErrWriteFailed) {
		m.degraded.Store(true)
		m.logger.Warn("session store degraded, continuing in memory", "error", err)
		return nil
	}
	return err
}

func (m *Manager) publishInvalidated(s Session, reason string) {
	m.bus.Publish(bus.TopicSessionInvalidated, bus.SessionInvalidatedEvent{
		Conversation:   s.Key.String(),
		AgentSessionID: s.AgentSessionID,
		Reason:         reason,
	})
}

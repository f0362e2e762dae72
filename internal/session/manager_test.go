package session_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/persistence"
	"github.com/basket/go-relay/internal/session"
)

func openStore(t *testing.T, path string) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestManager_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gorelay.db")
	key := session.Key{Channel: "telegram", ChatID: "42"}

	store := openStore(t, path)
	m := session.NewManager(session.Config{Store: store})
	if _, err := m.Resolve(ctx, key); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := m.Bind(ctx, key, "session-abc"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	_ = store.Close()

	// Simulated restart: fresh store handle and manager over the same file.
	restarted := session.NewManager(session.Config{Store: openStore(t, path)})
	n, err := restarted.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 loaded session, got %d", n)
	}
	s, err := restarted.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("resolve after restart: %v", err)
	}
	if s.AgentSessionID != "session-abc" {
		t.Fatalf("expected session-abc after restart, got %q", s.AgentSessionID)
	}
	if restarted.Len() != 1 {
		t.Fatalf("resolve after restart must not create a new session, have %d", restarted.Len())
	}
}

func TestManager_ResolveIdempotent(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager(session.Config{})
	key := session.Key{Channel: "telegram", ChatID: "1"}

	first, err := m.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := m.Bind(ctx, key, "s-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	second, err := m.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if second.AgentSessionID != "s-1" || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected same session, got %+v vs %+v", second, first)
	}
	if _, err := m.Resolve(ctx, session.Key{Channel: "telegram"}); err == nil {
		t.Fatalf("expected error for incomplete key")
	}
}

func TestManager_ConcurrentResolveSingleSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "c.db"))
	m := session.NewManager(session.Config{Store: store})
	key := session.Key{Channel: "telegram", ChatID: "7"}

	var wg sync.WaitGroup
	created := make(chan time.Time, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Resolve(ctx, key)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			created <- s.CreatedAt
		}()
	}
	wg.Wait()
	close(created)

	var first time.Time
	for c := range created {
		if first.IsZero() {
			first = c
		} else if !c.Equal(first) {
			t.Fatalf("observed two different sessions for one key")
		}
	}
	recs, err := store.ListSessions(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one persisted session, got %d (%v)", len(recs), err)
	}
}

func TestManager_InvalidateCreatesFreshSession(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "i.db"))
	m := session.NewManager(session.Config{Store: store})
	key := session.Key{Channel: "telegram", ChatID: "42"}

	if _, err := m.Resolve(ctx, key); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_ = m.Bind(ctx, key, "old")
	if err := m.Invalidate(ctx, key, "user_reset"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := m.Get(key); ok {
		t.Fatalf("expected mapping to be gone")
	}
	recs, _ := store.ListSessions(ctx)
	if len(recs) != 0 {
		t.Fatalf("invalidate must be flushed before returning, store has %d", len(recs))
	}
	s, err := m.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.AgentSessionID != "" {
		t.Fatalf("expected fresh session, got %q", s.AgentSessionID)
	}
}

func TestManager_InvalidateAgentSessions(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager(session.Config{Store: openStore(t, filepath.Join(t.TempDir(), "a.db"))})
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		key := session.Key{Channel: "telegram", ChatID: fmt.Sprint(i)}
		if _, err := m.Resolve(ctx, key); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		_ = m.Bind(ctx, key, id)
	}

	n, err := m.InvalidateAgentSessions(ctx, []string{"s-1", "s-3"})
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 invalidated, got %d", n)
	}
	left := m.List(session.Filter{})
	if len(left) != 1 || left[0].AgentSessionID != "s-2" {
		t.Fatalf("unexpected survivors: %+v", left)
	}
}

func TestManager_ListFilterAndClearAll(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := session.NewManager(session.Config{Now: func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}})
	keys := []session.Key{
		{Channel: "telegram", ChatID: "1"},
		{Channel: "telegram", ChatID: "2"},
		{Channel: "cron", ChatID: "job"},
	}
	for _, k := range keys {
		if _, err := m.Resolve(ctx, k); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}

	tg := m.List(session.Filter{Channel: "telegram"})
	if len(tg) != 2 {
		t.Fatalf("expected 2 telegram sessions, got %d", len(tg))
	}
	if tg[0].Key.ChatID != "2" {
		t.Fatalf("expected most recently active first, got %+v", tg)
	}
	one := m.List(session.Filter{Channel: "telegram", ChatID: "1"})
	if len(one) != 1 || one[0].Key != keys[0] {
		t.Fatalf("unexpected filtered list: %+v", one)
	}

	n, err := m.ClearAll(ctx)
	if err != nil || n != 3 {
		t.Fatalf("clear all: n=%d err=%v", n, err)
	}
	if m.Len() != 0 {
		t.Fatalf("expected empty manager")
	}
}

func TestManager_MaxTurnsRotation(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager(session.Config{MaxTurns: 2})
	key := session.Key{Channel: "telegram", ChatID: "9"}

	if _, err := m.Resolve(ctx, key); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_ = m.Bind(ctx, key, "s-old")
	for i := 0; i < 2; i++ {
		if _, err := m.RecordTurn(ctx, key); err != nil {
			t.Fatalf("record turn: %v", err)
		}
	}
	s, err := m.Resolve(ctx, key)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.AgentSessionID != "" || s.TurnCount != 0 {
		t.Fatalf("expected rotated session, got %+v", s)
	}
}

type failingStore struct{}

func (failingStore) UpsertSession(context.Context, persistence.SessionRecord) error {
	return fmt.Errorf("%w: disk full", persistence.ErrWriteFailed)
}

func (failingStore) ListSessions(context.Context) ([]persistence.SessionRecord, error) {
	return nil, nil
}

func (failingStore) DeleteSession(context.Context, string, string) error { return nil }

func (failingStore) DeleteSessionsByAgentID(context.Context, []string) (int64, error) { return 0, nil }

func (failingStore) ClearSessions(context.Context) (int64, error) { return 0, nil }

func TestManager_DegradedWritesContinueInMemory(t *testing.T) {
	ctx := context.Background()
	m := session.NewManager(session.Config{Store: failingStore{}})
	key := session.Key{Channel: "telegram", ChatID: "42"}

	if _, err := m.Resolve(ctx, key); err != nil {
		t.Fatalf("resolve must not fail on degraded store: %v", err)
	}
	if !m.Degraded() {
		t.Fatalf("expected degraded flag")
	}
	if err := m.Bind(ctx, key, "s-1"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	s, ok := m.Get(key)
	if !ok || s.AgentSessionID != "s-1" {
		t.Fatalf("in-memory state lost: %+v", s)
	}
}

func TestParseKey(t *testing.T) {
	k, err := session.ParseKey("telegram:-100:42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k.Channel != "telegram" || k.ChatID != "-100:42" {
		t.Fatalf("unexpected key %+v", k)
	}
	if _, err := session.ParseKey("nochat"); err == nil {
		t.Fatalf("expected error")
	}
}

package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SessionRecord is the durable form of one conversation → agent session binding.
type SessionRecord struct {
	Channel        string
	ChatID         string
	AgentSessionID string
	TurnCount      int
	CreatedAt      time.Time
	LastActiveAt   time.Time
}

// UpsertSession writes the whole record in a single statement.
func (s *Store) UpsertSession(ctx context.Context, rec SessionRecord) error {
	if strings.TrimSpace(rec.Channel) == "" || strings.TrimSpace(rec.ChatID) == "" {
		return fmt.Errorf("upsert session: channel and chat_id are required")
	}
	return s.withWriteRetry(ctx, "upsert session", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (channel, chat_id, agent_session_id, turn_count, created_at, last_active_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(channel, chat_id) DO UPDATE SET
				agent_session_id = excluded.agent_session_id,
				created_at = excluded.created_at,
				turn_count = excluded.turn_count,
				last_active_at = excluded.last_active_at;
		`, rec.Channel, rec.ChatID, rec.AgentSessionID, rec.TurnCount, rec.CreatedAt.UTC(), rec.LastActiveAt.UTC())
		return err
	})
}

func (s *Store) DeleteSession(ctx context.Context, channel, chatID string) error {
	return s.withWriteRetry(ctx, "delete session", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE channel = ? AND chat_id = ?;`, channel, chatID)
		return err
	})
}

// DeleteSessionsByAgentID removes every session bound to one of the given agent
// session ids in one transaction.
func (s *Store) DeleteSessionsByAgentID(ctx context.Context, agentSessionIDs []string) (int64, error) {
	if len(agentSessionIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := s.withWriteRetry(ctx, "delete sessions by agent id", func() error {
		total = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, id := range agentSessionIDs {
			if id == "" {
				continue
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE agent_session_id = ?;`, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return tx.Commit()
	})
	return total, err
}

func (s *Store) ClearSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.withWriteRetry(ctx, "clear sessions", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM sessions;`)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT channel, chat_id, agent_session_id, turn_count, created_at, last_active_at
		FROM sessions
		ORDER BY last_active_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.Channel, &rec.ChatID, &rec.AgentSessionID, &rec.TurnCount, &rec.CreatedAt, &rec.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.LastActiveAt = rec.LastActiveAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

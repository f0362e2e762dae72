package channels

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/session"
)

// Directions of a RecordedMessage.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// RecordedMessage is one line of a chat recording.
type RecordedMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Direction string    `json:"direction"`
	// Role is user, system (scheduler and heartbeat) or assistant.
	Role     string   `json:"role"`
	Channel  string   `json:"channel"`
	ChatID   string   `json:"chat_id"`
	SenderID string   `json:"sender_id,omitempty"`
	Content  string   `json:"content"`
	Media    []string `json:"media,omitempty"`
	Streamed bool     `json:"streamed,omitempty"`
}

type RecorderConfig struct {
	// Dir is the root of the recordings, normally <workspace>/channel.
	Dir    string
	Now    func() time.Time
	Logger *slog.Logger
}

// Recorder keeps an append-only log of every message exchanged with each
// chat, one JSON object per line, in <Dir>/<channel>/<chat_id>-<YYYY-MM-DD>.jsonl
// (UTC days). Streamed replies are recorded once, complete, when they finish.
type Recorder struct {
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	streams map[session.Key]*strings.Builder
}

func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Recorder{
		dir:     cfg.Dir,
		now:     cfg.Now,
		logger:  cfg.Logger.With("component", "recorder"),
		streams: make(map[session.Key]*strings.Builder),
	}
}

// RecordInbound logs a message accepted from a chat or injected by the gateway.
func (r *Recorder) RecordInbound(msg InboundMessage) error {
	role := "user"
	if msg.System {
		role = "system"
	}
	return r.append(RecordedMessage{
		Direction: DirectionInbound,
		Role:      role,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Text,
		Media:     msg.Attachments,
	})
}

// RecordOutbound logs a delivered reply. Streaming deltas are held until the
// Final call; an empty reply without media is not recorded.
func (r *Recorder) RecordOutbound(key session.Key, content string, opts SendOptions) error {
	if opts.Streaming {
		r.mu.Lock()
		sb, ok := r.streams[key]
		if !ok {
			sb = &strings.Builder{}
			r.streams[key] = sb
		}
		sb.WriteString(content)
		if !opts.Complete() {
			r.mu.Unlock()
			return nil
		}
		content = sb.String()
		delete(r.streams, key)
		r.mu.Unlock()
	}
	if strings.TrimSpace(content) == "" && len(opts.Media) == 0 {
		return nil
	}
	return r.append(RecordedMessage{
		Direction: DirectionOutbound,
		Role:      "assistant",
		Channel:   key.Channel,
		ChatID:    key.ChatID,
		Content:   content,
		Media:     opts.Media,
		Streamed:  opts.Streaming,
	})
}

// Path returns the recording file for key on the UTC day of t.
func (r *Recorder) Path(key session.Key, t time.Time) string {
	name := fmt.Sprintf("%s-%s.jsonl", safeName(key.ChatID), t.UTC().Format(time.DateOnly))
	return filepath.Join(r.dir, safeName(key.Channel), name)
}

func (r *Recorder) append(m RecordedMessage) error {
	now := r.now()
	m.ID = uuid.NewString()
	m.Timestamp = now.UTC()
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode recording: %w", err)
	}
	line = append(line, '\n')

	path := r.Path(session.Key{Channel: m.Channel, ChatID: m.ChatID}, now)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append recording: %w", err)
	}
	r.logger.Debug("message recorded", "direction", m.Direction, "channel", m.Channel, "chat_id", m.ChatID)
	return nil
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9@+._-]`)

// safeName keeps ids usable as a single path element.
func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" || strings.Trim(s, ".") == "" {
		return "_"
	}
	return s
}

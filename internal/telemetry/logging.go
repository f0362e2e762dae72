// Package telemetry builds the relay's structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-relay/internal/shared"
)

const redacted = "[REDACTED]"

// Options configures New.
type Options struct {
	// HomeDir receives logs/system.jsonl.
	HomeDir string
	// Level may be changed at runtime; nil means info.
	Level *slog.LevelVar
	// Console also receives every line unless nil. Callers leave it nil while
	// the dashboard owns the terminal.
	Console io.Writer
	// Component defaults to "gateway".
	Component string
}

// New returns a JSON logger appending to <home>/logs/system.jsonl. The closer
// releases the file.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if opts.Console != nil {
		w = io.MultiWriter(opts.Console, file)
	}
	level := opts.Level
	if level == nil {
		level = new(slog.LevelVar)
	}
	component := opts.Component
	if component == "" {
		component = "gateway"
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: scrub})
	return slog.New(handler).With("component", component), file, nil
}

// NewLogger is New for the common case: a fixed level and stdout unless quiet.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	opts := Options{HomeDir: homeDir, Level: lvl}
	if !quiet {
		opts.Console = os.Stdout
	}
	return New(opts)
}

// scrub renames the time key and keeps credentials out of the log: the bot
// token, the admin token, and anything the agent echoes on stderr.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	var text string
	switch v := a.Value.Any().(type) {
	case string:
		text = v
	case error:
		if v == nil {
			return a
		}
		text = v.Error()
	default:
		return a
	}
	if clean, changed := scrubText(text); changed {
		return slog.String(a.Key, clean)
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, frag := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

func scrubText(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "authorization:") {
		return redacted, true
	}
	clean := shared.Redact(v)
	return clean, clean != v
}

// ParseLevel maps a config log level onto slog, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

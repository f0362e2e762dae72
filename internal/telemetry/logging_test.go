package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal log json: %v", err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("turn completed", "session_key", "telegram:42")

	entries := readEntries(t, home)
	if len(entries) != 1 {
		t.Fatalf("expected one log line, got %d", len(entries))
	}
	entry := entries[0]
	for _, key := range []string{"timestamp", "level", "msg", "component"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "gateway" {
		t.Fatalf("expected component=gateway, got %#v", entry["component"])
	}
	if entry["session_key"] != "telegram:42" {
		t.Fatalf("expected session_key propagation, got %#v", entry["session_key"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("security check",
		"bot_token", "123456:abc",
		"auth_header", "Authorization: Bearer super-secret-token",
		"error", errors.New(`Post "https://api.telegram.org/bot123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsawX/getMe": EOF`),
	)

	entry := readEntries(t, home)[0]
	if entry["bot_token"] != "[REDACTED]" {
		t.Fatalf("expected bot_token redaction, got %#v", entry["bot_token"])
	}
	if entry["auth_header"] != "[REDACTED]" {
		t.Fatalf("expected auth_header redaction, got %#v", entry["auth_header"])
	}
	if msg, _ := entry["error"].(string); strings.Contains(msg, "AAHdqTcv") {
		t.Fatalf("expected token in error to be redacted, got %q", msg)
	}
}

func TestNew_RuntimeLevelChange(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger, closer, err := New(Options{HomeDir: home, Level: lvl})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("dropped")
	lvl.Set(ParseLevel("debug"))
	logger.Debug("kept")

	entries := readEntries(t, home)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Fatalf("expected only the post-change debug line, got %#v", entries)
	}
}

func TestNew_ConsoleTeeAndComponent(t *testing.T) {
	home := t.TempDir()
	var console bytes.Buffer
	logger, closer, err := New(Options{HomeDir: home, Console: &console, Component: "cron"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("job fired", "job_id", "daily")

	var entry map[string]any
	if err := json.Unmarshal(console.Bytes(), &entry); err != nil {
		t.Fatalf("console line is not JSON: %v (%q)", err, console.String())
	}
	if entry["component"] != "cron" || entry["job_id"] != "daily" {
		t.Fatalf("console entry = %#v", entry)
	}
	if file := readEntries(t, home); len(file) != 1 || file[0]["msg"] != "job fired" {
		t.Fatalf("file entries = %#v", file)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/session"
)

// HeartbeatKey is the conversation heartbeat turns run in.
var HeartbeatKey = session.Key{Channel: "system", ChatID: "heartbeat"}

const (
	heartbeatFile        = "HEARTBEAT.md"
	heartbeatResultsFile = "HEARTBEAT_RESULTS.md"
)

type HeartbeatConfig struct {
	Workspace string
	Interval  time.Duration
	// Inject queues the heartbeat turn, normally channels.Manager.PublishInbound.
	Inject func(channels.InboundMessage) error
	Logger *slog.Logger
	Now    func() time.Time
}

// Heartbeat periodically asks the agent to work through the checklist in
// the workspace HEARTBEAT.md. Replies other than HEARTBEAT_OK are appended
// to HEARTBEAT_RESULTS.md.
type Heartbeat struct {
	workspace string
	interval  time.Duration
	inject    func(channels.InboundMessage) error
	logger    *slog.Logger
	now       func() time.Time
	runs      atomic.Int64
}

func NewHeartbeat(cfg HeartbeatConfig) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Heartbeat{
		workspace: cfg.Workspace,
		interval:  cfg.Interval,
		inject:    cfg.Inject,
		logger:    cfg.Logger.With("component", "heartbeat"),
		now:       cfg.Now,
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (h *Heartbeat) Start(ctx context.Context) {
	h.logger.Info("starting heartbeat", "interval", h.interval)
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := h.RunOnce(); err != nil {
					h.logger.Error("heartbeat failed", "error", err)
				}
			}
		}
	}()
}

// RunOnce injects a heartbeat turn if HEARTBEAT.md has anything actionable.
// It reports whether a turn was queued.
func (h *Heartbeat) RunOnce() (bool, error) {
	data, err := os.ReadFile(filepath.Join(h.workspace, heartbeatFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", heartbeatFile, err)
	}
	if heartbeatEmpty(string(data)) {
		h.logger.Debug("heartbeat skipped, nothing to check")
		return false, nil
	}
	if h.inject == nil {
		return false, errors.New("heartbeat has no injector")
	}

	prompt := fmt.Sprintf("Periodic system review.\n\nRead %s in your workspace and follow the checklist below:\n\n%s\n\nIf nothing needs attention, reply with exactly: %s",
		heartbeatFile, strings.TrimSpace(string(data)), HeartbeatOK)
	err = h.inject(channels.InboundMessage{
		Channel:   HeartbeatKey.Channel,
		ChatID:    HeartbeatKey.ChatID,
		SenderID:  "heartbeat",
		Text:      prompt,
		Timestamp: h.now(),
		System:    true,
		Silent:    true,
	})
	if err != nil {
		return false, fmt.Errorf("queue heartbeat: %w", err)
	}
	h.runs.Add(1)
	h.logger.Info("heartbeat queued")
	return true, nil
}

// Runs reports how many heartbeat turns have been queued.
func (h *Heartbeat) Runs() int64 {
	return h.runs.Load()
}

// Record appends a heartbeat reply to HEARTBEAT_RESULTS.md unless the agent
// had nothing to report.
func (h *Heartbeat) Record(reply string) error {
	reply = strings.TrimSpace(reply)
	if reply == "" || isHeartbeatOK(reply) {
		h.logger.Info("heartbeat ok")
		return nil
	}
	f, err := os.OpenFile(filepath.Join(h.workspace, heartbeatResultsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", heartbeatResultsFile, err)
	}
	defer f.Close()

	entry := fmt.Sprintf("\n## %s\n\n%s\n", h.now().UTC().Format(time.RFC3339), reply)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("write %s: %w", heartbeatResultsFile, err)
	}
	h.logger.Info("heartbeat reported findings", "chars", len(reply))
	return nil
}

// heartbeatEmpty reports whether content has only headings, comments and
// blank checklist items.
func heartbeatEmpty(content string) bool {
	for line := range strings.SplitSeq(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, "<!--"):
			continue
		case line == "- [ ]", line == "* [ ]", line == "- [x]", line == "* [x]":
			continue
		}
		return false
	}
	return true
}

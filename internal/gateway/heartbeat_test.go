package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/channels"
)

func TestHeartbeatEmpty(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"", true},
		{"# Heartbeat\n\n<!-- add tasks below -->\n- [ ]\n", true},
		{"# Heartbeat\n- [x]\n* [ ]\n", true},
		{"# Heartbeat\n- [ ] check disk usage\n", false},
		{"ping the backup server", false},
	}
	for _, tc := range tests {
		if got := heartbeatEmpty(tc.content); got != tc.want {
			t.Errorf("heartbeatEmpty(%q) = %v, want %v", tc.content, got, tc.want)
		}
	}
}

func TestHeartbeat_RunOnce(t *testing.T) {
	workspace := t.TempDir()
	var injected []channels.InboundMessage
	h := NewHeartbeat(HeartbeatConfig{
		Workspace: workspace,
		Inject: func(m channels.InboundMessage) error {
			injected = append(injected, m)
			return nil
		},
	})

	queued, err := h.RunOnce()
	if err != nil || queued {
		t.Fatalf("missing file: queued=%v err=%v", queued, err)
	}

	path := filepath.Join(workspace, heartbeatFile)
	if err := os.WriteFile(path, []byte("# Heartbeat\n- [ ]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if queued, _ := h.RunOnce(); queued {
		t.Fatal("empty checklist should be skipped")
	}

	if err := os.WriteFile(path, []byte("# Heartbeat\n- [ ] check disk usage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	queued, err = h.RunOnce()
	if err != nil || !queued {
		t.Fatalf("queued=%v err=%v", queued, err)
	}
	if len(injected) != 1 || h.Runs() != 1 {
		t.Fatalf("injected %d, runs %d", len(injected), h.Runs())
	}
	m := injected[0]
	if m.Key() != HeartbeatKey || !m.System || !m.Silent {
		t.Fatalf("unexpected heartbeat message %+v", m)
	}
	if !strings.Contains(m.Text, "check disk usage") || !strings.Contains(m.Text, HeartbeatOK) {
		t.Fatalf("prompt = %q", m.Text)
	}
}

func TestHeartbeat_InjectErrorReturned(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, heartbeatFile), []byte("do things"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHeartbeat(HeartbeatConfig{
		Workspace: workspace,
		Inject:    func(channels.InboundMessage) error { return channels.ErrBusy },
	})
	if _, err := h.RunOnce(); !errors.Is(err, channels.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if h.Runs() != 0 {
		t.Fatal("failed injection counted as a run")
	}
}

func TestHeartbeat_Record(t *testing.T) {
	workspace := t.TempDir()
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)
	h := NewHeartbeat(HeartbeatConfig{Workspace: workspace, Now: func() time.Time { return now }})

	if err := h.Record("  HEARTBEAT_OK\n"); err != nil {
		t.Fatal(err)
	}
	if err := h.Record("   "); err != nil {
		t.Fatal(err)
	}
	results := filepath.Join(workspace, heartbeatResultsFile)
	if _, err := os.Stat(results); !os.IsNotExist(err) {
		t.Fatalf("nothing should be written yet, stat err = %v", err)
	}

	if err := h.Record("disk at 95%"); err != nil {
		t.Fatal(err)
	}
	if err := h.Record("still at 95%"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(results)
	if err != nil {
		t.Fatal(err)
	}
	want := "\n## 2026-05-04T03:02:01Z\n\ndisk at 95%\n\n## 2026-05-04T03:02:01Z\n\nstill at 95%\n"
	if string(data) != want {
		t.Fatalf("results = %q", data)
	}
}

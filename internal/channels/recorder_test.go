package channels_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/session"
)

func readRecording(t *testing.T, path string) []channels.RecordedMessage {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	var out []channels.RecordedMessage
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m channels.RecordedMessage
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("decode %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecorder_LogsBothDirectionsPerChatAndDay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	rec := channels.NewRecorder(channels.RecorderConfig{Dir: dir, Now: func() time.Time { return now }})
	key := session.Key{Channel: "telegram", ChatID: "-1001"}

	if err := rec.RecordInbound(channels.InboundMessage{Channel: "telegram", ChatID: "-1001", SenderID: "7|alice", Text: "draw a cat", Attachments: []string{"/w/media/a.jpg"}}); err != nil {
		t.Fatal(err)
	}
	for _, part := range []struct {
		text string
		opts channels.SendOptions
	}{
		{"Here ", channels.SendOptions{Streaming: true}},
		{"it is", channels.SendOptions{Streaming: true}},
		{"", channels.SendOptions{Streaming: true, Final: true, Media: []string{"/w/cat.png"}}},
	} {
		if err := rec.RecordOutbound(key, part.text, part.opts); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.RecordInbound(channels.InboundMessage{Channel: "telegram", ChatID: "-1001", SenderID: "cron", Text: "tick", System: true}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "telegram", "-1001-2026-03-01.jsonl")
	if got := rec.Path(key, now); got != path {
		t.Fatalf("Path = %q, want %q", got, path)
	}
	msgs := readRecording(t, path)
	if len(msgs) != 3 {
		t.Fatalf("recorded %d messages, want 3: %+v", len(msgs), msgs)
	}
	in, out, sys := msgs[0], msgs[1], msgs[2]
	if in.Direction != channels.DirectionInbound || in.Role != "user" || in.SenderID != "7|alice" || in.Content != "draw a cat" || len(in.Media) != 1 {
		t.Fatalf("inbound = %+v", in)
	}
	if out.Direction != channels.DirectionOutbound || out.Role != "assistant" || out.Content != "Here it is" || !out.Streamed {
		t.Fatalf("outbound = %+v", out)
	}
	if len(out.Media) != 1 || out.Media[0] != "/w/cat.png" {
		t.Fatalf("outbound media = %q", out.Media)
	}
	if sys.Role != "system" {
		t.Fatalf("system message role = %q", sys.Role)
	}
	if in.ID == "" || in.ID == out.ID || !in.Timestamp.Equal(now) {
		t.Fatalf("ids/timestamps not stamped: %+v / %+v", in, out)
	}

	// The next UTC day starts a new file.
	now = now.Add(time.Hour)
	if err := rec.RecordOutbound(key, "morning", channels.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if msgs := readRecording(t, filepath.Join(dir, "telegram", "-1001-2026-03-02.jsonl")); len(msgs) != 1 || msgs[0].Content != "morning" {
		t.Fatalf("next day = %+v", msgs)
	}
}

func TestRecorder_SkipsEmptyRepliesAndSanitizesNames(t *testing.T) {
	dir := t.TempDir()
	rec := channels.NewRecorder(channels.RecorderConfig{Dir: dir})

	if err := rec.RecordOutbound(session.Key{Channel: "telegram", ChatID: "1"}, "  ", channels.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := rec.RecordOutbound(session.Key{Channel: "telegram", ChatID: "1"}, "", channels.SendOptions{Streaming: true, Final: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "telegram")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("empty replies were recorded, stat err = %v", err)
	}

	key := session.Key{Channel: "../x", ChatID: "a/../../b"}
	if err := rec.RecordOutbound(key, "hi", channels.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	path := rec.Path(key, time.Now())
	if filepath.Dir(filepath.Dir(path)) != dir || strings.Contains(path, "/../") {
		t.Fatalf("recording escaped its directory: %q", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("recording not written: %v", err)
	}
}

func TestManager_RecordsAcceptedTraffic(t *testing.T) {
	dir := t.TempDir()
	rec := channels.NewRecorder(channels.RecorderConfig{Dir: dir})
	handled := make(chan struct{}, 1)
	mgr, _ := newManager(t, channels.ManagerConfig{
		WorkerCount: 1,
		QueueDepth:  4,
		AllowFrom:   map[string][]string{"telegram": {"alice"}},
		Recorder:    rec,
	}, func(ctx context.Context, m channels.InboundMessage) { handled <- struct{}{} })

	if err := mgr.PublishInbound(msg("1", "hello")); err != nil {
		t.Fatal(err)
	}
	if err := mgr.PublishInbound(channels.InboundMessage{Channel: "telegram", ChatID: "1", SenderID: "9|mallory", Text: "let me in"}); !errors.Is(err, channels.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	<-handled
	key := session.Key{Channel: "telegram", ChatID: "1"}
	if err := mgr.DeliverOutbound(context.Background(), key, "hi alice", channels.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.DeliverOutbound(context.Background(), session.Key{Channel: "nowhere", ChatID: "1"}, "lost", channels.SendOptions{}); err == nil {
		t.Fatal("expected unknown channel error")
	}

	msgs := readRecording(t, rec.Path(key, time.Now()))
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "hi alice" {
		t.Fatalf("recording = %+v", msgs)
	}
}

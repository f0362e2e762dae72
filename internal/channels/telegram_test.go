package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

type botCall struct {
	method    string
	chatID    string
	messageID string
	text      string
	// upload is the name of the file attached to a send* upload.
	upload string
}

// fakeBotAPI is a minimal Telegram Bot API: getMe, getUpdates (serving a
// queue), sendMessage, editMessageText, sendChatAction, media uploads, getFile
// and file downloads.
type fakeBotAPI struct {
	srv   *httptest.Server
	token string

	mu      sync.Mutex
	calls   []botCall
	updates []map[string]any
	nextID  int
}

func newFakeBotAPI(t *testing.T, token string) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{token: token, nextID: 100}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/") {
		fmt.Fprint(w, "binary-photo")
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "bot"+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	// Handles both url-encoded and multipart bodies.
	_ = r.ParseMultipartForm(1 << 20)
	method := parts[1]
	result := func(v any) {
		b, _ := json.Marshal(map[string]any{"ok": true, "result": v})
		w.Write(b)
	}

	call := botCall{method: method, chatID: r.FormValue("chat_id"), messageID: r.FormValue("message_id"), text: r.FormValue("text")}
	if r.MultipartForm != nil {
		for _, files := range r.MultipartForm.File {
			if len(files) > 0 {
				call.upload = files[0].Filename
			}
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	switch method {
	case "getMe":
		result(map[string]any{"id": 1, "is_bot": true, "first_name": "relay", "username": "relay_bot"})
	case "getUpdates":
		f.mu.Lock()
		ups := f.updates
		f.updates = nil
		f.mu.Unlock()
		if len(ups) == 0 {
			time.Sleep(20 * time.Millisecond)
			ups = []map[string]any{}
		}
		result(ups)
	case "sendMessage", "editMessageText", "sendPhoto", "sendAudio", "sendVideo", "sendDocument":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		result(map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": 42, "type": "private"}, "text": r.FormValue("text")})
	case "sendChatAction":
		result(true)
	case "getFile":
		result(map[string]any{"file_id": r.FormValue("file_id"), "file_path": "photos/file_1.png"})
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

func (f *fakeBotAPI) push(update map[string]any) {
	f.mu.Lock()
	f.updates = append(f.updates, update)
	f.mu.Unlock()
}

func (f *fakeBotAPI) callsTo(method string) []botCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []botCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newTestTelegram(t *testing.T, api *fakeBotAPI, token string) *TelegramChannel {
	t.Helper()
	ch := NewTelegramChannel(TelegramConfig{
		Token:        token,
		Endpoint:     api.srv.URL + "/bot%s/%s",
		FileEndpoint: api.srv.URL + "/file/bot%s/%s",
		MediaDir:     t.TempDir(),
		EditInterval: time.Hour,
		HTTPClient:   api.srv.Client(),
	})
	return ch
}

func connect(t *testing.T, ch *TelegramChannel) {
	t.Helper()
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ch.Disconnect(ctx)
	})
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestTelegramChannel_Name(t *testing.T) {
	if got := NewTelegramChannel(TelegramConfig{}).Name(); got != "telegram" {
		t.Fatalf("Name() = %q", got)
	}
}

func TestTelegramConnect_BadTokenIsAuthFailure(t *testing.T) {
	api := newFakeBotAPI(t, "good")
	ch := newTestTelegram(t, api, "wrong")
	if err := ch.Connect(context.Background()); !errors.Is(err, ErrChannelAuthFailed) {
		t.Fatalf("Connect error = %v, want ErrChannelAuthFailed", err)
	}
	if err := NewTelegramChannel(TelegramConfig{}).Connect(context.Background()); !errors.Is(err, ErrChannelAuthFailed) {
		t.Fatalf("empty token error = %v", err)
	}
}

func TestTelegramInbound_TextAndSender(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	got := make(chan InboundMessage, 4)
	ch.OnInbound(func(m InboundMessage) { got <- m })
	connect(t, ch)

	api.push(map[string]any{
		"update_id": 1,
		"message": map[string]any{
			"message_id": 5, "date": 1700000000,
			"chat": map[string]any{"id": 42, "type": "private"},
			"from": map[string]any{"id": 7, "is_bot": false, "first_name": "A", "username": "alice"},
			"text": "hello there",
		},
	})

	select {
	case m := <-got:
		if m.ChatID != "42" || m.SenderID != "7|alice" || m.Text != "hello there" || m.Channel != "telegram" {
			t.Fatalf("inbound = %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}
	eventually(t, "typing indicator", func() bool { return len(api.callsTo("sendChatAction")) > 0 })
}

func TestTelegramInbound_PhotoIsDownloaded(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	got := make(chan InboundMessage, 1)
	ch.OnInbound(func(m InboundMessage) { got <- m })
	connect(t, ch)

	api.push(map[string]any{
		"update_id": 2,
		"message": map[string]any{
			"message_id": 6, "date": 1700000000,
			"chat":    map[string]any{"id": 42, "type": "private"},
			"from":    map[string]any{"id": 7, "is_bot": false, "first_name": "A"},
			"caption": "what is this",
			"photo": []map[string]any{
				{"file_id": "small-photo-id", "file_unique_id": "s", "width": 10, "height": 10},
				{"file_id": "large-photo-id", "file_unique_id": "l", "width": 100, "height": 100},
			},
		},
	})

	select {
	case m := <-got:
		if len(m.Attachments) != 1 {
			t.Fatalf("attachments = %v", m.Attachments)
		}
		data, err := os.ReadFile(m.Attachments[0])
		if err != nil || string(data) != "binary-photo" {
			t.Fatalf("downloaded file = %q, %v", data, err)
		}
		if !strings.HasPrefix(m.Text, "what is this\n[image: ") || !strings.HasSuffix(m.Attachments[0], ".png") {
			t.Fatalf("text = %q, path = %q", m.Text, m.Attachments[0])
		}
		if m.SenderID != "7" {
			t.Fatalf("sender without username = %q", m.SenderID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message")
	}
}

func TestTelegramInbound_HelpAnsweredLocally(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	got := make(chan InboundMessage, 2)
	ch.OnInbound(func(m InboundMessage) { got <- m })
	connect(t, ch)

	command := func(id int, text string) map[string]any {
		return map[string]any{
			"update_id": id,
			"message": map[string]any{
				"message_id": id, "date": 1700000000,
				"chat":     map[string]any{"id": 42, "type": "private"},
				"from":     map[string]any{"id": 7, "is_bot": false, "first_name": "A"},
				"text":     text,
				"entities": []map[string]any{{"type": "bot_command", "offset": 0, "length": strings.IndexByte(text+" ", ' ')}},
			},
		}
	}
	api.push(command(10, "/help"))
	api.push(command(11, "/new@relay_bot"))

	select {
	case m := <-got:
		if m.Text != "/new" {
			t.Fatalf("forwarded command = %q", m.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("/new not forwarded")
	}
	eventually(t, "help reply", func() bool {
		for _, c := range api.callsTo("sendMessage") {
			if strings.Contains(c.text, "/new - start a fresh conversation") {
				return true
			}
		}
		return false
	})
}

func TestTelegramSend_StreamingEditsOneMessage(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	ch.cfg.EditInterval = 0
	connect(t, ch)
	ctx := context.Background()

	for _, delta := range []string{"Hello", ", wor"} {
		if err := ch.Send(ctx, "42", delta, SendOptions{Streaming: true}); err != nil {
			t.Fatal(err)
		}
	}
	if err := ch.Send(ctx, "42", "ld", SendOptions{Streaming: true, Final: true}); err != nil {
		t.Fatal(err)
	}

	sends := api.callsTo("sendMessage")
	edits := api.callsTo("editMessageText")
	if len(sends) != 1 || sends[0].text != "Hello" {
		t.Fatalf("sends = %+v", sends)
	}
	if len(edits) != 2 || edits[1].text != "Hello, world" || edits[1].messageID != "101" {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestTelegramSend_EditsAreRateLimited(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	connect(t, ch)
	ctx := context.Background()

	for _, delta := range []string{"a", "b", "c", "d"} {
		if err := ch.Send(ctx, "42", delta, SendOptions{Streaming: true}); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(api.callsTo("editMessageText")); n != 0 {
		t.Fatalf("%d edits inside one interval", n)
	}
	if err := ch.Send(ctx, "42", "", SendOptions{Streaming: true, Final: true}); err != nil {
		t.Fatal(err)
	}
	edits := api.callsTo("editMessageText")
	if len(edits) != 1 || edits[0].text != "abcd" {
		t.Fatalf("final edit = %+v", edits)
	}
}

func TestTelegramSend_LongFinalIsSplit(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	connect(t, ch)

	long := strings.Repeat("word ", 1500) // 7500 runes
	if err := ch.Send(context.Background(), "42", long, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	sends := api.callsTo("sendMessage")
	if len(sends) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sends))
	}
	for _, s := range sends {
		if n := utf8.RuneCountInString(s.text); n > TelegramMessageLimit {
			t.Fatalf("chunk of %d runes", n)
		}
	}
}

func TestTelegramSend_MediaFollowsText(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	connect(t, ch)

	dir := t.TempDir()
	chart := filepath.Join(dir, "chart.png")
	report := filepath.Join(dir, "report.pdf")
	for _, p := range []string{chart, report} {
		if err := os.WriteFile(p, []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	err := ch.Send(context.Background(), "42", "Here you go", SendOptions{Media: []string{chart, report}})
	if err != nil {
		t.Fatal(err)
	}
	if sends := api.callsTo("sendMessage"); len(sends) != 1 || sends[0].text != "Here you go" {
		t.Fatalf("sends = %+v", sends)
	}
	photos := api.callsTo("sendPhoto")
	if len(photos) != 1 || photos[0].upload != "chart.png" || photos[0].chatID != "42" {
		t.Fatalf("photos = %+v", photos)
	}
	docs := api.callsTo("sendDocument")
	if len(docs) != 1 || docs[0].upload != "report.pdf" {
		t.Fatalf("documents = %+v", docs)
	}
}

func TestTelegramSend_MediaWaitsForFinal(t *testing.T) {
	api := newFakeBotAPI(t, "tok")
	ch := newTestTelegram(t, api, "tok")
	connect(t, ch)
	ctx := context.Background()

	clip := filepath.Join(t.TempDir(), "note.ogg")
	if err := os.WriteFile(clip, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ch.Send(ctx, "42", "recorded ", SendOptions{Streaming: true, Media: []string{clip}}); err != nil {
		t.Fatal(err)
	}
	if n := len(api.callsTo("sendAudio")); n != 0 {
		t.Fatalf("media uploaded mid-stream: %d", n)
	}
	if err := ch.Send(ctx, "42", "it", SendOptions{Streaming: true, Final: true, Media: []string{clip}}); err != nil {
		t.Fatal(err)
	}
	if audio := api.callsTo("sendAudio"); len(audio) != 1 || audio[0].upload != "note.ogg" {
		t.Fatalf("audio = %+v", audio)
	}

	err := ch.Send(ctx, "42", "gone", SendOptions{Media: []string{filepath.Join(t.TempDir(), "missing.png")}})
	if err == nil {
		t.Fatal("expected an error for a missing attachment")
	}
	if sends := api.callsTo("sendMessage"); sends[len(sends)-1].text != "gone" {
		t.Fatal("text must be delivered even when an attachment fails")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short = %q", got)
	}
	if got := splitMessage("", 10); len(got) != 0 {
		t.Fatalf("empty = %q", got)
	}
	got := splitMessage("line one\nline two\nline three", 18)
	if len(got) != 2 || got[0] != "line one\nline two" || got[1] != "line three" {
		t.Fatalf("newline split = %q", got)
	}
	got = splitMessage("aaaa bbbb cccc", 10)
	if len(got) != 2 || got[0] != "aaaa bbbb" || got[1] != "cccc" {
		t.Fatalf("space split = %q", got)
	}
	got = splitMessage(strings.Repeat("é", 25), 10)
	if len(got) != 3 || utf8.RuneCountInString(got[0]) != 10 || utf8.RuneCountInString(got[2]) != 5 {
		t.Fatalf("hard split = %q", got)
	}
}

package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramMessageLimit is the maximum message length in runes.
const TelegramMessageLimit = 4096

const telegramHelp = "Send me a message and I will pass it to the assistant.\n\n" +
	"/new - start a fresh conversation\n" +
	"/status - show the current session\n" +
	"/help - show this help"

type TelegramConfig struct {
	Token string
	// Endpoint and FileEndpoint are Bot API URL templates taking the token and
	// the method (or file path). They default to the public Telegram servers.
	Endpoint     string
	FileEndpoint string
	// MediaDir receives downloaded photos, voice notes and documents.
	MediaDir     string
	EditInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	cfg     TelegramConfig
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
	inbound func(InboundMessage)

	cancel context.CancelFunc
	done   chan struct{}

	// streamMu protects streams for progressive editing.
	streamMu sync.Mutex
	streams  map[string]*streamState // chatID -> reply being streamed

	typingMu sync.Mutex
	typing   map[int64]context.CancelFunc
}

// streamState tracks progressive editing for a streamed reply.
type streamState struct {
	mu        sync.Mutex
	messageID int
	text      strings.Builder
	shown     string
	lastEdit  time.Time
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.EditInterval <= 0 {
		cfg.EditInterval = time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 90 * time.Second}
	}
	return &TelegramChannel{
		cfg:     cfg,
		logger:  cfg.Logger.With("channel", "telegram"),
		streams: make(map[string]*streamState),
		typing:  make(map[int64]context.CancelFunc),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) OnInbound(fn func(InboundMessage)) {
	t.inbound = fn
}

// Connect verifies the token with getMe and starts long polling.
func (t *TelegramChannel) Connect(ctx context.Context) error {
	if strings.TrimSpace(t.cfg.Token) == "" {
		return fmt.Errorf("%w: telegram token is empty", ErrChannelAuthFailed)
	}
	bot, err := tgbotapi.NewBotAPIWithClient(t.cfg.Token, t.cfg.Endpoint, t.cfg.HTTPClient)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Unauthorized") || strings.Contains(msg, "Not Found") {
			return fmt.Errorf("%w: %v", ErrChannelAuthFailed, err)
		}
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	if t.cfg.MediaDir != "" {
		if err := os.MkdirAll(t.cfg.MediaDir, 0o755); err != nil {
			return fmt.Errorf("telegram media dir: %w", err)
		}
	}
	t.logger.Info("telegram bot started", "user", bot.Self.UserName)

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(runCtx)
	return nil
}

func (t *TelegramChannel) Disconnect(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	t.typingMu.Lock()
	for id, stop := range t.typing {
		stop()
		delete(t.typing, id)
	}
	t.typingMu.Unlock()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the reconnection loop with exponential backoff.
func (t *TelegramChannel) run(ctx context.Context) {
	defer close(t.done)
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall timeout.
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// The library blocks rather than closing the channel when the connection
	// dies, so silence for 2.5 long-poll periods means reconnect.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			timer.Reset(stallTimeout)
			if update.Message != nil {
				t.handleMessage(ctx, update.Message)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.UserName != "" {
		senderID += "|" + msg.From.UserName
	}

	if msg.IsCommand() && msg.Command() == "help" {
		t.reply(ctx, msg.Chat.ID, telegramHelp)
		return
	}

	var parts []string
	if text := strings.TrimSpace(msg.Text); text != "" {
		parts = append(parts, text)
	}
	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		parts = append(parts, caption)
	}
	if msg.IsCommand() {
		// Bot usernames in group commands ("/new@relay_bot") are stripped.
		parts = []string{"/" + msg.Command()}
		if args := strings.TrimSpace(msg.CommandArguments()); args != "" {
			parts[0] += " " + args
		}
	}

	var attachments []string
	addMedia := func(kind, fileID, ext string) {
		p, err := t.download(ctx, fileID, ext)
		if err != nil {
			t.logger.Warn("telegram media download failed", "chat_id", chatID, "kind", kind, "error", err)
			parts = append(parts, fmt.Sprintf("[%s: download failed]", kind))
			return
		}
		attachments = append(attachments, p)
		parts = append(parts, fmt.Sprintf("[%s: %s]", kind, p))
	}
	if n := len(msg.Photo); n > 0 {
		addMedia("image", msg.Photo[n-1].FileID, ".jpg")
	}
	if msg.Voice != nil {
		addMedia("voice", msg.Voice.FileID, ".ogg")
	}
	if msg.Audio != nil {
		addMedia("audio", msg.Audio.FileID, ".mp3")
	}
	if msg.Document != nil {
		addMedia("file", msg.Document.FileID, filepath.Ext(msg.Document.FileName))
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	t.startTyping(msg.Chat.ID)
	if t.inbound != nil {
		t.inbound(InboundMessage{
			Channel:     t.Name(),
			ChatID:      chatID,
			SenderID:    senderID,
			Text:        content,
			Attachments: attachments,
			Timestamp:   msg.Time(),
		})
	}
}

// download saves a Telegram file under MediaDir and returns its local path.
func (t *TelegramChannel) download(ctx context.Context, fileID, ext string) (string, error) {
	if t.cfg.MediaDir == "" {
		return "", fmt.Errorf("no media dir configured")
	}
	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", fmt.Errorf("get file: %w", err)
	}
	if e := path.Ext(file.FilePath); e != "" {
		ext = e
	}
	url := fmt.Sprintf(t.cfg.FileEndpoint, t.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}

	name := fileID
	if len(name) > 16 {
		name = name[:16]
	}
	dst := filepath.Join(t.cfg.MediaDir, name+ext)
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, io.LimitReader(resp.Body, 20<<20)); err != nil {
		f.Close()
		return "", err
	}
	return dst, f.Close()
}

// startTyping shows the typing indicator until the reply is complete or two
// minutes pass.
func (t *TelegramChannel) startTyping(chatID int64) {
	t.typingMu.Lock()
	if stop, ok := t.typing[chatID]; ok {
		stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.typing[chatID] = cancel
	t.typingMu.Unlock()

	go func() {
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				t.logger.Debug("typing indicator failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (t *TelegramChannel) stopTyping(chatID int64) {
	t.typingMu.Lock()
	if stop, ok := t.typing[chatID]; ok {
		stop()
		delete(t.typing, chatID)
	}
	t.typingMu.Unlock()
}

// Send delivers content to chatID. Streaming deltas are accumulated into one
// message that is edited at most once per EditInterval; the final call
// writes the complete text, spilling into extra messages past the size limit,
// and then uploads opts.Media.
func (t *TelegramChannel) Send(ctx context.Context, chatID, content string, opts SendOptions) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	if !opts.Streaming {
		t.stopTyping(id)
		if err := t.sendChunks(ctx, id, content); err != nil {
			return err
		}
		return t.sendMedia(ctx, id, opts.Media)
	}

	t.streamMu.Lock()
	st, ok := t.streams[chatID]
	if !ok {
		st = &streamState{}
		t.streams[chatID] = st
	}
	if opts.Final {
		delete(t.streams, chatID)
	}
	t.streamMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.text.WriteString(content)
	full := st.text.String()

	if opts.Final {
		t.stopTyping(id)
		if err := t.finishStream(ctx, id, st, full); err != nil {
			return err
		}
		return t.sendMedia(ctx, id, opts.Media)
	}

	if strings.TrimSpace(full) == "" {
		return nil
	}
	// While streaming only the first page is shown; the rest lands on Final.
	view := full
	if utf8.RuneCountInString(view) > TelegramMessageLimit {
		view = splitMessage(view, TelegramMessageLimit)[0]
	}
	if st.messageID == 0 {
		sent, err := t.bot.Send(tgbotapi.NewMessage(id, view))
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		st.messageID = sent.MessageID
		st.shown = view
		st.lastEdit = time.Now()
		return nil
	}
	// Rate-limit edits to avoid Telegram 429 errors.
	if time.Since(st.lastEdit) < t.cfg.EditInterval || view == st.shown {
		return nil
	}
	if err := t.edit(id, st.messageID, view); err != nil {
		return err
	}
	st.shown = view
	st.lastEdit = time.Now()
	return nil
}

// finishStream writes the complete text of a streamed reply: the first page
// into the message being edited, the rest as new messages.
func (t *TelegramChannel) finishStream(ctx context.Context, chatID int64, st *streamState, full string) error {
	if st.messageID == 0 {
		return t.sendChunks(ctx, chatID, full)
	}
	chunks := splitMessage(full, TelegramMessageLimit)
	if len(chunks) == 0 {
		return nil
	}
	if chunks[0] != st.shown {
		if err := t.edit(chatID, st.messageID, chunks[0]); err != nil {
			return err
		}
	}
	return t.sendChunks(ctx, chatID, strings.Join(chunks[1:], "\n"))
}

// sendMedia uploads each file with the Bot API method for its kind. A failed
// upload does not stop the rest.
func (t *TelegramChannel) sendMedia(ctx context.Context, chatID int64, files []string) error {
	var errs []error
	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		file := tgbotapi.FilePath(p)
		var msg tgbotapi.Chattable
		switch MediaKind(p) {
		case MediaImage:
			msg = tgbotapi.NewPhoto(chatID, file)
		case MediaAudio:
			msg = tgbotapi.NewAudio(chatID, file)
		case MediaVideo:
			msg = tgbotapi.NewVideo(chatID, file)
		default:
			msg = tgbotapi.NewDocument(chatID, file)
		}
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram media upload failed", "chat_id", chatID, "file", filepath.Base(p), "error", err)
			errs = append(errs, fmt.Errorf("telegram upload %s: %w", filepath.Base(p), err))
		}
	}
	return errors.Join(errs...)
}

// edit updates an existing message in place.
func (t *TelegramChannel) edit(chatID int64, messageID int, text string) error {
	if _, err := t.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text)); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *TelegramChannel) sendChunks(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, TelegramMessageLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (t *TelegramChannel) reply(ctx context.Context, chatID int64, text string) {
	if err := t.sendChunks(ctx, chatID, text); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// splitMessage cuts text into pieces of at most limit runes, preferring to
// break at a newline, then at a space.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	var chunks []string
	for text != "" {
		runes := []rune(text)
		if len(runes) <= limit {
			chunks = append(chunks, text)
			break
		}
		window := string(runes[:limit])
		cut := strings.LastIndex(window, "\n")
		if cut <= 0 {
			cut = strings.LastIndex(window, " ")
		}
		if cut <= 0 {
			cut = len(window)
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], " \n"))
		text = strings.TrimLeft(text[cut:], " \n")
	}
	return chunks
}

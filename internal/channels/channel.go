package channels

import (
	"context"
	"errors"
	"time"

	"github.com/basket/go-relay/internal/session"
)

var (
	// ErrChannelAuthFailed is returned by Connect when the platform rejects
	// the configured credentials. The channel is disabled; others keep running.
	ErrChannelAuthFailed = errors.New("channel authentication failed")
	ErrBusy              = errors.New("gateway busy")
	ErrNotAllowed        = errors.New("sender not allowed")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrChannelDisabled   = errors.New("channel disabled")
	ErrStopped           = errors.New("channel manager stopped")
)

// InboundMessage is a normalized message from any chat platform, or a
// synthetic one injected by the scheduler.
type InboundMessage struct {
	Channel  string
	ChatID   string
	SenderID string
	Text     string
	// Attachments are local paths of downloaded media.
	Attachments []string
	Timestamp   time.Time
	// System marks gateway-generated messages; they bypass the allow-list.
	System bool
	// Silent suppresses delivery of the reply.
	Silent bool
}

func (m InboundMessage) Key() session.Key {
	return session.Key{Channel: m.Channel, ChatID: m.ChatID}
}

// SendOptions tells a channel how to render outbound text. With Streaming set
// the content is a delta to append to the reply being built; Final closes it.
type SendOptions struct {
	Streaming bool
	Final     bool
	// Media are local files sent after the text. Only honoured on a complete
	// message: non-streaming, or the Final call of a stream.
	Media []string
}

// Complete reports whether this call finishes a reply.
func (o SendOptions) Complete() bool {
	return !o.Streaming || o.Final
}

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// OnInbound registers the callback for received messages. It is called
	// before Connect.
	OnInbound(fn func(InboundMessage))

	// Connect authenticates and starts receiving in the background.
	Connect(ctx context.Context) error

	Send(ctx context.Context, chatID, content string, opts SendOptions) error

	Disconnect(ctx context.Context) error
}

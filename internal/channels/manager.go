package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/session"
)

// BusyReply is sent when the inbound queue is full.
const BusyReply = "The gateway is busy right now, please try again later."

// Handler processes one inbound message. Calls for the same conversation never
// overlap and arrive in publish order.
type Handler func(ctx context.Context, msg InboundMessage)

type ManagerConfig struct {
	WorkerCount  int
	QueueDepth   int
	DrainTimeout time.Duration
	// AllowFrom maps a channel name to the sender ids it accepts. A missing or
	// empty list accepts everyone.
	AllowFrom map[string][]string
	Logger    *slog.Logger
	Bus       *bus.Bus
	// Recorder, when set, logs every inbound message as it reaches the
	// handler and every delivered reply.
	Recorder *Recorder
}

// Manager owns the registered channels and dispatches their inbound traffic
// to a bounded pool of workers pinned per conversation.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	handler Handler

	mu       sync.Mutex
	channels map[string]Channel
	disabled map[string]error
	allow    map[string][]string
	queues   map[session.Key][]InboundMessage
	// active holds keys that are either waiting in ready or being handled.
	active   map[session.Key]bool
	queued   int
	stopping bool
	started  bool

	ready   chan session.Key
	quit    chan struct{}
	workers sync.WaitGroup
	pending sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	sendMu    sync.Mutex
	sendLocks map[session.Key]*sync.Mutex
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	m := &Manager{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "channels"),
		channels:  make(map[string]Channel),
		disabled:  make(map[string]error),
		allow:     make(map[string][]string),
		queues:    make(map[session.Key][]InboundMessage),
		active:    make(map[session.Key]bool),
		ready:     make(chan session.Key, cfg.QueueDepth),
		quit:      make(chan struct{}),
		sendLocks: make(map[session.Key]*sync.Mutex),
	}
	for name, ids := range cfg.AllowFrom {
		m.allow[name] = slices.Clone(ids)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// SetHandler installs the function that processes inbound messages. It must
// be called before Start.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Register adds a channel and routes its inbound messages into the pool.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
	ch.OnInbound(func(msg InboundMessage) {
		if msg.Channel == "" {
			msg.Channel = ch.Name()
		}
		if err := m.PublishInbound(msg); err != nil && !errors.Is(err, ErrBusy) && !errors.Is(err, ErrNotAllowed) {
			m.logger.Warn("inbound message dropped", "channel", msg.Channel, "chat_id", msg.ChatID, "error", err)
		}
	})
}

// Channels returns the registered channel names and whether each is enabled.
func (m *Manager) Channels() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.channels))
	for name := range m.channels {
		_, off := m.disabled[name]
		out[name] = !off
	}
	return out
}

// SetAllowList replaces the allow-list of one channel. Used by config reload.
func (m *Manager) SetAllowList(channel string, ids []string) {
	m.mu.Lock()
	m.allow[channel] = slices.Clone(ids)
	m.mu.Unlock()
	m.logger.Info("allow-list updated", "channel", channel, "entries", len(ids))
}

// IsAllowed reports whether senderID may talk through channel. Composite ids
// of the form "id|username" match on either part.
func (m *Manager) IsAllowed(channel, senderID string) bool {
	m.mu.Lock()
	list := m.allow[channel]
	m.mu.Unlock()
	return allowed(list, senderID)
}

func allowed(list []string, senderID string) bool {
	if len(list) == 0 {
		return true
	}
	if slices.Contains(list, senderID) {
		return true
	}
	if strings.Contains(senderID, "|") {
		for _, part := range strings.Split(senderID, "|") {
			if part != "" && slices.Contains(list, part) {
				return true
			}
		}
	}
	return false
}

// PublishInbound queues msg for its conversation. It returns ErrNotAllowed for
// senders outside the allow-list and ErrBusy when the queue bound is reached;
// in the busy case the sender gets a short reply.
func (m *Manager) PublishInbound(msg InboundMessage) error {
	key := msg.Key()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return ErrStopped
	}
	if !msg.System && !allowed(m.allow[msg.Channel], msg.SenderID) {
		m.mu.Unlock()
		m.logger.Warn("sender not allowed", "channel", msg.Channel, "chat_id", msg.ChatID, "sender_id", msg.SenderID)
		m.publishRejected(msg, "not_allowed")
		return ErrNotAllowed
	}
	if m.queued >= m.cfg.QueueDepth {
		m.mu.Unlock()
		m.logger.Warn("inbound queue full", "session_key", key.String(), "queued", m.cfg.QueueDepth)
		m.publishRejected(msg, "busy")
		if !msg.System {
			go func() {
				ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
				defer cancel()
				if err := m.DeliverOutbound(ctx, key, BusyReply, SendOptions{Final: true}); err != nil {
					m.logger.Debug("busy reply not delivered", "session_key", key.String(), "error", err)
				}
			}()
		}
		return ErrBusy
	}
	m.queues[key] = append(m.queues[key], msg)
	m.queued++
	m.pending.Add(1)
	if !m.active[key] {
		m.active[key] = true
		// Keys in ready each hold at least one queued message, so ready
		// never exceeds QueueDepth and this send does not block.
		m.ready <- key
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) publishRejected(msg InboundMessage, reason string) {
	if m.cfg.Bus == nil {
		return
	}
	m.cfg.Bus.Publish(bus.TopicInboundRejected, bus.InboundRejectedEvent{
		Conversation: msg.Key().String(),
		SenderID:     msg.SenderID,
		Reason:       reason,
	})
}

// Queued returns the number of messages waiting for a worker.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued
}

func (m *Manager) worker() {
	defer m.workers.Done()
	for {
		select {
		case <-m.quit:
			return
		case key := <-m.ready:
			m.runKey(key)
		}
	}
}

// runKey handles the oldest message of key, then reschedules the key if more
// are waiting so other conversations get a turn in between.
func (m *Manager) runKey(key session.Key) {
	m.mu.Lock()
	q := m.queues[key]
	if len(q) == 0 {
		delete(m.queues, key)
		delete(m.active, key)
		m.mu.Unlock()
		return
	}
	msg := q[0]
	m.queues[key] = q[1:]
	m.queued--
	h := m.handler
	m.mu.Unlock()

	if rec := m.cfg.Recorder; rec != nil {
		if err := rec.RecordInbound(msg); err != nil {
			m.logger.Warn("record inbound message", "session_key", key.String(), "error", err)
		}
	}
	func() {
		defer m.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("inbound handler panicked", "session_key", key.String(), "panic", fmt.Sprint(r))
			}
		}()
		if h != nil {
			h(m.ctx, msg)
		}
	}()

	m.mu.Lock()
	if len(m.queues[key]) > 0 {
		m.ready <- key
	} else {
		delete(m.queues, key)
		delete(m.active, key)
	}
	m.mu.Unlock()
}

// DeliverOutbound sends content to the conversation identified by key.
// Deliveries to the same conversation are serialized.
func (m *Manager) DeliverOutbound(ctx context.Context, key session.Key, content string, opts SendOptions) error {
	m.mu.Lock()
	ch, ok := m.channels[key.Channel]
	disabledErr := m.disabled[key.Channel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, key.Channel)
	}
	if disabledErr != nil {
		return fmt.Errorf("%w: %s", ErrChannelDisabled, key.Channel)
	}

	lock := m.sendLock(key)
	lock.Lock()
	defer lock.Unlock()
	if err := ch.Send(ctx, key.ChatID, content, opts); err != nil {
		return fmt.Errorf("send to %s: %w", key, err)
	}
	if rec := m.cfg.Recorder; rec != nil {
		if err := rec.RecordOutbound(key, content, opts); err != nil {
			m.logger.Warn("record outbound message", "session_key", key.String(), "error", err)
		}
	}
	return nil
}

func (m *Manager) sendLock(key session.Key) *sync.Mutex {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	l, ok := m.sendLocks[key]
	if !ok {
		l = &sync.Mutex{}
		m.sendLocks[key] = l
	}
	return l
}

// Start launches the worker pool and connects every registered channel
// concurrently. A channel that fails authentication is disabled and the rest
// keep running; any other connect failure is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	chans := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.workers.Add(1)
		go m.worker()
	}

	var g errgroup.Group
	for _, ch := range chans {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// Channels keep their receive loops on the manager's context;
			// ctx only bounds startup.
			err := ch.Connect(m.ctx)
			switch {
			case err == nil:
				m.logger.Info("channel connected", "channel", ch.Name())
				m.publishChannelState(ch.Name(), "connected", nil)
				return nil
			case errors.Is(err, ErrChannelAuthFailed):
				m.mu.Lock()
				m.disabled[ch.Name()] = err
				m.mu.Unlock()
				m.logger.Error("channel disabled", "channel", ch.Name(), "error", err)
				m.publishChannelState(ch.Name(), "disabled", err)
				return nil
			default:
				return fmt.Errorf("connect %s: %w", ch.Name(), err)
			}
		})
	}
	return g.Wait()
}

func (m *Manager) publishChannelState(name, state string, err error) {
	if m.cfg.Bus == nil {
		return
	}
	ev := bus.ChannelStateEvent{Channel: name, State: state}
	if err != nil {
		ev.Error = err.Error()
	}
	m.cfg.Bus.Publish(bus.TopicChannelState, ev)
}

// Stop refuses new messages, waits up to DrainTimeout for queued and running
// work, cancels whatever is left and disconnects the channels.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(drained)
	}()
	timer := time.NewTimer(m.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		m.logger.Warn("drain timeout reached, dropping queued messages", "queued", m.Queued())
	case <-ctx.Done():
		m.logger.Warn("stop cancelled before drain completed", "queued", m.Queued())
	}

	m.mu.Lock()
	for key, q := range m.queues {
		for range q {
			m.pending.Done()
		}
		m.queued -= len(q)
		m.queues[key] = nil
	}
	m.mu.Unlock()

	m.cancel()
	close(m.quit)
	m.workers.Wait()

	m.mu.Lock()
	chans := make([]Channel, 0, len(m.channels))
	for name, ch := range m.channels {
		if _, off := m.disabled[name]; !off {
			chans = append(chans, ch)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, ch := range chans {
		if err := ch.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ch.Name(), err))
			continue
		}
		m.publishChannelState(ch.Name(), "disconnected", nil)
	}
	return errors.Join(errs...)
}

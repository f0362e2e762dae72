// Package gateway connects chat channels to the agent. Each inbound message
// becomes one agent turn whose reply is paced and delivered back to the chat
// it came from.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/channels"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/otel"
	"github.com/basket/go-relay/internal/session"
	"github.com/basket/go-relay/internal/shared"
	"github.com/basket/go-relay/internal/stream"
)

// HeartbeatOK is the reply an agent gives when a heartbeat turn has nothing
// to report. A heartbeat reply that is exactly this token is not delivered.
const HeartbeatOK = "HEARTBEAT_OK"

const (
	resetReply     = "Started a new conversation. Previous context has been cleared."
	sourceTimeForm = "2006-01-02 15:04:05"
)

// Engine runs agent turns. *engine.Adapter satisfies it.
type Engine interface {
	RunTurn(ctx context.Context, req engine.TurnRequest) <-chan engine.TurnEvent
	Status() engine.Status
}

// Outbound delivers reply text to a conversation. *channels.Manager satisfies it.
type Outbound interface {
	DeliverOutbound(ctx context.Context, key session.Key, content string, opts channels.SendOptions) error
}

type Config struct {
	Sessions *session.Manager
	Engine   Engine
	Outbound Outbound
	// Streaming delivers partial replies as they are produced. When false the
	// reply is sent once, complete.
	Streaming bool
	Pace      stream.Options
	// Heartbeat receives the replies to heartbeat turns. Optional.
	Heartbeat *Heartbeat
	// AttachRoot, when set, is the directory whose files a reply may name to
	// have them sent along with it, normally the agent workspace.
	AttachRoot string
	Tracer     trace.Tracer
	Logger     *slog.Logger
	Bus        *bus.Bus
	Now        func() time.Time
}

type Gateway struct {
	sessions  *session.Manager
	engine    Engine
	out       Outbound
	streaming bool
	pace      stream.Options
	heartbeat *Heartbeat
	attach    string
	tracer    trace.Tracer
	logger    *slog.Logger
	bus       *bus.Bus
	now       func() time.Time
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if cfg.Outbound == nil {
		return nil, errors.New("gateway: outbound is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		sessions:  cfg.Sessions,
		engine:    cfg.Engine,
		out:       cfg.Outbound,
		streaming: cfg.Streaming,
		pace:      cfg.Pace,
		heartbeat: cfg.Heartbeat,
		attach:    cfg.AttachRoot,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.With("component", "gateway"),
		bus:       cfg.Bus,
		now:       cfg.Now,
	}, nil
}

// SessionsLost drops the conversations bound to agent sessions that died with
// the agent process. Register it with engine.Adapter.OnSessionsLost.
func (g *Gateway) SessionsLost(ids []string) {
	n, err := g.sessions.InvalidateAgentSessions(context.Background(), ids)
	if err != nil {
		g.logger.Warn("invalidate lost agent sessions", "error", err)
		return
	}
	if n > 0 {
		g.logger.Info("conversations reset after agent restart", "count", n)
	}
}

// HandleInbound processes one message to completion. It is the channel
// manager's handler, so calls for the same conversation never overlap.
func (g *Gateway) HandleInbound(ctx context.Context, msg channels.InboundMessage) {
	key := msg.Key()
	ctx = shared.WithConversation(shared.EnsureTraceID(ctx), key.String())
	logger := g.logger.With(shared.LogAttrs(ctx)...)

	if !msg.System && g.handleCommand(ctx, msg, logger) {
		return
	}

	ctx, span := otel.StartServerSpan(ctx, g.tracer, "gateway.inbound",
		otel.AttrConversation.String(key.String()),
		otel.AttrChannel.String(key.Channel),
	)
	defer span.End()

	res := g.process(ctx, msg, logger)
	if res.err != nil {
		span.SetAttributes(otel.AttrErrorKind.String(string(res.err.Kind)))
		span.RecordError(res.err)
		span.SetStatus(codes.Error, string(res.err.Kind))
	}
	if key == HeartbeatKey && g.heartbeat != nil && res.err == nil {
		if err := g.heartbeat.Record(res.text); err != nil {
			logger.Warn("record heartbeat result", "error", err)
		}
	}
}

// handleCommand answers the commands the gateway owns. Anything else,
// including unknown slash commands, goes to the agent.
func (g *Gateway) handleCommand(ctx context.Context, msg channels.InboundMessage, logger *slog.Logger) bool {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return false
	}
	cmd, _, _ := strings.Cut(text, " ")
	key := msg.Key()

	switch strings.ToLower(cmd) {
	case "/new", "/start":
		if err := g.sessions.Invalidate(ctx, key, "user_reset"); err != nil {
			logger.Warn("reset session", "error", err)
		}
		g.deliver(ctx, key, resetReply, channels.SendOptions{}, logger)
		return true
	case "/status":
		g.deliver(ctx, key, g.statusText(key), channels.SendOptions{}, logger)
		return true
	}
	return false
}

func (g *Gateway) statusText(key session.Key) string {
	st := g.engine.Status()
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation: %s\n", key)
	if s, ok := g.sessions.Get(key); ok {
		agentID := s.AgentSessionID
		if agentID == "" {
			agentID = "not started"
		}
		fmt.Fprintf(&sb, "Agent session: %s\n", agentID)
		fmt.Fprintf(&sb, "Turns: %d\n", s.TurnCount)
		fmt.Fprintf(&sb, "Last active: %s\n", s.LastActiveAt.Local().Format(sourceTimeForm))
	} else {
		sb.WriteString("Agent session: none\n")
	}
	fmt.Fprintf(&sb, "Engine: %s (%s)", st.State, st.Mode)
	return sb.String()
}

type turnResult struct {
	text           string
	agentSessionID string
	flushes        int
	err            *engine.TurnError
}

func (g *Gateway) process(ctx context.Context, msg channels.InboundMessage, logger *slog.Logger) turnResult {
	key := msg.Key()
	turnID := shared.NewTurnID()
	ctx = shared.WithTurnID(ctx, turnID)
	logger = logger.With("turn_id", turnID)
	started := g.now()

	sess, err := g.sessions.Resolve(ctx, key)
	if err != nil {
		logger.Error("resolve session", "error", err)
		res := turnResult{err: &engine.TurnError{Kind: engine.ErrorFailed, Err: err}}
		g.finish(ctx, msg, turnID, started, res, logger)
		return res
	}
	g.bus.Publish(bus.TopicTurnStarted, bus.TurnEvent{
		TurnID:         turnID,
		Conversation:   key.String(),
		AgentSessionID: sess.AgentSessionID,
	})

	prompt := g.sourceHeader(key) + "\n\n" + msg.Text
	// System turns are answered once, complete, so a HEARTBEAT_OK reply can
	// be withheld before anything reaches the chat.
	streaming := g.streaming && !msg.System
	deliver := !(msg.System && msg.Silent)

	res := g.attempt(ctx, key, sess.AgentSessionID, prompt, msg.Attachments, streaming, deliver, true, logger)
	if retryable(res) {
		logger.Info("agent session rejected, retrying with a fresh one", "agent_session_id", sess.AgentSessionID)
		if err := g.sessions.Invalidate(ctx, key, "session_invalid"); err != nil {
			logger.Warn("invalidate session", "error", err)
		}
		if _, err := g.sessions.Resolve(ctx, key); err != nil {
			logger.Error("resolve session", "error", err)
		}
		res = g.attempt(ctx, key, "", prompt, msg.Attachments, streaming, deliver, false, logger)
	}

	g.finish(ctx, msg, turnID, started, res, logger)
	return res
}

// retryable reports whether a rejected agent session can be replaced without
// the user noticing: nothing has been delivered yet.
func retryable(res turnResult) bool {
	return res.err != nil && res.err.Kind == engine.ErrorSessionInvalid && res.flushes == 0
}

// attempt runs one turn and delivers its flushes. When canRetry is set a
// retryable failure is returned without telling the user.
func (g *Gateway) attempt(ctx context.Context, key session.Key, agentSessionID, prompt string, attachments []string, streaming, deliver, canRetry bool, logger *slog.Logger) turnResult {
	ctx, span := otel.StartClientSpan(ctx, g.tracer, "engine.turn",
		otel.AttrConversation.String(key.String()),
		otel.AttrAgentSessionID.String(agentSessionID),
		otel.AttrTurnID.String(shared.TurnID(ctx)),
	)
	defer span.End()

	events := g.engine.RunTurn(ctx, engine.TurnRequest{
		SessionKey:     key,
		AgentSessionID: agentSessionID,
		Prompt:         prompt,
		Attachments:    attachments,
		Streaming:      streaming,
	})

	var (
		res      turnResult
		sb       strings.Builder
		terminal bool
	)
	for f := range stream.Pace(ctx, events, g.pace) {
		sb.WriteString(f.Text)
		if !f.Terminal {
			if streaming && deliver && f.Text != "" {
				g.deliver(ctx, key, f.Text, channels.SendOptions{Streaming: true}, logger)
				res.flushes++
			}
			continue
		}

		terminal = true
		res.text = sb.String()
		res.agentSessionID = f.AgentSessionID
		res.err = f.Err
		if canRetry && retryable(res) {
			break
		}
		if !deliver || (res.err == nil && key == HeartbeatKey && isHeartbeatOK(res.text)) {
			if streaming && res.flushes > 0 {
				g.deliver(ctx, key, "", channels.SendOptions{Streaming: true, Final: true}, logger)
			}
			break
		}

		switch {
		case res.err != nil && streaming:
			tail := f.Text
			if tail != "" || res.flushes > 0 {
				tail += "\n\n"
			}
			g.deliver(ctx, key, tail+engine.UserMessage(res.err), channels.SendOptions{Streaming: true, Final: true}, logger)
		case res.err != nil:
			g.deliver(ctx, key, engine.UserMessage(res.err), channels.SendOptions{}, logger)
		case streaming:
			g.deliver(ctx, key, f.Text, channels.SendOptions{Streaming: true, Final: true, Media: g.media(res.text, logger)}, logger)
		case strings.TrimSpace(res.text) != "":
			g.deliver(ctx, key, res.text, channels.SendOptions{Media: g.media(res.text, logger)}, logger)
		}
		res.flushes++
	}

	if !terminal {
		// Pace stops delivering once ctx is done.
		res.text = sb.String()
		res.err = &engine.TurnError{Kind: engine.ErrorFailed, Err: fmt.Errorf("turn abandoned: %w", context.Cause(ctx))}
	}
	if res.err != nil {
		span.SetAttributes(otel.AttrErrorKind.String(string(res.err.Kind)))
		span.SetStatus(codes.Error, res.err.Error())
	} else {
		span.SetAttributes(otel.AttrAgentSessionID.String(res.agentSessionID))
	}
	return res
}

func (g *Gateway) finish(ctx context.Context, msg channels.InboundMessage, turnID string, started time.Time, res turnResult, logger *slog.Logger) {
	key := msg.Key()
	ev := bus.TurnEvent{
		TurnID:         turnID,
		Conversation:   key.String(),
		AgentSessionID: res.agentSessionID,
		Duration:       g.now().Sub(started),
		Flushes:        res.flushes,
	}
	if res.err != nil {
		ev.ErrorKind = string(res.err.Kind)
		g.bus.Publish(bus.TopicTurnFailed, ev)
		logger.Warn("turn failed", "kind", ev.ErrorKind, "error", res.err.Error(), "duration_ms", ev.Duration.Milliseconds())
		return
	}

	if res.agentSessionID != "" {
		if err := g.sessions.Bind(ctx, key, res.agentSessionID); err != nil {
			logger.Warn("bind agent session", "agent_session_id", res.agentSessionID, "error", err)
		}
	}
	if _, err := g.sessions.RecordTurn(ctx, key); err != nil {
		logger.Warn("record turn", "error", err)
	}
	g.bus.Publish(bus.TopicTurnCompleted, ev)
	logger.Info("turn delivered",
		"agent_session_id", res.agentSessionID,
		"flushes", res.flushes,
		"chars", len(res.text),
		"system", msg.System,
		"duration_ms", ev.Duration.Milliseconds())
}

// sourceHeader tells the agent where the message came from so it can address
// scheduled replies back to the same chat.
func (g *Gateway) sourceHeader(key session.Key) string {
	return fmt.Sprintf("[message_source]\nchannel: %s\nchat_id: %s\nsession: %s\ntime: %s\n[/message_source]",
		key.Channel, key.ChatID, key, g.now().Format(sourceTimeForm))
}

// media lists the workspace files a successful reply refers to.
func (g *Gateway) media(text string, logger *slog.Logger) []string {
	files := replyMedia(text, g.attach)
	if len(files) > 0 {
		logger.Info("attaching reply files", "count", len(files))
	}
	return files
}

func (g *Gateway) deliver(ctx context.Context, key session.Key, content string, opts channels.SendOptions, logger *slog.Logger) {
	err := g.out.DeliverOutbound(ctx, key, content, opts)
	switch {
	case err == nil:
	case errors.Is(err, channels.ErrUnknownChannel), errors.Is(err, channels.ErrChannelDisabled):
		logger.Debug("reply not delivered", "error", err)
	default:
		logger.Warn("deliver reply", "final", opts.Final || !opts.Streaming, "error", err)
	}
}

// isHeartbeatOK reports whether a reply is the bare all-clear token.
func isHeartbeatOK(text string) bool {
	return strings.TrimSpace(text) == HeartbeatOK
}

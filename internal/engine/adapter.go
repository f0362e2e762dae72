// Package engine drives the external AI agent process. It hides the three
// wire modes (a process per turn, a persistent process over stdio, and a
// persistent process over a local websocket) behind one turn-oriented API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/shared"
)

// Driver modes, matching the values accepted in config.yaml.
const (
	ModeSubprocess = "cli"
	ModeStdio      = "stdio"
	ModeSocket     = "acp"
)

type Config struct {
	Mode          string
	AgentPath     string
	Model         string
	AutoConfirm   bool
	ShowReasoning bool
	Workspace     string
	ExtraArgs     []string
	SystemPrompt  string
	// Host and Port locate the agent's websocket in socket mode.
	Host string
	Port int

	TurnTimeout      time.Duration
	HandshakeTimeout time.Duration
	// Grace is how long a timed-out turn may still deliver a late result
	// before the agent is deemed unresponsive and restarted.
	Grace time.Duration
	// Env is appended to the gateway's environment for the agent process.
	Env []string

	Logger *slog.Logger
	Bus    *bus.Bus
}

type driver interface {
	runTurn(ctx context.Context, req TurnRequest, emit func(TurnEvent))
	pid() int
	sessionCount() int
	close(ctx context.Context) error
}

// Adapter is the gateway's handle on the agent.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	sm     *stateMachine
	drv    driver

	wg       sync.WaitGroup
	inFlight atomic.Int64
	closed   atomic.Bool

	lostMu sync.RWMutex
	onLost func(ids []string)
}

func New(cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "engine")
	if strings.TrimSpace(cfg.AgentPath) == "" {
		return nil, errors.New("engine: agent path is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 300 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}

	a := &Adapter{cfg: cfg, logger: cfg.Logger}
	a.sm = newStateMachine(cfg.Mode, cfg.Logger, cfg.Bus)
	switch cfg.Mode {
	case ModeSubprocess:
		a.drv = newCLIDriver(cfg, a.sm)
	case ModeStdio:
		a.drv = newACPDriver(cfg, a.sm, a.sessionsLost)
	case ModeSocket:
		if cfg.Port <= 0 {
			return nil, fmt.Errorf("engine: socket mode requires a port")
		}
		a.drv = newACPDriver(cfg, a.sm, a.sessionsLost)
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", cfg.Mode)
	}
	return a, nil
}

// OnSessionsLost registers fn to be called with the agent session ids that
// died with the agent process.
func (a *Adapter) OnSessionsLost(fn func(ids []string)) {
	a.lostMu.Lock()
	a.onLost = fn
	a.lostMu.Unlock()
}

func (a *Adapter) sessionsLost(ids []string) {
	a.lostMu.RLock()
	fn := a.onLost
	a.lostMu.RUnlock()
	if fn != nil {
		fn(ids)
	}
}

// RunTurn sends req to the agent. The returned channel yields zero or more
// Partial events followed by exactly one Final or Error, then closes.
// Callers must drain it.
func (a *Adapter) RunTurn(ctx context.Context, req TurnRequest) <-chan TurnEvent {
	out := make(chan TurnEvent, 64)
	if a.closed.Load() {
		out <- TurnEvent{Kind: EventError, Err: newTurnError(ErrorFailed, "engine is shutting down"), AgentSessionID: req.AgentSessionID}
		close(out)
		return out
	}

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(a.cfg.TurnTimeout)
	}

	a.wg.Add(1)
	a.inFlight.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inFlight.Add(-1)
		defer close(out)

		turnCtx, cancel := context.WithDeadline(ctx, deadline)
		defer cancel()

		logger := a.logger.With(shared.LogAttrs(shared.WithConversation(ctx, req.SessionKey.String()))...)
		started := time.Now()
		terminal := false
		emit := func(ev TurnEvent) {
			if terminal {
				logger.Warn("dropping event after terminal", "kind", ev.Kind.String())
				return
			}
			if ev.Terminal() {
				terminal = true
				out <- ev
				return
			}
			select {
			case out <- ev:
			case <-turnCtx.Done():
			}
		}

		defer func() {
			if r := recover(); r != nil {
				logger.Error("engine turn panicked", "panic", fmt.Sprint(r))
				emit(TurnEvent{Kind: EventError, Err: newTurnError(ErrorFailed, "internal error"), AgentSessionID: req.AgentSessionID})
			}
			if !terminal {
				emit(TurnEvent{Kind: EventError, Err: newTurnError(ErrorFailed, "turn ended without a result"), AgentSessionID: req.AgentSessionID})
			}
		}()

		logger.Debug("turn started", "mode", a.cfg.Mode, "agent_session_id", req.AgentSessionID)
		a.drv.runTurn(turnCtx, req, func(ev TurnEvent) {
			emit(ev)
			switch ev.Kind {
			case EventFinal:
				logger.Info("turn completed", "agent_session_id", ev.AgentSessionID, "duration_ms", time.Since(started).Milliseconds(), "chars", len(ev.Text))
			case EventError:
				logger.Warn("turn failed", "agent_session_id", ev.AgentSessionID, "duration_ms", time.Since(started).Milliseconds(), "kind", string(ev.Err.Kind), "error", ev.Err.Error())
			}
		})
	}()
	return out
}

func (a *Adapter) Status() Status {
	state, _, restarts := a.sm.get()
	return Status{
		Mode:     a.cfg.Mode,
		State:    state,
		PID:      a.drv.pid(),
		InFlight: int(a.inFlight.Load()),
		Restarts: restarts,
		Sessions: a.drv.sessionCount(),
	}
}

// Close waits for in-flight turns until ctx expires, then stops the agent.
func (a *Adapter) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		a.logger.Warn("engine close: turns still running", "in_flight", a.inFlight.Load())
	}
	killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.drv.close(killCtx)
}

// promptText appends attachment paths to the prompt so the agent can open them
// from its workspace.
func promptText(req TurnRequest) string {
	if len(req.Attachments) == 0 {
		return req.Prompt
	}
	var sb strings.Builder
	sb.WriteString(req.Prompt)
	sb.WriteString("\n\n[Attachments]")
	for _, p := range req.Attachments {
		sb.WriteString("\n- ")
		sb.WriteString(p)
	}
	return sb.String()
}

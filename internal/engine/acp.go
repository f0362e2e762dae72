package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const acpProtocolVersion = 1

// acpDriver keeps one agent process alive and speaks the Agent Client
// Protocol to it. In stdio mode turns are serialized over the single pipe;
// in socket mode they are multiplexed by session id.
type acpDriver struct {
	cfg       Config
	logger    *slog.Logger
	sm        *stateMachine
	serialize bool
	lost      func([]string)

	// turnLock admits one turn at a time in serialized mode. A timed-out turn
	// keeps holding it until its late result arrives or the grace period ends.
	turnLock chan struct{}
	// sessionLocks does the same per agent session in socket mode, so a retry
	// never shares a session with the turn it replaces.
	sessionLocks *keyedLock
	inFlight     atomic.Int64

	mu       sync.Mutex
	proc     *agentProcess
	conn     *rpcConn
	sessions map[string]struct{}
	closing  bool
}

func newACPDriver(cfg Config, sm *stateMachine, lost func([]string)) *acpDriver {
	return &acpDriver{
		cfg:          cfg,
		logger:       cfg.Logger,
		sm:           sm,
		serialize:    cfg.Mode == ModeStdio,
		lost:         lost,
		turnLock:     make(chan struct{}, 1),
		sessionLocks: newKeyedLock(),
		sessions:     make(map[string]struct{}),
	}
}

func (d *acpDriver) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *acpDriver) pid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proc.pid()
}

func (d *acpDriver) launchArgs() []string {
	args := []string{"--experimental-acp"}
	if d.cfg.Mode == ModeSocket {
		args = append(args, "--port", strconv.Itoa(d.cfg.Port))
	} else {
		args = append(args, "--stream")
	}
	return append(args, d.cfg.ExtraArgs...)
}

// ensureConn returns the live connection, starting the agent and running the
// handshake when there is none.
func (d *acpDriver) ensureConn(ctx context.Context) (*rpcConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return nil, newTurnError(ErrorFailed, "engine is shutting down")
	}
	if d.conn != nil {
		select {
		case <-d.conn.Done():
		default:
			return d.conn, nil
		}
	}

	d.sm.set(StateStarting, 0, "spawn")
	proc, err := startProcess(processSpec{
		path:  d.cfg.AgentPath,
		args:  d.launchArgs(),
		dir:   d.cfg.Workspace,
		env:   d.cfg.Env,
		pipes: d.cfg.Mode == ModeStdio,
	})
	if err != nil {
		d.sm.set(StateTerminated, 0, "spawn failed")
		return nil, &TurnError{Kind: ErrorHandshakeFailed, Err: err}
	}

	hctx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := d.connect(hctx, proc)
	if err == nil {
		err = d.handshake(hctx, conn)
	}
	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		proc.kill()
		if proc.exited() {
			err = fmt.Errorf("%w (%v)", err, proc.exitError())
		}
		d.sm.set(StateTerminated, 0, "handshake failed")
		d.logger.Error("agent handshake failed", "mode", d.cfg.Mode, "error", err)
		return nil, &TurnError{Kind: ErrorHandshakeFailed, Err: err}
	}

	d.proc = proc
	d.conn = conn
	d.sessions = make(map[string]struct{})
	d.sm.set(StateReady, proc.pid(), "handshake complete")
	go d.watch(proc, conn)
	return conn, nil
}

func (d *acpDriver) connect(ctx context.Context, proc *agentProcess) (*rpcConn, error) {
	if d.cfg.Mode == ModeStdio {
		return newRPCConn(newStdioTransport(proc.stdin, proc.stdout), d.handleAgentRequest, d.logger), nil
	}
	url := fmt.Sprintf("ws://%s:%d/acp", d.cfg.Host, d.cfg.Port)
	t, err := dialAgent(ctx, url, proc.exited)
	if err != nil {
		return nil, err
	}
	return newRPCConn(t, d.handleAgentRequest, d.logger), nil
}

func (d *acpDriver) handshake(ctx context.Context, conn *rpcConn) error {
	var init struct {
		ProtocolVersion int             `json:"protocolVersion"`
		AuthMethods     json.RawMessage `json:"authMethods"`
	}
	err := conn.call(ctx, "initialize", map[string]any{
		"protocolVersion": acpProtocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]bool{"readTextFile": true, "writeTextFile": true},
		},
	}, &init)
	if err != nil {
		return err
	}
	d.logger.Debug("agent initialized", "protocol_version", init.ProtocolVersion)

	// Agents that need no login reject or ignore authenticate; either is fine.
	var auth struct {
		MethodID string `json:"methodId"`
	}
	if err := conn.call(ctx, "authenticate", map[string]string{"methodId": "iflow"}, &auth); err != nil {
		if ctx.Err() != nil {
			return err
		}
		d.logger.Debug("agent authenticate skipped", "error", err)
	}
	return nil
}

// watch waits for the connection to drop, then forgets the process and every
// agent session it held.
func (d *acpDriver) watch(proc *agentProcess, conn *rpcConn) {
	select {
	case <-conn.Done():
	case <-proc.done:
		_ = conn.Close()
		<-conn.Done()
	}
	proc.kill()
	cause := "agent exited"
	select {
	case <-proc.done:
		cause = proc.exitError().Error()
	case <-time.After(time.Second):
	}

	// Terminated is recorded while d.mu is held so it can never land on top
	// of a replacement process started by ensureConn.
	d.mu.Lock()
	if d.conn != conn {
		d.mu.Unlock()
		return
	}
	lost := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		lost = append(lost, id)
	}
	sort.Strings(lost)
	d.conn = nil
	d.proc = nil
	d.sessions = make(map[string]struct{})
	closing := d.closing
	if closing {
		cause = "shutdown"
	}
	d.sm.set(StateTerminated, 0, cause)
	d.mu.Unlock()

	if !closing {
		d.logger.Error("agent process lost", "mode", d.cfg.Mode, "pid", proc.pid(), "cause", cause, "sessions_lost", len(lost))
	}
	if len(lost) > 0 && d.lost != nil {
		d.lost(lost)
	}
}

func (d *acpDriver) runTurn(ctx context.Context, req TurnRequest, emit func(TurnEvent)) {
	if d.serialize {
		select {
		case d.turnLock <- struct{}{}:
		case <-ctx.Done():
			emit(TurnEvent{Kind: EventError, Err: deadlineError(ctx, "waiting for the agent"), AgentSessionID: req.AgentSessionID})
			return
		}
	}
	var unlockSession func()
	if !d.serialize && req.AgentSessionID != "" {
		unlock, err := d.sessionLocks.lock(ctx, req.AgentSessionID)
		if err != nil {
			emit(TurnEvent{Kind: EventError, Err: deadlineError(ctx, "waiting for the agent session"), AgentSessionID: req.AgentSessionID})
			return
		}
		unlockSession = unlock
	}
	release := func() {
		if unlockSession != nil {
			unlockSession()
		}
		if d.serialize {
			<-d.turnLock
		}
	}

	conn, err := d.ensureConn(ctx)
	if err != nil {
		release()
		emit(TurnEvent{Kind: EventError, Err: asTurnError(err), AgentSessionID: req.AgentSessionID})
		return
	}

	d.beginTurn()
	handedOff := false
	defer func() {
		d.endTurn()
		if !handedOff {
			release()
		}
	}()

	sid, err := d.resolveSession(ctx, conn, req.AgentSessionID)
	if err != nil {
		emit(TurnEvent{Kind: EventError, Err: d.classify(ctx, conn, err), AgentSessionID: req.AgentSessionID})
		return
	}
	if !d.serialize && unlockSession == nil {
		// A fresh session: nobody else can hold it yet.
		if unlockSession, err = d.sessionLocks.lock(ctx, sid); err != nil {
			emit(TurnEvent{Kind: EventError, Err: deadlineError(ctx, "waiting for the agent session"), AgentSessionID: sid})
			return
		}
	}

	sub := conn.subscribe(sid)
	tr := &transcript{showReasoning: d.cfg.ShowReasoning}
	id, resCh, err := conn.start(ctx, "session/prompt", map[string]any{
		"sessionId": sid,
		"prompt":    []map[string]string{{"type": "text", "text": promptText(req)}},
	})
	if err != nil {
		conn.unsubscribe(sid, sub)
		emit(TurnEvent{Kind: EventError, Err: d.classify(ctx, conn, err), AgentSessionID: sid})
		return
	}

	for {
		select {
		case params := <-sub.ch:
			if delta := d.applyUpdate(tr, params); delta != "" {
				emit(TurnEvent{Kind: EventPartial, Text: delta, AgentSessionID: sid})
			}

		case res := <-resCh:
			d.drainUpdates(tr, sub)
			conn.unsubscribe(sid, sub)
			if res.err != nil {
				terr := d.classify(ctx, conn, res.err)
				if terr.Kind == ErrorSessionInvalid {
					d.forgetSession(sid)
				}
				emit(TurnEvent{Kind: EventError, Err: terr, AgentSessionID: sid})
				return
			}
			var out struct {
				StopReason string `json:"stopReason"`
			}
			_ = json.Unmarshal(res.result, &out)
			if out.StopReason == "cancelled" || out.StopReason == "refusal" {
				d.logger.Info("agent ended turn early", "agent_session_id", sid, "stop_reason", out.StopReason)
			}
			emit(TurnEvent{Kind: EventFinal, Text: tr.String(), AgentSessionID: sid})
			return

		case <-conn.Done():
			conn.unsubscribe(sid, sub)
			emit(TurnEvent{Kind: EventError, Err: &TurnError{Kind: ErrorEngineCrashed, Err: conn.Err()}, AgentSessionID: sid})
			return

		case <-ctx.Done():
			terr := deadlineError(ctx, "agent turn")
			_ = conn.notify(context.Background(), "session/cancel", map[string]string{"sessionId": sid})
			d.sm.transition(StateDegraded, "turn timed out", StateBusy, StateReady)
			handedOff = true
			go d.awaitLate(conn, sid, id, resCh, sub, release)
			emit(TurnEvent{Kind: EventError, Err: terr, AgentSessionID: sid})
			return
		}
	}
}

// awaitLate keeps listening for the result of a timed-out turn. A late result
// is discarded and the engine returns to Ready; if none arrives within the
// grace period the agent is considered unresponsive and is killed.
func (d *acpDriver) awaitLate(conn *rpcConn, sid string, id int64, resCh <-chan rpcResult, sub *subscription, release func()) {
	defer release()
	defer conn.unsubscribe(sid, sub)
	timer := time.NewTimer(d.cfg.Grace)
	defer timer.Stop()
	for {
		select {
		case <-sub.ch:
		case res := <-resCh:
			d.logger.Info("late agent result discarded", "agent_session_id", sid, "error", res.err)
			if d.inFlight.Load() > 0 {
				d.sm.transition(StateBusy, "late result", StateDegraded)
			} else {
				d.sm.transition(StateReady, "late result", StateDegraded)
			}
			return
		case <-conn.Done():
			return
		case <-timer.C:
			conn.forget(id)
			d.logger.Error("agent unresponsive after timeout, restarting", "agent_session_id", sid, "grace", d.cfg.Grace)
			d.mu.Lock()
			if d.conn == conn {
				d.proc.kill()
			}
			d.mu.Unlock()
			_ = conn.Close()
			<-conn.Done()
			return
		}
	}
}

func (d *acpDriver) beginTurn() {
	d.inFlight.Add(1)
	d.sm.transition(StateBusy, "turn started", StateReady)
}

func (d *acpDriver) endTurn() {
	if d.inFlight.Add(-1) == 0 {
		d.sm.transition(StateReady, "idle", StateBusy)
	}
}

// resolveSession returns the agent session to prompt. Unknown ids are loaded
// from the agent's own storage; an id the agent cannot load is invalid.
func (d *acpDriver) resolveSession(ctx context.Context, conn *rpcConn, sid string) (string, error) {
	if sid == "" {
		return d.newSession(ctx, conn)
	}
	d.mu.Lock()
	_, known := d.sessions[sid]
	d.mu.Unlock()
	if known {
		return sid, nil
	}

	var out struct {
		Loaded *bool `json:"loaded"`
	}
	err := conn.call(ctx, "session/load", map[string]any{
		"sessionId":  sid,
		"cwd":        d.cfg.Workspace,
		"mcpServers": []any{},
	}, &out)
	if err != nil {
		if ctx.Err() != nil || conn.Err() != nil {
			return "", err
		}
		return "", &TurnError{Kind: ErrorSessionInvalid, Err: err}
	}
	if out.Loaded != nil && !*out.Loaded {
		return "", newTurnError(ErrorSessionInvalid, "agent could not load session %s", sid)
	}
	d.rememberSession(conn, sid)
	return sid, nil
}

func (d *acpDriver) newSession(ctx context.Context, conn *rpcConn) (string, error) {
	settings := map[string]any{"permission_mode": "default"}
	if d.cfg.AutoConfirm {
		settings["permission_mode"] = "yolo"
	}
	if d.cfg.Model != "" {
		settings["model"] = d.cfg.Model
	}
	if d.cfg.SystemPrompt != "" {
		settings["system_prompt"] = d.cfg.SystemPrompt
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	err := conn.call(ctx, "session/new", map[string]any{
		"cwd":        d.cfg.Workspace,
		"mcpServers": []any{},
		"settings":   settings,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("session/new returned no session id")
	}
	if d.cfg.Model != "" {
		if err := conn.call(ctx, "session/set_model", map[string]string{"sessionId": out.SessionID, "modelId": d.cfg.Model}, nil); err != nil {
			d.logger.Debug("session/set_model not applied", "agent_session_id", out.SessionID, "error", err)
		}
	}
	d.rememberSession(conn, out.SessionID)
	d.logger.Info("agent session created", "agent_session_id", out.SessionID)
	return out.SessionID, nil
}

func (d *acpDriver) rememberSession(conn *rpcConn, sid string) {
	d.mu.Lock()
	if d.conn == conn {
		d.sessions[sid] = struct{}{}
	}
	d.mu.Unlock()
}

func (d *acpDriver) forgetSession(sid string) {
	d.mu.Lock()
	delete(d.sessions, sid)
	d.mu.Unlock()
}

func (d *acpDriver) classify(ctx context.Context, conn *rpcConn, err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if ctx.Err() != nil {
		return deadlineError(ctx, "agent turn")
	}
	if conn.Err() != nil {
		return &TurnError{Kind: ErrorEngineCrashed, Err: err}
	}
	return &TurnError{Kind: ClassifyError(err), Err: err}
}

type sessionUpdate struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		Kind       string          `json:"sessionUpdate"`
		Content    json.RawMessage `json:"content"`
		ToolCallID string          `json:"toolCallId"`
		Name       string          `json:"name"`
		Title      string          `json:"title"`
		Status     string          `json:"status"`
	} `json:"update"`
}

// applyUpdate folds one session/update into the transcript and returns the
// text to stream, if any.
func (d *acpDriver) applyUpdate(tr *transcript, params json.RawMessage) string {
	var u sessionUpdate
	if err := json.Unmarshal(params, &u); err != nil {
		d.logger.Debug("undecodable session update", "error", err)
		return ""
	}
	switch u.Update.Kind {
	case "agent_message_chunk":
		return tr.message(contentText(u.Update.Content))
	case "agent_thought_chunk":
		return tr.thought(contentText(u.Update.Content))
	case "tool_call":
		name := u.Update.Name
		if name == "" {
			name = u.Update.Title
		}
		d.logger.Debug("agent tool call", "agent_session_id", u.SessionID, "tool_call_id", u.Update.ToolCallID, "tool", name)
	case "tool_call_update":
		d.logger.Debug("agent tool call update", "agent_session_id", u.SessionID, "tool_call_id", u.Update.ToolCallID, "status", u.Update.Status)
	}
	return ""
}

func (d *acpDriver) drainUpdates(tr *transcript, sub *subscription) {
	for {
		select {
		case params := <-sub.ch:
			d.applyUpdate(tr, params)
		default:
			return
		}
	}
}

// contentText extracts text from a content block or a list of them.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	type block struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	var one block
	if err := json.Unmarshal(raw, &one); err == nil {
		return one.Text
	}
	var many []block
	if err := json.Unmarshal(raw, &many); err == nil {
		var sb strings.Builder
		for _, b := range many {
			sb.WriteString(b.Text)
		}
		return sb.String()
	}
	return ""
}

// handleAgentRequest serves the client side of the protocol: permission
// prompts and file access confined to the workspace.
func (d *acpDriver) handleAgentRequest(_ context.Context, method string, params json.RawMessage) (any, *rpcError) {
	switch method {
	case "session/request_permission":
		var p struct {
			Options []struct {
				OptionID string `json:"optionId"`
				Kind     string `json:"kind"`
			} `json:"options"`
		}
		_ = json.Unmarshal(params, &p)
		if d.cfg.AutoConfirm {
			for _, opt := range p.Options {
				if strings.HasPrefix(opt.Kind, "allow") {
					return map[string]any{"outcome": map[string]string{"outcome": "selected", "optionId": opt.OptionID}}, nil
				}
			}
		}
		return map[string]any{"outcome": map[string]string{"outcome": "cancelled"}}, nil

	case "fs/read_text_file":
		var p struct {
			Path  string `json:"path"`
			Line  int    `json:"line"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		path, rerr := d.workspacePath(p.Path)
		if rerr != nil {
			return nil, rerr
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return map[string]string{"content": sliceLines(string(b), p.Line, p.Limit)}, nil

	case "fs/write_text_file":
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: -32602, Message: "invalid params"}
		}
		path, rerr := d.workspacePath(p.Path)
		if rerr != nil {
			return nil, rerr
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
			return nil, &rpcError{Code: -32603, Message: err.Error()}
		}
		return map[string]any{}, nil
	}
	return nil, &rpcError{Code: -32601, Message: "method not found: " + method}
}

func (d *acpDriver) workspacePath(p string) (string, *rpcError) {
	root, err := filepath.Abs(d.cfg.Workspace)
	if err != nil {
		return "", &rpcError{Code: -32603, Message: err.Error()}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &rpcError{Code: -32602, Message: "path outside workspace"}
	}
	return p, nil
}

// sliceLines returns limit lines starting at the 1-based line, or everything
// when both are zero.
func sliceLines(s string, line, limit int) string {
	if line <= 0 && limit <= 0 {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	start := 0
	if line > 0 {
		start = line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "")
}

func (d *acpDriver) close(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	conn, proc := d.conn, d.proc
	d.mu.Unlock()
	if conn == nil {
		d.sm.set(StateTerminated, 0, "shutdown")
		return nil
	}
	_ = conn.Close()
	proc.kill()
	select {
	case <-proc.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func deadlineError(ctx context.Context, what string) *TurnError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newTurnError(ErrorTimeout, "%s: deadline exceeded", what)
	}
	return newTurnError(ErrorFailed, "%s: %v", what, ctx.Err())
}

func asTurnError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	return &TurnError{Kind: ClassifyError(err), Err: err}
}

// keyedLock is a set of mutexes keyed by string whose acquisition honours a
// context. Entries are dropped once nobody holds or waits for them.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]*lockSlot)}
}

func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	k.mu.Unlock()

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, slot)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot.ch
			k.drop(key, slot)
		})
	}, nil
}

func (k *keyedLock) drop(key string, slot *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(k.slots, key)
	}
}

func (k *keyedLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcMessage is the union of everything that can arrive on the wire.
type rpcMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// requestHandler answers requests the agent sends to the gateway.
type requestHandler func(ctx context.Context, method string, params json.RawMessage) (any, *rpcError)

type subscription struct {
	ch   chan json.RawMessage
	done chan struct{}
	once sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.done) }) }

// rpcConn is a JSON-RPC 2.0 peer over a transport. Notifications are routed
// to per-session subscriptions; responses resolve pending calls by id.
type rpcConn struct {
	t       transport
	logger  *slog.Logger
	handler requestHandler
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan rpcResult
	subs    map[string]*subscription
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newRPCConn(t transport, handler requestHandler, logger *slog.Logger) *rpcConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &rpcConn{
		t:       t,
		logger:  logger,
		handler: handler,
		pending: make(map[int64]chan rpcResult),
		subs:    make(map[string]*subscription),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done closes when the connection can no longer carry messages.
func (c *rpcConn) Done() <-chan struct{} { return c.done }

// Err is non-nil once the read loop has stopped.
func (c *rpcConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return nil
	}
	return c.err
}

func (c *rpcConn) Close() error {
	c.cancel()
	return c.t.Close()
}

func (c *rpcConn) readLoop() {
	var err error
	defer func() {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.mu.Lock()
		c.err = err
		c.closed = true
		pending := c.pending
		c.pending = map[int64]chan rpcResult{}
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- rpcResult{err: fmt.Errorf("connection lost: %w", err)}
		}
		c.cancel()
		close(c.done)
	}()
	for {
		var raw []byte
		raw, err = c.t.Receive(c.ctx)
		if err != nil {
			return
		}
		var msg rpcMessage
		if jerr := json.Unmarshal(raw, &msg); jerr != nil {
			c.logger.Debug("skip undecodable agent message", "error", jerr)
			continue
		}
		switch {
		case msg.Method != "" && len(msg.ID) > 0:
			go c.answer(msg)
		case msg.Method != "":
			c.dispatch(msg)
		case len(msg.ID) > 0:
			c.resolve(msg)
		}
	}
}

func (c *rpcConn) resolve(msg rpcMessage) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Debug("response with foreign id", "id", string(msg.ID))
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return
	}
	if msg.Error != nil {
		ch <- rpcResult{err: msg.Error}
		return
	}
	ch <- rpcResult{result: msg.Result}
}

// dispatch routes a notification to the subscription of the session it names.
// It blocks until the subscriber takes it, which keeps updates ordered ahead
// of the prompt response that follows them.
func (c *rpcConn) dispatch(msg rpcMessage) {
	var head struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(msg.Params, &head)
	c.mu.Lock()
	sub := c.subs[head.SessionID]
	c.mu.Unlock()
	if sub == nil {
		c.logger.Debug("notification without subscriber", "method", msg.Method, "agent_session_id", head.SessionID)
		return
	}
	select {
	case sub.ch <- msg.Params:
	case <-sub.done:
	case <-c.ctx.Done():
	}
}

func (c *rpcConn) answer(msg rpcMessage) {
	resp := rpcResponse{JSONRPC: "2.0", ID: msg.ID}
	if c.handler == nil {
		resp.Error = &rpcError{Code: -32601, Message: "method not found"}
	} else {
		resp.Result, resp.Error = c.handler(c.ctx, msg.Method, msg.Params)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		c.logger.Warn("marshal agent request response", "method", msg.Method, "error", err)
		return
	}
	if err := c.t.Send(c.ctx, b); err != nil {
		c.logger.Debug("send agent request response", "method", msg.Method, "error", err)
	}
}

func (c *rpcConn) subscribe(sessionID string) *subscription {
	sub := &subscription{ch: make(chan json.RawMessage, 256), done: make(chan struct{})}
	c.mu.Lock()
	if old := c.subs[sessionID]; old != nil {
		old.close()
	}
	c.subs[sessionID] = sub
	c.mu.Unlock()
	return sub
}

func (c *rpcConn) unsubscribe(sessionID string, sub *subscription) {
	c.mu.Lock()
	if c.subs[sessionID] == sub {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
	sub.close()
}

// start sends a request and returns the channel its result arrives on.
func (c *rpcConn) start(ctx context.Context, method string, params any) (int64, <-chan rpcResult, error) {
	id := c.nextID.Add(1)
	b, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: json.RawMessage(fmt.Sprint(id)), Method: method, Params: params})
	if err != nil {
		return 0, nil, fmt.Errorf("marshal %s: %w", method, err)
	}
	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return 0, nil, fmt.Errorf("connection lost: %w", err)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.t.Send(ctx, b); err != nil {
		c.forget(id)
		return 0, nil, fmt.Errorf("send %s: %w", method, err)
	}
	return id, ch, nil
}

func (c *rpcConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *rpcConn) call(ctx context.Context, method string, params any, out any) error {
	id, ch, err := c.start(ctx, method, params)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case res := <-ch:
		if res.err != nil {
			return fmt.Errorf("%s: %w", method, res.err)
		}
		if out != nil && len(res.result) > 0 && string(res.result) != "null" {
			if err := json.Unmarshal(res.result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

func (c *rpcConn) notify(ctx context.Context, method string, params any) error {
	b, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	return c.t.Send(ctx, b)
}

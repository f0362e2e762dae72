package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

const maxFrameBytes = 16 << 20

var errTransportClosed = errors.New("transport closed")

// transport carries one JSON-RPC message per frame.
type transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// stdioTransport frames messages as newline-delimited JSON on the agent's
// stdin/stdout. Lines that are not JSON (banners, progress output) are skipped.
type stdioTransport struct {
	mu     sync.Mutex
	stdin  io.WriteCloser
	stdout *bufio.Reader
	closed bool
}

func newStdioTransport(stdin io.WriteCloser, stdout io.Reader) *stdioTransport {
	return &stdioTransport{stdin: stdin, stdout: bufio.NewReaderSize(stdout, 64<<10)}
}

func (t *stdioTransport) Send(_ context.Context, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	line := make([]byte, 0, len(msg)+1)
	line = append(line, msg...)
	line = append(line, '\n')
	if _, err := t.stdin.Write(line); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

// Receive is only called from the connection's read loop; it returns when a
// JSON line arrives or the agent closes stdout.
func (t *stdioTransport) Receive(_ context.Context) ([]byte, error) {
	for {
		line, err := t.stdout.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed) {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.stdin.Close()
}

// wsTransport speaks to an agent listening on a local websocket.
type wsTransport struct {
	conn *websocket.Conn
}

// dialAgent connects to url, retrying while the agent is still binding its
// port. It gives up when ctx expires or when exited reports the agent died.
func dialAgent(ctx context.Context, url string, exited func() bool) (*wsTransport, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second

	conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
		if exited != nil && exited() {
			return nil, backoff.Permanent(errors.New("agent exited before accepting connections"))
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		c, _, err := websocket.Dial(attemptCtx, url, nil)
		return c, err
	}, backoff.WithBackOff(b))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	for {
		_, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		data = bytes.TrimSpace(data)
		if len(data) > 0 && json.Valid(data) {
			return data, nil
		}
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "gateway closing")
}

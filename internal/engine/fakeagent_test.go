package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// The test binary doubles as a fake agent: when GORELAY_FAKE_AGENT is set it
// behaves like the agent CLI instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv("GORELAY_FAKE_AGENT") {
	case "acp":
		runFakeACP()
		os.Exit(0)
	case "cli":
		os.Exit(runFakeCLI(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func fakeEnv(kind string, extra ...string) []string {
	return append([]string{"GORELAY_FAKE_AGENT=" + kind}, extra...)
}

func runFakeACP() {
	port := ""
	for i, a := range os.Args {
		if a == "--port" && i+1 < len(os.Args) {
			port = os.Args[i+1]
		}
	}
	if os.Getenv("GORELAY_FAKE_HANDSHAKE") == "exit" {
		fmt.Fprintln(os.Stderr, "error: no api key configured")
		os.Exit(2)
	}
	if port != "" {
		serveFakeACPSocket(port)
		return
	}

	var mu sync.Mutex
	agent := newFakeACP(func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		os.Stdout.Write(append(b, '\n'))
	})
	fmt.Println("fake agent ready (not json)")
	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		agent.handle(line)
	}
}

func serveFakeACPSocket(port string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/acp", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(1 << 20)
		var mu sync.Mutex
		agent := newFakeACP(func(b []byte) {
			mu.Lock()
			defer mu.Unlock()
			_ = wsjson.Write(context.Background(), conn, json.RawMessage(b))
		})
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			agent.handle(data)
		}
	})
	_ = http.ListenAndServe("127.0.0.1:"+port, mux)
}

type fakeACP struct {
	send func([]byte)

	mu       sync.Mutex
	sessions map[string]bool
	next     int
	waiting  map[string]chan json.RawMessage
}

func newFakeACP(send func([]byte)) *fakeACP {
	return &fakeACP{send: send, sessions: map[string]bool{}, waiting: map[string]chan json.RawMessage{}}
}

func (f *fakeACP) write(v any) {
	b, _ := json.Marshal(v)
	f.send(b)
}

func (f *fakeACP) reply(id json.RawMessage, result any) {
	f.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (f *fakeACP) fail(id json.RawMessage, code int, msg string) {
	f.write(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": msg}})
}

func (f *fakeACP) update(sid string, update map[string]any) {
	f.write(map[string]any{"jsonrpc": "2.0", "method": "session/update", "params": map[string]any{"sessionId": sid, "update": update}})
}

func (f *fakeACP) chunk(sid, kind, text string) {
	f.update(sid, map[string]any{"sessionUpdate": kind, "content": map[string]string{"type": "text", "text": text}})
}

// request sends an agent-to-client request and waits for the answer.
func (f *fakeACP) request(method string, params any) json.RawMessage {
	f.mu.Lock()
	f.next++
	id := fmt.Sprintf(`"srv-%d"`, f.next)
	ch := make(chan json.RawMessage, 1)
	f.waiting[id] = ch
	f.mu.Unlock()
	f.write(map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(id), "method": method, "params": params})
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		return nil
	}
}

func (f *fakeACP) handle(raw []byte) {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Method == "" {
		f.mu.Lock()
		ch := f.waiting[string(msg.ID)]
		delete(f.waiting, string(msg.ID))
		f.mu.Unlock()
		if ch != nil {
			if msg.Error != nil {
				ch <- msg.Error
			} else {
				ch <- msg.Result
			}
		}
		return
	}

	var params struct {
		SessionID string `json:"sessionId"`
		Prompt    []struct {
			Text string `json:"text"`
		} `json:"prompt"`
	}
	_ = json.Unmarshal(msg.Params, &params)

	switch msg.Method {
	case "initialize":
		if os.Getenv("GORELAY_FAKE_HANDSHAKE") == "hang" {
			return
		}
		f.reply(msg.ID, map[string]any{"protocolVersion": 1})
	case "authenticate":
		f.reply(msg.ID, map[string]string{"methodId": "iflow"})
	case "session/new":
		f.mu.Lock()
		f.next++
		sid := fmt.Sprintf("session-%d-%d", os.Getpid(), f.next)
		f.sessions[sid] = true
		f.mu.Unlock()
		f.reply(msg.ID, map[string]string{"sessionId": sid})
	case "session/set_model":
		f.reply(msg.ID, map[string]any{})
	case "session/load":
		f.mu.Lock()
		ok := f.sessions[params.SessionID]
		f.mu.Unlock()
		if !ok {
			f.fail(msg.ID, -32600, "Invalid request: session not found")
			return
		}
		f.reply(msg.ID, map[string]bool{"loaded": true})
	case "session/cancel":
	case "session/prompt":
		text := ""
		if len(params.Prompt) > 0 {
			text = params.Prompt[0].Text
		}
		go f.prompt(msg.ID, params.SessionID, text)
	default:
		if len(msg.ID) > 0 {
			f.fail(msg.ID, -32601, "method not found")
		}
	}
}

func (f *fakeACP) prompt(id json.RawMessage, sid, text string) {
	done := map[string]string{"stopReason": "end_turn"}
	switch {
	case text == "crash":
		os.Exit(3)
	case text == "invalid":
		f.fail(id, -32600, "Invalid request")
	case text == "hang":
	case text == "slow":
		time.Sleep(time.Second)
		f.chunk(sid, "agent_message_chunk", "late")
		f.reply(id, done)
	case text == "think":
		f.chunk(sid, "agent_thought_chunk", "pondering")
		f.chunk(sid, "agent_message_chunk", "answer")
		f.reply(id, done)
	case text == "permission":
		res := f.request("session/request_permission", map[string]any{
			"sessionId": sid,
			"toolCall":  map[string]string{"toolCallId": "t1"},
			"options": []map[string]string{
				{"optionId": "reject-1", "kind": "reject_once"},
				{"optionId": "allow-1", "kind": "allow_once"},
			},
		})
		var out struct {
			Outcome struct {
				Outcome  string `json:"outcome"`
				OptionID string `json:"optionId"`
			} `json:"outcome"`
		}
		_ = json.Unmarshal(res, &out)
		choice := out.Outcome.OptionID
		if choice == "" {
			choice = out.Outcome.Outcome
		}
		f.chunk(sid, "agent_message_chunk", "permission: "+choice)
		f.reply(id, done)
	case text == "files":
		f.request("fs/write_text_file", map[string]string{"sessionId": sid, "path": "notes/out.txt", "content": "hello file"})
		res := f.request("fs/read_text_file", map[string]string{"sessionId": sid, "path": "notes/out.txt"})
		var out struct {
			Content string `json:"content"`
		}
		_ = json.Unmarshal(res, &out)
		f.chunk(sid, "agent_message_chunk", "read: "+out.Content)
		f.reply(id, done)
	default:
		f.update(sid, map[string]any{"sessionUpdate": "tool_call", "toolCallId": "t0", "name": "noop"})
		f.chunk(sid, "agent_message_chunk", "echo: ")
		f.chunk(sid, "agent_message_chunk", strings.TrimSpace(text))
		f.reply(id, done)
	}
}

// runFakeCLI mimics the per-turn agent CLI: progress noise around the reply
// and the session id inside an execution-info block.
func runFakeCLI(args []string) int {
	var prompt, resume string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p":
			if i+1 < len(args) {
				prompt = args[i+1]
				i++
			}
		case "-r":
			if i+1 < len(args) {
				resume = args[i+1]
				i++
			}
		}
	}
	if resume == "session-gone" {
		fmt.Fprintln(os.Stderr, "Error: session not found: session-gone")
		return 1
	}
	switch prompt {
	case "fail":
		fmt.Fprintln(os.Stderr, "boom")
		return 2
	case "sleep":
		time.Sleep(10 * time.Second)
	}
	sid := resume
	if sid == "" {
		sid = "session-cli-new"
	}
	fmt.Println("Thinking...")
	fmt.Println("reply to: " + prompt)
	fmt.Println("[debug] internal")
	fmt.Println("<Execution Info>")
	fmt.Printf("{\"session-id\": %q, \"tokens\": 12}\n", sid)
	fmt.Println("</Execution Info>")
	return 0
}

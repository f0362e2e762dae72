package engine

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailBytes = 4096

// tailBuffer keeps the last few KB written to it, used to attach agent stderr
// to error reports.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// agentProcess is one running agent. done closes once the process has exited
// and err holds its exit status.
type agentProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	done chan struct{}
	err  error
	once sync.Once
}

type processSpec struct {
	path string
	args []string
	dir  string
	env  []string
	// pipes wires stdin/stdout for protocols spoken over stdio.
	pipes bool
}

func startProcess(spec processSpec) (*agentProcess, error) {
	cmd := exec.Command(spec.path, spec.args...)
	cmd.Dir = spec.dir
	cmd.Env = append(os.Environ(), spec.env...)
	setProcessGroup(cmd)

	p := &agentProcess{cmd: cmd, stderr: &tailBuffer{}, done: make(chan struct{})}
	cmd.Stderr = p.stderr
	if spec.pipes {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		p.stdin, p.stdout = stdin, stdout
	} else {
		cmd.Stdout = io.Discard
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.path, err)
	}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *agentProcess) pid() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *agentProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// kill terminates the whole process group. Safe to call more than once.
func (p *agentProcess) kill() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if !p.exited() {
			_ = killProcessGroup(p.cmd)
		}
	})
}

// exitError describes how the process ended, with the tail of its stderr.
func (p *agentProcess) exitError() error {
	msg := "agent exited"
	if p.err != nil {
		msg = fmt.Sprintf("agent exited: %v", p.err)
	}
	if tail := p.stderr.String(); tail != "" {
		msg += ": " + lastLine(tail)
	}
	return fmt.Errorf("%s", msg)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

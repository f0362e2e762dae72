package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

var sessionIDPattern = regexp.MustCompile(`"session-id"\s*:\s*"(session-[^"]+)"`)

// Progress lines the CLI prints around the actual reply.
var cliNoiseLines = []string{"Thinking...", "正在思考...", "Processing..."}

// cliDriver runs one agent process per turn, passing the prompt on the
// command line and resuming the agent session by id.
type cliDriver struct {
	cfg      Config
	sm       *stateMachine
	inFlight atomic.Int64
	lastPID  atomic.Int64
}

func newCLIDriver(cfg Config, sm *stateMachine) *cliDriver {
	return &cliDriver{cfg: cfg, sm: sm}
}

func (d *cliDriver) args(req TurnRequest) []string {
	var args []string
	if d.cfg.Model != "" {
		args = append(args, "-m", d.cfg.Model)
	}
	if req.AgentSessionID != "" {
		args = append(args, "-r", req.AgentSessionID)
	}
	if d.cfg.AutoConfirm {
		args = append(args, "-y")
	}
	if d.cfg.ShowReasoning {
		args = append(args, "--thinking")
	}
	args = append(args, d.cfg.ExtraArgs...)
	return append(args, "-p", promptText(req))
}

func (d *cliDriver) runTurn(ctx context.Context, req TurnRequest, emit func(TurnEvent)) {
	if d.inFlight.Add(1) == 1 {
		d.sm.set(StateBusy, 0, "turn started")
	}
	defer func() {
		if d.inFlight.Add(-1) == 0 {
			d.sm.set(StateReady, 0, "idle")
		}
	}()

	cmd := exec.Command(d.cfg.AgentPath, d.args(req)...)
	cmd.Dir = d.cfg.Workspace
	cmd.Env = append(os.Environ(), d.cfg.Env...)
	setProcessGroup(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		emit(TurnEvent{Kind: EventError, Err: &TurnError{Kind: ErrorHandshakeFailed, Err: fmt.Errorf("start %q: %w", d.cfg.AgentPath, err)}, AgentSessionID: req.AgentSessionID})
		return
	}
	d.lastPID.Store(int64(cmd.Process.Pid))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		_ = killProcessGroup(cmd)
		select {
		case <-waitCh:
		case <-time.After(5 * time.Second):
		}
		emit(TurnEvent{Kind: EventError, Err: deadlineError(ctx, "agent process"), AgentSessionID: req.AgentSessionID})
		return
	}

	combined := stdout.String() + "\n" + stderr.String()
	sid := req.AgentSessionID
	if sid == "" {
		if m := sessionIDPattern.FindStringSubmatch(combined); m != nil {
			sid = m[1]
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		kind := ErrorFailed
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == -1 {
			kind = ErrorEngineCrashed
		} else if req.AgentSessionID != "" && ClassifyError(errors.New(combined)) == ErrorSessionInvalid {
			kind = ErrorSessionInvalid
		}
		detail := lastLine(stderr.String())
		if detail == "" {
			detail = lastLine(stdout.String())
		}
		emit(TurnEvent{Kind: EventError, Err: newTurnError(kind, "%v: %s", waitErr, detail), AgentSessionID: req.AgentSessionID})
		return
	}

	emit(TurnEvent{Kind: EventFinal, Text: filterCLIOutput(stdout.String()), AgentSessionID: sid})
}

// filterCLIOutput strips execution-info blocks and progress lines from the
// CLI's stdout, leaving the reply text.
func filterCLIOutput(out string) string {
	var kept []string
	inInfo := false
	for _, line := range strings.Split(out, "\n") {
		s := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(s, "<Execution Info>") || strings.HasPrefix(s, "〈Execution Info〉"):
			inInfo = true
			continue
		case strings.HasPrefix(s, "</Execution Info>") || strings.HasPrefix(s, "〈/Execution Info〉"):
			inInfo = false
			continue
		case inInfo, slices.Contains(cliNoiseLines, s):
			continue
		case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
			continue
		case strings.HasPrefix(s, "ℹ️") && strings.Contains(s, "Resuming session"):
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (d *cliDriver) pid() int {
	if d.inFlight.Load() == 0 {
		return 0
	}
	return int(d.lastPID.Load())
}

func (d *cliDriver) sessionCount() int { return 0 }

func (d *cliDriver) close(context.Context) error {
	d.sm.set(StateTerminated, 0, "shutdown")
	return nil
}

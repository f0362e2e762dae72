package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/basket/go-relay/internal/bus"
)

func TestKeyedLockSerializesPerKey(t *testing.T) {
	k := newKeyedLock()

	unlockA, err := k.lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	// Other keys are independent.
	unlockB, err := k.lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("lock b: %v", err)
	}
	unlockB()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := k.lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second lock on a = %v, want deadline exceeded", err)
	}

	acquired := make(chan func())
	go func() {
		unlock, err := k.lock(context.Background(), "a")
		if err != nil {
			t.Errorf("waiting lock: %v", err)
			close(acquired)
			return
		}
		acquired <- unlock
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while still held")
	case <-time.After(50 * time.Millisecond):
	}

	unlockA()
	unlockA() // second call is a no-op
	select {
	case unlock := <-acquired:
		if unlock != nil {
			unlock()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	if n := k.size(); n != 0 {
		t.Fatalf("slots left = %d, want 0", n)
	}
}

func exitedProcess() *agentProcess {
	p := &agentProcess{cmd: &exec.Cmd{}, stderr: &tailBuffer{}, done: make(chan struct{})}
	close(p.done)
	return p
}

// deadConn returns a connection whose peer has already hung up.
func deadConn(t *testing.T, logger *slog.Logger) *rpcConn {
	t.Helper()
	stdoutR, stdoutW := io.Pipe()
	_, stdinW := io.Pipe()
	_ = stdoutW.Close()
	c := newRPCConn(newStdioTransport(stdinW, stdoutR), nil, logger)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice EOF")
	}
	return c
}

func TestWatchRecordsTerminatedBeforeReleasingProcess(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := newStateMachine(ModeStdio, logger, bus.New())

	var lostIDs []string
	var stateAtLost State
	d := newACPDriver(Config{Mode: ModeStdio, Logger: logger}, sm, func(ids []string) {
		lostIDs = ids
		stateAtLost, _, _ = sm.get()
	})

	proc, conn := exitedProcess(), deadConn(t, logger)
	d.mu.Lock()
	d.proc, d.conn = proc, conn
	d.sessions = map[string]struct{}{"s2": {}, "s1": {}}
	d.mu.Unlock()
	sm.set(StateReady, 42, "handshake complete")

	d.watch(proc, conn)

	if state, pid, _ := sm.get(); state != StateTerminated || pid != 0 {
		t.Fatalf("state = %s pid %d, want TERMINATED pid 0", state, pid)
	}
	if stateAtLost != StateTerminated {
		t.Fatalf("state seen by lost callback = %s", stateAtLost)
	}
	if len(lostIDs) != 2 || lostIDs[0] != "s1" || lostIDs[1] != "s2" {
		t.Fatalf("lost = %q", lostIDs)
	}
	if d.conn != nil || d.proc != nil {
		t.Fatal("driver still references the dead process")
	}
}

func TestStaleWatchLeavesReplacementAlone(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sm := newStateMachine(ModeStdio, logger, bus.New())
	called := false
	d := newACPDriver(Config{Mode: ModeStdio, Logger: logger}, sm, func([]string) { called = true })

	// A newer process already owns the driver.
	current := deadConn(t, logger)
	d.mu.Lock()
	d.conn = current
	d.sessions = map[string]struct{}{"fresh": {}}
	d.mu.Unlock()
	sm.set(StateReady, 7, "handshake complete")

	d.watch(exitedProcess(), deadConn(t, logger))

	if state, pid, _ := sm.get(); state != StateReady || pid != 7 {
		t.Fatalf("state = %s pid %d, want READY pid 7", state, pid)
	}
	if called {
		t.Fatal("stale watcher reported lost sessions")
	}
	if d.conn != current || d.sessionCount() != 1 {
		t.Fatal("stale watcher cleared the replacement")
	}
}

package engine

import (
	"log/slog"
	"sync"

	"github.com/basket/go-relay/internal/bus"
)

// State is the lifecycle state of a persistent agent process. Per-turn
// drivers report Ready whenever no turn is running.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateStarting      State = "STARTING"
	StateReady         State = "READY"
	StateBusy          State = "BUSY"
	// StateDegraded follows a timed-out turn whose late result is still awaited.
	StateDegraded   State = "DEGRADED"
	StateTerminated State = "TERMINATED"
)

// Status is a point-in-time view of the engine for health reporting.
type Status struct {
	Mode     string
	State    State
	PID      int
	InFlight int
	Restarts int
	Sessions int
}

type stateMachine struct {
	mode   string
	logger *slog.Logger
	bus    *bus.Bus

	mu       sync.Mutex
	state    State
	pid      int
	restarts int
}

func newStateMachine(mode string, logger *slog.Logger, b *bus.Bus) *stateMachine {
	return &stateMachine{mode: mode, logger: logger, bus: b, state: StateUninitialized}
}

func (s *stateMachine) get() (State, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.pid, s.restarts
}

func (s *stateMachine) set(to State, pid int, cause string) {
	s.mu.Lock()
	ev, changed := s.setLocked(to, pid, cause)
	s.mu.Unlock()
	if changed {
		s.emit(ev)
	}
}

// transition moves to `to` only from one of the listed states.
func (s *stateMachine) transition(to State, cause string, from ...State) bool {
	s.mu.Lock()
	for _, f := range from {
		if s.state == f {
			ev, changed := s.setLocked(to, s.pid, cause)
			s.mu.Unlock()
			if changed {
				s.emit(ev)
			}
			return true
		}
	}
	s.mu.Unlock()
	return false
}

func (s *stateMachine) setLocked(to State, pid int, cause string) (bus.EngineStateEvent, bool) {
	from := s.state
	if from == to && s.pid == pid {
		return bus.EngineStateEvent{}, false
	}
	if to == StateStarting && from == StateTerminated {
		s.restarts++
	}
	s.state = to
	s.pid = pid
	return bus.EngineStateEvent{Mode: s.mode, From: string(from), To: string(to), PID: pid, Cause: cause}, true
}

func (s *stateMachine) emit(ev bus.EngineStateEvent) {
	s.logger.Info("engine state changed", "mode", ev.Mode, "from", ev.From, "to", ev.To, "pid", ev.PID, "cause", ev.Cause)
	s.bus.Publish(bus.TopicEngineState, ev)
}

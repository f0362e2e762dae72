package engine

import (
	"time"

	"github.com/basket/go-relay/internal/session"
)

// EventKind distinguishes streamed text from terminal events.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// TurnRequest is one prompt sent to the agent.
type TurnRequest struct {
	SessionKey session.Key
	// AgentSessionID is empty for a conversation with no bound agent session;
	// the driver creates one and reports it on the terminal event.
	AgentSessionID string
	Prompt         string
	Attachments    []string
	// Deadline overrides the configured turn timeout when non-zero.
	Deadline  time.Time
	Streaming bool
}

// TurnEvent is emitted on the channel returned by Adapter.RunTurn. Every turn
// ends with exactly one Final or Error event, after which the channel closes.
type TurnEvent struct {
	Kind EventKind
	// Text is a delta for Partial events and the complete reply for Final.
	Text string
	Err  *TurnError
	// AgentSessionID is the agent session that served the turn, when known.
	AgentSessionID string
}

func (e TurnEvent) Terminal() bool {
	return e.Kind == EventFinal || e.Kind == EventError
}

// transcript accumulates agent output in emission order. When reasoning is
// shown, thought and message chunks are separated by fixed headers so the
// streamed deltas always concatenate to the final text.
type transcript struct {
	showReasoning bool
	sb            []byte
	inThought     bool
	sawThought    bool
	sawMessage    bool
}

// thought returns the delta to emit for a reasoning chunk, or "" when
// reasoning is hidden.
func (t *transcript) thought(text string) string {
	if !t.showReasoning || text == "" || t.sawMessage {
		return ""
	}
	delta := text
	if !t.inThought {
		delta = "[Thinking]\n" + text
		t.inThought = true
		t.sawThought = true
	}
	t.sb = append(t.sb, delta...)
	return delta
}

func (t *transcript) message(text string) string {
	if text == "" {
		return ""
	}
	delta := text
	if t.sawThought && !t.sawMessage {
		delta = "\n\n[Response]\n" + text
	}
	t.inThought = false
	t.sawMessage = true
	t.sb = append(t.sb, delta...)
	return delta
}

func (t *transcript) String() string { return string(t.sb) }

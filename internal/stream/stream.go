// Package stream paces an agent's partial output into chat-sized flushes.
package stream

import (
	"context"
	"math/rand/v2"
	"strings"
	"unicode/utf8"

	"github.com/basket/go-relay/internal/engine"
)

const (
	DefaultMinChars = 10
	DefaultMaxChars = 25
)

// Flush is one outbound chunk for the channel. Exactly one flush per turn is
// Terminal; it carries Err when the turn failed.
type Flush struct {
	Text           string
	Terminal       bool
	Err            *engine.TurnError
	AgentSessionID string
}

// IntN is the subset of *rand.Rand used to draw the per-turn threshold.
type IntN interface {
	IntN(n int) int
}

type Options struct {
	MinChars int
	MaxChars int
	// Rand draws the threshold; the global source is used when nil.
	Rand IntN
}

func (o Options) threshold() int {
	lo, hi := o.MinChars, o.MaxChars
	if lo <= 0 {
		lo = DefaultMinChars
	}
	if hi < lo {
		hi = DefaultMaxChars
		if hi < lo {
			hi = lo
		}
	}
	span := hi - lo + 1
	if o.Rand != nil {
		return lo + o.Rand.IntN(span)
	}
	return lo + rand.IntN(span)
}

// Pace reads one turn's events and emits flushes. Partial text is held until
// it reaches a threshold drawn once per turn from [MinChars, MaxChars], so
// many simultaneous conversations do not flush in lockstep. The flushed texts
// always concatenate to everything the agent produced.
//
// Pace keeps draining events after ctx is done so the engine is never
// blocked, but stops delivering flushes.
func Pace(ctx context.Context, events <-chan engine.TurnEvent, opts Options) <-chan Flush {
	out := make(chan Flush, 16)
	threshold := opts.threshold()

	go func() {
		defer close(out)
		emit := func(f Flush) {
			select {
			case out <- f:
			case <-ctx.Done():
			}
		}

		var (
			pending  strings.Builder
			streamed strings.Builder
			sid      string
		)
		for ev := range events {
			if ev.AgentSessionID != "" {
				sid = ev.AgentSessionID
			}
			switch ev.Kind {
			case engine.EventPartial:
				pending.WriteString(ev.Text)
				streamed.WriteString(ev.Text)
				if utf8.RuneCountInString(pending.String()) >= threshold {
					emit(Flush{Text: pending.String(), AgentSessionID: sid})
					pending.Reset()
				}

			case engine.EventFinal:
				rest := pending.String()
				if s := streamed.String(); strings.HasPrefix(ev.Text, s) {
					rest += ev.Text[len(s):]
				}
				emit(Flush{Text: rest, Terminal: true, AgentSessionID: sid})
				drain(events)
				return

			case engine.EventError:
				if pending.Len() > 0 {
					emit(Flush{Text: pending.String(), AgentSessionID: sid})
				}
				err := ev.Err
				if err == nil {
					err = &engine.TurnError{Kind: engine.ErrorFailed}
				}
				emit(Flush{Terminal: true, Err: err, AgentSessionID: sid})
				drain(events)
				return
			}
		}

		// The engine closed the stream without a terminal event.
		if pending.Len() > 0 {
			emit(Flush{Text: pending.String(), AgentSessionID: sid})
		}
		emit(Flush{Terminal: true, Err: &engine.TurnError{Kind: engine.ErrorEngineCrashed}, AgentSessionID: sid})
	}()
	return out
}

func drain(events <-chan engine.TurnEvent) {
	for range events {
	}
}

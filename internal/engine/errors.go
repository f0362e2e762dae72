package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a failed turn so the gateway can decide between
// retrying, invalidating the session, or reporting to the user.
type ErrorKind string

const (
	// ErrorHandshakeFailed means the agent process could not be started or
	// did not complete initialization in time.
	ErrorHandshakeFailed ErrorKind = "HANDSHAKE_FAILED"

	// ErrorTimeout means the turn exceeded its deadline.
	ErrorTimeout ErrorKind = "TIMEOUT"

	// ErrorEngineCrashed means the agent process died while the turn was in flight.
	ErrorEngineCrashed ErrorKind = "ENGINE_CRASHED"

	// ErrorSessionInvalid means the agent no longer recognizes the session id.
	ErrorSessionInvalid ErrorKind = "SESSION_INVALID"

	// ErrorFailed is everything else: non-zero exits, agent-reported errors.
	ErrorFailed ErrorKind = "FAILED"
)

// TurnError is the error carried by a terminal Error event.
type TurnError struct {
	Kind ErrorKind
	Err  error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

func newTurnError(kind ErrorKind, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ErrorKind of err, or ErrorFailed when err is not a TurnError.
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrorFailed
}

// ClassifyError maps an error reported by the agent or the transport onto an
// ErrorKind by inspecting its message for known patterns.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrorFailed
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "invalid request") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "unknown session") ||
		strings.Contains(msg, "no such session") {
		return ErrorSessionInvalid
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "timeout") {
		return ErrorTimeout
	}

	if strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "signal: killed") ||
		strings.Contains(msg, "unexpected eof") {
		return ErrorEngineCrashed
	}

	return ErrorFailed
}

// UserMessage renders a turn failure as plain text suitable for a chat reply.
func UserMessage(err error) string {
	switch KindOf(err) {
	case ErrorTimeout:
		return "The assistant took too long to respond. Please try again."
	case ErrorEngineCrashed:
		return "The assistant restarted unexpectedly. Please resend your message."
	case ErrorHandshakeFailed:
		return "The assistant is not available right now. Please try again later."
	case ErrorSessionInvalid:
		return "Your conversation could not be resumed. Please send your message again."
	default:
		return "Sorry, something went wrong while processing your message."
	}
}

// Package shared holds the small helpers every relay package needs:
// request-scoped correlation ids and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type scopeKey struct{}

// Scope correlates everything done on behalf of one inbound message: the
// gateway's handling, the agent turn and the replies.
type Scope struct {
	TraceID string
	TurnID  string
	// Conversation is the "channel:chatId" key.
	Conversation string
}

// WithScope replaces the scope carried by ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope carried by ctx, zero if none.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	s := ScopeFrom(ctx)
	s.TraceID = traceID
	return WithScope(ctx, s)
}

// TraceID returns "-" when ctx carries none, matching the logger default.
func TraceID(ctx context.Context) string {
	if id := ScopeFrom(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

// EnsureTraceID returns ctx unchanged if it already carries a trace id.
func EnsureTraceID(ctx context.Context) context.Context {
	if ScopeFrom(ctx).TraceID != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

func WithTurnID(ctx context.Context, turnID string) context.Context {
	s := ScopeFrom(ctx)
	s.TurnID = turnID
	return WithScope(ctx, s)
}

func TurnID(ctx context.Context) string { return ScopeFrom(ctx).TurnID }

func WithConversation(ctx context.Context, key string) context.Context {
	s := ScopeFrom(ctx)
	s.Conversation = key
	return WithScope(ctx, s)
}

func Conversation(ctx context.Context) string { return ScopeFrom(ctx).Conversation }

// LogAttrs renders the scope as slog key/value pairs, skipping unset ids.
func LogAttrs(ctx context.Context) []any {
	s := ScopeFrom(ctx)
	attrs := []any{"trace_id", TraceID(ctx)}
	if s.Conversation != "" {
		attrs = append(attrs, "session_key", s.Conversation)
	}
	if s.TurnID != "" {
		attrs = append(attrs, "turn_id", s.TurnID)
	}
	return attrs
}

func NewTraceID() string { return uuid.NewString() }

func NewTurnID() string { return uuid.NewString() }

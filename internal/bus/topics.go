package bus

import "time"

// Gateway event topics.
const (
	TopicTurnStarted         = "turn.started"
	TopicTurnCompleted       = "turn.completed"
	TopicTurnFailed          = "turn.failed"
	TopicEngineState         = "engine.state"
	TopicSessionInvalidated  = "session.invalidated"
	TopicInboundRejected     = "inbound.rejected"
	TopicCronFired           = "cron.fired"
	TopicPersistenceDegraded = "persistence.degraded"
	TopicChannelState        = "channel.state"
)

type TurnEvent struct {
	TurnID         string        `json:"turn_id"`
	Conversation   string        `json:"conversation"` // "channel:chatId"
	AgentSessionID string        `json:"agent_session_id,omitempty"`
	Duration       time.Duration `json:"duration_ns,omitempty"`
	ErrorKind      string        `json:"error_kind,omitempty"` // empty on success
	Flushes        int           `json:"flushes"`
}

type EngineStateEvent struct {
	Mode  string `json:"mode"`
	From  string `json:"from"`
	To    string `json:"to"`
	PID   int    `json:"pid,omitempty"`
	Cause string `json:"cause,omitempty"`
}

type SessionInvalidatedEvent struct {
	Conversation   string `json:"conversation"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	Reason         string `json:"reason"`
}

// InboundRejectedEvent is published when an inbound message is not processed.
type InboundRejectedEvent struct {
	Conversation string `json:"conversation"`
	SenderID     string `json:"sender_id"`
	Reason       string `json:"reason"` // "not_allowed" or "busy"
}

type CronFiredEvent struct {
	JobID   string    `json:"job_id"`
	Name    string    `json:"name"`
	Manual  bool      `json:"manual"`
	Error   string    `json:"error,omitempty"`
	FiredAt time.Time `json:"fired_at"`
}

type PersistenceDegradedEvent struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
}

type ChannelStateEvent struct {
	Channel string `json:"channel"`
	State   string `json:"state"` // connected, disabled, disconnected
	Error   string `json:"error,omitempty"`
}

package village

import (
	"villagesim.ai/internal/protocol"
	"villagesim.ai/internal/sim/guardrail"
)

type TickLogger interface {
	WriteTick(entry TickLogEntry) error
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

// Publisher receives per-tick summaries for observers. Implementations must not block.
type Publisher interface {
	PublishTick(msg protocol.TickMsg)
	PublishAudit(msg protocol.AuditMsg)
}

type TickLogEntry struct {
	Tick        uint64               `json:"tick"`
	Day         int                  `json:"day"`
	MinuteOfDay int                  `json:"minute_of_day"`
	Events      []protocol.TickEvent `json:"events,omitempty"`
	Replans     int                  `json:"replans,omitempty"`
	Digest      string               `json:"digest"`
}

// Audit outcomes.
const (
	OutcomeAccepted  = "ACCEPTED"
	OutcomeRewritten = "REWRITTEN"
	OutcomeBlocked   = "BLOCKED"
	OutcomeFailed    = "FAILED"
	OutcomeStale     = "STALE"
	OutcomeRejected  = "REJECTED"
)

// AuditEntry records what happened to one decision response.
type AuditEntry struct {
	Tick        uint64                `json:"tick"`
	IssuedTick  uint64                `json:"issued_tick"`
	AgentID     string                `json:"agent_id"`
	Outcome     string                `json:"outcome"`
	Code        string                `json:"code,omitempty"`
	Error       string                `json:"error,omitempty"`
	Action      string                `json:"action,omitempty"`
	Target      string                `json:"target,omitempty"`
	Reasoning   string                `json:"reasoning,omitempty"`
	Violations  []guardrail.Violation `json:"violations,omitempty"`
	Provider    string                `json:"provider,omitempty"`
	LatencyMs   int64                 `json:"latency_ms"`
	TotalTokens int                   `json:"total_tokens,omitempty"`
}

// Tick event kinds.
const (
	EventArrived     = "ARRIVED"
	EventStarted     = "STARTED"
	EventCompleted   = "COMPLETED"
	EventUnreachable = "UNREACHABLE"
	EventReplan      = "REPLAN_ISSUED"
	EventDecision    = "DECISION"
	EventSuperseded  = "INTENT_SUPERSEDED"
)

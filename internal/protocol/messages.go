package protocol

// WELCOME (server -> observer), sent once after the upgrade.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentCount      int    `json:"agent_count"`
	MinutesPerTick  int    `json:"minutes_per_tick"`
}

// TICK (server -> observer), one per simulated tick.
type TickMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Tick            uint64        `json:"tick"`
	Day             int           `json:"day"`
	MinuteOfDay     int           `json:"minute_of_day"`
	Clock           string        `json:"clock"`
	Agents          []AgentStatus `json:"agents"`
	Events          []TickEvent   `json:"events,omitempty"`
}

type AgentStatus struct {
	AgentID    string `json:"agent_id"`
	Position   string `json:"position"`
	Target     string `json:"target,omitempty"`
	State      string `json:"state"`
	Action     string `json:"action"`
	Provenance string `json:"provenance"`
	InFlight   bool   `json:"in_flight,omitempty"`
}

// TickEvent is a notable per-agent occurrence within a tick.
type TickEvent struct {
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"` // ARRIVED | COMPLETED | UNREACHABLE | REPLAN_ISSUED | DECISION
	Detail  string `json:"detail,omitempty"`
	Code    string `json:"code,omitempty"`
}

// AUDIT (server -> observer), mirrors a decision audit log entry.
type AuditMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Tick            uint64   `json:"tick"`
	AgentID         string   `json:"agent_id"`
	Outcome         string   `json:"outcome"`
	Code            string   `json:"code,omitempty"`
	Action          string   `json:"action,omitempty"`
	Target          string   `json:"target,omitempty"`
	Violations      []string `json:"violations,omitempty"`
}

// SUBSCRIBE (observer -> server). Sent first, and again to change the filter.
// An empty Agents list follows every agent.
type SubscribeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Agents          []string `json:"agents,omitempty"`
	NoAudits        bool     `json:"no_audits,omitempty"`
}

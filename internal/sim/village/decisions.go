package village

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/protocol"
	"villagesim.ai/internal/sim/guardrail"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/replan"
)

// applyCompletion settles one decision response at now. Every owned completion
// produces exactly one audit entry; only accepted or rewritten decisions
// change the agent.
func (w *World) applyCompletion(c replan.Completion, now model.WorldTime) {
	rt, ok := w.agents[c.AgentID]
	if !ok {
		return
	}
	if !w.sched.Resolve(c, &rt.replan, now.Tick) {
		w.log.Debug("late decision discarded", zap.String("agent", c.AgentID), zap.Uint64("issued_tick", c.IssuedTick))
		return
	}

	entry := AuditEntry{
		Tick:       now.Tick,
		IssuedTick: c.IssuedTick,
		AgentID:    c.AgentID,
		LatencyMs:  c.Latency.Milliseconds(),
	}

	if c.Err != nil {
		entry.Outcome = OutcomeFailed
		entry.Code = decision.Code(c.Err)
		entry.Error = c.Err.Error()
		w.log.Warn("decision failed", zap.String("agent", c.AgentID), zap.String("code", entry.Code), zap.Error(c.Err))
		w.audit(entry)
		return
	}

	d := c.Response.Decision
	entry.Action = string(d.Action)
	entry.Target = string(d.TargetTileID)
	entry.Reasoning = d.Reasoning
	entry.Provider = c.Response.Observability.Provider
	entry.TotalTokens = c.Response.Observability.TokenUsage.TotalTokens

	if err := w.checkDecision(d); err != nil {
		entry.Outcome = OutcomeRejected
		entry.Code = decision.Code(err)
		entry.Error = err.Error()
		w.audit(entry)
		return
	}

	if w.isStale(rt, c.IssuedTick, now) {
		entry.Outcome = OutcomeStale
		entry.Code = protocol.ErrStale
		w.audit(entry)
		return
	}

	res, err := w.guard.Evaluate(guardrail.Context{
		Agent:    rt.agent,
		Time:     now,
		Position: rt.position(),
		Decision: d,
	})
	if err != nil {
		entry.Outcome = OutcomeBlocked
		entry.Code = decision.Code(err)
		entry.Error = err.Error()
		var pb *decision.PolicyBlockedError
		if errors.As(err, &pb) {
			entry.Violations = []guardrail.Violation{{Rule: pb.Rule, Reason: pb.Reason, From: d.Action}}
		}
		w.audit(entry)
		return
	}

	entry.Action = string(res.Decision.Action)
	entry.Target = string(res.Decision.TargetTileID)
	entry.Violations = res.Violations
	entry.Outcome = OutcomeAccepted
	if res.Validity == decision.ValidityRewritten {
		entry.Outcome = OutcomeRewritten
	}

	rt.replan.Intent = &replan.Intent{
		Action:      res.Decision.Action,
		Target:      res.Decision.TargetTileID,
		Reasoning:   res.Decision.Reasoning,
		PlannedTick: c.IssuedTick,
	}
	w.remember(rt, memory.Event{
		Type:       memory.TypeGoal,
		Summary:    goalSummary(res.Decision),
		Source:     memory.Source{Kind: memory.SourceSelf},
		Importance: 0.5,
	}, now.Tick)
	if len(res.Violations) > 0 {
		v := res.Violations[0]
		w.remember(rt, memory.Event{
			Type:       memory.TypeEmotion,
			Summary:    fmt.Sprintf("Wanted to %s but %s", v.From, v.Reason),
			Source:     memory.Source{Kind: memory.SourceSystem},
			Importance: 0.4,
		}, now.Tick)
	}
	w.emit(rt.agent.ID, EventDecision, string(res.Decision.Action), "")
	w.audit(entry)
}

// checkDecision catches decisions that passed parsing but do not fit this map.
func (w *World) checkDecision(d decision.Decision) error {
	if err := decision.ValidateDecision(d); err != nil {
		return err
	}
	if d.TargetTileID == "" {
		return nil
	}
	tile, ok := w.grid.Tile(d.TargetTileID)
	if !ok {
		return &decision.ValidationError{Field: "decision.targetTileId", Reason: fmt.Sprintf("%s is not on the map", d.TargetTileID)}
	}
	if !tile.Walkable {
		return &decision.ValidationError{Field: "decision.targetTileId", Reason: fmt.Sprintf("%s is not walkable", d.TargetTileID)}
	}
	return nil
}

// isStale reports whether a response issued at issued has been overtaken by a
// newer intent or by the schedule moving on.
func (w *World) isStale(rt *agentRuntime, issued uint64, now model.WorldTime) bool {
	if in := rt.replan.Intent; in != nil && in.PlannedTick > issued {
		return true
	}
	return !w.intentCurrent(rt, issued, now)
}

func (w *World) audit(e AuditEntry) {
	if w.auditLogger != nil {
		if err := w.auditLogger.WriteAudit(e); err != nil {
			w.log.Warn("audit log write failed", zap.Error(err))
		}
	}
	if w.publisher == nil {
		return
	}
	msg := protocol.AuditMsg{
		Type:            protocol.TypeAudit,
		ProtocolVersion: protocol.Version,
		Tick:            e.Tick,
		AgentID:         e.AgentID,
		Outcome:         e.Outcome,
		Code:            e.Code,
		Action:          e.Action,
		Target:          e.Target,
	}
	for _, v := range e.Violations {
		msg.Violations = append(msg.Violations, v.String())
	}
	w.publisher.PublishAudit(msg)
}

func goalSummary(d decision.Decision) string {
	if d.TargetTileID != "" {
		return fmt.Sprintf("Decided to %s at %s: %s", d.Action, d.TargetTileID, d.Reasoning)
	}
	return fmt.Sprintf("Decided to %s: %s", d.Action, d.Reasoning)
}

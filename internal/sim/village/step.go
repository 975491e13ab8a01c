package village

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/protocol"
	"villagesim.ai/internal/sim/action"
	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/movement"
	"villagesim.ai/internal/sim/planner"
	"villagesim.ai/internal/sim/promptctx"
	"villagesim.ai/internal/sim/replan"
)

// Step advances the world by one tick and returns the tick processed.
func (w *World) Step(ctx context.Context) uint64 {
	tick := w.tick.Load() + 1
	now := w.clock.At(tick)
	w.events = w.events[:0]
	w.issued = 0
	w.sched.BeginTick(tick)

	for _, c := range w.sched.Drain() {
		w.applyCompletion(c, now)
	}

	for _, id := range w.order {
		w.stepAgent(w.agents[id], now)
	}

	if every := w.tuning.PruneEveryTicks; every > 0 && tick%every == 0 {
		w.pruneMemories(tick)
	}

	w.replanPass(ctx, now)

	w.tick.Store(tick)
	w.finishTick(now)
	return tick
}

func (w *World) stepAgent(rt *agentRuntime, now model.WorldTime) {
	id := rt.agent.ID
	task := w.activeTask(rt, now)
	rt.task = task

	out, err := planner.Plan(w.paths, &rt.mv, planner.Input{
		Task:           task,
		Home:           rt.agent.Home,
		PreviousTarget: rt.target,
		Tick:           now.Tick,
	})
	if err != nil {
		w.log.Error("plan failed", zap.String("agent", id), zap.Error(err))
		return
	}
	rt.target = out.Target
	if out.State == model.StatePlanning {
		if rt.state != model.StatePlanning {
			w.emit(id, EventUnreachable, string(out.Target), string(out.Reason))
			w.log.Debug("target unreachable", zap.String("agent", id), zap.String("target", string(out.Target)), zap.String("reason", string(out.Reason)))
		}
		rt.state = model.StatePlanning
		return
	}

	ev, err := movement.Advance(&rt.mv, now.Tick)
	if err != nil {
		w.log.Error("movement failed", zap.String("agent", id), zap.Error(err))
		return
	}
	if ev.Arrived {
		w.onArrival(rt, ev, now)
	}
	if !rt.mv.AtDestination() {
		rt.state = model.StateMoving
		return
	}

	exec, started := action.Sync(rt.exec, task, w.durations, now.Tick)
	rt.exec = exec
	if started {
		w.emit(id, EventStarted, string(task.Action), "")
	}
	if action.Advance(rt.exec, now.Tick) {
		w.onActionComplete(rt, now)
	}
	rt.state = action.StateFor(rt.exec)
}

// activeTask returns the held intent, or the schedule task once the intent has
// been superseded by a different schedule slot or day.
func (w *World) activeTask(rt *agentRuntime, now model.WorldTime) model.ActiveTask {
	if in := rt.replan.Intent; in != nil {
		if w.intentCurrent(rt, in.PlannedTick, now) {
			return in.Task()
		}
		w.emit(rt.agent.ID, EventSuperseded, string(in.Action), "")
		rt.replan.Intent = nil
	}
	return rt.schedule.Resolve(now.MinuteOfDay)
}

// intentCurrent reports whether something planned at tick still belongs to the
// schedule slot active at now.
func (w *World) intentCurrent(rt *agentRuntime, planned uint64, now model.WorldTime) bool {
	pt := w.clock.At(planned)
	if pt.Day != now.Day {
		return false
	}
	return rt.schedule.SlotAt(pt.MinuteOfDay) == rt.schedule.SlotAt(now.MinuteOfDay)
}

func (w *World) onArrival(rt *agentRuntime, ev movement.Event, now model.WorldTime) {
	tile, _ := w.grid.Tile(ev.Tile)
	w.remember(rt, memory.Event{
		Type:       memory.TypeObservation,
		Summary:    fmt.Sprintf("Arrived at the %s (%s) at %s", tile.Type, ev.Tile, clock.FormatMinute(now.MinuteOfDay)),
		Source:     memory.Source{Kind: memory.SourceWorld},
		Importance: 0.3,
	}, now.Tick)
	rt.replan.MarkMajorEvent(now.Tick)
	w.emit(rt.agent.ID, EventArrived, string(ev.Tile), "")
}

func (w *World) onActionComplete(rt *agentRuntime, now model.WorldTime) {
	act := rt.exec.Action
	pos := rt.position()
	w.remember(rt, memory.Event{
		Type:       memory.TypeTask,
		Summary:    fmt.Sprintf("Finished %s at %s", verb(act), pos),
		Source:     memory.Source{Kind: memory.SourceSelf},
		Importance: 0.45,
	}, now.Tick)
	rt.replan.MarkMajorEvent(now.Tick)
	w.emit(rt.agent.ID, EventCompleted, string(act), "")

	if act == model.ActionChat {
		w.recordChat(rt, pos, now)
	}
}

// recordChat gives the speaker and every villager on the same tile an interaction memory.
func (w *World) recordChat(rt *agentRuntime, pos model.TileID, now model.WorldTime) {
	eventID := "chat-" + rt.agent.ID + "-" + strconv.FormatUint(now.Tick, 10)
	for _, otherID := range w.order {
		other := w.agents[otherID]
		if other == rt || other.position() != pos {
			continue
		}
		w.remember(rt, memory.Event{
			Type:       memory.TypeInteraction,
			Summary:    fmt.Sprintf("Chatted with %s", other.agent.Name),
			Source:     memory.Source{Kind: memory.SourceVillager, AgentID: other.agent.ID, EventID: eventID},
			Importance: 0.65,
		}, now.Tick)
		w.remember(other, memory.Event{
			Type:       memory.TypeInteraction,
			Summary:    fmt.Sprintf("%s stopped to chat", rt.agent.Name),
			Source:     memory.Source{Kind: memory.SourceVillager, AgentID: rt.agent.ID, EventID: eventID},
			Importance: 0.65,
		}, now.Tick)
	}
}

func (w *World) remember(rt *agentRuntime, ev memory.Event, tick uint64) memory.Memory {
	return rt.memory.Append(rt.agent.ID, ev, tick, w.tuning.Memory)
}

func (w *World) pruneMemories(tick uint64) {
	for _, id := range w.order {
		st := w.agents[id].memory.Prune(tick, w.tuning.Memory)
		if st.Promoted+st.Reinforced+st.Dropped > 0 {
			w.log.Debug("memory pruned",
				zap.String("agent", id),
				zap.Int("expired", st.Expired),
				zap.Int("evicted", st.Evicted),
				zap.Int("promoted", st.Promoted),
				zap.Int("reinforced", st.Reinforced),
				zap.Int("dropped", st.Dropped),
			)
		}
	}
}

// replanPass offers every agent to the scheduler, starting at a rotating offset
// so the per-tick cap does not always favour the same agents.
func (w *World) replanPass(ctx context.Context, now model.WorldTime) {
	n := len(w.order)
	if n == 0 {
		return
	}
	start := int(now.Tick % uint64(n))
	for i := 0; i < n; i++ {
		if w.sched.Capacity() <= 0 {
			return
		}
		rt := w.agents[w.order[(start+i)%n]]
		pctx := w.assemble(rt, now)
		sig := replan.SignatureFor(pctx)
		if w.sched.Consider(ctx, rt.agent.ID, &rt.replan, sig, func() decision.Request {
			return decision.Request{Context: pctx}
		}) {
			w.issued++
			w.emit(rt.agent.ID, EventReplan, "", "")
		}
	}
}

func (w *World) assemble(rt *agentRuntime, now model.WorldTime) promptctx.Context {
	return promptctx.Assemble(promptctx.Input{
		Agent:    rt.agent,
		Task:     rt.task,
		Position: rt.position(),
		Target:   rt.target,
		State:    rt.state,
		Time:     now,
		Memories: rt.memory.All(),
	}, w.tuning.ContextBudget)
}

func (w *World) finishTick(now model.WorldTime) {
	events := make([]protocol.TickEvent, 0, len(w.events))
	for _, e := range w.events {
		events = append(events, protocol.TickEvent{AgentID: e.AgentID, Kind: e.Kind, Detail: e.Detail, Code: e.Code})
	}
	statuses := w.statuses()

	if w.tickLogger != nil {
		entry := TickLogEntry{
			Tick:        now.Tick,
			Day:         now.Day,
			MinuteOfDay: now.MinuteOfDay,
			Events:      events,
			Replans:     w.issued,
			Digest:      digest(statuses),
		}
		if err := w.tickLogger.WriteTick(entry); err != nil {
			w.log.Warn("tick log write failed", zap.Error(err))
		}
	}
	if w.publisher != nil {
		w.publisher.PublishTick(protocol.TickMsg{
			Type:            protocol.TypeTick,
			ProtocolVersion: protocol.Version,
			Tick:            now.Tick,
			Day:             now.Day,
			MinuteOfDay:     now.MinuteOfDay,
			Clock:           clock.FormatMinute(now.MinuteOfDay),
			Agents:          statuses,
			Events:          events,
		})
	}
	if every := w.tuning.SnapshotEveryTicks; every > 0 && now.Tick%every == 0 && w.snapshotSink != nil {
		select {
		case w.snapshotSink <- w.ExportSnapshot():
		default:
			w.log.Warn("snapshot sink full, skipping", zap.Uint64("tick", now.Tick))
		}
	}
	if now.Tick%600 == 0 {
		cs := w.paths.CacheStats()
		rs := w.sched.Stats()
		w.log.Info("tick stats",
			zap.Uint64("tick", now.Tick),
			zap.String("clock", clock.FormatMinute(now.MinuteOfDay)),
			zap.Uint64("route_hits", cs.Hits),
			zap.Uint64("route_misses", cs.Misses),
			zap.Int("route_size", cs.Size),
			zap.Uint64("replans_issued", rs.Issued),
			zap.Int("replans_in_flight", rs.InFlight),
		)
	}
}

func (w *World) statuses() []protocol.AgentStatus {
	out := make([]protocol.AgentStatus, 0, len(w.order))
	for _, id := range w.order {
		rt := w.agents[id]
		out = append(out, protocol.AgentStatus{
			AgentID:    id,
			Position:   string(rt.position()),
			Target:     string(rt.target),
			State:      string(rt.state),
			Action:     string(rt.task.Action),
			Provenance: string(rt.task.Provenance),
			InFlight:   w.sched.InFlight(id),
		})
	}
	return out
}

func digest(statuses []protocol.AgentStatus) string {
	h := sha256.New()
	for _, s := range statuses {
		fmt.Fprintf(h, "%s|%s|%s|%s|%s\n", s.AgentID, s.Position, s.Target, s.State, s.Action)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func verb(a model.ActionType) string {
	switch a {
	case model.ActionFarm:
		return "farming"
	case model.ActionChat:
		return "chatting"
	case model.ActionShop:
		return "tending the shop"
	case model.ActionRest:
		return "resting"
	default:
		return strings.ToLower(string(a))
	}
}

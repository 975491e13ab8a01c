package village

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/movement"
)

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

// RequestSnapshot asks the loop goroutine to push a snapshot to the sink.
// Safe to call from other goroutines.
func (w *World) RequestSnapshot(ctx context.Context) (uint64, error) {
	if w == nil || w.admin == nil {
		return 0, errors.New("admin snapshot not available")
	}
	resp := make(chan adminSnapshotResp, 1)
	select {
	case w.admin <- adminSnapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *World) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	resp := adminSnapshotResp{Tick: w.tick.Load()}
	if w.snapshotSink == nil {
		resp.Err = "snapshot sink not configured"
	} else {
		select {
		case w.snapshotSink <- w.ExportSnapshot():
		default:
			resp.Err = "snapshot sink backpressure"
		}
	}
	for _, r := range reqs {
		select {
		case r.Resp <- resp:
		default:
		}
	}
}

// ExportSnapshot captures the durable state at the current tick. Must be called
// from the loop goroutine.
func (w *World) ExportSnapshot() snapshot.WorldSnapshot {
	now := w.clock.At(w.tick.Load())
	agents := make([]snapshot.AgentRecord, 0, len(w.order))
	for _, id := range w.order {
		rt := w.agents[id]
		rec := snapshot.AgentRecord{
			AgentID:  id,
			Position: rt.position(),
			Target:   rt.target,
			State:    rt.state,
			Memory:   copyStore(rt.memory),
			Replan:   rt.replan,
		}
		if rt.replan.Intent != nil {
			in := *rt.replan.Intent
			rec.Replan.Intent = &in
		}
		agents = append(agents, rec)
	}
	return snapshot.New(time.Now(), now, agents)
}

// ImportSnapshot replaces the runtime state with s. Records for unknown agents
// are skipped; agents missing from s keep their fresh state. In-flight
// requests are forgotten so their responses are discarded on arrival.
func (w *World) ImportSnapshot(s snapshot.WorldSnapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tick := s.World.Tick
	for _, rec := range s.Agents {
		rt, ok := w.agents[rec.AgentID]
		if !ok {
			w.log.Warn("snapshot agent not in catalog, skipped", zap.String("agent", rec.AgentID))
			continue
		}
		pos := rec.Position
		if t, ok := w.grid.Tile(pos); !ok || !t.Walkable {
			w.log.Warn("snapshot position not walkable, using home", zap.String("agent", rec.AgentID), zap.String("position", string(pos)))
			pos = rt.agent.Home
		}
		rt.mv = movement.New(pos, tick)
		rt.target = rec.Target
		if rt.target == "" {
			rt.target = pos
		}
		rt.state = rec.State
		rt.task = model.IdleTask()
		rt.exec = nil
		rt.memory = copyStore(rec.Memory)
		rt.replan = rec.Replan
		if rec.Replan.Intent != nil {
			in := *rec.Replan.Intent
			rt.replan.Intent = &in
		}
	}
	w.sched.Forget()
	w.tick.Store(tick)
	w.log.Info("snapshot imported", zap.Uint64("tick", tick), zap.Int("agents", len(s.Agents)))
	return nil
}

func copyStore(s memory.Store) memory.Store {
	return memory.Store{
		ShortTerm: append([]memory.Memory(nil), s.ShortTerm...),
		LongTerm:  append([]memory.Memory(nil), s.LongTerm...),
	}
}

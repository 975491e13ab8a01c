package village

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/sim/action"
	"villagesim.ai/internal/sim/catalogs"
	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/guardrail"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/pathfind"
	"villagesim.ai/internal/sim/replan"
	"villagesim.ai/internal/sim/tuning"
)

// Deps are the collaborators of the loop. All are optional: without a
// Capability no replans are issued, without a Guardrail the built-in rules apply.
type Deps struct {
	Capability decision.Capability
	Guardrail  *guardrail.Pipeline
	Log        *zap.Logger
}

// World is the single-threaded simulation. All runtime state must be accessed
// only from the loop goroutine (Run, or the caller of Step).
type World struct {
	grid  *model.Grid
	paths *pathfind.Service
	guard *guardrail.Pipeline
	sched *replan.Scheduler
	log   *zap.Logger

	tuning    tuning.Tuning
	clock     clock.Clock
	durations action.Durations

	tick atomic.Uint64

	agents map[string]*agentRuntime
	order  []string

	// Optional sinks (may be nil).
	tickLogger   TickLogger
	auditLogger  AuditLogger
	publisher    Publisher
	snapshotSink chan<- snapshot.WorldSnapshot

	admin  chan adminSnapshotReq
	retune chan tuning.Tuning
	stop   chan struct{}

	events []eventRecord
	issued int
}

type eventRecord struct {
	AgentID string
	Kind    string
	Detail  string
	Code    string
}

func New(cats *catalogs.Catalogs, tu tuning.Tuning, deps Deps) (*World, error) {
	if cats == nil || cats.Village.Grid == nil {
		return nil, errors.New("village: missing map")
	}
	if err := tu.Validate(); err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	guard := deps.Guardrail
	if guard == nil {
		guard = guardrail.Default()
	}

	w := &World{
		grid:      cats.Village.Grid,
		paths:     pathfind.New(cats.Village.Grid, tu.RouteCacheCapacity),
		guard:     guard,
		sched:     replan.NewScheduler(deps.Capability, tu.ReplanConfig(), log.Named("replan")),
		log:       log,
		tuning:    tu,
		clock:     tu.Clock(),
		durations: tu.Durations(),
		agents:    map[string]*agentRuntime{},
		admin:     make(chan adminSnapshotReq, 8),
		retune:    make(chan tuning.Tuning, 1),
		stop:      make(chan struct{}),
	}
	for _, a := range cats.Agents.List {
		if _, ok := w.grid.Tile(a.Home); !ok {
			return nil, fmt.Errorf("village: agent %s home %s not on map", a.ID, a.Home)
		}
		rt, err := newAgentRuntime(a, 0)
		if err != nil {
			return nil, fmt.Errorf("village: agent %s: %w", a.ID, err)
		}
		w.agents[a.ID] = rt
		w.order = append(w.order, a.ID)
	}
	sort.Strings(w.order)
	return w, nil
}

func (w *World) SetTickLogger(l TickLogger)                       { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)                     { w.auditLogger = l }
func (w *World) SetPublisher(p Publisher)                         { w.publisher = p }
func (w *World) SetSnapshotSink(ch chan<- snapshot.WorldSnapshot) { w.snapshotSink = ch }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }
func (w *World) AgentCount() int     { return len(w.order) }
func (w *World) Clock() clock.Clock  { return w.clock }

func (w *World) RouteCacheStats() pathfind.CacheStats { return w.paths.CacheStats() }
func (w *World) ReplanStats() replan.Stats            { return w.sched.Stats() }

// Retune hands a reloaded tuning to the loop. Only the latest pending value is kept.
func (w *World) Retune(t tuning.Tuning) {
	select {
	case w.retune <- t:
	default:
		select {
		case <-w.retune:
		default:
		}
		select {
		case w.retune <- t:
		default:
		}
	}
}

func (w *World) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

func (w *World) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.tuning.TickDuration())
	defer ticker.Stop()

	var pendingAdmin []adminSnapshotReq
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.admin:
			pendingAdmin = append(pendingAdmin, req)
		case t := <-w.retune:
			if w.applyTuning(t) {
				ticker.Reset(w.tuning.TickDuration())
			}
		case <-ticker.C:
			w.Step(ctx)
			w.handleAdminSnapshotRequests(pendingAdmin)
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

// applyTuning swaps in a reloaded tuning and reports whether the tick interval changed.
// The clock mapping and route cache size are fixed for the life of the world.
func (w *World) applyTuning(t tuning.Tuning) bool {
	old := w.tuning
	if t.MinutesPerTick != old.MinutesPerTick || t.StartMinute != old.StartMinute {
		w.log.Warn("clock tuning change ignored until restart")
		t.MinutesPerTick, t.StartMinute = old.MinutesPerTick, old.StartMinute
	}
	if t.RouteCacheCapacity != old.RouteCacheCapacity {
		w.log.Warn("route cache capacity change ignored until restart")
		t.RouteCacheCapacity = old.RouteCacheCapacity
	}
	w.tuning = t
	w.durations = t.Durations()
	w.sched.SetConfig(t.ReplanConfig())
	w.log.Info("tuning applied",
		zap.Int("tick_ms", t.TickDurationMs),
		zap.Int("replan_max_per_tick", t.Replan.MaxPerTick),
		zap.Uint64("replan_cadence", t.Replan.CadenceTicks),
	)
	return t.TickDurationMs != old.TickDurationMs
}

func (w *World) emit(agentID, kind, detail, code string) {
	w.events = append(w.events, eventRecord{AgentID: agentID, Kind: kind, Detail: detail, Code: code})
}

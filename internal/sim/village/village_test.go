package village

import (
	"context"
	"sync"
	"testing"
	"time"

	"villagesim.ai/internal/decision"
	"villagesim.ai/internal/persistence/snapshot"
	"villagesim.ai/internal/protocol"
	"villagesim.ai/internal/sim/catalogs"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/replan"
	"villagesim.ai/internal/sim/tuning"
)

type recorder struct {
	mu     sync.Mutex
	ticks  []TickLogEntry
	audits []AuditEntry
	msgs   []protocol.TickMsg
	amsgs  []protocol.AuditMsg
}

func (r *recorder) WriteTick(e TickLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, e)
	return nil
}

func (r *recorder) WriteAudit(e AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audits = append(r.audits, e)
	return nil
}

func (r *recorder) PublishTick(m protocol.TickMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) PublishAudit(m protocol.AuditMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.amsgs = append(r.amsgs, m)
}

func (r *recorder) auditFor(agentID string) (AuditEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.audits {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return AuditEntry{}, false
}

func testCatalogs(t *testing.T, ada, bo []model.ScheduleEntry) *catalogs.Catalogs {
	t.Helper()
	grid, err := catalogs.ParseGrid(
		map[string]string{"h": "house", "p": "path", "f": "field", "g": "grass", "w": "water", "m": "market"},
		[]string{
			"hpppf",
			"hgggg",
			"gwwgm",
		},
		nil,
	)
	if err != nil {
		t.Fatalf("ParseGrid: %v", err)
	}
	agents := []model.Agent{
		{ID: "ada", Name: "Ada", Home: "0,0", Role: model.RoleFarmer, Mood: "calm", Traits: map[string]float64{"diligence": 0.8}, Schedule: ada},
		{ID: "bo", Name: "Bo", Home: "0,1", Role: model.RoleMerchant, Mood: "cheerful", Schedule: bo},
	}
	byID := map[string]model.Agent{}
	for _, a := range agents {
		byID[a.ID] = a
	}
	return &catalogs.Catalogs{
		Village: catalogs.VillageCatalog{Name: "test", Grid: grid},
		Agents:  catalogs.AgentCatalog{List: agents, ByID: byID},
	}
}

func farmDay() []model.ScheduleEntry {
	return []model.ScheduleEntry{{StartMinute: 360, Action: model.ActionFarm, Target: "4,0"}}
}

func shopDay() []model.ScheduleEntry {
	return []model.ScheduleEntry{{StartMinute: 360, Action: model.ActionShop, Target: "4,2"}}
}

func newTestWorld(t *testing.T, cats *catalogs.Catalogs, capability decision.Capability) (*World, *recorder) {
	t.Helper()
	tu := tuning.Defaults()
	tu.StartMinute = 360
	tu.SnapshotEveryTicks = 0
	w, err := New(cats, tu, Deps{Capability: capability})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	w.SetTickLogger(rec)
	w.SetAuditLogger(rec)
	w.SetPublisher(rec)
	t.Cleanup(func() {
		w.sched.Wait()
	})
	return w, rec
}

// stepUntil steps the world until cond holds, giving request goroutines time to finish.
func stepUntil(t *testing.T, ctx context.Context, w *World, max int, cond func() bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		w.Step(ctx)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met after %d ticks", max)
}

func hasMemory(s memory.Store, typ memory.Type) bool {
	for _, m := range s.All() {
		if m.Type == typ {
			return true
		}
	}
	return false
}

func TestAgentWalksToScheduledTargetAndActs(t *testing.T) {
	w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), nil)
	ctx := context.Background()

	w.Step(ctx)
	ada := w.agents["ada"]
	if ada.state != model.StateMoving {
		t.Fatalf("state after tick 1: %s", ada.state)
	}
	if ada.target != "4,0" {
		t.Fatalf("target: %s", ada.target)
	}
	for w.CurrentTick() < 5 {
		w.Step(ctx)
	}
	if got := ada.position(); got != "4,0" {
		t.Fatalf("position at tick 5: %s", got)
	}
	if ada.state != model.StateActing {
		t.Fatalf("state at target: %s", ada.state)
	}
	if !hasMemory(ada.memory, memory.TypeObservation) {
		t.Fatalf("expected arrival memory, got %+v", ada.memory.All())
	}
	if ada.replan.LastMajorEventTick != 5 {
		t.Fatalf("major event tick: %d", ada.replan.LastMajorEventTick)
	}

	for w.CurrentTick() < 35 {
		w.Step(ctx)
	}
	if ada.state != model.StateIdle {
		t.Fatalf("state after farm: %s", ada.state)
	}
	if !hasMemory(ada.memory, memory.TypeTask) {
		t.Fatalf("expected task memory")
	}
	if len(rec.ticks) != 35 || len(rec.msgs) != 35 {
		t.Fatalf("tick log %d, published %d", len(rec.ticks), len(rec.msgs))
	}
	last := rec.msgs[34]
	if last.Clock != "06:35" || len(last.Agents) != 2 {
		t.Fatalf("last tick msg: %+v", last)
	}
}

func TestTickDigestIsDeterministic(t *testing.T) {
	run := func() []string {
		w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), nil)
		for i := 0; i < 20; i++ {
			w.Step(context.Background())
		}
		var out []string
		for _, e := range rec.ticks {
			out = append(out, e.Digest)
		}
		return out
	}
	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("digest mismatch at tick %d", i+1)
		}
	}
}

func TestUnreachableTargetHoldsPosition(t *testing.T) {
	sched := []model.ScheduleEntry{{StartMinute: 360, Action: model.ActionWalk, Target: "4,0"}}
	cats := testCatalogs(t, sched, shopDay())
	grid, err := catalogs.ParseGrid(
		map[string]string{"h": "house", "g": "grass", "w": "water"},
		[]string{"hwggg", "hwggg", "gwggg"},
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	cats.Village.Grid = grid
	cats.Agents.List[1].Schedule = nil
	w, rec := newTestWorld(t, cats, nil)
	w.Step(context.Background())
	w.Step(context.Background())

	ada := w.agents["ada"]
	if ada.state != model.StatePlanning {
		t.Fatalf("state: %s", ada.state)
	}
	if ada.position() != "0,0" {
		t.Fatalf("moved to %s", ada.position())
	}
	var unreachable int
	for _, e := range rec.ticks {
		for _, ev := range e.Events {
			if ev.Kind == EventUnreachable {
				unreachable++
			}
		}
	}
	if unreachable != 1 {
		t.Fatalf("unreachable events: %d", unreachable)
	}
}

func TestAcceptedDecisionOverridesSchedule(t *testing.T) {
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		return decision.Response{
			Decision:      decision.Decision{Action: model.ActionChat, TargetTileID: "2,1", Reasoning: "catch up"},
			Observability: decision.Observability{Provider: "stub"},
		}, nil
	})
	w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), capability)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ada := w.agents["ada"]
	stepUntil(t, ctx, w, 100, func() bool { return ada.replan.Intent != nil })

	if ada.replan.Intent.Action != model.ActionChat || ada.replan.Intent.PlannedTick != 1 {
		t.Fatalf("intent: %+v", ada.replan.Intent)
	}
	w.Step(ctx)
	if ada.task.Provenance != model.ProvenanceDecision || ada.target != "2,1" {
		t.Fatalf("task %+v target %s", ada.task, ada.target)
	}
	if !hasMemory(ada.memory, memory.TypeGoal) {
		t.Fatalf("expected goal memory")
	}
	a, ok := rec.auditFor("ada")
	if !ok || a.Outcome != OutcomeAccepted || a.Provider != "stub" || a.IssuedTick != 1 {
		t.Fatalf("audit: %+v", a)
	}
	if len(rec.amsgs) == 0 {
		t.Fatalf("audit not published")
	}
}

func TestGuardrailBlocksAndRewrites(t *testing.T) {
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		if req.Context.AgentID == "ada" {
			return decision.Response{Decision: decision.Decision{Action: model.ActionShop, TargetTileID: "4,2", Reasoning: "sell turnips"}}, nil
		}
		return decision.Response{Decision: decision.Decision{Action: model.ActionFarm, TargetTileID: "4,0", Reasoning: "try farming"}}, nil
	})
	w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), capability)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stepUntil(t, ctx, w, 100, func() bool {
		_, a := rec.auditFor("ada")
		_, b := rec.auditFor("bo")
		return a && b
	})

	a, _ := rec.auditFor("ada")
	if a.Outcome != OutcomeBlocked || a.Code != protocol.ErrPolicyBlocked {
		t.Fatalf("ada audit: %+v", a)
	}
	if w.agents["ada"].replan.Intent != nil {
		t.Fatalf("blocked decision must not set an intent")
	}
	if len(a.Violations) != 1 || a.Violations[0].Rule != "shop-requires-merchant" {
		t.Fatalf("violations: %+v", a.Violations)
	}

	b, _ := rec.auditFor("bo")
	if b.Outcome != OutcomeRewritten || b.Action != string(model.ActionObserve) || b.Target != "" {
		t.Fatalf("bo audit: %+v", b)
	}
	bo := w.agents["bo"]
	if bo.replan.Intent == nil || bo.replan.Intent.Action != model.ActionObserve {
		t.Fatalf("bo intent: %+v", bo.replan.Intent)
	}
	if !hasMemory(bo.memory, memory.TypeEmotion) {
		t.Fatalf("expected rewrite memory")
	}
}

func TestFailedDecisionIsAudited(t *testing.T) {
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		return decision.Response{}, &decision.RateLimitedError{RetryAfter: time.Second}
	})
	w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), capability)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stepUntil(t, ctx, w, 100, func() bool { _, ok := rec.auditFor("ada"); return ok })
	a, _ := rec.auditFor("ada")
	if a.Outcome != OutcomeFailed || a.Code != protocol.ErrRateLimit {
		t.Fatalf("audit: %+v", a)
	}
	ada := w.agents["ada"]
	if ada.replan.Intent != nil || w.sched.InFlight("ada") {
		t.Fatalf("failed decision left state behind")
	}
	if ada.task.Provenance != model.ProvenanceSchedule {
		t.Fatalf("task: %+v", ada.task)
	}
}

func TestOffMapTargetIsRejected(t *testing.T) {
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		return decision.Response{Decision: decision.Decision{Action: model.ActionWalk, TargetTileID: "9,9", Reasoning: "explore"}}, nil
	})
	w, rec := newTestWorld(t, testCatalogs(t, farmDay(), shopDay()), capability)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stepUntil(t, ctx, w, 100, func() bool { _, ok := rec.auditFor("ada"); return ok })
	a, _ := rec.auditFor("ada")
	if a.Outcome != OutcomeRejected || a.Code != protocol.ErrMalformedDecision {
		t.Fatalf("audit: %+v", a)
	}
}

func TestResponseForPastSlotIsStale(t *testing.T) {
	release := make(chan struct{})
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return decision.Response{}, ctx.Err()
		}
		return decision.Response{Decision: decision.Decision{Action: model.ActionChat, Reasoning: "hello"}}, nil
	})
	sched := []model.ScheduleEntry{
		{StartMinute: 360, Action: model.ActionFarm, Target: "4,0"},
		{StartMinute: 362, Action: model.ActionRest},
	}
	w, rec := newTestWorld(t, testCatalogs(t, sched, nil), capability)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		w.Step(ctx)
	}
	close(release)
	stepUntil(t, ctx, w, 100, func() bool { _, ok := rec.auditFor("ada"); return ok })

	a, _ := rec.auditFor("ada")
	if a.Outcome != OutcomeStale || a.Code != protocol.ErrStale {
		t.Fatalf("audit: %+v", a)
	}
	if w.agents["ada"].replan.Intent != nil {
		t.Fatalf("stale decision applied")
	}
}

func TestIntentSupersededBySchedule(t *testing.T) {
	sched := []model.ScheduleEntry{
		{StartMinute: 360, Action: model.ActionFarm, Target: "4,0"},
		{StartMinute: 400, Action: model.ActionRest},
	}
	w, _ := newTestWorld(t, testCatalogs(t, sched, nil), nil)
	ctx := context.Background()
	w.Step(ctx)
	ada := w.agents["ada"]
	ada.replan.Intent = &replan.Intent{Action: model.ActionChat, Reasoning: "say hello", PlannedTick: 1}

	for w.CurrentTick() < 39 {
		w.Step(ctx)
	}
	if ada.task.Provenance != model.ProvenanceDecision {
		t.Fatalf("intent dropped early: %+v", ada.task)
	}
	w.Step(ctx)
	if ada.replan.Intent != nil || ada.task.Action != model.ActionRest {
		t.Fatalf("intent not superseded: %+v", ada.task)
	}
}

func TestChatCompletionCreatesInteractionMemories(t *testing.T) {
	chat := []model.ScheduleEntry{{StartMinute: 360, Action: model.ActionChat, Target: "1,1"}}
	w, _ := newTestWorld(t, testCatalogs(t, chat, chat), nil)
	ctx := context.Background()
	for w.CurrentTick() < 20 {
		w.Step(ctx)
	}
	for _, id := range []string{"ada", "bo"} {
		rt := w.agents[id]
		if !hasMemory(rt.memory, memory.TypeInteraction) {
			t.Fatalf("%s has no interaction memory: %+v", id, rt.memory.All())
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	cats := testCatalogs(t, farmDay(), shopDay())
	w, _ := newTestWorld(t, cats, nil)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		w.Step(ctx)
	}
	snap := w.ExportSnapshot()
	if err := snap.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	b, err := snapshot.Encode(snap)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := snapshot.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	w2, _ := newTestWorld(t, cats, nil)
	if err := w2.ImportSnapshot(decoded); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if w2.CurrentTick() != 12 {
		t.Fatalf("tick: %d", w2.CurrentTick())
	}
	for _, id := range []string{"ada", "bo"} {
		a, b := w.agents[id], w2.agents[id]
		if a.position() != b.position() || a.target != b.target || a.state != b.state {
			t.Fatalf("%s: %s/%s/%s vs %s/%s/%s", id, a.position(), a.target, a.state, b.position(), b.target, b.state)
		}
		if a.memory.Len() != b.memory.Len() {
			t.Fatalf("%s memory: %d vs %d", id, a.memory.Len(), b.memory.Len())
		}
	}

	w.Step(ctx)
	w2.Step(ctx)
	if w.agents["ada"].position() != w2.agents["ada"].position() {
		t.Fatalf("worlds diverged after import")
	}
}

func TestImportSnapshotSkipsUnknownAgentsAndBadPositions(t *testing.T) {
	cats := testCatalogs(t, farmDay(), shopDay())
	w, _ := newTestWorld(t, cats, nil)
	snap := w.ExportSnapshot()
	snap.Agents = append(snap.Agents, snapshot.AgentRecord{AgentID: "ghost", Position: "1,1", State: model.StateIdle})
	for i := range snap.Agents {
		if snap.Agents[i].AgentID == "bo" {
			snap.Agents[i].Position = "1,2" // water
		}
	}
	if err := w.ImportSnapshot(snap); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}
	if _, ok := w.agents["ghost"]; ok {
		t.Fatalf("unknown agent imported")
	}
	if got := w.agents["bo"].position(); got != "0,1" {
		t.Fatalf("bo position: %s", got)
	}

	snap.Version = 99
	if err := w.ImportSnapshot(snap); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestRequestSnapshotThroughRun(t *testing.T) {
	tu := tuning.Defaults()
	tu.TickDurationMs = 5
	tu.SnapshotEveryTicks = 0
	w, err := New(testCatalogs(t, farmDay(), shopDay()), tu, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	sink := make(chan snapshot.WorldSnapshot, 1)
	w.SetSnapshotSink(sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	tick, err := w.RequestSnapshot(rctx)
	if err != nil {
		t.Fatalf("RequestSnapshot: %v", err)
	}
	snap := <-sink
	if snap.World.Tick != tick || len(snap.Agents) != 2 {
		t.Fatalf("snapshot tick %d (want %d), agents %d", snap.World.Tick, tick, len(snap.Agents))
	}

	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestPeriodicSnapshotDropsWhenSinkFull(t *testing.T) {
	tu := tuning.Defaults()
	tu.SnapshotEveryTicks = 2
	w, err := New(testCatalogs(t, farmDay(), shopDay()), tu, Deps{})
	if err != nil {
		t.Fatal(err)
	}
	sink := make(chan snapshot.WorldSnapshot, 1)
	w.SetSnapshotSink(sink)
	for i := 0; i < 6; i++ {
		w.Step(context.Background())
	}
	if len(sink) != 1 {
		t.Fatalf("sink len %d", len(sink))
	}
	if s := <-sink; s.World.Tick != 2 {
		t.Fatalf("first snapshot tick %d", s.World.Tick)
	}
}

func TestReplanStatsReadableWhileRunning(t *testing.T) {
	capability := decision.CapabilityFunc(func(ctx context.Context, req decision.Request) (decision.Response, error) {
		return decision.Response{}, &decision.CapabilityError{Status: 500, Message: "down"}
	})
	tu := tuning.Defaults()
	tu.TickDurationMs = 1
	tu.SnapshotEveryTicks = 0
	tu.Replan.CadenceTicks = 1
	w, err := New(testCatalogs(t, farmDay(), shopDay()), tu, Deps{Capability: capability})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var last replan.Stats
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		last = w.ReplanStats()
		_ = w.RouteCacheStats()
		_ = w.CurrentTick()
	}

	w.Stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()
	w.sched.Wait()
	if last.Issued == 0 {
		t.Fatalf("no replans issued while running: %+v", last)
	}
	if final := w.ReplanStats(); final.Completed+final.Discarded > final.Issued {
		t.Fatalf("stats=%+v", final)
	}
}

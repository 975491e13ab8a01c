package action

import (
	"testing"

	"villagesim.ai/internal/sim/model"
)

func TestSync_ZeroDurationNeverCreatesRecord(t *testing.T) {
	d := DefaultDurations()
	for _, a := range []model.ActionType{model.ActionWalk, model.ActionObserve} {
		e, started := Sync(nil, model.ActiveTask{Action: a, Target: "1,1"}, d, 5)
		if e != nil || started {
			t.Fatalf("%s produced execution %+v", a, e)
		}
		if got := StateFor(e); got != model.StateActing {
			t.Fatalf("%s state=%s", a, got)
		}
	}
}

func TestAdvance_CompletesAtFirstTickPastDuration(t *testing.T) {
	d := Durations{model.ActionFarm: 30}
	task := model.ActiveTask{Action: model.ActionFarm, Target: "4,2", Provenance: model.ProvenanceSchedule}
	e, started := Sync(nil, task, d, 100)
	if !started || e.CompleteTick != 130 || PhaseOf(e) != PhaseExecuting {
		t.Fatalf("start: %+v started=%v", e, started)
	}
	if Advance(e, 129) {
		t.Fatalf("completed early")
	}
	// The first advance past the deadline is the completion tick, even if it skipped 130.
	if !Advance(e, 134) {
		t.Fatalf("expected completion")
	}
	if e.CompletedAt == nil || *e.CompletedAt != 134 {
		t.Fatalf("CompletedAt=%v", e.CompletedAt)
	}
	if Advance(e, 135) {
		t.Fatalf("completion must fire once")
	}
	if StateFor(e) != model.StateIdle {
		t.Fatalf("state after completion=%s", StateFor(e))
	}
}

func TestSync_RestartsOnSignatureChange(t *testing.T) {
	d := DefaultDurations()
	farm := model.ActiveTask{Action: model.ActionFarm, Target: "4,2", Provenance: model.ProvenanceSchedule}
	e, _ := Sync(nil, farm, d, 0)

	same, started := Sync(e, farm, d, 5)
	if started || same != e {
		t.Fatalf("same signature must keep execution")
	}

	moved := farm
	moved.Target = "5,2"
	next, started := Sync(e, moved, d, 6)
	if !started || next == e || next.StartTick != 6 {
		t.Fatalf("target change must restart: %+v", next)
	}

	fromDecision := farm
	fromDecision.Provenance = model.ProvenanceDecision
	if _, started := Sync(e, fromDecision, d, 7); !started {
		t.Fatalf("provenance change must restart")
	}

	// A completed execution with the same signature is not restarted.
	Advance(e, 100)
	if again, started := Sync(e, farm, d, 101); started || again != e {
		t.Fatalf("completed execution restarted")
	}
}

func TestStateFor_RestIsResting(t *testing.T) {
	e, _ := Sync(nil, model.ActiveTask{Action: model.ActionRest, Target: "0,0"}, DefaultDurations(), 0)
	if StateFor(e) != model.StateResting {
		t.Fatalf("rest state=%s", StateFor(e))
	}
	c, _ := Sync(nil, model.ActiveTask{Action: model.ActionChat}, DefaultDurations(), 0)
	if StateFor(c) != model.StateActing {
		t.Fatalf("chat state=%s", StateFor(c))
	}
}

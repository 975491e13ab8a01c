package planner

import (
	"testing"

	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/movement"
	"villagesim.ai/internal/sim/pathfind"
)

type countingPathfinder struct {
	inner *pathfind.Service
	calls int
}

func (c *countingPathfinder) FindPath(start, dest model.TileID, blocked []model.TileID) pathfind.Result {
	c.calls++
	return c.inner.FindPath(start, dest, blocked)
}

func lineGrid(t *testing.T, walkable ...bool) *model.Grid {
	t.Helper()
	tiles := make([]model.Tile, len(walkable))
	for i, w := range walkable {
		tiles[i] = model.Tile{X: i, Y: 0, Type: model.TilePath, Walkable: w}
	}
	g, err := model.NewGrid(len(walkable), 1, tiles)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	return g
}

func TestPlan_MovingThenStable(t *testing.T) {
	pf := &countingPathfinder{inner: pathfind.New(lineGrid(t, true, true, true, true), 8)}
	mv := movement.New("0,0", 0)
	task := model.ActiveTask{Action: model.ActionFarm, Target: "3,0", Provenance: model.ProvenanceSchedule}

	out, err := Plan(pf, &mv, Input{Task: task, Home: "0,0", Tick: 1})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if out.State != model.StateMoving || !out.Repathed || out.Target != "3,0" {
		t.Fatalf("first plan: %+v", out)
	}
	if len(mv.Path) != 4 {
		t.Fatalf("path=%v", mv.Path)
	}

	// Same target, path already ends there: no new search.
	out, _ = Plan(pf, &mv, Input{Task: task, Home: "0,0", PreviousTarget: out.Target, Tick: 2})
	if out.Repathed || out.State != model.StateMoving || pf.calls != 1 {
		t.Fatalf("second plan repathed: %+v calls=%d", out, pf.calls)
	}

	_, _ = movement.Advance(&mv, 10)
	out, _ = Plan(pf, &mv, Input{Task: task, Home: "0,0", PreviousTarget: "3,0", Tick: 10})
	if out.State != model.StateActing || pf.calls != 1 {
		t.Fatalf("at destination: %+v calls=%d", out, pf.calls)
	}
}

func TestPlan_RestDefaultsToHome(t *testing.T) {
	pf := pathfind.New(lineGrid(t, true, true, true), 8)
	mv := movement.New("2,0", 0)
	out, _ := Plan(pf, &mv, Input{Task: model.ActiveTask{Action: model.ActionRest, Provenance: model.ProvenanceSchedule}, Home: "0,0", Tick: 1})
	if out.Target != "0,0" || out.State != model.StateMoving {
		t.Fatalf("rest plan: %+v", out)
	}
}

func TestPlan_NoTargetKeepsExistingDestination(t *testing.T) {
	pf := pathfind.New(lineGrid(t, true, true, true), 8)
	mv := movement.New("0,0", 0)
	_ = movement.AssignPath(&mv, []model.TileID{"0,0", "1,0", "2,0"}, 0)
	out, _ := Plan(pf, &mv, Input{Task: model.IdleTask(), Home: "0,0", PreviousTarget: "2,0", Tick: 1})
	if out.Target != "2,0" || out.Repathed || out.State != model.StateMoving {
		t.Fatalf("idle keeps walking: %+v", out)
	}
}

func TestPlan_AlreadyThereIsActing(t *testing.T) {
	pf := pathfind.New(lineGrid(t, true, true), 8)
	mv := movement.New("1,0", 0)
	out, _ := Plan(pf, &mv, Input{Task: model.ActiveTask{Action: model.ActionShop, Target: "1,0"}, Tick: 3})
	if out.State != model.StateActing || len(mv.Path) != 1 {
		t.Fatalf("already there: %+v path=%v", out, mv.Path)
	}
}

func TestPlan_UnreachableHoldsAndRetries(t *testing.T) {
	pf := &countingPathfinder{inner: pathfind.New(lineGrid(t, true, false, true), 8)}
	mv := movement.New("0,0", 0)
	task := model.ActiveTask{Action: model.ActionFarm, Target: "2,0"}

	out, _ := Plan(pf, &mv, Input{Task: task, Tick: 1})
	if out.State != model.StatePlanning || out.Reason != pathfind.ReasonNoRoute {
		t.Fatalf("unreachable: %+v", out)
	}
	if mv.Position() != "0,0" || len(mv.Path) != 1 {
		t.Fatalf("agent must hold position: %v", mv.Path)
	}

	out, _ = Plan(pf, &mv, Input{Task: task, PreviousTarget: out.Target, Tick: 2})
	if !out.Repathed || pf.calls != 2 || out.State != model.StatePlanning {
		t.Fatalf("retry expected: %+v calls=%d", out, pf.calls)
	}
}

package planner

import (
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/movement"
	"villagesim.ai/internal/sim/pathfind"
)

type Pathfinder interface {
	FindPath(start, dest model.TileID, blocked []model.TileID) pathfind.Result
}

type Input struct {
	Task           model.ActiveTask
	Home           model.TileID
	PreviousTarget model.TileID
	Blocked        []model.TileID
	Tick           uint64
}

type Outcome struct {
	State     model.AgentState
	Target    model.TileID
	Repathed  bool
	FromCache bool
	// Reason is set when the target could not be reached.
	Reason pathfind.Reason
}

// ResolveTarget picks the tile the task should be performed at.
func ResolveTarget(task model.ActiveTask, home model.TileID, mv *movement.Component) model.TileID {
	switch {
	case task.Target != "":
		return task.Target
	case task.Action == model.ActionRest:
		return home
	default:
		return mv.Destination()
	}
}

// Plan decides whether mv needs a new path and which transitional state applies.
// A path is only searched when the target changed or the current path does not end at
// it; otherwise the existing path keeps being walked.
func Plan(pf Pathfinder, mv *movement.Component, in Input) (Outcome, error) {
	target := ResolveTarget(in.Task, in.Home, mv)
	out := Outcome{Target: target}

	if target == in.PreviousTarget && mv.Destination() == target {
		if mv.AtDestination() {
			out.State = model.StateActing
		} else {
			out.State = model.StateMoving
		}
		return out, nil
	}

	res := pf.FindPath(mv.Position(), target, in.Blocked)
	out.Repathed = true
	if !res.Found() {
		// Hold position; the mismatched destination makes the next pass retry.
		if err := movement.AssignPath(mv, []model.TileID{mv.Position()}, in.Tick); err != nil {
			return Outcome{}, err
		}
		out.State = model.StatePlanning
		out.Reason = res.Reason
		return out, nil
	}
	if err := movement.AssignPath(mv, res.Path, in.Tick); err != nil {
		return Outcome{}, err
	}
	out.FromCache = res.FromCache
	if len(res.Path) == 1 {
		out.State = model.StateActing
	} else {
		out.State = model.StateMoving
	}
	return out, nil
}

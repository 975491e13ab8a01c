package action

import "villagesim.ai/internal/sim/model"

type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
)

// Durations maps actions to how many ticks they take once the agent is at the target.
type Durations map[model.ActionType]uint64

func DefaultDurations() Durations {
	return Durations{
		model.ActionFarm:    30,
		model.ActionChat:    10,
		model.ActionShop:    15,
		model.ActionRest:    60,
		model.ActionWalk:    0,
		model.ActionObserve: 0,
	}
}

type Execution struct {
	Action       model.ActionType
	Signature    string
	StartTick    uint64
	CompleteTick uint64
	CompletedAt  *uint64
}

func PhaseOf(e *Execution) Phase {
	switch {
	case e == nil:
		return PhaseNone
	case e.CompletedAt != nil:
		return PhaseCompleted
	default:
		return PhaseExecuting
	}
}

// Sync returns the execution that should be running for task. A different task
// signature restarts it; zero-duration actions never get a record.
func Sync(cur *Execution, task model.ActiveTask, d Durations, tick uint64) (next *Execution, started bool) {
	dur := d[task.Action]
	if dur == 0 {
		return nil, false
	}
	sig := task.Signature()
	if cur != nil && cur.Signature == sig {
		return cur, false
	}
	return &Execution{
		Action:       task.Action,
		Signature:    sig,
		StartTick:    tick,
		CompleteTick: tick + dur,
	}, true
}

// Advance reports true exactly once: at the first call with tick >= CompleteTick.
func Advance(e *Execution, tick uint64) bool {
	if e == nil || e.CompletedAt != nil {
		return false
	}
	if tick < e.CompleteTick {
		return false
	}
	done := tick
	e.CompletedAt = &done
	return true
}

// StateFor is the simulation state reported for a stationary agent at its target.
func StateFor(e *Execution) model.AgentState {
	switch PhaseOf(e) {
	case PhaseExecuting:
		if e.Action == model.ActionRest {
			return model.StateResting
		}
		return model.StateActing
	case PhaseCompleted:
		return model.StateIdle
	default:
		// Zero-duration actions complete immediately while "acting".
		return model.StateActing
	}
}

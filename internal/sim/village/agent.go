package village

import (
	"villagesim.ai/internal/sim/action"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/movement"
	"villagesim.ai/internal/sim/replan"
	"villagesim.ai/internal/sim/schedule"
)

// agentRuntime is the mutable state the loop keeps per agent. The Agent itself
// is reference data and never changes.
type agentRuntime struct {
	agent    model.Agent
	schedule *schedule.Index

	mv     movement.Component
	target model.TileID
	state  model.AgentState
	task   model.ActiveTask
	exec   *action.Execution

	memory memory.Store
	replan replan.State
}

func newAgentRuntime(a model.Agent, tick uint64) (*agentRuntime, error) {
	ix, err := schedule.New(a.Schedule)
	if err != nil {
		return nil, err
	}
	return &agentRuntime{
		agent:    a,
		schedule: ix,
		mv:       movement.New(a.Home, tick),
		target:   a.Home,
		state:    model.StateIdle,
		task:     model.IdleTask(),
	}, nil
}

func (rt *agentRuntime) position() model.TileID { return rt.mv.Position() }

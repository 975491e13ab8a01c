package model

type ActionType string

const (
	ActionFarm    ActionType = "farm"
	ActionChat    ActionType = "chat"
	ActionShop    ActionType = "shop"
	ActionRest    ActionType = "rest"
	ActionWalk    ActionType = "walk"
	ActionObserve ActionType = "observe"
)

var actionTargets = map[ActionType]bool{
	ActionFarm:    true,
	ActionShop:    true,
	ActionWalk:    true,
	ActionChat:    false,
	ActionRest:    false,
	ActionObserve: false,
}

func IsKnownAction(a ActionType) bool {
	_, ok := actionTargets[a]
	return ok
}

// RequiresTarget reports whether the action is meaningless without a target tile.
func RequiresTarget(a ActionType) bool { return actionTargets[a] }

func KnownActions() []ActionType {
	return []ActionType{ActionFarm, ActionChat, ActionShop, ActionRest, ActionWalk, ActionObserve}
}

type AgentState string

const (
	StateIdle     AgentState = "idle"
	StateMoving   AgentState = "moving"
	StateActing   AgentState = "acting"
	StateResting  AgentState = "resting"
	StatePlanning AgentState = "planning"
)

func IsKnownState(s AgentState) bool {
	switch s {
	case StateIdle, StateMoving, StateActing, StateResting, StatePlanning:
		return true
	}
	return false
}

// WorldTime is the simulated calendar position of a tick.
type WorldTime struct {
	Tick        uint64
	Day         int
	MinuteOfDay int
}

package model

import (
	"fmt"
	"sort"
)

type Role string

const (
	RoleFarmer   Role = "farmer"
	RoleMerchant Role = "merchant"
	RoleBaker    Role = "baker"
	RoleGuard    Role = "guard"
	RoleElder    Role = "elder"
	RoleChild    Role = "child"
)

var knownRoles = map[Role]struct{}{
	RoleFarmer:   {},
	RoleMerchant: {},
	RoleBaker:    {},
	RoleGuard:    {},
	RoleElder:    {},
	RoleChild:    {},
}

func IsKnownRole(r Role) bool {
	_, ok := knownRoles[r]
	return ok
}

// Agent is immutable reference data. Runtime state lives in the simulation loop.
type Agent struct {
	ID       string
	Name     string
	Home     TileID
	Role     Role
	Traits   map[string]float64 // each in [0,1]
	Mood     string
	Schedule []ScheduleEntry
}

func (a Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent: empty id")
	}
	if a.Home == "" {
		return fmt.Errorf("agent %s: empty home", a.ID)
	}
	if !IsKnownRole(a.Role) {
		return fmt.Errorf("agent %s: unknown role %q", a.ID, a.Role)
	}
	for name, v := range a.Traits {
		if v < 0 || v > 1 {
			return fmt.Errorf("agent %s: trait %s=%v outside [0,1]", a.ID, name, v)
		}
	}
	return nil
}

// TraitNames returns trait keys in sorted order.
func (a Agent) TraitNames() []string {
	out := make([]string, 0, len(a.Traits))
	for k := range a.Traits {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type ScheduleEntry struct {
	StartMinute int
	Action      ActionType
	Target      TileID // empty = none
}

type Provenance string

const (
	ProvenanceSchedule Provenance = "schedule"
	ProvenanceIdle     Provenance = "idle"
	ProvenanceDecision Provenance = "decision"
)

type ActiveTask struct {
	Action     ActionType
	Target     TileID // empty = none
	Provenance Provenance
}

// Signature binds an action execution to the task that spawned it.
func (t ActiveTask) Signature() string {
	return string(t.Action) + "|" + string(t.Target) + "|" + string(t.Provenance)
}

func IdleTask() ActiveTask {
	return ActiveTask{Action: ActionObserve, Provenance: ProvenanceIdle}
}

package snapshot

import (
	"errors"
	"fmt"
	"time"

	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/replan"
)

const Version = 1

// ErrInvalid marks a snapshot that failed version or structural validation.
// Readers treat it as "no snapshot".
var ErrInvalid = errors.New("snapshot: invalid")

type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string        { return "snapshot: invalid: " + e.Reason }
func (e *InvalidError) Is(target error) bool { return target == ErrInvalid }

func invalidf(format string, args ...any) error {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

type WorldTime struct {
	Tick        uint64 `json:"tick"`
	Day         int    `json:"day"`
	MinuteOfDay int    `json:"minuteOfDay"`
}

type AgentRecord struct {
	AgentID  string           `json:"agentId"`
	Position model.TileID     `json:"position"`
	Target   model.TileID     `json:"target,omitempty"`
	State    model.AgentState `json:"state"`
	Memory   memory.Store     `json:"memory"`
	Replan   replan.State     `json:"replan"`
}

type WorldSnapshot struct {
	Version int           `json:"version"`
	SavedAt string        `json:"savedAt"`
	World   WorldTime     `json:"world"`
	Agents  []AgentRecord `json:"agents"`
}

// New stamps a snapshot with the current version and savedAt.
func New(now time.Time, wt model.WorldTime, agents []AgentRecord) WorldSnapshot {
	return WorldSnapshot{
		Version: Version,
		SavedAt: now.UTC().Format(time.RFC3339),
		World:   WorldTime{Tick: wt.Tick, Day: wt.Day, MinuteOfDay: wt.MinuteOfDay},
		Agents:  agents,
	}
}

func (s WorldSnapshot) Validate() error {
	if s.Version != Version {
		return invalidf("version %d, want %d", s.Version, Version)
	}
	if _, err := time.Parse(time.RFC3339, s.SavedAt); err != nil {
		return invalidf("savedAt: %v", err)
	}
	if s.World.MinuteOfDay < 0 || s.World.MinuteOfDay >= clock.MinutesPerDay {
		return invalidf("world.minuteOfDay %d out of range", s.World.MinuteOfDay)
	}
	if s.World.Day < 0 {
		return invalidf("world.day %d negative", s.World.Day)
	}
	seen := make(map[string]struct{}, len(s.Agents))
	for i, a := range s.Agents {
		if err := a.validate(); err != nil {
			return invalidf("agents[%d]: %v", i, err)
		}
		if _, dup := seen[a.AgentID]; dup {
			return invalidf("agents[%d]: duplicate agent %s", i, a.AgentID)
		}
		seen[a.AgentID] = struct{}{}
	}
	return nil
}

func (a AgentRecord) validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("empty agentId")
	}
	if _, _, err := a.Position.XY(); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	if a.Target != "" {
		if _, _, err := a.Target.XY(); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	if !model.IsKnownState(a.State) {
		return fmt.Errorf("unknown state %q", a.State)
	}
	if err := a.Memory.Validate(); err != nil {
		return err
	}
	for _, m := range a.Memory.All() {
		if m.AgentID != a.AgentID {
			return fmt.Errorf("memory %s belongs to %s", m.ID, m.AgentID)
		}
	}
	if a.Replan.Intent != nil {
		if err := a.Replan.Intent.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Agent returns the record for id, if present.
func (s WorldSnapshot) Agent(id string) (AgentRecord, bool) {
	for _, a := range s.Agents {
		if a.AgentID == id {
			return a, true
		}
	}
	return AgentRecord{}, false
}

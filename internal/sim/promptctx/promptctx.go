// Package promptctx builds the bounded context payload sent with a decision request.
package promptctx

import (
	"unicode/utf8"

	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
)

const (
	DefaultBudget    = 180
	RecentEventCount = 5
)

type Input struct {
	Agent    model.Agent
	Task     model.ActiveTask
	Position model.TileID
	Target   model.TileID
	State    model.AgentState
	Time     model.WorldTime
	Memories []memory.Memory
}

type TaskRef struct {
	Action     model.ActionType `json:"action"`
	Target     model.TileID     `json:"target,omitempty"`
	Provenance model.Provenance `json:"provenance"`
}

type TimeRef struct {
	Tick        uint64 `json:"tick"`
	Day         int    `json:"day"`
	MinuteOfDay int    `json:"minuteOfDay"`
	Clock       string `json:"clock"`
}

type MemoryRef struct {
	ID          string      `json:"id"`
	Type        memory.Type `json:"type"`
	Summary     string      `json:"summary"`
	Importance  float64     `json:"importance"`
	CreatedTick uint64      `json:"createdTick"`
}

type Context struct {
	AgentID      string             `json:"agentId"`
	Name         string             `json:"name"`
	Role         model.Role         `json:"role"`
	Traits       map[string]float64 `json:"traits,omitempty"`
	Mood         string             `json:"mood,omitempty"`
	Task         TaskRef            `json:"task"`
	Position     model.TileID       `json:"position"`
	Target       model.TileID       `json:"target,omitempty"`
	State        model.AgentState   `json:"state"`
	Time         TimeRef            `json:"time"`
	Memories     []MemoryRef        `json:"memories"`
	RecentEvents []MemoryRef        `json:"recentEvents"`
	TokensUsed   int                `json:"tokensUsed"`
	TokenBudget  int                `json:"tokenBudget"`
}

// EstimateTokens approximates the model token cost of s as one token per four characters.
func EstimateTokens(s string) int {
	n := (utf8.RuneCountInString(s) + 3) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Assemble ranks memories and includes them greedily within budget. An entry
// larger than the whole budget is skipped; the first entry that does not fit the
// remainder ends selection.
func Assemble(in Input, budget int) Context {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ranked := memory.Rank(in.Memories)

	selected := make([]MemoryRef, 0, len(ranked))
	used := 0
	for _, m := range ranked {
		cost := EstimateTokens(m.Summary)
		if cost > budget {
			continue
		}
		if used+cost > budget {
			break
		}
		used += cost
		selected = append(selected, ref(m))
	}

	n := RecentEventCount
	if len(ranked) < n {
		n = len(ranked)
	}
	recent := make([]MemoryRef, 0, n)
	for _, m := range ranked[:n] {
		recent = append(recent, ref(m))
	}

	var traits map[string]float64
	if len(in.Agent.Traits) > 0 {
		traits = make(map[string]float64, len(in.Agent.Traits))
		for k, v := range in.Agent.Traits {
			traits[k] = v
		}
	}

	return Context{
		AgentID:  in.Agent.ID,
		Name:     in.Agent.Name,
		Role:     in.Agent.Role,
		Traits:   traits,
		Mood:     in.Agent.Mood,
		Task:     TaskRef{Action: in.Task.Action, Target: in.Task.Target, Provenance: in.Task.Provenance},
		Position: in.Position,
		Target:   in.Target,
		State:    in.State,
		Time: TimeRef{
			Tick:        in.Time.Tick,
			Day:         in.Time.Day,
			MinuteOfDay: in.Time.MinuteOfDay,
			Clock:       clock.FormatMinute(in.Time.MinuteOfDay),
		},
		Memories:     selected,
		RecentEvents: recent,
		TokensUsed:   used,
		TokenBudget:  budget,
	}
}

func ref(m memory.Memory) MemoryRef {
	return MemoryRef{ID: m.ID, Type: m.Type, Summary: m.Summary, Importance: m.Importance, CreatedTick: m.CreatedTick}
}

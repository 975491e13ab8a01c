package replan

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"

	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/promptctx"
)

// Intent is an accepted decision that overrides the schedule until superseded.
type Intent struct {
	Action      model.ActionType `json:"action"`
	Target      model.TileID     `json:"target,omitempty"`
	Reasoning   string           `json:"reasoning"`
	PlannedTick uint64           `json:"plannedTick"`
}

func (in Intent) Validate() error {
	if !model.IsKnownAction(in.Action) {
		return fmt.Errorf("intent: unknown action %q", in.Action)
	}
	if in.Target != "" {
		if _, _, err := in.Target.XY(); err != nil {
			return fmt.Errorf("intent: %w", err)
		}
	}
	return nil
}

// Task is the intent as an active task.
func (in Intent) Task() model.ActiveTask {
	return model.ActiveTask{Action: in.Action, Target: in.Target, Provenance: model.ProvenanceDecision}
}

type State struct {
	LastPlanTick       uint64  `json:"lastPlanTick"`
	HasPlanned         bool    `json:"hasPlanned"`
	LastSignature      string  `json:"lastSignature,omitempty"`
	LastMajorEventTick uint64  `json:"lastMajorEventTick"`
	Intent             *Intent `json:"intent,omitempty"`
}

func (s *State) MarkMajorEvent(tick uint64) {
	if tick > s.LastMajorEventTick {
		s.LastMajorEventTick = tick
	}
}

// Due reports whether a replan is due at tick, ignoring the signature.
func (s *State) Due(tick, cadence uint64) bool {
	if !s.HasPlanned {
		return true
	}
	if tick >= s.LastPlanTick && tick-s.LastPlanTick >= cadence {
		return true
	}
	return s.LastMajorEventTick > s.LastPlanTick
}

// ShouldReplan reports whether a request should go out now. When it does, the
// tick and signature are recorded, so an immediate second call with the same
// signature reports false.
func (s *State) ShouldReplan(sig string, tick, cadence uint64) bool {
	if !s.Due(tick, cadence) {
		return false
	}
	if sig == s.LastSignature {
		return false
	}
	s.HasPlanned = true
	s.LastPlanTick = tick
	s.LastSignature = sig
	return true
}

type SignatureInput struct {
	Action      model.ActionType
	Target      model.TileID
	Position    model.TileID
	TargetTile  model.TileID
	MinuteOfDay int
	Memories    []promptctx.MemoryRef
}

// Signature hashes everything that would change the content of a request.
func Signature(in SignatureInput) string {
	var b strings.Builder
	b.WriteString(string(in.Action))
	b.WriteByte('|')
	b.WriteString(string(in.Target))
	b.WriteByte('|')
	b.WriteString(string(in.Position))
	b.WriteByte('|')
	b.WriteString(string(in.TargetTile))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(in.MinuteOfDay))
	for _, m := range in.Memories {
		b.WriteByte('|')
		b.WriteString(m.ID)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(m.Importance, 'f', 4, 64))
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// SignatureFor derives the signature of an assembled context.
func SignatureFor(c promptctx.Context) string {
	return Signature(SignatureInput{
		Action:      c.Task.Action,
		Target:      c.Task.Target,
		Position:    c.Position,
		TargetTile:  c.Target,
		MinuteOfDay: c.Time.MinuteOfDay,
		Memories:    c.Memories,
	})
}

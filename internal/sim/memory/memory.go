package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

type Type string

const (
	TypeObservation Type = "observation"
	TypeInteraction Type = "interaction"
	TypeTask        Type = "task"
	TypeEmotion     Type = "emotion"
	TypeGoal        Type = "goal"
)

type SourceKind string

const (
	SourceSelf     SourceKind = "self"
	SourceWorld    SourceKind = "world"
	SourceVillager SourceKind = "villager"
	SourceSystem   SourceKind = "system"
)

type Bucket string

const (
	BucketShortTerm Bucket = "short_term"
	BucketLongTerm  Bucket = "long_term"
)

type Source struct {
	Kind    SourceKind `json:"kind"`
	AgentID string     `json:"agentId,omitempty"`
	EventID string     `json:"eventId,omitempty"`
}

// Memory is one remembered event. ExpiresAfterTicks is only meaningful in the
// short-term bucket, Reinforcement only in the long-term one.
type Memory struct {
	ID                string  `json:"id"`
	AgentID           string  `json:"agentId"`
	Type              Type    `json:"type"`
	Summary           string  `json:"summary"`
	Source            Source  `json:"source"`
	CreatedTick       uint64  `json:"createdTick"`
	Importance        float64 `json:"importance"`
	Bucket            Bucket  `json:"bucket"`
	ExpiresAfterTicks uint64  `json:"expiresAfterTicks,omitempty"`
	Reinforcement     int     `json:"reinforcement,omitempty"`
}

func (m Memory) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("memory: empty id")
	}
	if m.AgentID == "" {
		return fmt.Errorf("memory %s: empty agent id", m.ID)
	}
	switch m.Type {
	case TypeObservation, TypeInteraction, TypeTask, TypeEmotion, TypeGoal:
	default:
		return fmt.Errorf("memory %s: unknown type %q", m.ID, m.Type)
	}
	switch m.Source.Kind {
	case SourceSelf, SourceWorld, SourceVillager, SourceSystem:
	default:
		return fmt.Errorf("memory %s: unknown source %q", m.ID, m.Source.Kind)
	}
	if m.Importance < 0 || m.Importance > 1 {
		return fmt.Errorf("memory %s: importance %v outside [0,1]", m.ID, m.Importance)
	}
	switch m.Bucket {
	case BucketShortTerm:
	case BucketLongTerm:
		if m.Reinforcement < 1 {
			return fmt.Errorf("memory %s: long-term reinforcement %d < 1", m.ID, m.Reinforcement)
		}
	default:
		return fmt.Errorf("memory %s: unknown bucket %q", m.ID, m.Bucket)
	}
	return nil
}

// Store holds one agent's memories. ShortTerm is kept in append order.
type Store struct {
	ShortTerm []Memory `json:"shortTerm"`
	LongTerm  []Memory `json:"longTerm"`
}

func (s *Store) Len() int { return len(s.ShortTerm) + len(s.LongTerm) }

// All returns both buckets, short-term first. The result is a fresh slice.
func (s *Store) All() []Memory {
	out := make([]Memory, 0, s.Len())
	out = append(out, s.ShortTerm...)
	out = append(out, s.LongTerm...)
	return out
}

func (s *Store) Validate() error {
	for _, m := range s.ShortTerm {
		if m.Bucket != BucketShortTerm {
			return fmt.Errorf("memory %s: bucket %q in short-term list", m.ID, m.Bucket)
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	for _, m := range s.LongTerm {
		if m.Bucket != BucketLongTerm {
			return fmt.Errorf("memory %s: bucket %q in long-term list", m.ID, m.Bucket)
		}
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Event describes something worth remembering, before it gets an id.
type Event struct {
	Type       Type
	Summary    string
	Source     Source
	Importance float64
}

// Append records ev in the short-term bucket and returns the stored memory.
func (s *Store) Append(agentID string, ev Event, tick uint64, pol Policy) Memory {
	imp := ev.Importance
	if imp < 0 {
		imp = 0
	}
	if imp > 1 {
		imp = 1
	}
	m := Memory{
		ID:                uuid.New().String(),
		AgentID:           agentID,
		Type:              ev.Type,
		Summary:           NormalizeSummary(ev.Summary),
		Source:            ev.Source,
		CreatedTick:       tick,
		Importance:        imp,
		Bucket:            BucketShortTerm,
		ExpiresAfterTicks: pol.ShortTermMaxAgeTicks,
	}
	s.ShortTerm = append(s.ShortTerm, m)
	return m
}

// NormalizeSummary collapses whitespace and puts the text in NFC so equal
// summaries compare equal when long-term entries are reinforced.
func NormalizeSummary(s string) string {
	return norm.NFC.String(strings.Join(strings.Fields(s), " "))
}

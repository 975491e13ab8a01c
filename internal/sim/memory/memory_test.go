package memory

import (
	"testing"
)

func appendAt(s *Store, tick uint64, typ Type, summary string, imp float64, pol Policy) Memory {
	return s.Append("ada", Event{Type: typ, Summary: summary, Source: Source{Kind: SourceSelf}, Importance: imp}, tick, pol)
}

func TestAppend_NormalizesAndAssignsID(t *testing.T) {
	var s Store
	pol := DefaultPolicy()
	m := appendAt(&s, 3, TypeObservation, "  arrived   at\tthe  market ", 1.5, pol)
	if m.ID == "" {
		t.Fatalf("expected id")
	}
	if m.Summary != "arrived at the market" {
		t.Fatalf("summary=%q", m.Summary)
	}
	if m.Importance != 1 {
		t.Fatalf("importance not clamped: %v", m.Importance)
	}
	if m.Bucket != BucketShortTerm || m.ExpiresAfterTicks != pol.ShortTermMaxAgeTicks {
		t.Fatalf("bucket fields: %+v", m)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// "é" composed vs decomposed must normalize to the same string.
	if NormalizeSummary("cafe\u0301") != NormalizeSummary("caf\u00e9") {
		t.Fatalf("NFC normalization mismatch")
	}
}

func TestPrune_ExpiresOldShortTerm(t *testing.T) {
	var s Store
	pol := DefaultPolicy()
	pol.ShortTermMaxAgeTicks = 10
	appendAt(&s, 0, TypeObservation, "old", 0.1, pol)
	appendAt(&s, 5, TypeObservation, "new", 0.1, pol)

	st := s.Prune(10, pol)
	if st.Expired != 0 || len(s.ShortTerm) != 2 {
		t.Fatalf("age == max must be kept: %+v", st)
	}
	st = s.Prune(11, pol)
	if st.Expired != 1 || len(s.ShortTerm) != 1 || s.ShortTerm[0].Summary != "new" {
		t.Fatalf("prune: stats=%+v short=%v", st, s.ShortTerm)
	}
	if len(s.LongTerm) != 0 {
		t.Fatalf("low-importance memory promoted")
	}
}

func TestPrune_CapKeepsMostRecentAndPromotes(t *testing.T) {
	var s Store
	pol := DefaultPolicy()
	pol.ShortTermMax = 2
	appendAt(&s, 1, TypeInteraction, "talked with bram", 0.9, pol)
	appendAt(&s, 2, TypeObservation, "saw a crow", 0.1, pol)
	appendAt(&s, 3, TypeTask, "farmed", 0.45, pol)
	appendAt(&s, 4, TypeTask, "rested", 0.45, pol)

	st := s.Prune(5, pol)
	if st.Evicted != 2 || st.Promoted != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if len(s.ShortTerm) != 2 || s.ShortTerm[0].Summary != "farmed" || s.ShortTerm[1].Summary != "rested" {
		t.Fatalf("short-term=%v", s.ShortTerm)
	}
	if len(s.LongTerm) != 1 {
		t.Fatalf("long-term=%v", s.LongTerm)
	}
	lt := s.LongTerm[0]
	if lt.Summary != "talked with bram" || lt.Bucket != BucketLongTerm || lt.Reinforcement != 1 || lt.ExpiresAfterTicks != 0 {
		t.Fatalf("promoted=%+v", lt)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestPrune_ReinforcesMatchingLongTerm(t *testing.T) {
	var s Store
	pol := DefaultPolicy()
	pol.ShortTermMax = 1
	appendAt(&s, 1, TypeInteraction, "talked with bram", 0.7, pol)
	appendAt(&s, 2, TypeObservation, "filler", 0.1, pol)
	s.Prune(2, pol)
	appendAt(&s, 3, TypeInteraction, "talked  with bram", 0.8, pol)
	appendAt(&s, 4, TypeObservation, "filler", 0.1, pol)

	st := s.Prune(4, pol)
	if st.Reinforced != 1 || st.Promoted != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if len(s.LongTerm) != 1 {
		t.Fatalf("long-term=%v", s.LongTerm)
	}
	lt := s.LongTerm[0]
	if lt.Reinforcement != 2 || lt.Importance != 0.8 || lt.CreatedTick != 3 {
		t.Fatalf("reinforced=%+v", lt)
	}
}

func TestPrune_DropsPromotionsBelowLongTermMin(t *testing.T) {
	var s Store
	pol := DefaultPolicy()
	pol.ShortTermMax = 1
	pol.PromotionThreshold = 0.2
	pol.LongTermMinImportance = 0.5
	appendAt(&s, 1, TypeObservation, "minor", 0.3, pol)
	appendAt(&s, 2, TypeObservation, "other", 0.3, pol)
	st := s.Prune(2, pol)
	if st.Dropped != 1 || len(s.LongTerm) != 0 {
		t.Fatalf("stats=%+v long=%v", st, s.LongTerm)
	}
}

func TestPrune_DropsExistingLongTermBelowRaisedMin(t *testing.T) {
	s := Store{LongTerm: []Memory{
		{ID: "a", AgentID: "ada", Type: TypeGoal, Summary: "keep", Source: Source{Kind: SourceSelf}, CreatedTick: 1, Importance: 0.8, Bucket: BucketLongTerm, Reinforcement: 1},
		{ID: "b", AgentID: "ada", Type: TypeGoal, Summary: "fade", Source: Source{Kind: SourceSelf}, CreatedTick: 2, Importance: 0.4, Bucket: BucketLongTerm, Reinforcement: 3},
	}}
	pol := DefaultPolicy()
	pol.LongTermMinImportance = 0.5
	st := s.Prune(10, pol)
	if st.Dropped != 1 || len(s.LongTerm) != 1 || s.LongTerm[0].ID != "a" {
		t.Fatalf("stats=%+v long=%v", st, s.LongTerm)
	}
}

func TestPrune_CapsLongTermByRank(t *testing.T) {
	s := Store{LongTerm: []Memory{
		{ID: "a", AgentID: "ada", Type: TypeGoal, Summary: "a", Source: Source{Kind: SourceSelf}, CreatedTick: 1, Importance: 0.9, Bucket: BucketLongTerm, Reinforcement: 1},
		{ID: "b", AgentID: "ada", Type: TypeGoal, Summary: "b", Source: Source{Kind: SourceSelf}, CreatedTick: 2, Importance: 0.4, Bucket: BucketLongTerm, Reinforcement: 1},
		{ID: "c", AgentID: "ada", Type: TypeGoal, Summary: "c", Source: Source{Kind: SourceSelf}, CreatedTick: 3, Importance: 0.9, Bucket: BucketLongTerm, Reinforcement: 1},
	}}
	pol := DefaultPolicy()
	pol.LongTermMax = 2
	st := s.Prune(10, pol)
	if st.Dropped != 1 || len(s.LongTerm) != 2 {
		t.Fatalf("stats=%+v long=%v", st, s.LongTerm)
	}
	if s.LongTerm[0].ID != "c" || s.LongTerm[1].ID != "a" {
		t.Fatalf("order=%s,%s", s.LongTerm[0].ID, s.LongTerm[1].ID)
	}
}

func TestRank_ImportanceThenRecency(t *testing.T) {
	in := []Memory{
		{ID: "x", Importance: 0.5, CreatedTick: 1},
		{ID: "y", Importance: 0.9, CreatedTick: 1},
		{ID: "z", Importance: 0.5, CreatedTick: 7},
		{ID: "w", Importance: 0.5, CreatedTick: 7},
	}
	got := Rank(in)
	want := []string{"y", "w", "z", "x"}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("rank[%d]=%s want %s", i, got[i].ID, id)
		}
	}
	if in[0].ID != "x" {
		t.Fatalf("Rank mutated input")
	}
}

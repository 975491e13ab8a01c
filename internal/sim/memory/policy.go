package memory

import (
	"fmt"
	"sort"
)

type Policy struct {
	ShortTermMax          int     `yaml:"short_term_max" toml:"short_term_max"`
	ShortTermMaxAgeTicks  uint64  `yaml:"short_term_max_age_ticks" toml:"short_term_max_age_ticks"`
	PromotionThreshold    float64 `yaml:"promotion_threshold" toml:"promotion_threshold"`
	LongTermMax           int     `yaml:"long_term_max" toml:"long_term_max"`
	LongTermMinImportance float64 `yaml:"long_term_min_importance" toml:"long_term_min_importance"`
}

func DefaultPolicy() Policy {
	return Policy{
		ShortTermMax:          24,
		ShortTermMaxAgeTicks:  720,
		PromotionThreshold:    0.6,
		LongTermMax:           64,
		LongTermMinImportance: 0.35,
	}
}

func (p Policy) Validate() error {
	if p.ShortTermMax <= 0 {
		return fmt.Errorf("memory policy: short_term_max must be > 0")
	}
	if p.ShortTermMaxAgeTicks == 0 {
		return fmt.Errorf("memory policy: short_term_max_age_ticks must be > 0")
	}
	if p.LongTermMax <= 0 {
		return fmt.Errorf("memory policy: long_term_max must be > 0")
	}
	if p.PromotionThreshold < 0 || p.PromotionThreshold > 1 {
		return fmt.Errorf("memory policy: promotion_threshold outside [0,1]")
	}
	if p.LongTermMinImportance < 0 || p.LongTermMinImportance > 1 {
		return fmt.Errorf("memory policy: long_term_min_importance outside [0,1]")
	}
	return nil
}

type PruneStats struct {
	Expired    int // aged out of short-term
	Evicted    int // pushed out by the short-term cap
	Promoted   int
	Reinforced int
	Dropped    int // long-term entries cut by the cap or below min importance
}

// Prune applies the retention policy at tick. Entries leaving short-term are
// considered for promotion; everything else that leaves is forgotten.
func (s *Store) Prune(tick uint64, pol Policy) PruneStats {
	var st PruneStats
	var leaving []Memory

	kept := s.ShortTerm[:0:0]
	for _, m := range s.ShortTerm {
		maxAge := m.ExpiresAfterTicks
		if maxAge == 0 {
			maxAge = pol.ShortTermMaxAgeTicks
		}
		if tick > m.CreatedTick && tick-m.CreatedTick > maxAge {
			leaving = append(leaving, m)
			st.Expired++
			continue
		}
		kept = append(kept, m)
	}
	if pol.ShortTermMax > 0 && len(kept) > pol.ShortTermMax {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].CreatedTick < kept[j].CreatedTick })
		over := len(kept) - pol.ShortTermMax
		leaving = append(leaving, kept[:over]...)
		st.Evicted += over
		kept = append([]Memory(nil), kept[over:]...)
	}
	s.ShortTerm = kept

	for _, m := range leaving {
		if m.Importance < pol.PromotionThreshold {
			continue
		}
		if m.Importance < pol.LongTermMinImportance {
			st.Dropped++
			continue
		}
		if i := s.findLongTerm(m.Type, m.Summary); i >= 0 {
			lt := &s.LongTerm[i]
			lt.Reinforcement++
			if m.Importance > lt.Importance {
				lt.Importance = m.Importance
			}
			if m.CreatedTick > lt.CreatedTick {
				lt.CreatedTick = m.CreatedTick
			}
			st.Reinforced++
			continue
		}
		m.Bucket = BucketLongTerm
		m.ExpiresAfterTicks = 0
		m.Reinforcement = 1
		s.LongTerm = append(s.LongTerm, m)
		st.Promoted++
	}

	// Existing long-term entries are held to the current minimum too, which
	// matters after a snapshot import or a retune that raises it.
	lt := s.LongTerm[:0:0]
	for _, m := range s.LongTerm {
		if m.Importance < pol.LongTermMinImportance {
			st.Dropped++
			continue
		}
		lt = append(lt, m)
	}
	s.LongTerm = lt

	if pol.LongTermMax > 0 && len(s.LongTerm) > pol.LongTermMax {
		ranked := Rank(s.LongTerm)
		st.Dropped += len(ranked) - pol.LongTermMax
		s.LongTerm = ranked[:pol.LongTermMax]
	}
	return st
}

func (s *Store) findLongTerm(t Type, summary string) int {
	for i, m := range s.LongTerm {
		if m.Type == t && m.Summary == summary {
			return i
		}
	}
	return -1
}

// Rank orders memories by importance desc, then newest first, then id.
// The input is not modified.
func Rank(ms []Memory) []Memory {
	out := append([]Memory(nil), ms...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		if a.CreatedTick != b.CreatedTick {
			return a.CreatedTick > b.CreatedTick
		}
		return a.ID < b.ID
	})
	return out
}

package schedule

import (
	"fmt"
	"sort"

	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/model"
)

// Index answers "what is this agent supposed to be doing at minute m".
type Index struct {
	entries []model.ScheduleEntry
}

func New(entries []model.ScheduleEntry) (*Index, error) {
	sorted := make([]model.ScheduleEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartMinute < sorted[j].StartMinute })

	for i, e := range sorted {
		if e.StartMinute < 0 || e.StartMinute >= clock.MinutesPerDay {
			return nil, fmt.Errorf("schedule entry %d: start minute %d out of range", i, e.StartMinute)
		}
		if !model.IsKnownAction(e.Action) {
			return nil, fmt.Errorf("schedule entry at %s: unknown action %q", clock.FormatMinute(e.StartMinute), e.Action)
		}
		if i > 0 && sorted[i-1].StartMinute == e.StartMinute {
			return nil, fmt.Errorf("schedule: duplicate start minute %s", clock.FormatMinute(e.StartMinute))
		}
	}
	return &Index{entries: sorted}, nil
}

// SlotAt returns the index of the latest entry starting at or before minute, or -1.
func (ix *Index) SlotAt(minute int) int {
	if ix == nil {
		return -1
	}
	// First entry with StartMinute > minute; the one before it is active.
	n := sort.Search(len(ix.entries), func(i int) bool { return ix.entries[i].StartMinute > minute })
	return n - 1
}

func (ix *Index) Resolve(minute int) model.ActiveTask {
	slot := ix.SlotAt(minute)
	if slot < 0 {
		return model.IdleTask()
	}
	e := ix.entries[slot]
	return model.ActiveTask{Action: e.Action, Target: e.Target, Provenance: model.ProvenanceSchedule}
}

func (ix *Index) Entries() []model.ScheduleEntry {
	if ix == nil {
		return nil
	}
	out := make([]model.ScheduleEntry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}

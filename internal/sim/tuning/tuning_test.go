package tuning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"villagesim.ai/internal/sim/model"
)

func TestDefaultsValidate(t *testing.T) {
	d := Defaults()
	if err := d.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	durs := d.Durations()
	if durs[model.ActionFarm] != 30 || durs[model.ActionChat] != 10 || durs[model.ActionShop] != 15 || durs[model.ActionRest] != 60 || durs[model.ActionWalk] != 0 {
		t.Fatalf("durations=%v", durs)
	}
	if d.Memory.ShortTermMax != 24 || d.ContextBudget != 180 || d.RouteCacheCapacity != 256 {
		t.Fatalf("defaults=%+v", d)
	}
}

func TestParse_YAMLOverridesDefaults(t *testing.T) {
	tu, err := Parse(".yaml", []byte(`
minutes_per_tick: 5
action_durations:
  farm: 12
memory:
  short_term_max: 8
replan:
  max_per_tick: 4
  cadence_ticks: 15
  timeout_ms: 1500
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tu.MinutesPerTick != 5 || tu.Durations()[model.ActionFarm] != 12 || tu.Memory.ShortTermMax != 8 {
		t.Fatalf("tuning=%+v", tu)
	}
	if tu.Memory.LongTermMax != 64 {
		t.Fatalf("unset memory field lost its default: %+v", tu.Memory)
	}
	rc := tu.ReplanConfig()
	if rc.MaxPerTick != 4 || rc.CadenceTicks != 15 || rc.Timeout != 1500*time.Millisecond {
		t.Fatalf("replan=%+v", rc)
	}
	if tu.Clock().MinutesPerTick != 5 {
		t.Fatalf("clock=%+v", tu.Clock())
	}
}

func TestParse_TOML(t *testing.T) {
	tu, err := Parse(".toml", []byte(`
tick_duration_ms = 50
context_budget = 90

[action_durations]
rest = 20

[replan]
max_per_tick = 3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tu.TickDuration() != 50*time.Millisecond || tu.ContextBudget != 90 || tu.Durations()[model.ActionRest] != 20 || tu.Replan.MaxPerTick != 3 {
		t.Fatalf("tuning=%+v", tu)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string][]byte{
		".yaml": []byte("minutes_per_tick: 0\n"),
		".yml":  []byte("nonsense_key: 1\n"),
		".toml": []byte("bogus = 1\n"),
		".json": []byte("{}"),
	}
	for ext, raw := range cases {
		if _, err := Parse(ext, raw); err == nil {
			t.Fatalf("%s: expected error for %q", ext, raw)
		}
	}
	if _, err := Parse(".yaml", []byte("action_durations:\n  dance: 3\n")); err == nil {
		t.Fatalf("expected unknown action error")
	}
}

func TestParse_EmptyYAMLIsDefaults(t *testing.T) {
	tu, err := Parse(".yaml", nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tu.MinutesPerTick != Defaults().MinutesPerTick {
		t.Fatalf("tuning=%+v", tu)
	}
}

func TestWatch_ReloadsValidEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	if err := os.WriteFile(path, []byte("minutes_per_tick: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Tuning, 8)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(tu Tuning) { got <- tu }) }()

	deadline := time.After(5 * time.Second)
	for {
		// Keep rewriting until the watcher has started and observed an edit.
		if err := os.WriteFile(path, []byte("minutes_per_tick: 3\n"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		select {
		case tu := <-got:
			// A truncated intermediate write reloads as defaults; wait for the real edit.
			if tu.MinutesPerTick != 3 {
				continue
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watch: %v", err)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestLoadShippedTuning(t *testing.T) {
	if _, err := Load(filepath.Join("..", "..", "..", "configs", "tuning.yaml")); err != nil {
		t.Fatalf("load: %v", err)
	}
}

package tuning

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"villagesim.ai/internal/sim/action"
	"villagesim.ai/internal/sim/clock"
	"villagesim.ai/internal/sim/memory"
	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/promptctx"
	"villagesim.ai/internal/sim/replan"
)

type Tuning struct {
	MinutesPerTick     int    `yaml:"minutes_per_tick" toml:"minutes_per_tick"`
	StartMinute        int    `yaml:"start_minute" toml:"start_minute"`
	TickDurationMs     int    `yaml:"tick_duration_ms" toml:"tick_duration_ms"`
	SnapshotEveryTicks uint64 `yaml:"snapshot_every_ticks" toml:"snapshot_every_ticks"`
	RouteCacheCapacity int    `yaml:"route_cache_capacity" toml:"route_cache_capacity"`
	ContextBudget      int    `yaml:"context_budget" toml:"context_budget"`
	PruneEveryTicks    uint64 `yaml:"prune_every_ticks" toml:"prune_every_ticks"`

	// Ticks per action once the agent stands at its target. Missing actions take zero ticks.
	ActionDurations map[string]uint64 `yaml:"action_durations" toml:"action_durations"`

	Memory memory.Policy `yaml:"memory" toml:"memory"`
	Replan Replan        `yaml:"replan" toml:"replan"`
}

type Replan struct {
	MaxPerTick   int    `yaml:"max_per_tick" toml:"max_per_tick"`
	CadenceTicks uint64 `yaml:"cadence_ticks" toml:"cadence_ticks"`
	TimeoutMs    int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

func Defaults() Tuning {
	durs := map[string]uint64{}
	for a, d := range action.DefaultDurations() {
		durs[string(a)] = d
	}
	rc := replan.DefaultConfig()
	return Tuning{
		MinutesPerTick:     1,
		StartMinute:        6 * 60,
		TickDurationMs:     200,
		SnapshotEveryTicks: 300,
		RouteCacheCapacity: 256,
		ContextBudget:      promptctx.DefaultBudget,
		PruneEveryTicks:    10,
		ActionDurations:    durs,
		Memory:             memory.DefaultPolicy(),
		Replan: Replan{
			MaxPerTick:   rc.MaxPerTick,
			CadenceTicks: rc.CadenceTicks,
			TimeoutMs:    int(rc.Timeout / time.Millisecond),
		},
	}
}

// Load reads a yaml or toml file (by extension) over Defaults.
func Load(path string) (Tuning, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, err
	}
	return Parse(filepath.Ext(path), raw)
}

func Parse(ext string, raw []byte) (Tuning, error) {
	t := Defaults()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
			return Tuning{}, fmt.Errorf("tuning yaml: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(raw), &t)
		if err != nil {
			return Tuning{}, fmt.Errorf("tuning toml: %w", err)
		}
		if undec := md.Undecoded(); len(undec) > 0 {
			return Tuning{}, fmt.Errorf("tuning toml: unknown key %s", undec[0])
		}
	default:
		return Tuning{}, fmt.Errorf("tuning: unsupported extension %q", ext)
	}
	if err := t.Validate(); err != nil {
		return Tuning{}, err
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.MinutesPerTick <= 0 {
		return fmt.Errorf("tuning: minutes_per_tick must be > 0")
	}
	if t.StartMinute < 0 || t.StartMinute >= clock.MinutesPerDay {
		return fmt.Errorf("tuning: start_minute %d out of range", t.StartMinute)
	}
	if t.TickDurationMs <= 0 {
		return fmt.Errorf("tuning: tick_duration_ms must be > 0")
	}
	if t.RouteCacheCapacity <= 0 {
		return fmt.Errorf("tuning: route_cache_capacity must be > 0")
	}
	if t.ContextBudget <= 0 {
		return fmt.Errorf("tuning: context_budget must be > 0")
	}
	for name := range t.ActionDurations {
		if !model.IsKnownAction(model.ActionType(name)) {
			return fmt.Errorf("tuning: action_durations: unknown action %q", name)
		}
	}
	if err := t.Memory.Validate(); err != nil {
		return fmt.Errorf("tuning: %w", err)
	}
	if t.Replan.MaxPerTick <= 0 {
		return fmt.Errorf("tuning: replan.max_per_tick must be > 0")
	}
	if t.Replan.TimeoutMs < 0 {
		return fmt.Errorf("tuning: replan.timeout_ms must be >= 0")
	}
	return nil
}

func (t Tuning) Clock() clock.Clock {
	return clock.Clock{MinutesPerTick: t.MinutesPerTick, StartMinute: t.StartMinute}
}

func (t Tuning) TickDuration() time.Duration {
	return time.Duration(t.TickDurationMs) * time.Millisecond
}

func (t Tuning) Durations() action.Durations {
	d := make(action.Durations, len(t.ActionDurations))
	for name, ticks := range t.ActionDurations {
		d[model.ActionType(name)] = ticks
	}
	return d
}

func (t Tuning) ReplanConfig() replan.Config {
	return replan.Config{
		MaxPerTick:   t.Replan.MaxPerTick,
		CadenceTicks: t.Replan.CadenceTicks,
		Timeout:      time.Duration(t.Replan.TimeoutMs) * time.Millisecond,
	}
}

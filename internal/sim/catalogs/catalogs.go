package catalogs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"villagesim.ai/internal/sim/model"
	"villagesim.ai/internal/sim/schedule"
)

// Catalogs is the static, hand-authored village data.
type Catalogs struct {
	Village VillageCatalog
	Agents  AgentCatalog
}

type VillageCatalog struct {
	Name      string
	Grid      *model.Grid
	Landmarks map[string]model.TileID
	Digest    string
}

type AgentCatalog struct {
	List   []model.Agent
	ByID   map[string]model.Agent
	Digest string
}

type villageFile struct {
	Name      string            `yaml:"name"`
	Legend    map[string]string `yaml:"legend"`
	Rows      []string          `yaml:"rows"`
	Blocked   []string          `yaml:"blocked"`
	Landmarks map[string]string `yaml:"landmarks"`
}

type agentsFile struct {
	Agents []agentDef `yaml:"agents"`
}

type agentDef struct {
	ID       string             `yaml:"id"`
	Name     string             `yaml:"name"`
	Home     string             `yaml:"home"`
	Role     string             `yaml:"role"`
	Mood     string             `yaml:"mood"`
	Traits   map[string]float64 `yaml:"traits"`
	Schedule []scheduleDef      `yaml:"schedule"`
}

type scheduleDef struct {
	At     string `yaml:"at"`
	Action string `yaml:"action"`
	Target string `yaml:"target"`
}

var walkableTypes = map[model.TileType]bool{
	model.TileGrass:  true,
	model.TilePath:   true,
	model.TileField:  true,
	model.TileMarket: true,
	model.TileHouse:  true,
	model.TilePlaza:  true,
	model.TileWater:  false,
	model.TileTree:   false,
	model.TileWall:   false,
}

func Load(configDir string) (*Catalogs, error) {
	var c Catalogs
	if err := loadVillage(filepath.Join(configDir, "village.yaml"), &c.Village); err != nil {
		return nil, err
	}
	if err := loadAgents(filepath.Join(configDir, "agents.yaml"), c.Village, &c.Agents); err != nil {
		return nil, err
	}
	return &c, nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func loadVillage(path string, out *VillageCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var vf villageFile
	if err := yaml.Unmarshal(raw, &vf); err != nil {
		return fmt.Errorf("village.yaml: %w", err)
	}
	grid, err := ParseGrid(vf.Legend, vf.Rows, vf.Blocked)
	if err != nil {
		return fmt.Errorf("village.yaml: %w", err)
	}
	out.Name = vf.Name
	out.Grid = grid
	out.Landmarks = map[string]model.TileID{}
	for name, id := range vf.Landmarks {
		tid := model.TileID(id)
		if _, ok := grid.Tile(tid); !ok {
			return fmt.Errorf("village.yaml: landmark %s: unknown tile %s", name, id)
		}
		out.Landmarks[name] = tid
	}
	return nil
}

// ParseGrid builds a grid from ASCII rows. Row 0 is y=0; each rune maps to a
// tile type through legend. Tiles listed in blocked are made unwalkable.
func ParseGrid(legend map[string]string, rows []string, blocked []string) (*model.Grid, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("map has no rows")
	}
	types := make(map[rune]model.TileType, len(legend))
	for sym, name := range legend {
		r := []rune(sym)
		if len(r) != 1 {
			return nil, fmt.Errorf("legend key %q must be one character", sym)
		}
		tt := model.TileType(name)
		if _, ok := walkableTypes[tt]; !ok {
			return nil, fmt.Errorf("legend %q: unknown tile type %q", sym, name)
		}
		types[r[0]] = tt
	}
	block := make(map[model.TileID]bool, len(blocked))
	for _, id := range blocked {
		block[model.TileID(id)] = true
	}

	width := len([]rune(rows[0]))
	var tiles []model.Tile
	for y, row := range rows {
		rs := []rune(row)
		if len(rs) != width {
			return nil, fmt.Errorf("row %d has width %d, want %d", y, len(rs), width)
		}
		for x, r := range rs {
			tt, ok := types[r]
			if !ok {
				return nil, fmt.Errorf("row %d col %d: symbol %q not in legend", y, x, r)
			}
			t := model.Tile{X: x, Y: y, Type: tt, Walkable: walkableTypes[tt]}
			if block[t.ID()] {
				t.Walkable = false
			}
			tiles = append(tiles, t)
		}
	}
	return model.NewGrid(width, len(rows), tiles)
}

func loadAgents(path string, village VillageCatalog, out *AgentCatalog) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	out.Digest = sha256Hex(raw)

	var af agentsFile
	if err := yaml.Unmarshal(raw, &af); err != nil {
		return fmt.Errorf("agents.yaml: %w", err)
	}
	out.ByID = map[string]model.Agent{}
	for _, d := range af.Agents {
		a, err := d.toAgent(village)
		if err != nil {
			return fmt.Errorf("agents.yaml: %w", err)
		}
		if _, dup := out.ByID[a.ID]; dup {
			return fmt.Errorf("agents.yaml: duplicate agent %s", a.ID)
		}
		out.ByID[a.ID] = a
		out.List = append(out.List, a)
	}
	sort.Slice(out.List, func(i, j int) bool { return out.List[i].ID < out.List[j].ID })
	return nil
}

// resolveTile accepts either an "x,y" id or a landmark name.
func resolveTile(ref string, village VillageCatalog) (model.TileID, error) {
	if id, ok := village.Landmarks[ref]; ok {
		return id, nil
	}
	id := model.TileID(ref)
	t, ok := village.Grid.Tile(id)
	if !ok {
		return "", fmt.Errorf("unknown tile %q", ref)
	}
	if !t.Walkable {
		return "", fmt.Errorf("tile %s is not walkable", id)
	}
	return id, nil
}

func (d agentDef) toAgent(village VillageCatalog) (model.Agent, error) {
	a := model.Agent{
		ID:     d.ID,
		Name:   d.Name,
		Role:   model.Role(d.Role),
		Mood:   d.Mood,
		Traits: d.Traits,
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	home, err := resolveTile(d.Home, village)
	if err != nil {
		return a, fmt.Errorf("agent %s home: %w", d.ID, err)
	}
	a.Home = home
	for _, s := range d.Schedule {
		minute, err := ParseClock(s.At)
		if err != nil {
			return a, fmt.Errorf("agent %s schedule: %w", d.ID, err)
		}
		e := model.ScheduleEntry{StartMinute: minute, Action: model.ActionType(s.Action)}
		if s.Target != "" {
			if e.Target, err = resolveTile(s.Target, village); err != nil {
				return a, fmt.Errorf("agent %s schedule %s: %w", d.ID, s.At, err)
			}
		}
		a.Schedule = append(a.Schedule, e)
	}
	if err := a.Validate(); err != nil {
		return a, err
	}
	if _, err := schedule.New(a.Schedule); err != nil {
		return a, fmt.Errorf("agent %s: %w", d.ID, err)
	}
	return a, nil
}

// ParseClock parses "HH:MM" into a minute of day.
func ParseClock(s string) (int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	h, err1 := strconv.Atoi(hs)
	m, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad time %q, want HH:MM", s)
	}
	return h*60 + m, nil
}

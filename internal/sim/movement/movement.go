package movement

import (
	"errors"
	"fmt"

	"villagesim.ai/internal/sim/model"
)

var ErrEmptyPath = errors.New("movement: empty path")

// Component tracks an agent walking along an assigned path, one tile per tick.
// Path[0] is the position at assignment time.
type Component struct {
	Path        []model.TileID
	PathIndex   int
	LastTick    uint64
	ArrivalTick *uint64
}

type Event struct {
	Moved       int
	Arrived     bool
	ArrivalTick uint64
	Tile        model.TileID
}

func New(at model.TileID, tick uint64) Component {
	arrived := tick
	return Component{Path: []model.TileID{at}, LastTick: tick, ArrivalTick: &arrived}
}

func (c *Component) validate() error {
	if len(c.Path) == 0 {
		return ErrEmptyPath
	}
	if c.PathIndex < 0 || c.PathIndex >= len(c.Path) {
		return fmt.Errorf("movement: path index %d outside [0,%d]", c.PathIndex, len(c.Path)-1)
	}
	return nil
}

func (c *Component) Position() model.TileID {
	if len(c.Path) == 0 {
		return ""
	}
	return c.Path[c.PathIndex]
}

func (c *Component) Destination() model.TileID {
	if len(c.Path) == 0 {
		return ""
	}
	return c.Path[len(c.Path)-1]
}

func (c *Component) AtDestination() bool {
	return len(c.Path) > 0 && c.PathIndex == len(c.Path)-1
}

func (c *Component) Remaining() []model.TileID {
	if len(c.Path) == 0 {
		return nil
	}
	return c.Path[c.PathIndex:]
}

// AssignPath replaces the path. A single-tile path counts as already arrived.
func AssignPath(c *Component, path []model.TileID, tick uint64) error {
	if len(path) == 0 {
		return ErrEmptyPath
	}
	p := make([]model.TileID, len(path))
	copy(p, path)
	c.Path = p
	c.PathIndex = 0
	c.LastTick = tick
	c.ArrivalTick = nil
	if len(p) == 1 {
		at := tick
		c.ArrivalTick = &at
	}
	return nil
}

// Advance moves the component forward by the ticks elapsed since LastTick. It reports
// Arrived exactly once per path assignment, on the tick the end is first reached.
func Advance(c *Component, tick uint64) (Event, error) {
	if err := c.validate(); err != nil {
		return Event{}, err
	}
	if tick <= c.LastTick {
		return Event{Tile: c.Position()}, nil
	}
	if len(c.Path) <= 1 {
		c.LastTick = tick
		return Event{Tile: c.Position()}, nil
	}

	delta := tick - c.LastTick
	remaining := uint64(len(c.Path) - 1 - c.PathIndex)
	step := delta
	if step > remaining {
		step = remaining
	}
	ev := Event{Moved: int(step)}
	if remaining > 0 && delta >= remaining && c.ArrivalTick == nil {
		at := c.LastTick + remaining
		c.ArrivalTick = &at
		ev.Arrived = true
		ev.ArrivalTick = at
	}
	c.PathIndex += int(step)
	c.LastTick = tick
	ev.Tile = c.Position()
	return ev, nil
}

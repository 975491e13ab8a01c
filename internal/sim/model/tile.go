package model

import (
	"fmt"
	"strconv"
	"strings"
)

type TileType string

const (
	TileGrass  TileType = "grass"
	TilePath   TileType = "path"
	TileField  TileType = "field"
	TileMarket TileType = "market"
	TileHouse  TileType = "house"
	TilePlaza  TileType = "plaza"
	TileWater  TileType = "water"
	TileTree   TileType = "tree"
	TileWall   TileType = "wall"
)

// TileID is the canonical "x,y" key of a tile.
type TileID string

func MakeTileID(x, y int) TileID {
	return TileID(strconv.Itoa(x) + "," + strconv.Itoa(y))
}

func (id TileID) XY() (int, int, error) {
	xs, ys, ok := strings.Cut(string(id), ",")
	if !ok {
		return 0, 0, fmt.Errorf("bad tile id %q", id)
	}
	x, err := strconv.Atoi(xs)
	if err != nil {
		return 0, 0, fmt.Errorf("bad tile id %q: %w", id, err)
	}
	y, err := strconv.Atoi(ys)
	if err != nil {
		return 0, 0, fmt.Errorf("bad tile id %q: %w", id, err)
	}
	return x, y, nil
}

type Tile struct {
	X        int
	Y        int
	Type     TileType
	Walkable bool
}

func (t Tile) ID() TileID { return MakeTileID(t.X, t.Y) }

// Grid is generated once and treated as read-only afterwards.
type Grid struct {
	Width  int
	Height int
	tiles  []Tile
	index  map[TileID]int
}

func NewGrid(width, height int, tiles []Tile) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("grid size %dx%d", width, height)
	}
	g := &Grid{
		Width:  width,
		Height: height,
		tiles:  make([]Tile, 0, len(tiles)),
		index:  make(map[TileID]int, len(tiles)),
	}
	for _, t := range tiles {
		if t.X < 0 || t.Y < 0 || t.X >= width || t.Y >= height {
			return nil, fmt.Errorf("tile %d,%d outside %dx%d grid", t.X, t.Y, width, height)
		}
		id := t.ID()
		if _, dup := g.index[id]; dup {
			return nil, fmt.Errorf("duplicate tile %s", id)
		}
		g.index[id] = len(g.tiles)
		g.tiles = append(g.tiles, t)
	}
	return g, nil
}

func (g *Grid) Tile(id TileID) (Tile, bool) {
	i, ok := g.index[id]
	if !ok {
		return Tile{}, false
	}
	return g.tiles[i], true
}

func (g *Grid) TileAt(x, y int) (Tile, bool) {
	return g.Tile(MakeTileID(x, y))
}

// Tiles returns the tiles in construction order. Callers must not mutate the result.
func (g *Grid) Tiles() []Tile { return g.tiles }

func (g *Grid) Len() int { return len(g.tiles) }

func Manhattan(a, b Tile) int {
	return abs(a.X-b.X) + abs(a.Y-b.Y)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

package pathfind

import "villagesim.ai/internal/sim/model"

// Fixed neighbor order keeps search results deterministic.
var dirs = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

type graph struct {
	tiles     map[model.TileID]model.Tile
	neighbors map[model.TileID][]model.TileID
}

func buildGraph(g *model.Grid) *graph {
	gr := &graph{
		tiles:     make(map[model.TileID]model.Tile, g.Len()),
		neighbors: make(map[model.TileID][]model.TileID, g.Len()),
	}
	for _, t := range g.Tiles() {
		gr.tiles[t.ID()] = t
	}
	for _, t := range g.Tiles() {
		adj := make([]model.TileID, 0, 4)
		for _, d := range dirs {
			n, ok := g.TileAt(t.X+d[0], t.Y+d[1])
			if !ok || !n.Walkable {
				continue
			}
			adj = append(adj, n.ID())
		}
		gr.neighbors[t.ID()] = adj
	}
	return gr
}

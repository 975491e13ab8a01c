package pathfind

import (
	"container/heap"

	"villagesim.ai/internal/sim/model"
)

type node struct {
	id    model.TileID
	g     int
	f     int
	h     int
	seq   uint64
	index int
}

type openSet []*node

func (pq openSet) Len() int { return len(pq) }
func (pq openSet) Less(i, j int) bool {
	if pq[i].f != pq[j].f {
		return pq[i].f < pq[j].f
	}
	if pq[i].h != pq[j].h {
		return pq[i].h < pq[j].h
	}
	return pq[i].seq < pq[j].seq
}
func (pq openSet) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *openSet) Push(x any) {
	n := x.(*node)
	n.index = len(*pq)
	*pq = append(*pq, n)
}
func (pq *openSet) Pop() any {
	old := *pq
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.index = -1
	*pq = old[:last]
	return n
}

// astar searches the unit-cost 4-connected graph with a Manhattan heuristic, which is
// admissible and consistent here, so the first pop of dest yields a shortest path.
func (gr *graph) astar(start, dest model.TileID, blocked map[model.TileID]struct{}) ([]model.TileID, bool) {
	goal := gr.tiles[dest]
	heuristic := func(id model.TileID) int { return model.Manhattan(gr.tiles[id], goal) }

	var seq uint64
	open := &openSet{}
	heap.Init(open)
	best := map[model.TileID]int{start: 0}
	cameFrom := map[model.TileID]model.TileID{}
	closed := map[model.TileID]struct{}{}

	h0 := heuristic(start)
	heap.Push(open, &node{id: start, g: 0, h: h0, f: h0, seq: seq})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*node)
		if _, done := closed[cur.id]; done {
			continue
		}
		if cur.id == dest {
			return reconstruct(cameFrom, start, dest), true
		}
		closed[cur.id] = struct{}{}

		for _, next := range gr.neighbors[cur.id] {
			if _, done := closed[next]; done {
				continue
			}
			if _, isBlocked := blocked[next]; isBlocked {
				continue
			}
			g := cur.g + 1
			if old, seen := best[next]; seen && g >= old {
				continue
			}
			best[next] = g
			cameFrom[next] = cur.id
			seq++
			h := heuristic(next)
			heap.Push(open, &node{id: next, g: g, h: h, f: g + h, seq: seq})
		}
	}
	return nil, false
}

func reconstruct(cameFrom map[model.TileID]model.TileID, start, dest model.TileID) []model.TileID {
	path := []model.TileID{dest}
	for cur := dest; cur != start; {
		cur = cameFrom[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

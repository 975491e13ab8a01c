package pathfind

import (
	"sort"
	"strings"

	"villagesim.ai/internal/sim/model"
)

type Reason string

const (
	ReasonUnknownStart       Reason = "unknown-start"
	ReasonUnknownDestination Reason = "unknown-destination"
	ReasonBlockedStart       Reason = "blocked-start"
	ReasonBlockedDestination Reason = "blocked-destination"
	ReasonNoRoute            Reason = "no-route"
)

// Result is either a found path (Reason empty) or an unreachable outcome.
type Result struct {
	Path      []model.TileID
	FromCache bool
	Reason    Reason
}

func (r Result) Found() bool { return r.Reason == "" }

type Service struct {
	graph *graph
	cache *routeCache
}

func New(grid *model.Grid, cacheCapacity int) *Service {
	return &Service{
		graph: buildGraph(grid),
		cache: newRouteCache(cacheCapacity),
	}
}

// Neighbors returns the walkable 4-neighbors of id.
func (s *Service) Neighbors(id model.TileID) []model.TileID {
	return clonePath(s.graph.neighbors[id])
}

func (s *Service) FindPath(start, dest model.TileID, blocked []model.TileID) Result {
	startTile, ok := s.graph.tiles[start]
	if !ok {
		return Result{Reason: ReasonUnknownStart}
	}
	destTile, ok := s.graph.tiles[dest]
	if !ok {
		return Result{Reason: ReasonUnknownDestination}
	}
	if start == dest {
		return Result{Path: []model.TileID{start}}
	}

	blockedSet := make(map[model.TileID]struct{}, len(blocked))
	for _, b := range blocked {
		blockedSet[b] = struct{}{}
	}
	if _, isBlocked := blockedSet[start]; isBlocked || !startTile.Walkable {
		return Result{Reason: ReasonBlockedStart}
	}
	if _, isBlocked := blockedSet[dest]; isBlocked || !destTile.Walkable {
		return Result{Reason: ReasonBlockedDestination}
	}

	key := cacheKey(start, dest, blockedSet)
	if path, hit := s.cache.get(key); hit {
		return Result{Path: path, FromCache: true}
	}

	path, found := s.graph.astar(start, dest, blockedSet)
	if !found {
		return Result{Reason: ReasonNoRoute}
	}
	s.cache.put(key, path)
	return Result{Path: path}
}

func (s *Service) CacheStats() CacheStats { return s.cache.stats() }

func cacheKey(start, dest model.TileID, blocked map[model.TileID]struct{}) string {
	ids := make([]string, 0, len(blocked))
	for id := range blocked {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString(string(start))
	b.WriteString("->")
	b.WriteString(string(dest))
	b.WriteByte('|')
	b.WriteString(strings.Join(ids, ";"))
	return b.String()
}

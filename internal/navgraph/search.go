package navgraph

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/patrickmn/go-cache"
)

type route struct {
	path Path
	cost float64
}

// ShortestPath returns the minimum-weight path from start to goal using A*.
// Among frontier entries with equal f-cost the one pushed first is expanded
// first, so repeated calls on the same graph return the same path.
func (g *Graph) ShortestPath(start, goal VertexID) (Path, error) {
	r, err := g.route(start, goal)
	if err != nil {
		return nil, err
	}
	return append(Path(nil), r.path...), nil
}

// Distance returns the cost of the shortest path from start to goal.
func (g *Graph) Distance(start, goal VertexID) (float64, error) {
	r, err := g.route(start, goal)
	if err != nil {
		return 0, err
	}
	return r.cost, nil
}

func (g *Graph) route(start, goal VertexID) (route, error) {
	if err := g.checkVertices(start, goal); err != nil {
		return route{}, err
	}
	key := string(start) + "|" + string(goal)
	if v, ok := g.paths.Get(key); ok {
		return v.(route), nil
	}
	r, ok := g.astar(start, goal)
	if !ok {
		return route{}, fmt.Errorf("%w: %s -> %s", ErrNoPathFound, start, goal)
	}
	g.paths.Set(key, r, cache.DefaultExpiration)
	return r, nil
}

func (g *Graph) checkVertices(ids ...VertexID) error {
	for _, id := range ids {
		if _, ok := g.vertices[id]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownVertex, id)
		}
	}
	return nil
}

func (g *Graph) astar(start, goal VertexID) (route, bool) {
	gScore := map[VertexID]float64{start: 0}
	prev := make(map[VertexID]VertexID)
	closed := make(map[VertexID]bool)

	pq := &frontier{}
	seq := 0
	heap.Push(pq, &item{vertex: start, priority: g.heuristic(start, goal), seq: seq})

	for pq.Len() > 0 {
		u := heap.Pop(pq).(*item).vertex
		if closed[u] {
			continue
		}
		if u == goal {
			return route{path: walkBack(prev, start, goal), cost: gScore[goal]}, true
		}
		closed[u] = true
		for _, l := range g.adj[u] {
			if closed[l.To] {
				continue
			}
			alt := gScore[u] + l.Weight
			if old, seen := gScore[l.To]; seen && alt >= old {
				continue
			}
			gScore[l.To] = alt
			prev[l.To] = u
			seq++
			heap.Push(pq, &item{vertex: l.To, priority: alt + g.heuristic(l.To, goal), seq: seq})
		}
	}
	return route{}, false
}

func walkBack(prev map[VertexID]VertexID, start, goal VertexID) Path {
	var p Path
	for v := goal; ; v = prev[v] {
		p = append(p, v)
		if v == start {
			break
		}
	}
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
	return p
}

// Avoid lists vertices and lanes an alternate path must not use.
type Avoid struct {
	Vertices []VertexID
	Lanes    []LaneID
}

// AlternatePath finds any feasible path from start to goal that uses none of
// the avoided vertices or lanes. The start vertex is never excluded. It is a
// depth-first search that tries cheaper-looking lanes first; the result is
// feasible, not necessarily shortest.
func (g *Graph) AlternatePath(start, goal VertexID, avoid Avoid) (Path, error) {
	if err := g.checkVertices(start, goal); err != nil {
		return nil, err
	}
	blockedV := make(map[VertexID]bool, len(avoid.Vertices))
	for _, v := range avoid.Vertices {
		if v != start {
			blockedV[v] = true
		}
	}
	blockedL := make(map[LaneID]bool, len(avoid.Lanes))
	for _, l := range avoid.Lanes {
		blockedL[l] = true
	}

	visited := map[VertexID]bool{start: true}
	path := Path{start}
	var dfs func(u VertexID) bool
	dfs = func(u VertexID) bool {
		if u == goal {
			return true
		}
		for _, l := range g.orderedNeighbors(u, goal) {
			if visited[l.To] || blockedV[l.To] || blockedL[l.ID()] {
				continue
			}
			visited[l.To] = true
			path = append(path, l.To)
			if dfs(l.To) {
				return true
			}
			path = path[:len(path)-1]
		}
		return false
	}
	if !dfs(start) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoAlternateFound, start, goal)
	}
	return path, nil
}

func (g *Graph) orderedNeighbors(u, goal VertexID) []Lane {
	out := g.Neighbors(u)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight+g.heuristic(out[i].To, goal) < out[j].Weight+g.heuristic(out[j].To, goal)
	})
	return out
}

// NearestChargingStation returns the reachable charging station with the
// lowest path cost from `from` and that cost. A station at `from` wins at cost
// zero. Ties go to the station loaded first.
func (g *Graph) NearestChargingStation(from VertexID) (VertexID, float64, error) {
	if err := g.checkVertices(from); err != nil {
		return "", 0, err
	}
	dist := g.costsFrom(from)
	best, bestCost := VertexID(""), math.Inf(1)
	for _, id := range g.order {
		if !g.vertices[id].ChargingStation {
			continue
		}
		if d, ok := dist[id]; ok && d < bestCost {
			best, bestCost = id, d
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("%w from %s", ErrNoStationReachable, from)
	}
	return best, bestCost, nil
}

// costsFrom runs Dijkstra from src and returns the cost to every reachable vertex.
func (g *Graph) costsFrom(src VertexID) map[VertexID]float64 {
	dist := map[VertexID]float64{src: 0}
	done := make(map[VertexID]bool)
	pq := &frontier{}
	seq := 0
	heap.Push(pq, &item{vertex: src, priority: 0})
	for pq.Len() > 0 {
		u := heap.Pop(pq).(*item).vertex
		if done[u] {
			continue
		}
		done[u] = true
		for _, l := range g.adj[u] {
			alt := dist[u] + l.Weight
			if old, seen := dist[l.To]; seen && alt >= old {
				continue
			}
			dist[l.To] = alt
			seq++
			heap.Push(pq, &item{vertex: l.To, priority: alt, seq: seq})
		}
	}
	return dist
}

type item struct {
	vertex   VertexID
	priority float64
	seq      int
}

// frontier orders by priority, then by push order.
type frontier []*item

func (pq frontier) Len() int { return len(pq) }
func (pq frontier) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].seq < pq[j].seq
}
func (pq frontier) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *frontier) Push(x interface{}) { *pq = append(*pq, x.(*item)) }
func (pq *frontier) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	*pq = old[:n-1]
	return it
}

// Package navgraph holds the immutable navigation map: vertices, directed lanes,
// and the path queries agents plan with (A* shortest path, DFS alternates,
// nearest charging station).
package navgraph

import (
	"fmt"
	"math"

	"github.com/patrickmn/go-cache"
)

// VertexID identifies a navigable point on the map.
type VertexID string

// Vertex is a navigable point. Immutable once the graph is built.
type Vertex struct {
	ID              VertexID `json:"id"`
	Name            string   `json:"name,omitempty"`
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	ChargingStation bool     `json:"charging_station"`
}

// LaneID identifies a directed lane as "from->to".
type LaneID string

// Lane is a directed, weighted edge. Travel in both directions needs two lanes.
type Lane struct {
	From   VertexID `json:"from"`
	To     VertexID `json:"to"`
	Weight float64  `json:"weight"`
}

// ID returns the lane identifier.
func (l Lane) ID() LaneID {
	return MakeLaneID(l.From, l.To)
}

// MakeLaneID builds the identifier of the lane from -> to.
func MakeLaneID(from, to VertexID) LaneID {
	return LaneID(string(from) + "->" + string(to))
}

// Path is an ordered sequence of vertices, start first.
type Path []VertexID

// Lanes returns the lane ids traversed by p.
func (p Path) Lanes() []LaneID {
	if len(p) < 2 {
		return nil
	}
	out := make([]LaneID, 0, len(p)-1)
	for i := 1; i < len(p); i++ {
		out = append(out, MakeLaneID(p[i-1], p[i]))
	}
	return out
}

// Graph is the read-only navigation graph. All query methods are safe for
// concurrent use.
type Graph struct {
	vertices map[VertexID]Vertex
	order    []VertexID
	rank     map[VertexID]int
	adj      map[VertexID][]Lane
	lanes    map[LaneID]Lane
	laneList []Lane

	// hScale keeps the Manhattan heuristic admissible when lane weights are
	// shorter than the grid distance between their endpoints.
	hScale float64

	paths *cache.Cache
}

// New validates vertices and lanes and builds the graph. Any malformed input
// (duplicate or empty vertex id, unknown lane endpoint, self-loop, negative or
// non-finite weight, duplicate lane) returns a *MapError.
func New(vertices []Vertex, lanes []Lane) (*Graph, error) {
	if len(vertices) == 0 {
		return nil, &MapError{Reason: "no vertices"}
	}
	g := &Graph{
		vertices: make(map[VertexID]Vertex, len(vertices)),
		rank:     make(map[VertexID]int, len(vertices)),
		adj:      make(map[VertexID][]Lane, len(vertices)),
		lanes:    make(map[LaneID]Lane, len(lanes)),
		hScale:   1,
		paths:    cache.New(cache.NoExpiration, 0),
	}
	for _, v := range vertices {
		if v.ID == "" {
			return nil, &MapError{Reason: "vertex with empty id"}
		}
		if _, dup := g.vertices[v.ID]; dup {
			return nil, &MapError{Reason: "duplicate vertex", Vertex: v.ID}
		}
		if !finite(v.X) || !finite(v.Y) {
			return nil, &MapError{Reason: "non-finite coordinate", Vertex: v.ID}
		}
		g.rank[v.ID] = len(g.order)
		g.order = append(g.order, v.ID)
		g.vertices[v.ID] = v
	}
	for _, l := range lanes {
		if _, ok := g.vertices[l.From]; !ok {
			return nil, &MapError{Reason: "lane references unknown vertex", Vertex: l.From, Lane: l.ID()}
		}
		if _, ok := g.vertices[l.To]; !ok {
			return nil, &MapError{Reason: "lane references unknown vertex", Vertex: l.To, Lane: l.ID()}
		}
		if l.From == l.To {
			return nil, &MapError{Reason: "self-loop", Lane: l.ID()}
		}
		if !finite(l.Weight) || l.Weight < 0 {
			return nil, &MapError{Reason: fmt.Sprintf("invalid weight %v", l.Weight), Lane: l.ID()}
		}
		if _, dup := g.lanes[l.ID()]; dup {
			return nil, &MapError{Reason: "duplicate lane", Lane: l.ID()}
		}
		g.lanes[l.ID()] = l
		g.laneList = append(g.laneList, l)
		g.adj[l.From] = append(g.adj[l.From], l)

		if m := g.manhattan(l.From, l.To); m > 0 && l.Weight/m < g.hScale {
			g.hScale = l.Weight / m
		}
	}
	return g, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (g *Graph) manhattan(a, b VertexID) float64 {
	va, vb := g.vertices[a], g.vertices[b]
	return math.Abs(va.X-vb.X) + math.Abs(va.Y-vb.Y)
}

// heuristic is the scaled Manhattan distance to goal. Scaling by the smallest
// weight/manhattan ratio over all lanes keeps it consistent, so A* never
// reopens a closed vertex.
func (g *Graph) heuristic(v, goal VertexID) float64 {
	return g.hScale * g.manhattan(v, goal)
}

// HeuristicScale reports the factor applied to the Manhattan heuristic (1 when
// every lane is at least as long as its grid distance).
func (g *Graph) HeuristicScale() float64 { return g.hScale }

// Vertex returns the vertex with the given id.
func (g *Graph) Vertex(id VertexID) (Vertex, bool) {
	v, ok := g.vertices[id]
	return v, ok
}

// HasVertex reports whether id is on the map.
func (g *Graph) HasVertex(id VertexID) bool {
	_, ok := g.vertices[id]
	return ok
}

// Vertices returns all vertices in load order.
func (g *Graph) Vertices() []Vertex {
	out := make([]Vertex, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.vertices[id])
	}
	return out
}

// Lanes returns all lanes in load order.
func (g *Graph) Lanes() []Lane {
	out := make([]Lane, len(g.laneList))
	copy(out, g.laneList)
	return out
}

// Lane returns the lane from -> to, if any.
func (g *Graph) Lane(from, to VertexID) (Lane, bool) {
	l, ok := g.lanes[MakeLaneID(from, to)]
	return l, ok
}

// Neighbors returns the outbound lanes of id in load order.
func (g *Graph) Neighbors(id VertexID) []Lane {
	out := make([]Lane, len(g.adj[id]))
	copy(out, g.adj[id])
	return out
}

// ChargingStations returns station vertex ids in load order.
func (g *Graph) ChargingStations() []VertexID {
	var out []VertexID
	for _, id := range g.order {
		if g.vertices[id].ChargingStation {
			out = append(out, id)
		}
	}
	return out
}

// Bounds returns the bounding box of all vertex coordinates.
func (g *Graph) Bounds() (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, v := range g.vertices {
		minX = math.Min(minX, v.X)
		minY = math.Min(minY, v.Y)
		maxX = math.Max(maxX, v.X)
		maxY = math.Max(maxY, v.Y)
	}
	return minX, minY, maxX, maxY
}

// DisplayName returns the vertex name, falling back to its id.
func (g *Graph) DisplayName(id VertexID) string {
	if v, ok := g.vertices[id]; ok && v.Name != "" {
		return v.Name
	}
	return string(id)
}

// PathWeight sums the lane weights along p. A hop with no lane is an error.
func (g *Graph) PathWeight(p Path) (float64, error) {
	var total float64
	for i := 1; i < len(p); i++ {
		l, ok := g.lanes[MakeLaneID(p[i-1], p[i])]
		if !ok {
			return 0, fmt.Errorf("%w: %s -> %s", ErrNoLane, p[i-1], p[i])
		}
		total += l.Weight
	}
	return total, nil
}

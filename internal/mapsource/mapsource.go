// Package mapsource builds navigation graphs from external map descriptions:
// JSON files in the levels nav-graph layout or a flat layout, and Neo4j.
package mapsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

// Source produces an immutable graph.
type Source interface {
	Load(ctx context.Context) (*navgraph.Graph, error)
}

// File loads a JSON map from disk. Level selects a named level in the levels
// layout; empty means the first one in the document.
type File struct {
	Path  string
	Level string
}

func (f File) Load(ctx context.Context) (*navgraph.Graph, error) {
	return LoadFile(f.Path, f.Level)
}

// LoadFile reads and parses a JSON map file.
func LoadFile(path, level string) (*navgraph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read map: %w", err)
	}
	g, err := Parse(data, level)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

// Parse detects the layout of data and builds the graph. Lanes without a
// weight get the Euclidean distance between their endpoints.
func Parse(data []byte, level string) (*navgraph.Graph, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse map: %w", err)
	}
	if raw, ok := probe["levels"]; ok {
		return parseLevels(raw, level)
	}
	if _, ok := probe["vertices"]; ok {
		return parseFlat(data)
	}
	return nil, errors.New(`parse map: expected "levels" or "vertices"`)
}

// Builder accumulates vertices and lanes. A reverse lane implied by a
// bidirectional lane is skipped when the map also lists it explicitly; two
// explicit copies of one lane are kept so that navgraph.New rejects them.
type Builder struct {
	vertices []navgraph.Vertex
	pos      map[navgraph.VertexID]int
	lanes    []navgraph.Lane
	implied  map[navgraph.LaneID]bool // lane id -> added only as a reverse
}

func NewBuilder() *Builder {
	return &Builder{pos: make(map[navgraph.VertexID]int), implied: make(map[navgraph.LaneID]bool)}
}

func (b *Builder) AddVertex(v navgraph.Vertex) {
	b.pos[v.ID] = len(b.vertices)
	b.vertices = append(b.vertices, v)
}

// AddLane adds from->to (and to->from when bidirectional). A nil weight means
// Euclidean distance; unknown endpoints are left for navgraph.New to reject.
func (b *Builder) AddLane(from, to navgraph.VertexID, weight *float64, bidirectional bool) {
	w := b.euclid(from, to)
	if weight != nil {
		w = *weight
	}
	b.addOne(navgraph.Lane{From: from, To: to, Weight: w}, false)
	if bidirectional {
		b.addOne(navgraph.Lane{From: to, To: from, Weight: w}, true)
	}
}

func (b *Builder) addOne(l navgraph.Lane, reverse bool) {
	id := l.ID()
	if wasReverse, seen := b.implied[id]; seen {
		switch {
		case reverse:
			return
		case wasReverse:
			// The explicit lane wins over the implied one.
			b.implied[id] = false
			for i := range b.lanes {
				if b.lanes[i].ID() == id {
					b.lanes[i] = l
				}
			}
			return
		}
	}
	b.implied[id] = reverse
	b.lanes = append(b.lanes, l)
}

// HasLane reports whether from->to was added, explicitly or as a reverse.
func (b *Builder) HasLane(from, to navgraph.VertexID) bool {
	_, ok := b.implied[navgraph.MakeLaneID(from, to)]
	return ok
}

func (b *Builder) euclid(from, to navgraph.VertexID) float64 {
	i, ok1 := b.pos[from]
	j, ok2 := b.pos[to]
	if !ok1 || !ok2 {
		return 0
	}
	a, c := b.vertices[i], b.vertices[j]
	return math.Hypot(c.X-a.X, c.Y-a.Y)
}

func (b *Builder) Build() (*navgraph.Graph, error) {
	return navgraph.New(b.vertices, b.lanes)
}

type flatMap struct {
	Vertices []struct {
		ID              string  `json:"id"`
		Name            string  `json:"name"`
		X               float64 `json:"x"`
		Y               float64 `json:"y"`
		ChargingStation bool    `json:"charging_station"`
	} `json:"vertices"`
	Lanes []struct {
		From          string   `json:"from"`
		To            string   `json:"to"`
		Weight        *float64 `json:"weight"`
		Bidirectional bool     `json:"bidirectional"`
	} `json:"lanes"`
}

func parseFlat(data []byte) (*navgraph.Graph, error) {
	var m flatMap
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse map: %w", err)
	}
	b := NewBuilder()
	for _, v := range m.Vertices {
		b.AddVertex(navgraph.Vertex{
			ID:              navgraph.VertexID(v.ID),
			Name:            v.Name,
			X:               v.X,
			Y:               v.Y,
			ChargingStation: v.ChargingStation,
		})
	}
	for _, l := range m.Lanes {
		b.AddLane(navgraph.VertexID(l.From), navgraph.VertexID(l.To), l.Weight, l.Bidirectional)
	}
	return b.Build()
}

type levelMap struct {
	Vertices [][]json.RawMessage `json:"vertices"`
	Lanes    [][]json.RawMessage `json:"lanes"`
}

type vertexAttrs struct {
	Name      string `json:"name"`
	IsCharger bool   `json:"is_charger"`
}

type laneAttrs struct {
	Weight        *float64 `json:"weight"`
	Bidirectional *bool    `json:"bidirectional"`
}

// parseLevels reads the levels layout. Vertices are named by their "name"
// attribute when it is present and unique, otherwise by their index. Lanes
// refer to vertices by index and are bidirectional unless marked otherwise.
func parseLevels(raw json.RawMessage, level string) (*navgraph.Graph, error) {
	names, levels, err := orderedObject(raw)
	if err != nil {
		return nil, fmt.Errorf("parse levels: %w", err)
	}
	if len(names) == 0 {
		return nil, errors.New("parse levels: no levels")
	}
	pick := names[0]
	if level != "" {
		pick = level
	}
	body, ok := levels[pick]
	if !ok {
		return nil, fmt.Errorf("parse levels: no level %q", pick)
	}
	var lm levelMap
	if err := json.Unmarshal(body, &lm); err != nil {
		return nil, fmt.Errorf("parse level %q: %w", pick, err)
	}

	type parsed struct {
		x, y  float64
		attrs vertexAttrs
	}
	vs := make([]parsed, len(lm.Vertices))
	nameCount := make(map[string]int)
	for i, entry := range lm.Vertices {
		if len(entry) < 2 {
			return nil, fmt.Errorf("vertex %d: want [x, y, {attrs}]", i)
		}
		if err := json.Unmarshal(entry[0], &vs[i].x); err != nil {
			return nil, fmt.Errorf("vertex %d: x: %w", i, err)
		}
		if err := json.Unmarshal(entry[1], &vs[i].y); err != nil {
			return nil, fmt.Errorf("vertex %d: y: %w", i, err)
		}
		if len(entry) > 2 {
			if err := json.Unmarshal(entry[2], &vs[i].attrs); err != nil {
				return nil, fmt.Errorf("vertex %d: attributes: %w", i, err)
			}
		}
		if n := vs[i].attrs.Name; n != "" {
			nameCount[n]++
		}
	}

	ids := make([]navgraph.VertexID, len(vs))
	used := make(map[navgraph.VertexID]bool, len(vs))
	for i, v := range vs {
		if n := v.attrs.Name; n != "" && nameCount[n] == 1 {
			ids[i] = navgraph.VertexID(n)
			used[ids[i]] = true
		}
	}
	for i := range vs {
		if ids[i] != "" {
			continue
		}
		id := navgraph.VertexID(strconv.Itoa(i))
		for used[id] {
			id += "'"
		}
		ids[i] = id
		used[id] = true
	}

	b := NewBuilder()
	for i, v := range vs {
		b.AddVertex(navgraph.Vertex{ID: ids[i], Name: v.attrs.Name, X: v.x, Y: v.y, ChargingStation: v.attrs.IsCharger})
	}
	for k, entry := range lm.Lanes {
		if len(entry) < 2 {
			return nil, fmt.Errorf("lane %d: want [from, to, {attrs}]", k)
		}
		var from, to int
		if err := json.Unmarshal(entry[0], &from); err != nil {
			return nil, fmt.Errorf("lane %d: from: %w", k, err)
		}
		if err := json.Unmarshal(entry[1], &to); err != nil {
			return nil, fmt.Errorf("lane %d: to: %w", k, err)
		}
		if from < 0 || from >= len(ids) || to < 0 || to >= len(ids) {
			return nil, &navgraph.MapError{Reason: fmt.Sprintf("lane %d references vertex index out of range", k)}
		}
		var attrs laneAttrs
		if len(entry) > 2 {
			if err := json.Unmarshal(entry[2], &attrs); err != nil {
				return nil, fmt.Errorf("lane %d: attributes: %w", k, err)
			}
		}
		// Nav graphs often list both directions; keep the first of each.
		if !b.HasLane(ids[from], ids[to]) {
			b.AddLane(ids[from], ids[to], attrs.Weight, false)
		}
		if (attrs.Bidirectional == nil || *attrs.Bidirectional) && !b.HasLane(ids[to], ids[from]) {
			b.AddLane(ids[to], ids[from], attrs.Weight, false)
		}
	}
	return b.Build()
}

// orderedObject decodes a JSON object keeping its key order.
func orderedObject(raw json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, errors.New("expected an object")
	}
	var keys []string
	vals := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, errors.New("expected a key")
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := vals[key]; !dup {
			keys = append(keys, key)
		}
		vals[key] = v
	}
	return keys, vals, nil
}

package mapsource

import (
	"context"
	"errors"
	"math"
	"os"
	"reflect"
	"testing"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

func TestLoadFile_levels(t *testing.T) {
	t.Parallel()
	g, err := LoadFile("testdata/nav_graph.json", "")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(g.Vertices()); n != 5 {
		t.Fatalf("vertices: %d", n)
	}
	if n := len(g.Lanes()); n != 7 {
		t.Fatalf("lanes: %d (%v)", n, g.Lanes())
	}
	if got := g.ChargingStations(); !reflect.DeepEqual(got, []navgraph.VertexID{"charger_1"}) {
		t.Fatalf("ChargingStations: %v", got)
	}
	p, err := g.ShortestPath("dock", "4")
	if err != nil {
		t.Fatal(err)
	}
	if want := (navgraph.Path{"dock", "1", "charger_1", "3", "4"}); !reflect.DeepEqual(p, want) {
		t.Fatalf("path: %v", p)
	}
	if d, _ := g.Distance("dock", "4"); math.Abs(d-13) > 1e-9 {
		t.Fatalf("distance: %v", d)
	}
	// The last lane is one-way.
	if _, err := g.ShortestPath("4", "3"); !errors.Is(err, navgraph.ErrNoPathFound) {
		t.Fatalf("one-way lane: %v", err)
	}
	if g.DisplayName("dock") != "dock" {
		t.Fatalf("DisplayName: %q", g.DisplayName("dock"))
	}
}

func TestLoadFile_namedLevel(t *testing.T) {
	t.Parallel()
	g, err := LoadFile("testdata/nav_graph.json", "L2")
	if err != nil {
		t.Fatal(err)
	}
	if !g.HasVertex("roof") || len(g.Vertices()) != 1 {
		t.Fatalf("L2: %v", g.Vertices())
	}
	if _, err := LoadFile("testdata/nav_graph.json", "L9"); err == nil {
		t.Fatal("expected error for missing level")
	}
	if _, err := LoadFile("testdata/missing.json", ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParse_flat(t *testing.T) {
	t.Parallel()
	data := []byte(`{
		"vertices": [
			{"id": "A", "x": 0, "y": 0},
			{"id": "B", "x": 3, "y": 4, "charging_station": true, "name": "Bay"},
			{"id": "C", "x": 3, "y": 0}
		],
		"lanes": [
			{"from": "A", "to": "B", "bidirectional": true},
			{"from": "B", "to": "A", "weight": 7},
			{"from": "A", "to": "C", "weight": 1.5}
		]
	}`)
	g, err := Parse(data, "")
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := g.Lane("A", "B"); !ok || l.Weight != 5 {
		t.Fatalf("euclidean weight: %+v %v", l, ok)
	}
	// The explicit reverse replaces the implied one.
	if l, ok := g.Lane("B", "A"); !ok || l.Weight != 7 {
		t.Fatalf("explicit reverse: %+v %v", l, ok)
	}
	if _, ok := g.Lane("C", "A"); ok {
		t.Fatal("lanes are one-way unless bidirectional")
	}
	if v, _ := g.Vertex("B"); !v.ChargingStation || v.Name != "Bay" {
		t.Fatalf("vertex B: %+v", v)
	}
}

func TestParse_malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{"unknown vertex", `{"vertices":[{"id":"A"}],"lanes":[{"from":"A","to":"Z","weight":1}]}`},
		{"negative weight", `{"vertices":[{"id":"A"},{"id":"B"}],"lanes":[{"from":"A","to":"B","weight":-1}]}`},
		{"self-loop", `{"vertices":[{"id":"A"}],"lanes":[{"from":"A","to":"A","weight":1}]}`},
		{"duplicate lane", `{"vertices":[{"id":"A"},{"id":"B"}],"lanes":[{"from":"A","to":"B"},{"from":"A","to":"B"}]}`},
		{"no vertices", `{"vertices":[],"lanes":[]}`},
		{"index out of range", `{"levels":{"L1":{"vertices":[[0,0]],"lanes":[[0,3]]}}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.data), "")
			var me *navgraph.MapError
			if !errors.As(err, &me) {
				t.Fatalf("want *navgraph.MapError, got %v", err)
			}
		})
	}
}

func TestParse_notAMap(t *testing.T) {
	t.Parallel()
	for _, data := range []string{`not json`, `{"nodes": []}`, `{"levels": []}`, `{"levels": {}}`} {
		if _, err := Parse([]byte(data), ""); err == nil {
			t.Errorf("Parse(%s): expected error", data)
		}
	}
}

func TestNeo4j_requiresURI(t *testing.T) {
	t.Parallel()
	if _, err := (Neo4j{}).Load(context.Background()); err == nil {
		t.Fatal("expected error without uri")
	}
}

func TestNeo4j_load(t *testing.T) {
	uri := os.Getenv("NEO4J_URI")
	if uri == "" {
		t.Skip("NEO4J_URI not set")
	}
	src := Neo4j{URI: uri, Username: os.Getenv("NEO4J_USERNAME"), Password: os.Getenv("NEO4J_PASSWORD")}
	g, err := src.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Vertices()) == 0 {
		t.Fatal("expected vertices")
	}
}

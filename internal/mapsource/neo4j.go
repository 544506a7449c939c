package mapsource

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

const (
	vertexQuery = `
		MATCH (v:Vertex)
		RETURN v.id AS id, v.name AS name, v.x AS x, v.y AS y, v.charging_station AS charger
		ORDER BY v.id`
	laneQuery = `
		MATCH (a:Vertex)-[l:LANE]->(b:Vertex)
		RETURN a.id AS from, b.id AS to, l.weight AS weight, l.bidirectional AS bidirectional
		ORDER BY a.id, b.id`
)

// Neo4j reads the map from a graph database: (:Vertex {id, name, x, y,
// charging_station}) nodes joined by [:LANE {weight, bidirectional}].
type Neo4j struct {
	URI      string
	Username string
	Password string
	Database string
}

func (s Neo4j) Load(ctx context.Context) (*navgraph.Graph, error) {
	if s.URI == "" {
		return nil, errors.New("neo4j: uri is required")
	}
	driver, err := neo4j.NewDriverWithContext(s.URI, neo4j.BasicAuth(s.Username, s.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("could not create neo4j driver: %w", err)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connection: %w", err)
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.Database, AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	b := NewBuilder()
	_, err = session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, vertexQuery, nil)
		if err != nil {
			return nil, fmt.Errorf("query vertices: %w", err)
		}
		for result.Next(ctx) {
			v, err := vertexFromRecord(result.Record())
			if err != nil {
				return nil, err
			}
			b.AddVertex(v)
		}
		if err := result.Err(); err != nil {
			return nil, err
		}

		result, err = tx.Run(ctx, laneQuery, nil)
		if err != nil {
			return nil, fmt.Errorf("query lanes: %w", err)
		}
		for result.Next(ctx) {
			rec := result.Record()
			from, _ := get(rec, "from").(string)
			to, _ := get(rec, "to").(string)
			var weight *float64
			if w, ok := number(get(rec, "weight")); ok {
				weight = &w
			}
			bidi, _ := get(rec, "bidirectional").(bool)
			b.AddLane(navgraph.VertexID(from), navgraph.VertexID(to), weight, bidi)
		}
		return nil, result.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j: %w", err)
	}
	return b.Build()
}

func vertexFromRecord(rec *neo4j.Record) (navgraph.Vertex, error) {
	id, ok := get(rec, "id").(string)
	if !ok || id == "" {
		return navgraph.Vertex{}, &navgraph.MapError{Reason: "vertex node without string id"}
	}
	x, okX := number(get(rec, "x"))
	y, okY := number(get(rec, "y"))
	if !okX || !okY {
		return navgraph.Vertex{}, &navgraph.MapError{Reason: "vertex node without numeric x/y", Vertex: navgraph.VertexID(id)}
	}
	name, _ := get(rec, "name").(string)
	charger, _ := get(rec, "charger").(bool)
	return navgraph.Vertex{ID: navgraph.VertexID(id), Name: name, X: x, Y: y, ChargingStation: charger}, nil
}

func get(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

// number accepts both integer and float properties.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	}
	return 0, false
}

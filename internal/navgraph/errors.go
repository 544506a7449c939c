package navgraph

import (
	"errors"
	"fmt"
)

var (
	ErrNoPathFound        = errors.New("no path found")
	ErrNoAlternateFound   = errors.New("no alternate path found")
	ErrNoStationReachable = errors.New("no charging station reachable")
	ErrUnknownVertex      = errors.New("unknown vertex")
	ErrNoLane             = errors.New("no lane between vertices")
)

// MapError describes malformed map data. It is fatal at load time.
type MapError struct {
	Reason string
	Vertex VertexID
	Lane   LaneID
}

func (e *MapError) Error() string {
	switch {
	case e.Lane != "" && e.Vertex != "":
		return fmt.Sprintf("invalid map: %s (lane %s, vertex %s)", e.Reason, e.Lane, e.Vertex)
	case e.Lane != "":
		return fmt.Sprintf("invalid map: %s (lane %s)", e.Reason, e.Lane)
	case e.Vertex != "":
		return fmt.Sprintf("invalid map: %s (vertex %s)", e.Reason, e.Vertex)
	default:
		return "invalid map: " + e.Reason
	}
}

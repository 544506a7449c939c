// Package telemetry streams fleet events over gRPC. The service is
// lanekeeper.telemetry.v1.Telemetry with a single server-streaming Watch
// method; the request and every streamed event are google.protobuf.Struct
// messages carrying the event's JSON form.
package telemetry

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ankittk/lanekeeper/internal/events"
)

const (
	ServiceName = "lanekeeper.telemetry.v1.Telemetry"
	watchMethod = "/" + ServiceName + "/Watch"
)

// TelemetryServer is implemented by *Server.
type TelemetryServer interface {
	Watch(req *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "lanekeeper/telemetry/v1/telemetry.proto",
}

// Register adds the telemetry service to s.
func Register(s grpc.ServiceRegistrar, srv TelemetryServer) {
	s.RegisterService(&serviceDesc, srv)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(TelemetryServer).Watch(req, stream)
}

// Filter narrows a Watch stream. Empty fields match everything.
type Filter struct {
	Types []events.Kind
	Agent string
}

func (f Filter) match(ev events.Event) bool {
	if f.Agent != "" && ev.Agent != f.Agent {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, k := range f.Types {
		if k == ev.Type {
			return true
		}
	}
	return false
}

func (f Filter) toProto() (*structpb.Struct, error) {
	types := make([]any, len(f.Types))
	for i, k := range f.Types {
		types[i] = string(k)
	}
	return structpb.NewStruct(map[string]any{"types": types, "agent": f.Agent})
}

func filterFromProto(s *structpb.Struct) Filter {
	var f Filter
	if s == nil {
		return f
	}
	fields := s.GetFields()
	f.Agent = fields["agent"].GetStringValue()
	for _, v := range fields["types"].GetListValue().GetValues() {
		if k := v.GetStringValue(); k != "" {
			f.Types = append(f.Types, events.Kind(k))
		}
	}
	return f
}

// eventToProto goes through the event's JSON encoding so the struct keys
// match what /stream and /events serve.
func eventToProto(ev events.Event) (*structpb.Struct, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func protoToEvent(s *structpb.Struct) (events.Event, error) {
	var ev events.Event
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(b, &ev); err != nil {
		return ev, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

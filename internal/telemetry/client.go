package telemetry

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ankittk/lanekeeper/internal/events"
)

// Client watches a daemon's telemetry stream.
type Client struct {
	// Addr is the gRPC server address (e.g. "localhost:4748").
	Addr string
	// DialOptions are used when connecting (e.g. TLS, interceptors).
	DialOptions []grpc.DialOption
}

// Watch calls fn for each event until ctx is done, the server ends the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, f Filter, fn func(events.Event) error) error {
	opts := c.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(c.Addr, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return Watch(ctx, conn, f, fn)
}

// Watch runs one Watch call over an existing connection.
func Watch(ctx context.Context, conn grpc.ClientConnInterface, f Filter, fn func(events.Event) error) error {
	req, err := f.toProto()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ev, err := protoToEvent(msg)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

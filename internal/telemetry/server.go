package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ankittk/lanekeeper/internal/events"
)

const watcherBuffer = 256

type watcher struct {
	filter Filter
	ch     chan events.Event
}

// Server fans fleet events out to Watch streams. It is an events.Sink;
// slow watchers miss events rather than stall the fleet.
type Server struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
	closed   bool
}

func NewServer() *Server {
	return &Server{watchers: make(map[*watcher]struct{})}
}

// Handle delivers ev to every matching watcher.
func (s *Server) Handle(_ context.Context, ev events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if !w.filter.match(ev) {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
	return nil
}

// Close ends every open Watch stream.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for w := range s.watchers {
		delete(s.watchers, w)
		close(w.ch)
	}
}

// Watchers returns the number of open streams.
func (s *Server) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *Server) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	w := &watcher{filter: filterFromProto(req), ch: make(chan events.Event, watcherBuffer)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return status.Error(codes.Unavailable, "telemetry closed")
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	defer s.remove(w)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ch:
			if !ok {
				return nil
			}
			msg, err := eventToProto(ev)
			if err != nil {
				slog.Warn("telemetry: encode event", "type", ev.Type, "err", err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Server) remove(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watchers[w]; ok {
		delete(s.watchers, w)
		close(w.ch)
	}
}

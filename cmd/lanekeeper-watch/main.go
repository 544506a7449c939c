// lanekeeper-watch follows a daemon's telemetry stream and prints each event
// as a JSON line.
// Example: go run ./cmd/lanekeeper-watch --addr=localhost:4748 --type=deadlock_detected,deadlock_resolved
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/telemetry"
)

func main() {
	addr := flag.String("addr", "localhost:4748", "telemetry gRPC address")
	types := flag.String("type", "", "comma-separated event types (default: all)")
	agent := flag.String("agent", "", "only events for this agent")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	f := telemetry.Filter{Agent: *agent}
	for _, t := range strings.Split(*types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, events.Kind(t))
		}
	}
	enc := json.NewEncoder(os.Stdout)
	c := &telemetry.Client{Addr: *addr}
	log.Printf("watching %s", *addr)
	if err := c.Watch(ctx, f, func(ev events.Event) error { return enc.Encode(ev) }); err != nil && ctx.Err() == nil {
		log.Fatalf("watch: %v", err)
	}
}

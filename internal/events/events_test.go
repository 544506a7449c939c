package events

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBus_SubscribePublishUnsubscribe(t *testing.T) {
	bus := NewBus(4)
	ch := bus.Subscribe()
	bus.Publish(Event{Type: TaskSubmitted, TaskID: "t1"})
	ev := <-ch
	if ev.Type != TaskSubmitted || ev.TaskID != "t1" {
		t.Fatalf("got %+v", ev)
	}
	if ev.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be filled")
	}
	bus.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after Unsubscribe")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("Subscribers: %d", bus.Subscribers())
	}
}

func TestBus_dropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(1)
	ch := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(Event{Type: AgentPosition})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 1 {
		t.Fatalf("buffered: %d", len(ch))
	}
}

func TestPump(t *testing.T) {
	bus := NewBus(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan Event, 1)
	go Pump(ctx, bus, SinkFunc(func(_ context.Context, ev Event) error {
		got <- ev
		return nil
	}), nil)

	deadline := time.Now().Add(2 * time.Second)
	for bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(Event{Type: DeadlockDetected})
	select {
	case ev := <-got:
		if ev.Type != DeadlockDetected {
			t.Fatalf("got %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not receive event")
	}
}

func TestLogSink_levels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	sink := LogSink{Logger: logger}
	ctx := context.Background()

	_ = sink.Handle(ctx, Event{Type: AgentPosition, Agent: "a1"})
	if buf.Len() != 0 {
		t.Fatalf("position event should log at debug, got %q", buf.String())
	}
	_ = sink.Handle(ctx, Event{Type: StationUnreachable, Agent: "a1", Severity: SeverityCritical})
	if !strings.Contains(buf.String(), "level=ERROR") || !strings.Contains(buf.String(), "agent=a1") {
		t.Fatalf("critical event: %q", buf.String())
	}
}

func TestDialNATS_requiresURL(t *testing.T) {
	if _, err := DialNATS("", ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

package agent

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Moving, true},
		{Moving, Moving, true},
		{Moving, Waiting, true},
		{Waiting, Moving, true},
		{Moving, Idle, true},
		{Waiting, Idle, true},
		{Idle, Charging, true},
		{Moving, Charging, true},
		{Waiting, Charging, true},
		{Charging, Idle, true},
		{Charging, Moving, false},
		{Charging, Waiting, false},
		{Charging, Charging, false},
		{Idle, Idle, false},
		{State(7), Idle, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransition_rejectsIllegal(t *testing.T) {
	t.Parallel()
	a := New("a1", "A", 50, DefaultConfig())
	if _, err := a.Transition(Charging); err != nil {
		t.Fatalf("idle -> charging: %v", err)
	}
	_, err := a.Transition(Moving)
	var te *TransitionError
	if !errors.As(err, &te) || te.From != Charging || te.To != Moving {
		t.Fatalf("charging -> moving: got %v", err)
	}
	if a.State() != Charging {
		t.Fatalf("state changed on illegal transition: %s", a.State())
	}
	if h := a.History(); len(h) != 1 || h[0].To != Charging {
		t.Fatalf("History: %+v", h)
	}
}

func TestTransition_noChargingOnLane(t *testing.T) {
	t.Parallel()
	a := New("a1", "A", 50, DefaultConfig())
	_, _ = a.Transition(Moving)
	a.EnterLane(navgraph.Lane{From: "A", To: "B", Weight: 1})
	if _, err := a.Transition(Charging); err == nil {
		t.Fatal("expected error charging mid-lane")
	}
}

func TestBattery_monotonicAndBounded(t *testing.T) {
	t.Parallel()
	a := New("a1", "A", 10, DefaultConfig())
	prev := a.Battery()
	for i := 0; i < 5; i++ {
		got := a.Drain(1)
		if got >= prev {
			t.Fatalf("Drain did not decrease battery: %v -> %v", prev, got)
		}
		prev = got
	}
	if got := a.Drain(1000); got != 0 {
		t.Fatalf("Drain below zero: %v", got)
	}
	prev = 0
	for i := 0; i < 5; i++ {
		got := a.Charge(time.Second)
		if got <= prev {
			t.Fatalf("Charge did not increase battery: %v -> %v", prev, got)
		}
		prev = got
	}
	if got := a.Charge(time.Hour); got != 100 {
		t.Fatalf("Charge above 100: %v", got)
	}
	if !a.Charged() {
		t.Fatal("expected Charged at 100")
	}
	if a := New("b", "A", 150, DefaultConfig()); a.Battery() != 100 {
		t.Fatalf("New clamps: %v", a.Battery())
	}
}

func TestNeedsCharge(t *testing.T) {
	t.Parallel()
	a := New("a1", "A", 21, DefaultConfig())
	if a.NeedsCharge() {
		t.Fatal("21% should not need charge")
	}
	a.Drain(2)
	if !a.NeedsCharge() {
		t.Fatal("19% should need charge")
	}
}

func TestPosition_progressMonotonic(t *testing.T) {
	t.Parallel()
	a := New("a1", "A", 100, DefaultConfig())
	if err := a.Advance(0.5); err == nil {
		t.Fatal("expected error advancing off-lane")
	}
	a.EnterLane(navgraph.Lane{From: "A", To: "B", Weight: 2})
	if err := a.Advance(0.5); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := a.Advance(0.25); !errors.Is(err, ErrProgressBackwards) {
		t.Fatalf("Advance backwards: %v", err)
	}
	p := a.Position()
	if p.Lane != "A->B" || p.Progress != 0.5 || p.Target != "B" {
		t.Fatalf("Position: %+v", p)
	}
	a.Arrive("B")
	if p := a.Position(); p.Vertex != "B" || p.OnLane() {
		t.Fatalf("after Arrive: %+v", p)
	}
}

func TestState_text(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Snapshot{ID: "a", State: Waiting})
	if err != nil {
		t.Fatal(err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatal(err)
	}
	if s.State != Waiting {
		t.Fatalf("round trip: %s", s.State)
	}
	if _, err := ParseState("flying"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

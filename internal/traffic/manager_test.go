package traffic

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
)

var (
	resX = VertexResource("X")
	resY = VertexResource("Y")
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) emit(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.evs))
	for i, ev := range r.evs {
		out[i] = ev.Type
	}
	return out
}

func mustRequest(t *testing.T, m *Manager, a AgentID, res ResourceID) Decision {
	t.Helper()
	d, err := m.Request(context.Background(), a, res, Window{})
	if err != nil {
		t.Fatalf("Request(%s, %s): %v", a, res, err)
	}
	if err := m.CheckMutualExclusion(); err != nil {
		t.Fatalf("after Request(%s, %s): %v", a, res, err)
	}
	return d
}

func TestRequest_grantDenyRelease(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Options{Emit: rec.emit})

	if d := mustRequest(t, m, "a", resX); d.Outcome != Granted {
		t.Fatalf("first request: %+v", d)
	}
	// Re-requesting something already held is idempotent.
	if d := mustRequest(t, m, "a", resX); d.Outcome != Granted {
		t.Fatalf("re-request: %+v", d)
	}
	d := mustRequest(t, m, "b", resX)
	if d.Outcome != Denied || d.Holder != "a" {
		t.Fatalf("contended request: %+v", d)
	}
	if res, ok := m.WaitingOn("b"); !ok || res != resX {
		t.Fatalf("WaitingOn(b): %v %v", res, ok)
	}

	m.Release("b", resX) // not held by b: no-op
	if h, _ := m.Holder(resX); h != "a" {
		t.Fatalf("Holder after foreign release: %s", h)
	}
	m.Release("a", resX)
	if _, ok := m.Holder(resX); ok {
		t.Fatal("expected resource free after release")
	}
	if d := mustRequest(t, m, "b", resX); d.Outcome != Granted {
		t.Fatalf("request after release: %+v", d)
	}
	if _, ok := m.WaitingOn("b"); ok {
		t.Fatal("b should no longer be waiting")
	}

	want := []events.Kind{
		events.ReservationGranted, events.ReservationGranted, events.ReservationDenied,
		events.ReservationReleased, events.ReservationGranted,
	}
	if got := rec.kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v, want %v", got, want)
	}
	st := m.Stats()
	if st.Granted != 3 || st.Denied != 1 || st.Released != 1 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestRequest_fifoAmongWaiters(t *testing.T) {
	m := NewManager(Options{})
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resX)
	mustRequest(t, m, "c", resX)
	m.Release("a", resX)

	// c asks first, but b was denied first.
	d := mustRequest(t, m, "c", resX)
	if d.Outcome != Denied || d.Holder != "b" {
		t.Fatalf("c before b: %+v", d)
	}
	if d := mustRequest(t, m, "b", resX); d.Outcome != Granted {
		t.Fatalf("b: %+v", d)
	}
	m.Release("b", resX)
	if d := mustRequest(t, m, "c", resX); d.Outcome != Granted {
		t.Fatalf("c after b: %+v", d)
	}
}

func TestRequest_withdrawLeavesQueue(t *testing.T) {
	m := NewManager(Options{})
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resX)
	mustRequest(t, m, "c", resX)
	m.Withdraw("b")
	m.Release("a", resX)
	if d := mustRequest(t, m, "c", resX); d.Outcome != Granted {
		t.Fatalf("c after b withdrew: %+v", d)
	}
}

func TestRequest_windows(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m := NewManager(Options{Now: func() time.Time { return now }})
	ctx := context.Background()

	w1 := Window{Start: base, End: base.Add(10 * time.Second)}
	w2 := Window{Start: base.Add(10 * time.Second), End: base.Add(20 * time.Second)}
	w3 := Window{Start: base.Add(5 * time.Second), End: base.Add(15 * time.Second)}

	if d, _ := m.Request(ctx, "a", resX, w1); d.Outcome != Granted {
		t.Fatalf("w1: %+v", d)
	}
	if d, _ := m.Request(ctx, "b", resX, w2); d.Outcome != Granted {
		t.Fatalf("adjacent window: %+v", d)
	}
	if d, _ := m.Request(ctx, "c", resX, w3); d.Outcome != Denied {
		t.Fatalf("overlapping window: %+v", d)
	}
	if err := m.CheckMutualExclusion(); err != nil {
		t.Fatal(err)
	}
	if h, _ := m.Holder(resX); h != "a" {
		t.Fatalf("Holder at base: %s", h)
	}

	// Once w1 expires it is pruned on the next request.
	now = base.Add(12 * time.Second)
	m.Withdraw("c")
	if d, _ := m.Request(ctx, "c", resY, Window{}); d.Outcome != Granted {
		t.Fatalf("unrelated resource: %+v", d)
	}
	if d, _ := m.Request(ctx, "a", resX, Window{Start: now, End: now.Add(time.Second)}); d.Outcome != Denied || d.Holder != "b" {
		t.Fatalf("during w2: %+v", d)
	}
}

func TestRequest_cancelledContextNeverGranted(t *testing.T) {
	m := NewManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Request(ctx, "a", resX, Window{}); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if _, ok := m.Holder(resX); ok {
		t.Fatal("cancelled request must not hold the resource")
	}
}

func TestDeadlock_detectAndResolve(t *testing.T) {
	battery := map[AgentID]float64{"a": 50, "b": 30}
	rec := &recorder{}
	m := NewManager(Options{
		Priority: func(a AgentID) float64 { return battery[a] },
		Emit:     rec.emit,
	})

	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resY)
	if d := mustRequest(t, m, "a", resY); d.Outcome != Denied || d.Holder != "b" {
		t.Fatalf("a wants Y: %+v", d)
	}
	if d := mustRequest(t, m, "b", resX); d.Outcome != Deferred || d.Holder != "a" {
		t.Fatalf("b wants X: %+v", d)
	}

	if got := m.DetectDeadlock(); !reflect.DeepEqual(got, []AgentID{"a", "b"}) {
		t.Fatalf("DetectDeadlock: %v", got)
	}
	res := m.ResolveDeadlocks()
	if len(res) != 1 || res[0].Victim != "b" || res[0].Resource != resX {
		t.Fatalf("ResolveDeadlocks: %+v", res)
	}
	if got := m.DetectDeadlock(); len(got) != 0 {
		t.Fatalf("cycle still present: %v", got)
	}

	forced := 0
	for _, d := range []Decision{mustRequest(t, m, "b", resX), mustRequest(t, m, "a", resY)} {
		if d.Forced {
			forced++
			if d.Agent != "b" || d.Outcome != Denied {
				t.Fatalf("forced decision: %+v", d)
			}
		}
	}
	if forced != 1 {
		t.Fatalf("forced replans: got %d, want 1", forced)
	}
	if m.Stats().Deadlocks != 1 {
		t.Fatalf("stats: %+v", m.Stats())
	}
}

func TestDeadlock_tieBreakBySmallestID(t *testing.T) {
	m := NewManager(Options{})
	mustRequest(t, m, "b", resX)
	mustRequest(t, m, "a", resY)
	mustRequest(t, m, "b", resY)
	mustRequest(t, m, "a", resX)
	res := m.ResolveDeadlocks()
	if len(res) != 1 || res[0].Victim != "a" {
		t.Fatalf("ResolveDeadlocks: %+v", res)
	}
}

func TestDeadlock_inlineOnRepeatedDeferral(t *testing.T) {
	battery := map[AgentID]float64{"a": 80, "b": 10}
	m := NewManager(Options{Priority: func(a AgentID) float64 { return battery[a] }})
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resY)
	mustRequest(t, m, "a", resY)
	if d := mustRequest(t, m, "b", resX); d.Outcome != Deferred {
		t.Fatalf("first deferral: %+v", d)
	}
	d := mustRequest(t, m, "b", resX)
	if !d.Forced || d.Outcome != Denied {
		t.Fatalf("second deferral should resolve with b forced: %+v", d)
	}
	if got := m.DetectDeadlock(); len(got) != 0 {
		t.Fatalf("cycle remains: %v", got)
	}
}

// Runners ask for the lane before its end vertex; the lane grant must not
// cancel a pending forced replan on the vertex.
func TestDeadlock_forcedSurvivesLaneGrant(t *testing.T) {
	battery := map[AgentID]float64{"a": 10, "b": 90}
	m := NewManager(Options{Priority: func(a AgentID) float64 { return battery[a] }})
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resY)
	mustRequest(t, m, "a", resY)
	mustRequest(t, m, "b", resX)
	res := m.ResolveDeadlocks()
	if len(res) != 1 || res[0].Victim != "a" || res[0].Resource != resY {
		t.Fatalf("ResolveDeadlocks: %+v", res)
	}

	if d := mustRequest(t, m, "a", LaneResource("X->Y")); d.Outcome != Granted {
		t.Fatalf("lane: %+v", d)
	}
	d := mustRequest(t, m, "a", resY)
	if d.Outcome != Denied || !d.Forced || d.Holder != "b" {
		t.Fatalf("vertex after lane grant: %+v", d)
	}
	if d := mustRequest(t, m, "a", resY); d.Forced {
		t.Fatalf("forced twice: %+v", d)
	}
}

func TestDeadlock_inlineSurvivesLaneGrants(t *testing.T) {
	battery := map[AgentID]float64{"a": 80, "b": 10}
	m := NewManager(Options{Priority: func(a AgentID) float64 { return battery[a] }})
	lane := LaneResource("Y->X")
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resY)
	mustRequest(t, m, "a", resY)

	mustRequest(t, m, "b", lane)
	if d := mustRequest(t, m, "b", resX); d.Outcome != Deferred {
		t.Fatalf("first deferral: %+v", d)
	}
	if got, _ := m.WaitingOn("b"); got != resX {
		t.Fatalf("WaitingOn: %v", got)
	}
	mustRequest(t, m, "b", lane)
	if got, ok := m.WaitingOn("b"); !ok || got != resX {
		t.Fatalf("lane grant dropped the wait entry: %v %v", got, ok)
	}
	d := mustRequest(t, m, "b", resX)
	if d.Outcome != Denied || !d.Forced {
		t.Fatalf("second deferral should force b: %+v", d)
	}
}

func TestDeadlock_threeAgentCycle(t *testing.T) {
	m := NewManager(Options{})
	resZ := VertexResource("Z")
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "b", resY)
	mustRequest(t, m, "c", resZ)
	mustRequest(t, m, "a", resY)
	mustRequest(t, m, "b", resZ)
	mustRequest(t, m, "c", resX)
	if got := m.DetectDeadlock(); !reflect.DeepEqual(got, []AgentID{"a", "b", "c"}) {
		t.Fatalf("DetectDeadlock: %v", got)
	}
	res := m.ResolveDeadlocks()
	if len(res) != 1 || !reflect.DeepEqual(res[0].Cycle, []AgentID{"a", "b", "c"}) {
		t.Fatalf("ResolveDeadlocks: %+v", res)
	}
}

func TestReleaseAll_keepsPhysical(t *testing.T) {
	m := NewManager(Options{})
	lane := LaneResource("X->Y")
	mustRequest(t, m, "a", resX)
	mustRequest(t, m, "a", lane)
	mustRequest(t, m, "a", resY)
	got := m.ReleaseAll("a", resX)
	if !reflect.DeepEqual(got, []ResourceID{lane, resY}) {
		t.Fatalf("ReleaseAll: %v", got)
	}
	if held := m.Holdings("a"); !reflect.DeepEqual(held, []ResourceID{resX}) {
		t.Fatalf("Holdings: %v", held)
	}
	if !lane.IsLane() || resX.IsLane() {
		t.Fatal("IsLane")
	}
}

func TestManager_concurrentMutualExclusion(t *testing.T) {
	m := NewManager(Options{})
	resources := []ResourceID{resX, resY, VertexResource("Z")}
	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(agent AgentID) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				res := resources[j%len(resources)]
				d, err := m.Request(context.Background(), agent, res, Window{})
				if err != nil {
					return
				}
				if d.Outcome == Granted {
					if err := m.CheckMutualExclusion(); err != nil {
						select {
						case errCh <- err:
						default:
						}
						return
					}
					m.Release(agent, res)
				} else {
					m.Withdraw(agent)
				}
			}
		}(AgentID(fmt.Sprintf("agent-%d", i)))
	}
	wg.Wait()
	select {
	case err := <-errCh:
		t.Fatal(err)
	default:
	}
	if snap := m.Snapshot(); len(snap) != 0 {
		t.Fatalf("leftover reservations: %+v", snap)
	}
}

func TestOutcome_String(t *testing.T) {
	if Granted.String() != "granted" || Denied.String() != "denied" || Deferred.String() != "deferred" {
		t.Fatal("Outcome.String")
	}
	if Outcome(9).String() != "unknown" {
		t.Fatal("Outcome(9).String")
	}
}

package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/pkg/models"
)

// TestIntegrationArchiveAndEventLog runs a delivery against a real SQLite
// store and reads it back through the archive and event log endpoints.
func TestIntegrationArchiveAndEventLog(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	env := newTestEnv(t, ServerOptions{Addr: "127.0.0.1:0"}, st)

	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"A","battery":80}`, http.StatusOK, nil)
	var task models.Task
	env.decode(t, http.MethodPost, "/tasks", `{"destination":"C","agent":"r1"}`, http.StatusOK, &task)
	env.waitTask(t, task.ID, models.StatusCompleted)

	deadline := time.Now().Add(5 * time.Second)
	var archived []models.Task
	for time.Now().Before(deadline) {
		env.decode(t, http.MethodGet, "/tasks?archived=true&agent=r1", "", http.StatusOK, &archived)
		if len(archived) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(archived) != 1 || archived[0].ID != task.ID || archived[0].Status != models.StatusCompleted {
		t.Fatalf("archived: %+v", archived)
	}

	var recs []models.Event
	for time.Now().Before(deadline) {
		env.decode(t, http.MethodGet, "/events?type=task_completed&task_id="+task.ID, "", http.StatusOK, &recs)
		if len(recs) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(recs) != 1 || recs[0].Agent != "r1" || recs[0].Seq == 0 {
		t.Fatalf("task_completed events: %+v", recs)
	}

	var all []models.Event
	env.decode(t, http.MethodGet, "/events?limit=500", "", http.StatusOK, &all)
	seen := map[string]bool{}
	for i, ev := range all {
		seen[ev.Type] = true
		if i > 0 && ev.Seq <= all[i-1].Seq {
			t.Fatalf("events out of order at %d: %d after %d", i, ev.Seq, all[i-1].Seq)
		}
	}
	for _, typ := range []string{"agent_spawned", "task_submitted", "task_assigned", "reservation_granted", "task_completed"} {
		if !seen[typ] {
			t.Errorf("event log missing %s", typ)
		}
	}

	var after []models.Event
	env.decode(t, http.MethodGet, "/events?after="+strconv.FormatInt(recs[0].Seq, 10)+"&type=task_completed", "", http.StatusOK, &after)
	if len(after) != 0 {
		t.Fatalf("after filter: %+v", after)
	}
	env.decode(t, http.MethodGet, "/events?after=x", "", http.StatusBadRequest, nil)
}

func TestWebSocketStreamsFleetEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{}, nil)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil || first["type"] != "connected" {
		t.Fatalf("first message: %v %v", first, err)
	}
	env.decode(t, http.MethodPost, "/agents", `{"id":"r9","at":"C"}`, http.StatusOK, nil)
	for {
		var ev models.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == "agent_spawned" {
			if ev.Agent != "r9" {
				t.Fatalf("agent_spawned: %+v", ev)
			}
			return
		}
	}
}

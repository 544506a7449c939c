package httpapi

import (
	"net/http"
	"strings"
	"testing"
)

func TestHandlers_errors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{}, nil)

	// No agents yet.
	env.decode(t, http.MethodPost, "/tasks", `{"destination":"C"}`, http.StatusConflict, nil)
	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"A"}`, http.StatusOK, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/tasks", `{`, http.StatusBadRequest},
		{"missing destination", http.MethodPost, "/tasks", `{}`, http.StatusBadRequest},
		{"unknown destination", http.MethodPost, "/tasks", `{"destination":"Z"}`, http.StatusBadRequest},
		{"unknown preferred agent", http.MethodPost, "/tasks", `{"destination":"B","agent":"ghost"}`, http.StatusNotFound},
		{"tasks wrong method", http.MethodDelete, "/tasks", "", http.StatusMethodNotAllowed},
		{"missing task", http.MethodGet, "/tasks/nope", "", http.StatusNotFound},
		{"cancel missing task", http.MethodPost, "/tasks/nope/cancel", "", http.StatusNotFound},
		{"cancel with GET", http.MethodGet, "/tasks/nope/cancel", "", http.StatusMethodNotAllowed},
		{"unknown task action", http.MethodPost, "/tasks/nope/launch", "", http.StatusNotFound},
		{"spawn without vertex", http.MethodPost, "/agents", `{"id":"r2"}`, http.StatusBadRequest},
		{"spawn on unknown vertex", http.MethodPost, "/agents", `{"id":"r2","at":"Z"}`, http.StatusBadRequest},
		{"spawn on occupied vertex", http.MethodPost, "/agents", `{"id":"r2","at":"A"}`, http.StatusConflict},
		{"spawn duplicate id", http.MethodPost, "/agents", `{"id":"r1","at":"B"}`, http.StatusConflict},
		{"spawn bad battery", http.MethodPost, "/agents", `{"id":"r2","at":"B","battery":150}`, http.StatusBadRequest},
		{"missing agent", http.MethodGet, "/agents/ghost", "", http.StatusNotFound},
		{"stop with GET", http.MethodGet, "/fleet/stop", "", http.StatusMethodNotAllowed},
		{"path without params", http.MethodGet, "/path?from=A", "", http.StatusBadRequest},
		{"path unknown vertex", http.MethodGet, "/path?from=A&to=Z", "", http.StatusBadRequest},
		{"no alternate", http.MethodGet, "/path?from=A&to=C&avoid=A->B", "", http.StatusNotFound},
		{"events without store", http.MethodGet, "/events", "", http.StatusNotFound},
		{"archive without store", http.MethodGet, "/tasks?archived=true", "", http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := env.do(t, tc.method, tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("%s %s: status=%d want %d (%s)", tc.method, tc.path, resp.StatusCode, tc.want, body)
			}
			if resp.StatusCode >= 400 && !strings.Contains(string(body), `"error"`) {
				t.Fatalf("error body: %s", body)
			}
		})
	}
}

func TestHandlers_retryAndCancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{}, nil)
	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"A"}`, http.StatusOK, nil)
	env.decode(t, http.MethodPost, "/fleet/stop", "", http.StatusOK, nil)

	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	env.decode(t, http.MethodPost, "/tasks", `{"destination":"C"}`, http.StatusOK, &task)
	env.decode(t, http.MethodPost, "/tasks/"+task.ID+"/retry", "", http.StatusConflict, nil)
	env.decode(t, http.MethodPost, "/tasks/"+task.ID+"/cancel", "", http.StatusOK, &task)
	if task.Status != "cancelled" {
		t.Fatalf("cancel: %+v", task)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{APIKey: "sekret"}, nil)

	env.decode(t, http.MethodGet, "/health", "", http.StatusOK, nil)
	env.decode(t, http.MethodGet, "/agents", "", http.StatusUnauthorized, nil)
	env.decode(t, http.MethodGet, "/agents?api_key=sekret", "", http.StatusOK, nil)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/map", nil)
	req.Header.Set("X-API-Key", "sekret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("header key: status=%d", resp.StatusCode)
	}
}

func TestCORSInDevMode(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{Dev: true}, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/tasks", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin: %q", got)
	}
}

package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "map", "agent", "task", "fleet", "events", "apikey", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
	for path, subs := range map[string][]string{
		"map":   {"validate", "path"},
		"agent": {"spawn", "list"},
		"task":  {"submit", "status", "cancel", "retry", "list"},
		"fleet": {"stop", "resume", "report", "reservations"},
	} {
		cmd, _, err := root.Find([]string{path})
		if err != nil {
			t.Fatalf("Find(%s): %v", path, err)
		}
		have := make(map[string]bool)
		for _, c := range cmd.Commands() {
			have[c.Name()] = true
		}
		for _, s := range subs {
			if !have[s] {
				t.Errorf("%s: missing subcommand %q", path, s)
			}
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	if root.PersistentFlags().Lookup("home") == nil {
		t.Fatal("expected --home persistent flag")
	}
	if root.PersistentFlags().Lookup("addr") == nil {
		t.Fatal("expected --addr persistent flag")
	}
}

func TestApikeyGenerate(t *testing.T) {
	root := NewRootCmd("")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"apikey", "generate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("apikey generate: %v", err)
	}
	out := buf.String()
	hexKey := regexp.MustCompile(`(?m)^  ([a-f0-9]{64})$`)
	if !hexKey.MatchString(out) {
		t.Errorf("output should contain a 64-char hex key on its own line; got:\n%s", out)
	}
	if !strings.Contains(out, "LANEKEEPER_API_KEY") {
		t.Errorf("output should mention LANEKEEPER_API_KEY")
	}
	if !strings.Contains(out, "X-API-Key") {
		t.Errorf("output should mention X-API-Key")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeMap(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "map.json")
	data := `{"vertices":[{"id":"A","x":0,"y":0},{"id":"B","x":1,"y":0},{"id":"C","x":1,"y":1},{"id":"D","x":2,"y":0,"charging_station":true},{"id":"E","x":5,"y":5}],
"lanes":[{"from":"A","to":"B","bidirectional":true},{"from":"B","to":"D","bidirectional":true},{"from":"A","to":"C","bidirectional":true},{"from":"C","to":"D","bidirectional":true},{"from":"D","to":"E"}]}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMapValidate(t *testing.T) {
	out, err := run(t, "--home", t.TempDir(), "map", "validate", "--file", writeMap(t))
	if err != nil {
		t.Fatalf("map validate: %v", err)
	}
	if !strings.Contains(out, "map ok: 5 vertices, 9 lanes, 1 charging stations") {
		t.Fatalf("output: %s", out)
	}
	if !strings.Contains(out, "no charging station reachable from E") {
		t.Fatalf("expected warning for E: %s", out)
	}

	if _, err := run(t, "--home", t.TempDir(), "map", "validate"); err == nil {
		t.Fatal("expected error without a configured map")
	}
}

func TestMapPath(t *testing.T) {
	file := writeMap(t)
	out, err := run(t, "--home", t.TempDir(), "map", "path", "--file", file, "--from", "A", "--to", "D")
	if err != nil {
		t.Fatalf("map path: %v", err)
	}
	if !strings.Contains(out, "A -> B -> D (cost 2.00)") {
		t.Fatalf("output: %s", out)
	}
	out, err = run(t, "--home", t.TempDir(), "map", "path", "--file", file, "--from", "A", "--to", "D", "--avoid", "A->B")
	if err != nil {
		t.Fatalf("map path --avoid: %v", err)
	}
	if !strings.Contains(out, "A -> C -> D") {
		t.Fatalf("alternate output: %s", out)
	}
	if _, err := run(t, "--home", t.TempDir(), "map", "path", "--file", file, "--from", "A"); err == nil {
		t.Fatal("expected error without --to")
	}
}

func TestAgentList_viaAddr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"r1","state":"moving","battery":72.5,"position":{"vertex":"A","lane":"A->B","target":"B","progress":0.5},"stats":{},"task":"t1","queued":0}]`))
	}))
	defer srv.Close()

	out, err := run(t, "--home", t.TempDir(), "--addr", srv.URL, "agent", "list")
	if err != nil {
		t.Fatalf("agent list: %v", err)
	}
	if want := "- r1 moving battery=72.5% at A->B (50%) task=t1"; !strings.Contains(out, want) {
		t.Fatalf("output %q, want %q", out, want)
	}
}

func TestTaskSubmit_daemonDown(t *testing.T) {
	t.Setenv("LANEKEEPER_ADDR", "")
	_, err := run(t, "--home", t.TempDir(), "task", "submit", "B")
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	for in, want := range map[string]string{
		"0.0.0.0:4747":       "http://127.0.0.1:4747",
		"10.0.0.5:80":        "http://10.0.0.5:80",
		"http://fleet:4747/": "http://fleet:4747",
		"localhost":          "http://localhost",
		"[::]:4747":          "http://127.0.0.1:4747",
	} {
		if got := baseURL(in); got != want {
			t.Errorf("baseURL(%q)=%q want %q", in, got, want)
		}
	}
}

package commands

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/engine"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/goal"
)

const testConfig = `
store:
  type: memory
cache:
  type: none
logging:
  level: warn
  format: json
  output: logs/run.log
  llm_log: ""
`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// useApp points the global flags at a fresh app directory.
func useApp(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "goalscript.yaml", testConfig)

	prevRoot, prevConfig, prevVerbose := rootDir, configPath, verbose
	rootDir, configPath, verbose = root, "", false
	t.Cleanup(func() {
		rootDir, configPath, verbose = prevRoot, prevConfig, prevVerbose
	})
	return root
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"name=Ada", "count=3", "tags=[\"a\",\"b\"]", "on=true", "note=a=b"})
	if err != nil {
		t.Fatalf("parseParams: %v", err)
	}
	want := map[string]any{
		"name":  "Ada",
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"on":    true,
		"note":  "a=b",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("parseParams(%q) should fail", bad)
		}
	}
}

func TestLoadConfigResolvesRoot(t *testing.T) {
	root := useApp(t)
	cfg, got, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got != root {
		t.Errorf("root = %s, want %s", got, root)
	}
	if cfg.Store.Type != "memory" || cfg.Cache.Type != "none" {
		t.Errorf("config not read from app root: %+v", cfg.Store)
	}

	verbose = true
	cfg, _, err = loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %s, want debug", cfg.Logging.Level)
	}
}

func TestStackWithoutProvider(t *testing.T) {
	root := useApp(t)
	s, err := newStack(context.Background(), gateway.Discard{})
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	defer s.Close()

	if s.model != nil {
		t.Error("no provider is configured")
	}
	var names []string
	for _, m := range s.registry.Modules() {
		names = append(names, m.Name)
	}
	for _, want := range []string{"file", "goal", "output", "schedule", "shell"} {
		if !strings.Contains(strings.Join(names, ","), want) {
			t.Errorf("module %s not registered: %v", want, names)
		}
	}
	for _, m := range names {
		if m == "llm" {
			t.Error("llm module registered without a model")
		}
	}

	if _, err := s.oracle(); err == nil {
		t.Error("oracle should need a provider")
	}
	if err := s.build(context.Background(), "", false); err == nil {
		t.Error("build should need a provider")
	}
	if _, err := os.Stat(filepath.Join(root, "logs", "run.log")); err != nil {
		t.Errorf("log file not created under the app root: %v", err)
	}
}

func TestRunUsesStoredInstructions(t *testing.T) {
	root := useApp(t)
	writeFile(t, root, "Start.goal", "Start\n- write out hello %name%\n")

	var out bytes.Buffer
	s, err := newStack(context.Background(), gateway.NewConsole(strings.NewReader(""), &out))
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	defer s.Close()

	app, err := apps.Load(root)
	if err != nil {
		t.Fatal(err)
	}
	g, _ := app.Table.Find("Start")
	step := g.Steps[0]
	in := &goal.Instruction{
		Module: "output",
		Function: goal.GenericFunction{
			Name:       "write",
			Parameters: []goal.Parameter{{Name: "content", Value: "hello %name%"}},
		},
		TextHash: step.Hash(),
	}
	if err := s.store.SaveInstruction(context.Background(), g.Path, step.Index, in); err != nil {
		t.Fatal(err)
	}

	res, err := s.engine.Run(context.Background(), root, DefaultGoal, map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State == engine.StateFailed {
		t.Errorf("state = %s", res.State)
	}
	if !strings.Contains(out.String(), "hello Ada") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunWithoutInstructionFails(t *testing.T) {
	root := useApp(t)
	writeFile(t, root, "Start.goal", "Start\n- write out hello\n")

	s, err := newStack(context.Background(), gateway.Discard{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.engine.Run(context.Background(), root, DefaultGoal, nil); err == nil {
		t.Error("expected an error for an unbuilt step")
	}
}

func TestCatalogJSON(t *testing.T) {
	useApp(t)
	s, err := newStack(context.Background(), gateway.Discard{})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	stdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	err = printCatalogJSON(s.registry, []string{"FILE"})
	w.Close()
	os.Stdout = stdout
	if err != nil {
		t.Fatalf("printCatalogJSON: %v", err)
	}

	var buf bytes.Buffer
	buf.ReadFrom(r)
	got := buf.String()
	if !strings.Contains(got, `"name": "file"`) || !strings.Contains(got, `"name": "read"`) {
		t.Errorf("catalog = %s", got)
	}
	if strings.Contains(got, `"name": "shell"`) {
		t.Errorf("catalog not filtered: %s", got)
	}
}

func TestIsSource(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/app/Start.goal", true},
		{"/app/users/Create.GOAL", true},
		{"/app/events.yaml", true},
		{"/app/notes.txt", false},
		{"/app/Start.goal.swp", false},
	}
	for _, tt := range tests {
		if got := isSource(tt.path); got != tt.want {
			t.Errorf("isSource(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if !skipDir(".build") || !skipDir("apps") || skipDir("users") {
		t.Error("skipDir mismatch")
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("build failed")
	err := error(&ExitError{Code: ExitBuildFailed, Err: cause})
	var exit *ExitError
	if !errors.As(err, &exit) || exit.Code != 2 {
		t.Fatalf("errors.As = %v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("ExitError should unwrap to its cause")
	}
}

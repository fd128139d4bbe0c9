package apps

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

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

func TestLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Start.goal", "Start\n- write out hello\n")
	writeFile(t, root, "users/Create.goal", "Create\n- set %name% to bob\n")
	writeFile(t, root, "apps/Other/Start.goal", "Start\n- skip me\n")
	writeFile(t, root, ".build/Cache.goal", "Cache\n- skip me\n")
	writeFile(t, root, "notes.txt", "not a goal")
	writeFile(t, root, "events.yaml", "events:\n  - scope: app\n    timing: before\n    goal: Start\n")

	app, err := Load(root)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var paths []string
	for _, g := range app.Table.Goals() {
		paths = append(paths, g.Path)
	}
	if diff := cmp.Diff([]string{"/Start", "/users/Create"}, paths); diff != "" {
		t.Errorf("goal paths mismatch (-want +got):\n%s", diff)
	}
	if got := app.Events.Targets(); len(got) != 1 || got[0] != "Start" {
		t.Errorf("expected events.yaml to load, got %v", got)
	}
	if g, ok := app.Table.Find("Create"); !ok || g.AppRoot != app.Root {
		t.Errorf("expected Create with app root, got %+v", g)
	}
}

func TestLoadDuplicateGoal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "A.goal", "Start\n- one\n")
	writeFile(t, root, "B.goal", "Start\n- two\n")
	if _, err := Load(root); err == nil {
		t.Error("expected duplicate goal error")
	}
}

func TestSplitAppRef(t *testing.T) {
	tests := []struct {
		ref, app, goal string
		ok             bool
	}{
		{"apps/Mail/Send", "Mail", "Send", true},
		{"/apps/Mail/users/Send", "Mail", "users/Send", true},
		{"apps/Mail", "", "", false},
		{"Start", "", "", false},
	}
	for _, tt := range tests {
		app, g, ok := SplitAppRef(tt.ref)
		if app != tt.app || g != tt.goal || ok != tt.ok {
			t.Errorf("SplitAppRef(%q) = %q, %q, %v", tt.ref, app, g, ok)
		}
	}
}

func bundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestInstaller(t *testing.T) {
	data := bundle(t, map[string]string{"Start.goal": "Start\n- write out hi\n"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Mail.zip" {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	defer srv.Close()

	root := t.TempDir()
	in := NewInstaller(srv.URL+"/", zerolog.Nop())
	dest := SubAppRoot(root, "Mail")
	if err := in.Install(context.Background(), "Mail", dest); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	app, err := Load(dest)
	if err != nil {
		t.Fatalf("Load installed app failed: %v", err)
	}
	if _, ok := app.Table.Find("Start"); !ok {
		t.Error("installed app has no Start goal")
	}

	if err := in.Install(context.Background(), "Missing", SubAppRoot(root, "Missing")); err == nil {
		t.Error("expected error for missing bundle")
	}
	if err := in.Install(context.Background(), "../evil", SubAppRoot(root, "x")); err == nil {
		t.Error("expected invalid name error")
	}
}

func TestUnpackRejectsTraversal(t *testing.T) {
	data := bundle(t, map[string]string{"../escape.goal": "x"})
	dest := filepath.Join(t.TempDir(), "apps", "Bad")
	if err := Unpack(data, dest); err == nil {
		t.Error("expected traversal error")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination should not exist after a rejected bundle")
	}
}

// Package apps loads goal apps from disk and installs missing ones from a
// remote registry.
package apps

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rahul/goalscript/internal/events"
	"github.com/rahul/goalscript/internal/goal"
)

// GoalExt is the extension of goal source files.
const GoalExt = ".goal"

// AppsDir holds independently rooted sub-apps.
const AppsDir = "apps"

// App is one loaded goal app.
type App struct {
	Name   string
	Root   string
	Table  *goal.Table
	Events *events.Registry
}

// Load parses every goal file below root and its events.yaml.
func Load(root string) (*App, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve app root: %w", err)
	}

	files, err := GoalFiles(abs)
	if err != nil {
		return nil, err
	}

	table, err := goal.NewTable()
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		goals, err := goal.ParseFile(abs, rel)
		if err != nil {
			return nil, err
		}
		for _, g := range goals {
			if err := table.Add(g); err != nil {
				return nil, fmt.Errorf("%s: %w", rel, err)
			}
		}
	}

	reg, err := events.Load(abs)
	if err != nil {
		return nil, err
	}

	return &App{
		Name:   filepath.Base(abs),
		Root:   abs,
		Table:  table,
		Events: reg,
	}, nil
}

// GoalFiles lists the goal files of an app relative to root, skipping
// sub-apps and hidden directories.
func GoalFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if rel, _ := filepath.Rel(root, path); rel == AppsDir {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != GoalExt {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan goal files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// SubAppRoot returns the root of a sub-app of the app at root.
func SubAppRoot(root, name string) string {
	return filepath.Join(root, AppsDir, name)
}

// SplitAppRef splits "apps/<App>/<Goal>" into its app and goal parts.
func SplitAppRef(ref string) (app, goalRef string, ok bool) {
	ref = strings.TrimPrefix(ref, "/")
	if !strings.HasPrefix(strings.ToLower(ref), AppsDir+"/") {
		return "", "", false
	}
	rest := ref[len(AppsDir)+1:]
	app, goalRef, found := strings.Cut(rest, "/")
	if !found || app == "" || goalRef == "" {
		return "", "", false
	}
	return app, goalRef, true
}

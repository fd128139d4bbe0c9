package goal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// IndentWidth is the number of spaces per step indent level.
const IndentWidth = 2

var (
	handlerLine = regexp.MustCompile(`(?i)^on\s+error\s+call\s+([^\s,]+)\s*(?:,\s*(continue|substitute|propagate))?\s*$`)
	retrySuffix = regexp.MustCompile(`(?i),\s*retry\s*$`)
	retryPrefix = regexp.MustCompile(`(?i)^\[retry\]\s*`)
)

// ParseFile reads one .goal file. rel is the file path relative to the app
// root and determines the directory part of each goal's Path.
func ParseFile(appRoot, rel string) ([]*Goal, error) {
	f, err := os.Open(filepath.Join(appRoot, rel))
	if err != nil {
		return nil, fmt.Errorf("open goal file: %w", err)
	}
	defer f.Close()

	goals, err := Parse(f, filepath.ToSlash(filepath.Dir(rel)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rel, err)
	}
	for _, g := range goals {
		g.AppRoot = appRoot
	}
	return goals, nil
}

// Parse reads goals from r. dir is the app-relative directory the goals
// live in ("." or "" for the root).
//
// An unindented line without a leading dash starts a goal; further plain
// lines before the first step describe it. "- text" lines are steps and
// every IndentWidth spaces before the dash add one indent level. Deeper
// indented plain lines continue the previous step.
func Parse(r io.Reader, dir string) ([]*Goal, error) {
	var (
		goals   []*Goal
		cur     *Goal
		last    *Step
		lastCol int
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.ReplaceAll(strings.TrimRight(sc.Text(), " \t\r"), "\t", "    ")
		trimmed := strings.TrimLeft(raw, " ")
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		col := len(raw) - len(trimmed)

		if strings.HasPrefix(trimmed, "-") {
			if cur == nil {
				return nil, fmt.Errorf("line %d: step before any goal", lineNo)
			}
			text := strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
			if m := handlerLine.FindStringSubmatch(text); m != nil {
				if last == nil {
					return nil, fmt.Errorf("line %d: error handler without a step", lineNo)
				}
				verdict := VerdictPropagate
				if m[2] != "" {
					verdict = Verdict(strings.ToLower(m[2]))
				}
				last.ErrorHandler = &ErrorHandler{GoalName: m[1], Verdict: verdict}
				continue
			}
			retry, text := retryFlag(text)
			last = &Step{Text: text, Indent: col / IndentWidth, Retry: retry}
			lastCol = col
			cur.Steps = append(cur.Steps, last)
			continue
		}

		if last != nil && col > lastCol {
			last.Text += "\n" + trimmed
			continue
		}

		if col == 0 && (cur == nil || len(cur.Steps) > 0) {
			cur = newGoal(trimmed, dir)
			goals = append(goals, cur)
			last = nil
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: indented text before any goal", lineNo)
		}
		if cur.Description != "" {
			cur.Description += "\n"
		}
		cur.Description += trimmed
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read goal file: %w", err)
	}

	for _, g := range goals {
		for i, s := range g.Steps {
			s.Index = i
		}
	}
	return goals, nil
}

func newGoal(line, dir string) *Goal {
	name := strings.Fields(line)[0]
	g := &Goal{
		Name:       name,
		Path:       goalPath(dir, name),
		Visibility: VisibilityPublic,
	}
	if strings.HasPrefix(name, "_") {
		g.Visibility = VisibilityPrivate
	}
	if rest := strings.TrimSpace(strings.TrimPrefix(line, name)); rest != "" {
		g.Description = rest
	}
	return g
}

func goalPath(dir, name string) string {
	if dir == "" || dir == "." {
		return "/" + name
	}
	return path.Join("/", dir, name)
}

func retryFlag(text string) (bool, string) {
	if retryPrefix.MatchString(text) {
		return true, retryPrefix.ReplaceAllString(text, "")
	}
	if retrySuffix.MatchString(text) {
		return true, retrySuffix.ReplaceAllString(text, "")
	}
	return false, text
}

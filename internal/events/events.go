// Package events loads the event bindings and error handlers an app
// declares in events.yaml.
package events

import (
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/rahul/goalscript/internal/goal"
)

// FileName is the per-app bindings file.
const FileName = "events.yaml"

type Scope string

const (
	ScopeApp  Scope = "app"
	ScopeGoal Scope = "goal"
	ScopeStep Scope = "step"
)

type Timing string

const (
	Before Timing = "before"
	After  Timing = "after"
)

type Trigger string

const (
	Always  Trigger = "always"
	OnError Trigger = "on_error"
)

// Binding attaches a goal to a lifecycle point.
type Binding struct {
	Scope   Scope   `yaml:"scope" validate:"required,oneof=app goal step"`
	Timing  Timing  `yaml:"timing" validate:"required,oneof=before after"`
	Trigger Trigger `yaml:"trigger" validate:"omitempty,oneof=always on_error"`
	Goal    string  `yaml:"goal" validate:"required"`
	// MatchGoal is a path.Match pattern tested against the goal path and
	// name. Empty matches every goal.
	MatchGoal string `yaml:"match_goal"`
	// MatchStep is a regular expression tested against the step text.
	MatchStep   string `yaml:"match_step"`
	IgnoreError bool   `yaml:"ignore_error"`

	stepRe *regexp.Regexp
}

// HandlerBinding declares an error handler at goal or app scope.
type HandlerBinding struct {
	Scope      Scope        `yaml:"scope" validate:"required,oneof=goal app"`
	Goal       string       `yaml:"goal" validate:"required"`
	MatchGoal  string       `yaml:"match_goal"`
	Verdict    goal.Verdict `yaml:"verdict" validate:"omitempty,oneof=continue substitute propagate"`
	Key        string       `yaml:"key"`
	StatusCode int          `yaml:"status_code"`
}

// File is the document shape of events.yaml.
type File struct {
	Events        []Binding        `yaml:"events" validate:"dive"`
	ErrorHandlers []HandlerBinding `yaml:"error_handlers" validate:"dive"`
}

// Registry holds an app's bindings. It is read-only after loading.
type Registry struct {
	events   []Binding
	handlers []HandlerBinding
}

// Empty returns a registry without bindings.
func Empty() *Registry {
	return &Registry{}
}

// Load reads events.yaml from an app root. A missing file yields an
// empty registry.
func Load(appRoot string) (*Registry, error) {
	f, err := os.Open(path.Join(appRoot, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("open %s: %w", FileName, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a bindings document.
func Parse(r io.Reader) (*Registry, error) {
	var doc File
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode %s: %w", FileName, err)
	}
	if err := validator.New().Struct(doc); err != nil {
		return nil, fmt.Errorf("%s validation failed: %w", FileName, err)
	}
	return New(doc.Events, doc.ErrorHandlers)
}

// New builds a registry from bindings.
func New(bindings []Binding, handlers []HandlerBinding) (*Registry, error) {
	reg := &Registry{}
	for _, b := range bindings {
		if b.Trigger == "" {
			b.Trigger = Always
		}
		if b.MatchGoal != "" {
			if _, err := path.Match(b.MatchGoal, ""); err != nil {
				return nil, fmt.Errorf("event %s: bad match_goal: %w", b.Goal, err)
			}
		}
		if b.MatchStep != "" {
			re, err := regexp.Compile(b.MatchStep)
			if err != nil {
				return nil, fmt.Errorf("event %s: bad match_step: %w", b.Goal, err)
			}
			b.stepRe = re
		}
		reg.events = append(reg.events, b)
	}
	for _, h := range handlers {
		if h.Verdict == "" {
			h.Verdict = goal.VerdictPropagate
		}
		reg.handlers = append(reg.handlers, h)
	}
	return reg, nil
}

// Match returns the bindings for a lifecycle point in declaration order.
// s is nil for app and goal scope. failed selects whether on-error
// bindings apply.
func (r *Registry) Match(scope Scope, timing Timing, g *goal.Goal, s *goal.Step, failed bool) []Binding {
	if r == nil {
		return nil
	}
	var out []Binding
	for _, b := range r.events {
		if b.Scope != scope || b.Timing != timing {
			continue
		}
		if b.Trigger == OnError && !failed {
			continue
		}
		if g != nil && !matchGoal(b.MatchGoal, g) {
			continue
		}
		if s != nil && b.stepRe != nil && !b.stepRe.MatchString(s.Text) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Handler returns the first error handler bound at scope that applies to
// g and err.
func (r *Registry) Handler(scope Scope, g *goal.Goal, err error) *goal.ErrorHandler {
	if r == nil {
		return nil
	}
	for _, h := range r.handlers {
		if h.Scope != scope || !matchGoal(h.MatchGoal, g) {
			continue
		}
		eh := &goal.ErrorHandler{GoalName: h.Goal, Verdict: h.Verdict, Key: h.Key, StatusCode: h.StatusCode}
		if eh.Matches(err) {
			return eh
		}
	}
	return nil
}

// Targets lists every goal named by a binding or handler.
func (r *Registry) Targets() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, b := range r.events {
		out = append(out, b.Goal)
	}
	for _, h := range r.handlers {
		out = append(out, h.Goal)
	}
	return out
}

func matchGoal(pattern string, g *goal.Goal) bool {
	if pattern == "" {
		return true
	}
	if ok, _ := path.Match(pattern, g.Path); ok {
		return true
	}
	ok, _ := path.Match(strings.ToLower(pattern), strings.ToLower(g.Name))
	return ok
}

// Package modules implements the built-in capability modules steps
// compile to.
package modules

import (
	"context"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/memory"
	"github.com/rahul/goalscript/internal/store"
)

// DefaultOwner owns scheduled tasks created outside a chat.
const DefaultOwner = "local"

type ownerKey struct{}

// WithOwner tags ctx with the chat or user a run belongs to.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// Owner returns the owner tagged on ctx, or DefaultOwner.
func Owner(ctx context.Context) string {
	if o, ok := ctx.Value(ownerKey{}).(string); ok && o != "" {
		return o
	}
	return DefaultOwner
}

// Deps are the services the built-in modules use. Modules whose
// dependency is missing are not registered.
type Deps struct {
	// Workspace confines the file module. Defaults to the app root.
	Workspace string
	Tasks     store.TaskStore
	History   store.HistoryStore
	Model     llms.Model
	// Headless runs the browser without a window.
	Headless bool
}

// Defaults returns the built-in modules that deps can support.
func Defaults(deps Deps) []capability.Module {
	mods := []capability.Module{
		Goal{},
		Variable{},
		Condition{},
		Output{},
		NewFile(deps.Workspace),
		NewShell(),
		NewWeb(),
		NewBrowser(deps.Headless),
	}
	if deps.Tasks != nil {
		mods = append(mods, NewSchedule(deps.Tasks))
	}
	if deps.Model != nil {
		mods = append(mods, NewLLM(deps.Model, deps.History))
	}
	return mods
}

// Register adds the built-in modules to reg.
func Register(reg *capability.Registry, deps Deps) error {
	for _, m := range Defaults(deps) {
		if err := reg.Register(m); err != nil {
			return err
		}
	}
	return nil
}

// target returns the stack a variable name writes to. Names starting
// with "!" address the app-wide context.
func target(s *memory.Stack, name string) (*memory.Stack, string) {
	name = memory.Name(name)
	if rest, ok := strings.CutPrefix(name, "!"); ok {
		for s.Parent() != nil {
			s = s.Parent()
		}
		return s, rest
	}
	return s, name
}

// Package engine interprets built goals. An Engine owns a pool of
// instances; each instance is bound to one app root and runs one goal
// invocation chain at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/retry"
	"github.com/rahul/goalscript/internal/store"
)

// DefaultMaxDepth bounds nested goal invocations per instance.
const DefaultMaxDepth = 64

// RunGoalRequest asks an instance to invoke a goal.
type RunGoalRequest = capability.RunGoalRequest

// State is the phase of a goal execution.
type State string

const (
	StateIdle             State = "idle"
	StateBeforeGoalEvents State = "before_goal_events"
	StateStepLoop         State = "step_loop"
	StateAfterGoalEvents  State = "after_goal_events"
	StateReturned         State = "returned"
	StateFailed           State = "failed"
	StateEndedApp         State = "ended_app"
)

// Result is the outcome of one goal execution. Sentinel terminations are
// reported here, not as errors.
type Result struct {
	Goal         string
	State        State
	ReturnValues map[string]any
	Message      string
	Levels       int
}

// Installer fetches a missing sub-app into dest.
type Installer interface {
	Install(ctx context.Context, name, dest string) error
}

// Observer receives execution progress.
type Observer interface {
	StepStarted(instance, goalPath string, index int, text string)
	StepFinished(goalPath string, index int, elapsed time.Duration, err error)
	GoalFinished(goalPath, state string, elapsed time.Duration)
}

// Options configure an Engine.
type Options struct {
	Dispatcher *capability.Dispatcher
	Store      store.InstructionStore
	Sink       gateway.Sink
	Retry      retry.Policy
	Installer  Installer
	Observer   Observer
	Tracer     trace.Tracer
	Log        zerolog.Logger

	// Loader reads an app from disk. Defaults to apps.Load.
	Loader func(root string) (*apps.App, error)

	MaxDepth int
	Debug    bool
}

// Engine shares loaded apps and dependencies between pooled instances.
type Engine struct {
	opts Options
	log  zerolog.Logger
	pool *Pool

	mu   sync.Mutex
	apps map[string]*apps.App
}

func New(opts Options) *Engine {
	if opts.Loader == nil {
		opts.Loader = apps.Load
	}
	if opts.Retry == nil {
		opts.Retry = retry.Default()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/rahul/goalscript/internal/engine")
	}
	if opts.Sink == nil {
		opts.Sink = gateway.Discard{}
	}
	e := &Engine{
		opts: opts,
		log:  opts.Log.With().Str("component", "engine").Logger(),
		apps: make(map[string]*apps.App),
	}
	e.pool = NewPool(e.newInstance)
	return e
}

// Pool returns the instance pool.
func (e *Engine) Pool() *Pool {
	return e.pool
}

// App returns the loaded app at root, loading it and its persisted
// instructions on first use.
func (e *Engine) App(ctx context.Context, root string) (*apps.App, error) {
	root = rootKey(root)
	e.mu.Lock()
	defer e.mu.Unlock()
	if app, ok := e.apps[root]; ok {
		return app, nil
	}
	app, err := e.opts.Loader(root)
	if err != nil {
		return nil, err
	}
	if err := e.hydrate(ctx, app); err != nil {
		return nil, err
	}
	e.apps[root] = app
	return app, nil
}

// Forget drops a cached app so the next rental reloads it.
func (e *Engine) Forget(root string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.apps, rootKey(root))
}

// hydrate attaches persisted instructions to the steps of app. Steps are
// read-only once the app is shared between instances.
func (e *Engine) hydrate(ctx context.Context, app *apps.App) error {
	if e.opts.Store == nil {
		return nil
	}
	for _, g := range app.Table.Goals() {
		for _, s := range g.Steps {
			if s.Instruction.Valid(s) {
				continue
			}
			in, err := e.opts.Store.LoadInstruction(ctx, g.Path, s.Index)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load instruction %s:%d: %w", g.Path, s.Index, err)
			}
			if in.Valid(s) {
				s.Instruction = in
			}
		}
	}
	return nil
}

func (e *Engine) newInstance(root string) (*Instance, error) {
	app, err := e.App(context.Background(), root)
	if err != nil {
		return nil, err
	}
	return newInstance(e, app), nil
}

// Run executes a goal of the app at root on a rented instance. App-scope
// events fire around the goal.
func (e *Engine) Run(ctx context.Context, root, goalRef string, params map[string]any) (*Result, error) {
	var res *Result
	err := e.pool.With(ctx, root, func(inst *Instance) error {
		var err error
		res, err = inst.Start(ctx, goalRef, params)
		return err
	})
	return res, err
}

// subAppRoot resolves a sub-app of the app at root, installing it when
// missing.
func (e *Engine) subAppRoot(ctx context.Context, root, name string) (string, error) {
	dir := apps.SubAppRoot(root, name)
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}
	if e.opts.Installer == nil {
		return "", errs.Goal(errs.KeyGoalNotFound, fmt.Sprintf("app %s is not installed", name), errs.Provenance{GoalName: name}).
			WithFix("Install the app with 'goalscript install " + name + "'.")
	}
	if err := e.opts.Installer.Install(ctx, name, dir); err != nil {
		return "", fmt.Errorf("install app %s: %w", name, err)
	}
	return dir, nil
}

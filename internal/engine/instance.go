package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/events"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/memory"
)

// Instance runs goals of one app. It is not safe for concurrent use;
// callers rent it from the Pool.
type Instance struct {
	ID string

	engine *Engine
	app    *apps.App
	root   string
	label  string
	log    zerolog.Logger

	// top is the app-wide context. frames holds the stack of every
	// active goal invocation, innermost last.
	top    *memory.Stack
	frames []*memory.Stack

	// inEvent is non-zero while an event-bound goal runs. Events do not
	// fire for goals run by events.
	inEvent int

	// sink overrides the engine sink for the current rental.
	sink gateway.Sink
}

func newInstance(e *Engine, app *apps.App) *Instance {
	id := uuid.NewString()
	return &Instance{
		ID:     id,
		engine: e,
		app:    app,
		root:   app.Root,
		log:    e.log.With().Str("instance", id).Str("app", app.Name).Logger(),
		top:    memory.New(nil),
	}
}

func (i *Instance) reset() {
	i.top = memory.New(nil)
	i.frames = nil
	i.inEvent = 0
	i.label = ""
	i.sink = nil
}

// Label is the correlation label of the current rental.
func (i *Instance) Label() string {
	return i.label
}

// App returns the app the instance is bound to.
func (i *Instance) App() *apps.App {
	return i.app
}

// Top returns the app-wide context stack.
func (i *Instance) Top() *memory.Stack {
	return i.top
}

// Sink implements capability.Runtime.
func (i *Instance) Sink() gateway.Sink {
	if i.sink != nil {
		return i.sink
	}
	return i.engine.opts.Sink
}

// AppRoot implements capability.Runtime.
func (i *Instance) AppRoot() string {
	return i.root
}

// current returns the stack of the innermost active goal.
func (i *Instance) current() *memory.Stack {
	if n := len(i.frames); n > 0 {
		return i.frames[n-1]
	}
	return i.top
}

// Start runs a goal as the entry point of an app run. App-scope events
// fire before and after it.
func (i *Instance) Start(ctx context.Context, goalRef string, params map[string]any) (*Result, error) {
	g, ok := i.app.Table.Find(goalRef)
	if !ok {
		return nil, goalNotFound(goalRef)
	}
	if s, ok := gateway.SinkFrom(ctx); ok {
		i.sink = s
	}
	log := i.log.With().Str("goal", g.Path).Str("run", i.label).Logger()
	log.Info().Msg("Starting app run")

	res := &Result{Goal: g.Path, State: StateIdle}
	err := i.fireEvents(ctx, events.ScopeApp, events.Before, g, nil, nil)
	if err == nil {
		stack := memory.New(i.top)
		for k, v := range params {
			if err = stack.Put(k, v); err != nil {
				break
			}
		}
		if err == nil {
			res, err = i.Execute(ctx, g, stack)
		}
	}

	if evErr := i.fireEvents(ctx, events.ScopeApp, events.After, g, nil, err); evErr != nil {
		err = evErr
	}
	if err != nil {
		if res == nil {
			res = &Result{Goal: g.Path}
		}
		res.State = StateFailed
		log.Error().Err(err).Msg("App run failed")
		return res, err
	}
	log.Info().Str("state", string(res.State)).Msg("App run finished")
	return res, nil
}

// Execute runs g with stack as its variable scope.
func (i *Instance) Execute(ctx context.Context, g *goal.Goal, stack *memory.Stack) (*Result, error) {
	res := &Result{Goal: g.Path, State: StateIdle}
	if len(i.frames) >= i.engine.opts.MaxDepth {
		e := errs.Goal(errs.KeyCallStackOverflow,
			fmt.Sprintf("goal nesting exceeds %d levels", i.engine.opts.MaxDepth), g.Ref())
		e.Fatal = true
		res.State = StateFailed
		return res, e
	}

	i.frames = append(i.frames, stack)
	defer func() { i.frames = i.frames[:len(i.frames)-1] }()

	ctx, span := i.engine.opts.Tracer.Start(ctx, "goal "+g.Path)
	defer span.End()
	start := time.Now()

	res.State = StateBeforeGoalEvents
	err := i.fireEvents(ctx, events.ScopeGoal, events.Before, g, nil, nil)
	if err == nil {
		res.State = StateStepLoop
		err = i.stepLoop(ctx, g, stack)
	}

	res.State = StateAfterGoalEvents
	if evErr := i.fireEvents(ctx, events.ScopeGoal, events.After, g, nil, err); evErr != nil {
		err = evErr
	}

	err = i.settle(res, g, err)
	if err != nil {
		span.RecordError(err)
	}
	if o := i.engine.opts.Observer; o != nil {
		o.GoalFinished(g.Path, string(res.State), time.Since(start))
	}
	return res, err
}

// settle maps the terminating error of a goal onto its result.
func (i *Instance) settle(res *Result, g *goal.Goal, err error) error {
	if err == nil {
		res.State = StateReturned
		return nil
	}
	e, ok := err.(*errs.Error)
	if ok && e.IsSentinel() {
		res.Message = e.Message
		res.Levels = e.Levels
		switch e.Kind {
		case errs.KindEndApp:
			res.State = StateEndedApp
		case errs.KindReturn:
			res.State = StateReturned
			res.ReturnValues = e.ReturnValues
			res.Levels = 0
		default:
			res.State = StateReturned
		}
		return nil
	}

	res.State = StateFailed
	if ok {
		e.WithProvenance(g.Ref())
		return e
	}
	return errs.Goal(errs.KeyStepFailed, err.Error(), g.Ref()).WithCause(err)
}

// RunGoal implements capability.Runtime.
func (i *Instance) RunGoal(ctx context.Context, req RunGoalRequest) (map[string]any, error) {
	params := make(map[string]any, len(req.Parameters))
	for k, v := range req.Parameters {
		if name, ok := strings.CutPrefix(k, "!"); ok {
			if err := i.top.Put(name, v); err != nil {
				return nil, err
			}
			continue
		}
		params[k] = v
	}

	root, ref, foreign, err := i.resolve(ctx, req.Goal)
	if err != nil {
		return nil, err
	}

	if !req.Wait {
		i.detach(ctx, root, ref, params, req.Delay)
		return nil, nil
	}

	if req.Delay > 0 {
		timer := time.NewTimer(req.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if !foreign {
		var stack *memory.Stack
		if !req.Isolate {
			stack = i.current()
		}
		return i.invoke(ctx, ref, params, stack, false)
	}

	var out map[string]any
	err = i.engine.pool.With(ctx, root, func(inst *Instance) error {
		var err error
		inst.sink = i.sink
		out, err = inst.invoke(ctx, ref, params, nil, true)
		return err
	})
	return out, err
}

// detach runs a goal on its own rented instance without waiting for it.
func (i *Instance) detach(ctx context.Context, root, ref string, params map[string]any, delay time.Duration) {
	ctx = context.WithoutCancel(ctx)
	log := i.log.With().Str("goal", ref).Logger()
	sink := i.sink
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		err := i.engine.pool.With(ctx, root, func(inst *Instance) error {
			inst.sink = sink
			_, err := inst.invoke(ctx, ref, params, nil, root != i.root)
			return err
		})
		if err != nil && !errs.IsSentinel(err) {
			log.Error().Err(err).Msg("Detached goal failed")
		}
	}()
}

// resolve maps a goal reference onto an app root. foreign is true when
// the goal lives in a sub-app.
func (i *Instance) resolve(ctx context.Context, ref string) (root, goalRef string, foreign bool, err error) {
	name, sub, ok := apps.SplitAppRef(ref)
	if !ok {
		return i.root, ref, false, nil
	}
	root, err = i.engine.subAppRoot(ctx, i.root, name)
	if err != nil {
		return "", "", false, err
	}
	return root, sub, true, nil
}

// invoke runs a goal of this instance's app and converts its result for
// the caller. A nil stack gives the goal a fresh scope over the app-wide
// context.
func (i *Instance) invoke(ctx context.Context, ref string, params map[string]any, stack *memory.Stack, foreign bool) (map[string]any, error) {
	g, ok := i.app.Table.Find(ref)
	if !ok {
		return nil, goalNotFound(ref)
	}
	if foreign && g.Visibility == goal.VisibilityPrivate {
		return nil, errs.Goal(errs.KeyGoalNotFound, fmt.Sprintf("goal %s is private to its app", g.Name), g.Ref())
	}
	if stack == nil {
		stack = memory.New(i.top)
	}
	for k, v := range params {
		if err := stack.Put(k, v); err != nil {
			return nil, err
		}
	}

	res, err := i.Execute(ctx, g, stack)
	if err != nil {
		return nil, err
	}
	switch {
	case res.State == StateEndedApp:
		return nil, errs.EndApp(res.Message)
	case res.Levels > 1:
		return nil, errs.EndGoal(res.Message, res.Levels-1)
	}
	return res.ReturnValues, nil
}

func goalNotFound(ref string) *errs.Error {
	return errs.Goal(errs.KeyGoalNotFound, fmt.Sprintf("goal %s does not exist", ref), errs.Provenance{GoalName: ref}).
		WithStatus(404)
}

// fireEvents runs the event-bound goals for a lifecycle point. failure
// is the error the goal or step ended with, if any.
func (i *Instance) fireEvents(ctx context.Context, scope events.Scope, timing events.Timing, g *goal.Goal, s *goal.Step, failure error) error {
	if i.inEvent > 0 {
		return nil
	}
	failed := failure != nil && !errs.IsSentinel(failure)
	bindings := i.app.Events.Match(scope, timing, g, s, failed)
	if len(bindings) == 0 {
		return nil
	}

	prov := g.Ref()
	params := map[string]any{"goal": g.Path}
	if s != nil {
		prov = i.app.Table.Provenance(s)
		params["step"] = s.Text
	}
	if failed {
		params["error"] = errorValue(failure)
	}

	i.inEvent++
	defer func() { i.inEvent-- }()
	for _, b := range bindings {
		_, err := i.RunGoal(ctx, RunGoalRequest{Goal: b.Goal, Parameters: params, Wait: true, Isolate: true})
		if err == nil || errs.IsSentinel(err) {
			continue
		}
		if b.IgnoreError {
			i.log.Warn().Err(err).Str("event", b.Goal).Msg("Ignoring failed event")
			continue
		}
		var initial error
		if failed {
			initial = failure
		}
		return errs.Event(err, initial, false, prov)
	}
	return nil
}

// errorValue exposes an error to goals as a map.
func errorValue(err error) map[string]any {
	v := map[string]any{"message": err.Error()}
	var e *errs.Error
	if errors.As(err, &e) {
		v["key"] = e.Key
		v["message"] = e.Message
		v["status_code"] = e.StatusCode
		v["kind"] = string(e.Kind)
		if e.FixSuggestion != "" {
			v["fix"] = e.FixSuggestion
		}
	}
	return v
}

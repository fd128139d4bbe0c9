package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/events"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/retry"
)

// recorder records the values passed to the mark operation.
type recorder struct {
	mu     sync.Mutex
	marks  []string
	counts map[string]int
}

func (tr *recorder) add(v string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.marks = append(tr.marks, v)
}

func (tr *recorder) hit(key string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.counts == nil {
		tr.counts = make(map[string]int)
	}
	tr.counts[key]++
	return tr.counts[key]
}

func (tr *recorder) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.marks...)
}

type testModule struct{ tr *recorder }

func (m testModule) Name() string        { return "t" }
func (m testModule) Description() string { return "test operations" }

func (m testModule) Operations() []capability.Operation {
	value := []capability.ParamSpec{{Name: "value", Type: capability.TypeAny}}
	return []capability.Operation{
		{Name: "mark", Params: value, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			m.tr.add(fmt.Sprint(inv.Arg("value")))
			return nil, nil
		}},
		{Name: "echo", Params: value, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return inv.Arg("value"), nil
		}},
		{Name: "fail", Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return nil, errors.New("boom")
		}},
		{Name: "throw", Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			m.tr.hit("throw")
			return nil, errs.UserDefined("Rejected", "not allowed", 400)
		}},
		{Name: "flaky", Params: []capability.ParamSpec{{Name: "times", Type: capability.TypeInt, Required: true}},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				if n := m.tr.hit("flaky"); int64(n) <= inv.Int("times") {
					return nil, fmt.Errorf("attempt %d failed", n)
				}
				return "ok", nil
			}},
		{Name: "end", Params: []capability.ParamSpec{
			{Name: "value", Type: capability.TypeString},
			{Name: "levels", Type: capability.TypeInt, Default: int64(1)},
		}, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return nil, errs.EndGoal(inv.String("value"), int(inv.Int("levels")))
		}},
		{Name: "endapp", Params: value, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return nil, errs.EndApp(fmt.Sprint(inv.Arg("value")))
		}},
		{Name: "ret", Params: value, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return nil, errs.Return(map[string]any{"value": inv.Arg("value")})
		}},
		{Name: "call", Params: []capability.ParamSpec{{Name: "goal", Type: capability.TypeString, Required: true}},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				return inv.Runtime.RunGoal(ctx, capability.NewRunGoalRequest(inv.String("goal"), nil))
			}},
		{Name: "check", Params: value, Conditional: true, Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
			return inv.Arg("value"), nil
		}},
	}
}

// compile turns "op k=v bare -> ret" into an instruction. A bare token
// binds the value parameter.
func compile(s *goal.Step) *goal.Instruction {
	text, ret, _ := strings.Cut(s.Text, "->")
	fields := strings.Fields(text)
	fn := goal.GenericFunction{Name: fields[0]}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			k, v = "value", f
		}
		fn.Parameters = append(fn.Parameters, goal.Parameter{Name: k, Value: v})
	}
	if ret = strings.TrimSpace(ret); ret != "" {
		fn.ReturnValues = []goal.ReturnValue{{VariableName: ret}}
	}
	return &goal.Instruction{Module: "t", Function: fn, TextHash: s.Hash()}
}

func testApp(t *testing.T, root, src, eventsDoc string) *apps.App {
	t.Helper()
	goals, err := goal.Parse(strings.NewReader(src), ".")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	table, err := goal.NewTable(goals...)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range goals {
		g.AppRoot = root
		for _, s := range g.Steps {
			s.Instruction = compile(s)
		}
	}
	reg := events.Empty()
	if eventsDoc != "" {
		if reg, err = events.Parse(strings.NewReader(eventsDoc)); err != nil {
			t.Fatalf("events.Parse failed: %v", err)
		}
	}
	return &apps.App{Name: filepath.Base(root), Root: root, Table: table, Events: reg}
}

type fixture struct {
	engine *Engine
	rec    *recorder
	apps   map[string]*apps.App
	mu     sync.Mutex
}

func newFixture(t *testing.T, src, eventsDoc string) *fixture {
	t.Helper()
	f := &fixture{rec: &recorder{}, apps: make(map[string]*apps.App)}
	f.apps["/app"] = testApp(t, "/app", src, eventsDoc)

	reg := capability.NewRegistry().MustRegister(testModule{tr: f.rec})
	f.engine = New(Options{
		Dispatcher: capability.NewDispatcher(reg, nil, zerolog.Nop()),
		Retry:      retry.Fixed(3),
		Log:        zerolog.Nop(),
		Loader: func(root string) (*apps.App, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if app, ok := f.apps[root]; ok {
				return app, nil
			}
			return nil, fmt.Errorf("no app at %s", root)
		},
	})
	return f
}

func (f *fixture) run(t *testing.T, goalName string) (*Result, error) {
	t.Helper()
	return f.engine.Run(context.Background(), "/app", goalName, nil)
}

func TestUnhandledFailureStopsGoal(t *testing.T) {
	f := newFixture(t, `
Main
- mark one
- fail
- mark three
Audit
- mark audit
`, `
events:
  - scope: goal
    timing: after
    goal: Audit
    match_goal: /Main
`)

	res, err := f.run(t, "Main")
	if err == nil {
		t.Fatal("expected failure")
	}
	if res.State != StateFailed {
		t.Errorf("expected failed state, got %s", res.State)
	}
	if diff := cmp.Diff([]string{"one", "audit"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
	d := errs.Deepest(err)
	if d == nil || d.Provenance.StepIndex != 1 || d.Provenance.GoalPath != "/Main" {
		t.Errorf("expected provenance at step 1 of /Main, got %+v", d)
	}
}

func TestEndGoalIsSuccess(t *testing.T) {
	f := newFixture(t, `
Main
- mark a
- end done
- mark b
Outer
- call goal=Inner
- mark after
Inner
- end value=bye levels=2
Audit
- mark audit
`, `
events:
  - scope: goal
    timing: after
    goal: Audit
    match_goal: /Main
`)

	res, err := f.run(t, "Main")
	if err != nil {
		t.Fatalf("EndGoal should not fail: %v", err)
	}
	want := &Result{Goal: "/Main", State: StateReturned, Message: "done", Levels: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "audit"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}

	res, err = f.run(t, "Outer")
	if err != nil {
		t.Fatalf("nested EndGoal should not fail: %v", err)
	}
	if res.Message != "bye" || res.Levels != 1 || res.State != StateReturned {
		t.Errorf("unexpected nested result %+v", res)
	}
	for _, m := range f.rec.get() {
		if m == "after" {
			t.Error("EndGoal with two levels should also end the caller")
		}
	}
}

func TestEndApp(t *testing.T) {
	f := newFixture(t, `
Main
- call goal=Sub
- mark unreachable
Sub
- endapp bye
`, "")
	res, err := f.run(t, "Main")
	if err != nil {
		t.Fatalf("EndApp should not fail: %v", err)
	}
	if res.State != StateEndedApp || res.Message != "bye" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(f.rec.get()) != 0 {
		t.Errorf("no step should run after EndApp, got %v", f.rec.get())
	}
}

func TestReturnValuesFlowToCaller(t *testing.T) {
	f := newFixture(t, `
Main
- call goal=Sub -> res
- mark %res.value%
Sub
- ret 42
- mark unreachable
`, "")
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"42"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorHandlerVerdicts(t *testing.T) {
	f := newFixture(t, `
Main
- fail -> x
- on error call Fix, substitute
- mark %x%
- fail
- on error call Log, continue
- mark end
- fail
- on error call Log
- mark never
Fix
- ret fixed
Log
- mark logged
`, "")

	_, err := f.run(t, "Main")
	if err == nil {
		t.Fatal("propagate verdict should re-raise the error")
	}
	if diff := cmp.Diff([]string{"fixed", "logged", "end", "logged"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestScopedErrorHandlers(t *testing.T) {
	f := newFixture(t, `
Main
- fail
- mark next
Other
- fail
- mark other
Recover
- mark goal-handler
Fallback
- mark app-handler
`, `
error_handlers:
  - scope: goal
    goal: Recover
    match_goal: Main
    verdict: continue
  - scope: app
    goal: Fallback
    verdict: continue
`)
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run Main failed: %v", err)
	}
	if _, err := f.run(t, "Other"); err != nil {
		t.Fatalf("Run Other failed: %v", err)
	}
	want := []string{"goal-handler", "next", "app-handler", "other"}
	if diff := cmp.Diff(want, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestStepRetry(t *testing.T) {
	f := newFixture(t, `
Main
- flaky times=2, retry
- mark done
Rejecting
- [retry] throw
`, "")
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("flaky step should succeed on the third attempt: %v", err)
	}
	if n := f.rec.hit("flaky"); n != 4 {
		t.Errorf("expected 3 attempts, got %d", n-1)
	}

	_, err := f.run(t, "Rejecting")
	if errs.KindOf(err) != errs.KindUserDefined {
		t.Fatalf("expected user-defined error, got %v", err)
	}
	if n := f.rec.hit("throw"); n != 2 {
		t.Errorf("user-defined errors must not be retried, got %d attempts", n-1)
	}
}

func TestConditionalSkipsBlock(t *testing.T) {
	f := newFixture(t, `
Main
- check false
  - mark skipped
    - mark deeper
- mark after
- check yes
  - mark taken
`, "")
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"after", "taken"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestMissingInstructionIsFatal(t *testing.T) {
	f := newFixture(t, `
Main
- mark a
- on error call Log, continue
Log
- mark logged
`, "")
	app := f.apps["/app"]
	g, _ := app.Table.Find("Main")
	g.Steps[0].Instruction = nil

	_, err := f.run(t, "Main")
	e, ok := errs.As(err)
	if !ok || e.Key != errs.KeyInstructionMissing || !e.Fatal {
		t.Fatalf("expected fatal InstructionMissing, got %v", err)
	}
	if len(f.rec.get()) != 0 {
		t.Errorf("handler must not run for fatal errors, got %v", f.rec.get())
	}
}

func TestStepEvents(t *testing.T) {
	f := newFixture(t, `
Main
- mark upload
- mark read
OnUpload
- mark event
`, `
events:
  - scope: step
    timing: before
    goal: OnUpload
    match_step: upload
`)
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"event", "upload", "read"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestBeforeStepEventFiresOncePerRetriedStep(t *testing.T) {
	f := newFixture(t, `
Main
- flaky times=2, retry
OnFlaky
- mark event
`, `
events:
  - scope: step
    timing: before
    goal: OnFlaky
    match_step: flaky
`)
	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := f.rec.hit("flaky"); n != 4 {
		t.Errorf("expected 3 attempts, got %d", n-1)
	}
	if diff := cmp.Diff([]string{"event"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
}

func TestFailingEventAbortsStep(t *testing.T) {
	f := newFixture(t, `
Main
- mark a
Broken
- fail
`, `
events:
  - scope: step
    timing: before
    goal: Broken
`)
	_, err := f.run(t, "Main")
	if errs.KindOf(err) != errs.KindEvent {
		t.Fatalf("expected event error, got %v", err)
	}
	if len(f.rec.get()) != 0 {
		t.Error("step must not run after a failed before-step event")
	}
}

func TestRunGoalParameters(t *testing.T) {
	f := newFixture(t, `
Sub
- echo %local% -> seen
`, "")
	ctx := context.Background()
	err := f.engine.Pool().With(ctx, "/app", func(inst *Instance) error {
		_, err := inst.RunGoal(ctx, RunGoalRequest{
			Goal:       "Sub",
			Parameters: map[string]any{"!shared": 1, "local": 2},
			Wait:       true,
			Isolate:    true,
		})
		if err != nil {
			return err
		}
		if v, _ := inst.Top().Get("shared"); v != 1 {
			t.Errorf("expected shared=1 in app context, got %v", v)
		}
		if inst.Top().Has("local") || inst.Top().Has("seen") {
			t.Error("isolated call leaked variables into the app context")
		}

		_, err = inst.RunGoal(ctx, RunGoalRequest{Goal: "Sub", Parameters: map[string]any{"local": 3}, Wait: true})
		if err != nil {
			return err
		}
		if v, _ := inst.Top().Get("seen"); v != 3 {
			t.Errorf("non-isolated call should share the caller stack, got %v", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunGoal failed: %v", err)
	}
}

func TestFireAndContinue(t *testing.T) {
	f := newFixture(t, `
Bg
- mark background
`, "")
	ctx, cancel := context.WithCancel(context.Background())
	err := f.engine.Pool().With(ctx, "/app", func(inst *Instance) error {
		out, err := inst.RunGoal(ctx, RunGoalRequest{Goal: "Bg", Delay: 10 * time.Millisecond})
		if out != nil {
			t.Errorf("detached call should not return values, got %v", out)
		}
		return err
	})
	cancel()
	if err != nil {
		t.Fatalf("RunGoal failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(f.rec.get()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if diff := cmp.Diff([]string{"background"}, f.rec.get()); diff != "" {
		t.Errorf("detached goal did not survive caller cancellation (-want +got):\n%s", diff)
	}
}

type fakeInstaller struct {
	f     *fixture
	t     *testing.T
	calls []string
}

func (i *fakeInstaller) Install(ctx context.Context, name, dest string) error {
	i.calls = append(i.calls, name)
	app := testApp(i.t, dest, "Send\n- mark sent\n_Hidden\n- mark hidden\n", "")
	i.f.mu.Lock()
	i.f.apps[filepath.Clean(dest)] = app
	i.f.mu.Unlock()
	return nil
}

func TestSubAppInvocation(t *testing.T) {
	f := newFixture(t, `
Main
- call goal=apps/Mail/Send
Private
- call goal=apps/Mail/_Hidden
`, "")
	inst := &fakeInstaller{f: f, t: t}
	f.engine.opts.Installer = inst

	if _, err := f.run(t, "Main"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if diff := cmp.Diff([]string{"sent"}, f.rec.get()); diff != "" {
		t.Errorf("marks mismatch (-want +got):\n%s", diff)
	}
	if len(inst.calls) != 1 || inst.calls[0] != "Mail" {
		t.Errorf("expected one install of Mail, got %v", inst.calls)
	}

	if _, err := f.run(t, "Private"); err == nil {
		t.Error("private goals must not be callable from another app")
	}
}

func TestGoalNotFound(t *testing.T) {
	f := newFixture(t, "Main\n- call goal=Nowhere\n", "")
	_, err := f.run(t, "Main")
	e, ok := errs.As(err)
	if !ok || e.Key != errs.KeyGoalNotFound || e.StatusCode != 404 {
		t.Fatalf("expected GoalNotFound, got %v", err)
	}

	if _, err := f.run(t, "Missing"); err == nil {
		t.Error("expected error for unknown entry goal")
	}
}

func TestCallDepthLimit(t *testing.T) {
	f := newFixture(t, "Loop\n- call goal=Loop\n", "")
	f.engine.opts.MaxDepth = 5
	_, err := f.run(t, "Loop")
	if err == nil || !strings.Contains(err.Error(), "nesting exceeds") {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestPoolRentsExclusively(t *testing.T) {
	f := newFixture(t, "Main\n- mark a\n", "")
	pool := f.engine.Pool()
	ctx := context.Background()

	const n = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[*Instance]bool)
	)
	rented := make([]*Instance, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := pool.Rent(ctx, "/app")
			if err != nil {
				t.Errorf("Rent failed: %v", err)
				return
			}
			mu.Lock()
			if seen[inst] {
				t.Error("instance rented twice")
			}
			seen[inst] = true
			mu.Unlock()
			rented[i] = inst
		}(i)
	}
	wg.Wait()

	if idle, busy := pool.Stats(); idle != 0 || busy != n {
		t.Errorf("expected 0 idle and %d rented, got %d and %d", n, idle, busy)
	}

	released := rented[0]
	pool.Return(released)
	again, err := pool.Rent(ctx, "/app")
	if err != nil {
		t.Fatal(err)
	}
	if again != released {
		t.Error("returned instance should be immediately rentable")
	}
	if again.Label() == "" {
		t.Error("rental should carry a correlation label")
	}

	for _, inst := range rented {
		pool.Return(inst)
	}
	pool.Close()
	if _, err := pool.Rent(ctx, "/app"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPoolReusesInstanceForRelativeRoot(t *testing.T) {
	created := 0
	pool := NewPool(func(root string) (*Instance, error) {
		created++
		// Loaded apps carry an absolute root that differs from the
		// spelling the caller rented with.
		return &Instance{root: filepath.Join("/loaded", filepath.Base(root))}, nil
	})
	ctx := context.Background()

	first, err := pool.Rent(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	pool.Return(first)

	for _, root := range []string{"app", "./app", "app/"} {
		again, err := pool.Rent(ctx, root)
		if err != nil {
			t.Fatal(err)
		}
		if again != first {
			t.Errorf("Rent(%q) created a new instance", root)
		}
		pool.Return(again)
	}
	if created != 1 {
		t.Errorf("created %d instances, want 1", created)
	}
	if idle, rented := pool.Stats(); idle != 1 || rented != 0 {
		t.Errorf("stats = %d idle, %d rented; want 1, 0", idle, rented)
	}
}

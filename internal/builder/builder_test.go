package builder

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/retry"
	"github.com/rahul/goalscript/internal/store"
)

type stubModule struct {
	name string
	ops  []capability.Operation
}

func (m stubModule) Name() string                       { return m.name }
func (m stubModule) Description() string                { return m.name + " things" }
func (m stubModule) Operations() []capability.Operation { return m.ops }

func noop(context.Context, *capability.Invocation) (any, error) { return nil, nil }

func testRegistry() *capability.Registry {
	return capability.NewRegistry().MustRegister(
		stubModule{name: "output", ops: []capability.Operation{
			{Name: "write", Params: []capability.ParamSpec{{Name: "content", Type: capability.TypeString, Required: true}}, Fn: noop},
			{Name: "ask", Params: []capability.ParamSpec{{Name: "question", Type: capability.TypeString, Required: true}}, Fn: noop},
		}},
		stubModule{name: "goal", ops: []capability.Operation{
			{Name: "call", Params: []capability.ParamSpec{{Name: "goal", Type: capability.TypeString, Required: true}}, Fn: noop},
			{Name: "end", Fn: noop},
		}},
		stubModule{name: "math", ops: []capability.Operation{
			{Name: "add", Params: []capability.ParamSpec{
				{Name: "a", Type: capability.TypeInt, Required: true},
				{Name: "b", Type: capability.TypeInt, Required: true},
			}, Fn: noop},
		}},
	)
}

// scriptedOracle answers by stage and step text.
type scriptedOracle struct {
	mu     sync.Mutex
	calls  []Request
	answer func(stage, step string, attempt int, req Request) (string, error)
	seen   map[string]int
}

func (o *scriptedOracle) Ask(ctx context.Context, req Request) (Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, req)
	if o.seen == nil {
		o.seen = make(map[string]int)
	}
	step := stepText(req)
	o.seen[req.Stage+"|"+step]++
	raw, err := o.answer(req.Stage, step, o.seen[req.Stage+"|"+step], req)
	return Response{Arguments: raw}, err
}

func (o *scriptedOracle) stepsSeen() map[string]bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]bool)
	for _, r := range o.calls {
		out[stepText(r)] = true
	}
	return out
}

func stepText(req Request) string {
	for _, m := range req.Messages {
		if m.Role == RoleHuman {
			line, _, _ := strings.Cut(strings.TrimPrefix(m.Content, "Step: "), "\n")
			return line
		}
	}
	return ""
}

// writeEverything compiles every step to output.write of the step text.
func writeEverything(stage, step string, _ int, _ Request) (string, error) {
	switch stage {
	case StageModule:
		return `{"module":"output"}`, nil
	case StageOperation:
		return `{"operation":"write"}`, nil
	}
	return `{"parameters":{"content":"` + step + `"}}`, nil
}

func newApp(t *testing.T, steps ...string) (*goal.Table, *goal.Goal) {
	t.Helper()
	g := &goal.Goal{Name: "Start", Path: "/Start"}
	for _, s := range steps {
		g.Steps = append(g.Steps, &goal.Step{Text: s})
	}
	table, err := goal.NewTable(g)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table, g
}

func newBuilder(table *goal.Table, o Oracle, st store.InstructionStore, force bool) *Builder {
	return New(table, o, testRegistry(), st, Options{
		Force: force,
		Retry: retry.Fixed(2),
		Log:   zerolog.Nop(),
	})
}

func TestBuildSkipsOracleForValidInstruction(t *testing.T) {
	table, g := newApp(t, "write out hello")
	st := store.NewMemoryStore()
	stored := &goal.Instruction{
		Module:   "output",
		Function: goal.GenericFunction{Name: "write", Parameters: []goal.Parameter{{Name: "content", Type: "string", Value: "hello"}}},
		TextHash: g.Steps[0].Hash(),
		BuiltAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	st.SaveInstruction(context.Background(), "/Start", 0, stored)

	oracle := &scriptedOracle{answer: func(string, string, int, Request) (string, error) {
		t.Fatal("oracle must not be called")
		return "", nil
	}}
	got, err := newBuilder(table, oracle, st, false).Build(context.Background(), g.Steps[0], nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := cmp.Diff(stored, got); diff != "" {
		t.Errorf("cached instruction changed (-want +got):\n%s", diff)
	}
}

func TestBuildRebuildsStaleOrForced(t *testing.T) {
	table, g := newApp(t, "write out hello")
	st := store.NewMemoryStore()
	st.SaveInstruction(context.Background(), "/Start", 0, &goal.Instruction{Module: "output", TextHash: goal.TextHash("older text")})

	oracle := &scriptedOracle{answer: writeEverything}
	in, err := newBuilder(table, oracle, st, false).Build(context.Background(), g.Steps[0], nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !in.Valid(g.Steps[0]) || len(oracle.calls) != 3 {
		t.Errorf("expected a three-stage rebuild, got %d calls", len(oracle.calls))
	}

	if _, err := newBuilder(table, oracle, st, true).Build(context.Background(), g.Steps[0], nil); err != nil {
		t.Fatalf("forced Build failed: %v", err)
	}
	if len(oracle.calls) != 6 {
		t.Errorf("force should rebuild a valid instruction, got %d calls", len(oracle.calls))
	}
}

func TestBuildGoalContinuesPastRecoverableFailure(t *testing.T) {
	table, g := newApp(t, "write out one", "upload via ftp", "write out three")
	oracle := &scriptedOracle{answer: func(stage, step string, attempt int, req Request) (string, error) {
		if stage == StageModule && step == "upload via ftp" {
			return `{"module":"ftp"}`, nil
		}
		return writeEverything(stage, step, attempt, req)
	}}
	st := store.NewMemoryStore()

	err := newBuilder(table, oracle, st, false).BuildGoal(context.Background(), g)
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindGrouped || e.Key != errs.KeyGroupedBuildErrors {
		t.Fatalf("expected GroupedBuildErrors, got %v", err)
	}
	if e.Len() != 1 {
		t.Fatalf("expected exactly one member, got %d", e.Len())
	}
	member, _ := errs.As(e.Errors[0])
	if member.Key != errs.KeyModuleNotFound || member.Provenance.StepIndex != 1 {
		t.Errorf("unexpected member %v", member)
	}
	if oracle.seen[StageModule+"|upload via ftp"] != 2 {
		t.Errorf("expected the failing step to be retried once, saw %d attempts", oracle.seen[StageModule+"|upload via ftp"])
	}
	if _, err := st.LoadInstruction(context.Background(), "/Start", 2); err != nil {
		t.Errorf("step after the failure should be built: %v", err)
	}
}

func TestBuildGoalStopsOnFatalFailure(t *testing.T) {
	table, g := newApp(t, "write out one", "write out two", "write out three")
	oracle := &scriptedOracle{answer: func(stage, step string, attempt int, req Request) (string, error) {
		if step == "write out two" {
			return "", errors.New("503 upstream unavailable")
		}
		return writeEverything(stage, step, attempt, req)
	}}

	err := newBuilder(table, oracle, store.NewMemoryStore(), false).BuildGoal(context.Background(), g)
	e, ok := errs.As(err)
	if !ok || e.Key != errs.KeyOracleFailure || e.ContinueBuild {
		t.Fatalf("expected OracleFailure, got %v", err)
	}
	if oracle.stepsSeen()["write out three"] {
		t.Error("steps after a fatal failure must not be compiled")
	}
}

// brokenStore fails loads or saves with a fixed error.
type brokenStore struct {
	*store.MemoryStore
	loadErr, saveErr error
}

func (s brokenStore) LoadInstruction(ctx context.Context, goalPath string, stepIndex int) (*goal.Instruction, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.MemoryStore.LoadInstruction(ctx, goalPath, stepIndex)
}

func (s brokenStore) SaveInstruction(ctx context.Context, goalPath string, stepIndex int, in *goal.Instruction) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.SaveInstruction(ctx, goalPath, stepIndex, in)
}

func TestBuildReportsStoreFailures(t *testing.T) {
	diskFull := errors.New("disk full")
	tests := []struct {
		name      string
		st        brokenStore
		wantAsked bool
	}{
		{"load", brokenStore{MemoryStore: store.NewMemoryStore(), loadErr: diskFull}, false},
		{"save", brokenStore{MemoryStore: store.NewMemoryStore(), saveErr: diskFull}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, g := newApp(t, "write out hello")
			oracle := &scriptedOracle{answer: writeEverything}

			_, err := newBuilder(table, oracle, tt.st, false).Build(context.Background(), g.Steps[0], nil)
			e, ok := errs.As(err)
			if !ok || e.Key != errs.KeyInstructionStore {
				t.Fatalf("expected InstructionStore, got %v", err)
			}
			if e.Retry || e.ContinueBuild {
				t.Errorf("store failure should not be retried: retry=%v continue=%v", e.Retry, e.ContinueBuild)
			}
			if !errors.Is(err, diskFull) {
				t.Errorf("cause lost: %v", err)
			}
			if asked := len(oracle.calls) > 0; asked != tt.wantAsked {
				t.Errorf("oracle asked = %v, want %v", asked, tt.wantAsked)
			}
		})
	}
}

func TestBuildForcedModuleSkipsSelection(t *testing.T) {
	table, g := newApp(t, "[output] say hello")
	oracle := &scriptedOracle{answer: writeEverything}

	in, err := newBuilder(table, oracle, store.NewMemoryStore(), false).Build(context.Background(), g.Steps[0], nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if in.Module != "output" {
		t.Errorf("expected forced module, got %q", in.Module)
	}
	for _, c := range oracle.calls {
		if c.Stage == StageModule {
			t.Error("module stage must be skipped for a tagged step")
		}
	}
	if p, _ := in.Function.Parameter("content"); p.Value != "say hello" {
		t.Errorf("tag should be stripped before binding, got %v", p.Value)
	}
}

func TestBuildRepairPromptCarriesPreviousError(t *testing.T) {
	table, g := newApp(t, "add 1 and two")
	oracle := &scriptedOracle{answer: func(stage, step string, attempt int, req Request) (string, error) {
		switch stage {
		case StageModule:
			return `{"module":"math"}`, nil
		case StageOperation:
			return `{"operation":"add"}`, nil
		}
		if attempt == 1 {
			return `{"parameters":{"a":1,"b":"two"}}`, nil
		}
		if !strings.Contains(req.Messages[1].Content, "InvalidParameter") {
			t.Errorf("repair prompt lacks the previous error:\n%s", req.Messages[1].Content)
		}
		return `{"parameters":{"a":1,"b":2},"return_values":["%sum%"]}`, nil
	}}

	in, err := newBuilder(table, oracle, store.NewMemoryStore(), false).Build(context.Background(), g.Steps[0], nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	want := goal.GenericFunction{
		Name: "add",
		Parameters: []goal.Parameter{
			{Name: "a", Type: "int", Value: float64(1)},
			{Name: "b", Type: "int", Value: float64(2)},
		},
		ReturnValues: []goal.ReturnValue{{VariableName: "sum"}},
	}
	if diff := cmp.Diff(want, in.Function); diff != "" {
		t.Errorf("function mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildRejectsUnknownGoalReference(t *testing.T) {
	table, g := newApp(t, "call goal Missing", "call goal %dynamic%", "call apps/Mail/Send")
	oracle := &scriptedOracle{answer: func(stage, step string, _ int, _ Request) (string, error) {
		switch stage {
		case StageModule:
			return `{"module":"goal"}`, nil
		case StageOperation:
			return `{"operation":"call"}`, nil
		}
		target := strings.TrimPrefix(strings.TrimPrefix(step, "call goal "), "call ")
		return `{"parameters":{"goal":"` + target + `"}}`, nil
	}}
	b := newBuilder(table, oracle, store.NewMemoryStore(), false)

	_, err := b.Build(context.Background(), g.Steps[0], nil)
	e, ok := errs.As(err)
	if !ok || e.Key != errs.KeyInvalidGoalReference || !e.ContinueBuild || e.Retry {
		t.Fatalf("expected InvalidGoalReference, got %v", err)
	}
	if oracle.seen[StageParameters+"|call goal Missing"] != 1 {
		t.Error("invalid goal references must not be retried")
	}

	for _, s := range g.Steps[1:] {
		if _, err := b.Build(context.Background(), s, nil); err != nil {
			t.Errorf("%q: %v", s.Text, err)
		}
	}
}

func TestBuildAppWrapsGoalErrors(t *testing.T) {
	a := &goal.Goal{Name: "A", Path: "/A", Steps: []*goal.Step{{Text: "teleport"}}}
	b := &goal.Goal{Name: "B", Path: "/B", Steps: []*goal.Step{{Text: "write out fine"}}}
	table, _ := goal.NewTable(a, b)
	oracle := &scriptedOracle{answer: func(stage, step string, attempt int, req Request) (string, error) {
		if stage == StageModule && step == "teleport" {
			return `{"module":"warp"}`, nil
		}
		return writeEverything(stage, step, attempt, req)
	}}

	err := newBuilder(table, oracle, store.NewMemoryStore(), false).BuildApp(context.Background())
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.KindMultiple || e.Key != errs.KeyMultipleBuildError || e.Len() != 1 {
		t.Fatalf("expected MultipleBuildError with one member, got %v", err)
	}
	if !errors.Is(err, &errs.Error{Kind: errs.KindBuilder, Key: errs.KeyModuleNotFound}) {
		t.Error("member errors should be reachable")
	}
	if b.Steps[0].Instruction == nil {
		t.Error("goal B should still be built")
	}
}

// fakeModel is a langchaingo model that replays canned choices.
type fakeModel struct {
	choices []*llms.ContentChoice
	calls   int
}

func (m *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	choice := m.choices[m.calls%len(m.choices)]
	m.calls++
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{choice}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

type recorded struct{ stages []string }

func (r *recorded) RecordLLM(stage string, prompt any, response string, err error) {
	r.stages = append(r.stages, stage)
}

func TestLLMOracleReadsToolCallsAndContent(t *testing.T) {
	model := &fakeModel{choices: []*llms.ContentChoice{
		{ToolCalls: []llms.ToolCall{{ID: "1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "select_module", Arguments: `{"module":"file"}`}}}},
		{Content: "Sure:\n```json\n{\"module\": \"web\"}\n```"},
		{Content: "I cannot help with that."},
	}}
	rec := &recorded{}
	o := NewLLMOracle(model, rec)
	req := Request{Stage: StageModule, Messages: []Message{{Role: RoleHuman, Content: "Step: x"}}, Schema: Schema{Name: "select_module"}}

	for _, want := range []string{`{"module":"file"}`, `{"module": "web"}`} {
		resp, err := o.Ask(context.Background(), req)
		if err != nil {
			t.Fatalf("Ask failed: %v", err)
		}
		if resp.Arguments != want {
			t.Errorf("expected %s, got %s", want, resp.Arguments)
		}
	}
	if _, err := o.Ask(context.Background(), req); err == nil {
		t.Error("expected an error for a non-JSON answer")
	}
	if len(rec.stages) != 3 {
		t.Errorf("expected every exchange to be recorded, got %d", len(rec.stages))
	}
}

func TestCachingOracle(t *testing.T) {
	inner := &scriptedOracle{answer: writeEverything}
	hits := 0
	c := NewCachingOracle(inner, store.NewMemoryStore(), time.Hour)
	c.OnLookup = func(hit bool) {
		if hit {
			hits++
		}
	}
	req := Request{Stage: StageModule, Messages: []Message{{Role: RoleHuman, Content: "Step: write out hi"}}, Schema: Schema{Name: "select_module"}}

	first, _ := c.Ask(context.Background(), req)
	second, _ := c.Ask(context.Background(), req)
	if first.Arguments != second.Arguments || !second.Cached {
		t.Errorf("expected the second answer from cache: %+v %+v", first, second)
	}
	if len(inner.calls) != 1 || hits != 1 {
		t.Errorf("expected 1 upstream call and 1 hit, got %d and %d", len(inner.calls), hits)
	}
}

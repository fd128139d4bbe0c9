// Package builder compiles step text into instructions, asking an oracle
// in three stages: module, operation and parameters.
package builder

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/memory"
	"github.com/rahul/goalscript/internal/retry"
	"github.com/rahul/goalscript/internal/store"
)

var moduleTag = regexp.MustCompile(`^\[([A-Za-z][A-Za-z0-9_]*)\]\s*`)

// Observer is told about every finished build of a step.
type Observer func(module string, elapsed time.Duration, cached bool, err error)

// Options configure a Builder.
type Options struct {
	// Force rebuilds steps whose stored instruction is still valid.
	Force   bool
	Retry   retry.Policy
	Prompts *PromptManager
	Log     zerolog.Logger
	Observe Observer
}

// Builder compiles the steps of one app.
type Builder struct {
	table    *goal.Table
	oracle   Oracle
	registry *capability.Registry
	store    store.InstructionStore
	opts     Options
	log      zerolog.Logger
}

// New creates a builder for the goals in table.
func New(table *goal.Table, oracle Oracle, registry *capability.Registry, st store.InstructionStore, opts Options) *Builder {
	if opts.Retry == nil {
		opts.Retry = retry.Default()
	}
	return &Builder{
		table:    table,
		oracle:   oracle,
		registry: registry,
		store:    st,
		opts:     opts,
		log:      opts.Log.With().Str("component", "builder").Logger(),
	}
}

// Build compiles one step. A stored instruction whose hash matches the
// step text is returned without asking the oracle, unless Force is set.
// prev, when non-nil, is attached to the first oracle prompt. Errors are
// *errs.Error values of KindBuilder.
func (b *Builder) Build(ctx context.Context, s *goal.Step, prev error) (*goal.Instruction, error) {
	g := b.table.GoalOf(s)
	if g == nil {
		return nil, fmt.Errorf("step %q does not belong to this app", s.Text)
	}
	prov := b.table.Provenance(s)
	log := b.log.With().Str("goal", g.Path).Int("step", s.Index).Logger()

	if !b.opts.Force {
		in, err := b.store.LoadInstruction(ctx, g.Path, s.Index)
		switch {
		case err == nil && in.Valid(s):
			s.Instruction = in
			b.observe(in.Module, 0, true, nil)
			log.Debug().Msg("instruction up to date")
			return in, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, errs.InstructionStore(fmt.Errorf("load instruction: %w", err)).WithProvenance(prov)
		}
	}

	start := time.Now()
	var (
		in      *goal.Instruction
		lastErr = prev
	)
	err := retry.Do(ctx, b.opts.Retry, func(attempt int) error {
		var err error
		in, err = b.compile(ctx, g, s, lastErr)
		if err != nil {
			if be, ok := errs.As(err); ok {
				be.WithProvenance(prov)
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("build attempt failed")
			lastErr = err
		}
		return err
	})
	if err != nil {
		b.observe("", time.Since(start), false, err)
		return nil, err
	}

	in.TextHash = s.Hash()
	in.BuiltAt = time.Now().UTC()
	if err := b.store.SaveInstruction(ctx, g.Path, s.Index, in); err != nil {
		return nil, errs.InstructionStore(fmt.Errorf("save instruction: %w", err)).WithProvenance(prov)
	}
	s.Instruction = in
	b.observe(in.Module, time.Since(start), false, nil)
	log.Info().Str("module", in.Module).Str("operation", in.Function.Name).Msg("step built")
	return in, nil
}

// BuildGoal compiles every step of g. Failures that allow the build to
// continue are collected into a GroupedBuildErrors error; the first one
// that does not stops the goal.
func (b *Builder) BuildGoal(ctx context.Context, g *goal.Goal) error {
	grouped := errs.Grouped(errs.KeyGroupedBuildErrors, g.Ref())
	for _, s := range g.Steps {
		if _, err := b.Build(ctx, s, nil); err != nil {
			be, ok := errs.As(err)
			if !ok || !be.ContinueBuild {
				if grouped.Len() == 0 {
					return err
				}
				grouped.Add(err)
				return grouped
			}
			grouped.Add(err)
		}
	}
	if grouped.Len() > 0 {
		return grouped
	}
	return nil
}

// BuildApp compiles every goal of the app and wraps the per-goal results
// into a MultipleBuildError error.
func (b *Builder) BuildApp(ctx context.Context) error {
	multi := errs.Multiple(errs.KeyMultipleBuildError)
	for _, g := range b.table.Goals() {
		err := b.BuildGoal(ctx, g)
		if err == nil {
			continue
		}
		multi.Add(err)
		if !continuable(err) {
			break
		}
	}
	if multi.Len() > 0 {
		return multi
	}
	return nil
}

func continuable(err error) bool {
	be, ok := errs.As(err)
	if !ok {
		return false
	}
	if be.Kind == errs.KindGrouped {
		for _, m := range be.Errors {
			if !continuable(m) {
				return false
			}
		}
		return true
	}
	return be.ContinueBuild
}

func (b *Builder) observe(module string, elapsed time.Duration, cached bool, err error) {
	if b.opts.Observe != nil {
		b.opts.Observe(module, elapsed, cached, err)
	}
}

func (b *Builder) compile(ctx context.Context, g *goal.Goal, s *goal.Step, prev error) (*goal.Instruction, error) {
	text := strings.TrimSpace(s.Text)

	module := ""
	if m := moduleTag.FindStringSubmatch(text); m != nil {
		module = m[1]
		text = strings.TrimSpace(text[len(m[0]):])
		if !b.registry.Has(module) {
			// A forced module that does not exist cannot be fixed by asking again.
			e := errs.ModuleNotFound(module)
			e.Retry = false
			return nil, e
		}
	} else {
		var err error
		module, err = b.selectModule(ctx, text, prev)
		if err != nil {
			return nil, err
		}
	}

	op, err := b.selectOperation(ctx, module, text, prev)
	if err != nil {
		return nil, err
	}

	fn, err := b.bindParameters(ctx, g, s, module, op, text, prev)
	if err != nil {
		return nil, err
	}
	return &goal.Instruction{Module: strings.ToLower(module), Function: fn}, nil
}

func (b *Builder) ask(ctx context.Context, stage, text string, extra []string, prev error, schema Schema, out any) error {
	system, err := b.opts.Prompts.GetSystemPrompt(stage)
	if err != nil {
		return errs.OracleFailure(err)
	}
	if len(extra) > 0 {
		system += "\n\n" + strings.Join(extra, "\n\n")
	}

	human := "Step: " + text
	if prev != nil {
		human += "\n\nThe previous attempt failed:\n" + errs.Report(prev)
	}

	resp, err := b.oracle.Ask(ctx, Request{
		Stage: stage,
		Messages: []Message{
			{Role: RoleSystem, Content: system},
			{Role: RoleHuman, Content: human},
		},
		Schema: schema,
	})
	if err != nil {
		return errs.OracleFailure(err)
	}
	if err := resp.Decode(out); err != nil {
		return errs.OracleFailure(fmt.Errorf("decode %s answer: %w", stage, err))
	}
	return nil
}

func (b *Builder) selectModule(ctx context.Context, text string, prev error) (string, error) {
	mods := b.registry.Modules()
	names := make([]string, 0, len(mods))
	for _, m := range mods {
		names = append(names, m.Name)
	}

	var answer struct {
		Module string `json:"module"`
	}
	schema := Schema{
		Name:        "select_module",
		Description: "Select the module that performs the step.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"module": map[string]any{"type": "string", "enum": names},
			},
			"required": []string{"module"},
		},
	}
	catalog := "## Modules\n" + b.registry.Describe()
	if err := b.ask(ctx, StageModule, text, []string{catalog}, prev, schema, &answer); err != nil {
		return "", err
	}
	if !b.registry.Has(answer.Module) {
		return "", errs.ModuleNotFound(answer.Module)
	}
	return answer.Module, nil
}

func (b *Builder) selectOperation(ctx context.Context, module, text string, prev error) (*capability.Operation, error) {
	ops := b.registry.Operations(module)
	if len(ops) == 1 {
		return ops[0], nil
	}
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, op.Name)
	}

	var answer struct {
		Operation string `json:"operation"`
	}
	schema := Schema{
		Name:        "select_operation",
		Description: "Select the operation of module " + module + " that performs the step.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"operation": map[string]any{"type": "string", "enum": names},
			},
			"required": []string{"operation"},
		},
	}
	extra := []string{"## Operations\n" + b.registry.Describe(module)}
	if frag := b.registry.Fragment(module); frag != "" {
		extra = append(extra, frag)
	}
	if err := b.ask(ctx, StageOperation, text, extra, prev, schema, &answer); err != nil {
		return nil, err
	}
	return b.registry.Operation(module, answer.Operation)
}

func (b *Builder) bindParameters(ctx context.Context, g *goal.Goal, s *goal.Step, module string, op *capability.Operation, text string, prev error) (goal.GenericFunction, error) {
	var answer struct {
		Parameters   map[string]any `json:"parameters"`
		ReturnValues []string       `json:"return_values"`
	}
	schema := Schema{
		Name:        "bind_parameters",
		Description: fmt.Sprintf("Bind the parameters of %s.%s.", module, op.Name),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"parameters":    op.Schema(),
				"return_values": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"parameters"},
		},
	}

	extra := []string{"## Operation\n" + capability.DescribeOperation(op)}
	if frag := b.registry.Fragment(module); frag != "" {
		extra = append(extra, frag)
	}
	if vars := b.knownVariables(g, s); len(vars) > 0 {
		extra = append(extra, "## Known variables\n"+strings.Join(vars, ", "))
	}
	if strings.EqualFold(module, "goal") {
		extra = append(extra, "## Goals in this app\n"+strings.Join(b.table.Names(), ", "))
	}
	if err := b.ask(ctx, StageParameters, text, extra, prev, schema, &answer); err != nil {
		return goal.GenericFunction{}, err
	}

	fn := goal.GenericFunction{Name: op.Name}
	for name := range answer.Parameters {
		if _, ok := op.Param(name); !ok {
			return fn, errs.InvalidParameter(name, "not a parameter of "+module+"."+op.Name)
		}
	}
	for _, spec := range op.Params {
		var (
			value any
			found bool
		)
		for k, v := range answer.Parameters {
			if strings.EqualFold(k, spec.Name) {
				value, found = v, v != nil
				break
			}
		}
		if !found {
			if spec.Required {
				return fn, errs.InvalidParameter(spec.Name, "required but missing")
			}
			continue
		}
		if !holdsReference(value) {
			if _, err := capability.Coerce(spec, value); err != nil {
				return fn, errs.InvalidParameter(spec.Name, err.Error())
			}
		}
		fn.Parameters = append(fn.Parameters, goal.Parameter{Name: spec.Name, Type: string(spec.Type), Value: value})
	}
	for _, rv := range answer.ReturnValues {
		if name := memory.Name(rv); name != "" {
			fn.ReturnValues = append(fn.ReturnValues, goal.ReturnValue{VariableName: name})
		}
	}

	if err := b.checkGoalReference(module, fn); err != nil {
		return fn, err
	}
	return fn, nil
}

// checkGoalReference rejects goal.call and goal.foreach instructions that
// name a goal absent from the app.
func (b *Builder) checkGoalReference(module string, fn goal.GenericFunction) error {
	if !strings.EqualFold(module, "goal") {
		return nil
	}
	switch strings.ToLower(fn.Name) {
	case "call", "foreach":
	default:
		return nil
	}
	p, ok := fn.Parameter("goal")
	if !ok {
		return nil
	}
	name, ok := p.Value.(string)
	if !ok || holdsReference(name) || strings.HasPrefix(strings.ToLower(strings.TrimPrefix(name, "/")), "apps/") {
		return nil
	}
	if _, found := b.table.Find(name); !found {
		return errs.InvalidGoalReference(name)
	}
	return nil
}

func (b *Builder) knownVariables(g *goal.Goal, s *goal.Step) []string {
	seen := make(map[string]bool)
	for _, prior := range g.Steps {
		if prior.Index >= s.Index {
			break
		}
		if prior.Instruction != nil {
			for _, rv := range prior.Instruction.Function.ReturnValues {
				seen[rv.VariableName] = true
			}
		}
		for _, ref := range memory.References(prior.Text) {
			seen[ref] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, "%"+name+"%")
	}
	sort.Strings(out)
	return out
}

func holdsReference(v any) bool {
	s, ok := v.(string)
	return ok && len(memory.References(s)) > 0
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/events"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/memory"
	"github.com/rahul/goalscript/internal/retry"
	"github.com/rahul/goalscript/internal/store"
)

// stepLoop runs the steps of g in order. It returns the first unhandled
// failure or sentinel.
func (i *Instance) stepLoop(ctx context.Context, g *goal.Goal, stack *memory.Stack) error {
	for idx := 0; idx < len(g.Steps); idx++ {
		s := g.Steps[idx]
		if err := ctx.Err(); err != nil {
			return errs.WrapStep(err, i.app.Table.Provenance(s))
		}

		out, err := i.attempt(ctx, g, s, stack)
		if err != nil {
			if errs.IsSentinel(err) {
				return err
			}
			if err := i.handle(ctx, g, s, stack, err); err != nil {
				return err
			}
			continue
		}

		if out.SkipBlock() {
			for idx+1 < len(g.Steps) && g.Steps[idx+1].Indent > s.Indent {
				idx++
			}
		}
	}
	return nil
}

// attempt runs a step, repeating it under the retry policy when the step
// is marked for retry. Before-step events fire once per step, not once
// per attempt.
func (i *Instance) attempt(ctx context.Context, g *goal.Goal, s *goal.Step, stack *memory.Stack) (capability.Outcome, error) {
	if err := i.fireEvents(ctx, events.ScopeStep, events.Before, g, s, nil); err != nil {
		if evErr := i.fireEvents(ctx, events.ScopeStep, events.After, g, s, err); evErr != nil {
			err = evErr
		}
		return capability.Outcome{}, err
	}
	if !s.Retry {
		return i.runStep(ctx, g, s, stack)
	}
	var out capability.Outcome
	err := retry.Do(ctx, i.engine.opts.Retry, func(attempt int) error {
		if attempt > 1 {
			i.log.Debug().Str("goal", g.Path).Int("step", s.Index).Int("attempt", attempt).Msg("Retrying step")
		}
		var err error
		out, err = i.runStep(ctx, g, s, stack)
		return err
	})
	return out, err
}

// runStep performs one pass of a step: dispatch, then after-step events.
func (i *Instance) runStep(ctx context.Context, g *goal.Goal, s *goal.Step, stack *memory.Stack) (capability.Outcome, error) {
	prov := i.app.Table.Provenance(s)
	ctx, span := i.engine.opts.Tracer.Start(ctx, "step")
	span.SetAttributes(
		attribute.String("goal", g.Path),
		attribute.Int("step", s.Index),
	)
	defer span.End()

	obs := i.engine.opts.Observer
	if obs != nil {
		obs.StepStarted(i.ID, g.Path, s.Index, s.Text)
	}
	start := time.Now()
	if i.engine.opts.Debug {
		i.log.Debug().Str("goal", g.Path).Int("step", s.Index).Str("text", s.Text).Msg("Step")
	}

	out, err := i.dispatch(ctx, s, stack, prov)
	if evErr := i.fireEvents(ctx, events.ScopeStep, events.After, g, s, err); evErr != nil {
		err = evErr
	}

	if err != nil && !errs.IsSentinel(err) {
		span.RecordError(err)
	}
	if obs != nil {
		obs.StepFinished(g.Path, s.Index, time.Since(start), err)
	}
	return out, err
}

func (i *Instance) dispatch(ctx context.Context, s *goal.Step, stack *memory.Stack, prov errs.Provenance) (capability.Outcome, error) {
	in, err := i.instruction(ctx, s, prov)
	if err != nil {
		return capability.Outcome{}, err
	}
	if i.engine.opts.Dispatcher == nil {
		return capability.Outcome{}, errs.Step(errs.KeyModuleNotFound, "no dispatcher configured", prov)
	}
	return i.engine.opts.Dispatcher.Invoke(ctx, capability.Call{
		Instruction: in,
		Stack:       stack,
		Runtime:     i,
		Provenance:  prov,
	})
}

// instruction returns the built instruction of s. A missing or stale
// instruction is fatal.
func (i *Instance) instruction(ctx context.Context, s *goal.Step, prov errs.Provenance) (*goal.Instruction, error) {
	if s.Instruction.Valid(s) {
		return s.Instruction, nil
	}
	if st := i.engine.opts.Store; st != nil {
		in, err := st.LoadInstruction(ctx, prov.GoalPath, s.Index)
		switch {
		case err == nil && in.Valid(s):
			return in, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, errs.WrapStep(fmt.Errorf("load instruction: %w", err), prov)
		}
	}
	e := errs.Step(errs.KeyInstructionMissing, "step has not been built", prov).
		WithFix("Run 'goalscript build' before running the app.")
	e.Fatal = true
	return nil, e
}

// handle looks for an error handler bound at step, goal and app scope
// and applies its verdict. It returns nil when execution may continue.
func (i *Instance) handle(ctx context.Context, g *goal.Goal, s *goal.Step, stack *memory.Stack, err error) error {
	if e, ok := errs.As(err); ok && e.Fatal {
		return err
	}

	h := s.ErrorHandler
	if !h.Matches(err) {
		h = i.app.Events.Handler(events.ScopeGoal, g, err)
	}
	if h == nil {
		h = i.app.Events.Handler(events.ScopeApp, g, err)
	}
	if h == nil {
		return err
	}

	prov := i.app.Table.Provenance(s)
	i.log.Info().Str("goal", g.Path).Int("step", s.Index).Str("handler", h.GoalName).Msg("Handling step error")
	values, herr := i.RunGoal(ctx, RunGoalRequest{
		Goal:       h.GoalName,
		Parameters: map[string]any{"error": errorValue(err), "step": s.Text},
		Wait:       true,
		Isolate:    true,
	})
	if herr != nil {
		if errs.IsSentinel(herr) {
			return herr
		}
		return errs.Step(errs.KeyStepFailed, fmt.Sprintf("error handler %s failed: %v", h.GoalName, herr), prov).
			WithCause(err)
	}

	switch h.Verdict {
	case goal.VerdictContinue:
		return nil
	case goal.VerdictSubstitute:
		in, ierr := i.instruction(ctx, s, prov)
		if ierr != nil {
			return ierr
		}
		if berr := capability.BindReturns(stack, in.Function.ReturnValues, substitute(in.Function.ReturnValues, values)); berr != nil {
			return errs.Step(errs.KeyValueInvalid, berr.Error(), prov).WithCause(err)
		}
		return nil
	}
	return err
}

// substitute picks the handler values for a step's return variables. A
// single variable takes the value of the same name, the only value, or
// the whole map.
func substitute(returns []goal.ReturnValue, values map[string]any) any {
	if len(returns) != 1 {
		return values
	}
	name := memory.Name(returns[0].VariableName)
	for k, v := range values {
		if strings.EqualFold(memory.Name(k), name) || len(values) == 1 {
			return v
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

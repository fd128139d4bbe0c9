package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/goal"
	"github.com/rahul/goalscript/internal/governance"
	"github.com/rahul/goalscript/internal/memory"
)

// Call is one dispatch request.
type Call struct {
	Instruction *goal.Instruction
	Stack       *memory.Stack
	Runtime     Runtime
	Provenance  errs.Provenance
}

// Outcome is the result of a dispatched call.
type Outcome struct {
	Value       any
	Conditional bool
	Passed      bool
}

// SkipBlock reports whether the deeper-indented steps after a
// conditional step must be skipped.
func (o Outcome) SkipBlock() bool {
	return o.Conditional && !o.Passed
}

// Observer is notified after every dispatched operation.
type Observer func(module, operation string, elapsed time.Duration, err error)

// Dispatcher binds instruction parameters and invokes operations.
type Dispatcher struct {
	registry *Registry
	policy   governance.PolicyEngine
	log      zerolog.Logger
	observe  Observer
}

// NewDispatcher creates a dispatcher. policy may be nil.
func NewDispatcher(registry *Registry, policy governance.PolicyEngine, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		policy:   policy,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// WithObserver sets the per-call observer.
func (d *Dispatcher) WithObserver(o Observer) *Dispatcher {
	d.observe = o
	return d
}

// Registry returns the registry the dispatcher resolves against.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Invoke resolves, binds and runs the instruction of c, then writes the
// result into the declared return variables.
func (d *Dispatcher) Invoke(ctx context.Context, c Call) (Outcome, error) {
	in := c.Instruction
	prov := c.Provenance

	op, err := d.registry.Operation(in.Module, in.Function.Name)
	if err != nil {
		be, _ := errs.As(err)
		return Outcome{}, errs.Step(be.Key, be.Message, prov).WithFix(be.FixSuggestion)
	}

	args, err := bindArgs(op, in.Function, c.Stack, prov)
	if err != nil {
		return Outcome{}, err
	}

	if d.policy != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return Outcome{}, errs.Step(errs.KeyValueInvalid, fmt.Sprintf("arguments cannot be checked by policy: %v", err), prov).WithStatus(400)
		}
		res, err := d.policy.Evaluate(ctx, governance.Request{
			Module:    in.Module,
			Operation: op.Name,
			Arguments: string(raw),
			GoalPath:  prov.GoalPath,
		})
		if err != nil {
			return Outcome{}, errs.WrapStep(fmt.Errorf("policy evaluation: %w", err), prov)
		}
		if res.Effect == governance.EffectDeny {
			return Outcome{}, errs.Step(errs.KeyPolicyDenied, res.Reason, prov).WithStatus(403)
		}
	}

	returns := make([]string, 0, len(in.Function.ReturnValues))
	for _, rv := range in.Function.ReturnValues {
		returns = append(returns, memory.Name(rv.VariableName))
	}
	inv := &Invocation{
		Module:     in.Module,
		Operation:  op.Name,
		Args:       args,
		Returns:    returns,
		Stack:      c.Stack,
		Runtime:    c.Runtime,
		Provenance: prov,
		Log: d.log.With().
			Str("module", in.Module).
			Str("operation", op.Name).
			Str("goal", prov.GoalPath).
			Int("step", prov.StepIndex).
			Logger(),
	}

	start := time.Now()
	value, err := op.Fn(ctx, inv)
	if d.observe != nil {
		d.observe(in.Module, op.Name, time.Since(start), err)
	}
	if err != nil {
		if errs.IsSentinel(err) {
			return Outcome{}, err
		}
		return Outcome{}, errs.WrapStep(err, prov)
	}

	out := Outcome{Value: value, Conditional: op.Conditional}
	if op.Conditional {
		out.Passed = Truthy(value)
		return out, nil
	}
	if err := BindReturns(c.Stack, in.Function.ReturnValues, value); err != nil {
		return Outcome{}, errs.Step(errs.KeyValueInvalid, err.Error(), prov)
	}
	return out, nil
}

func bindArgs(op *Operation, fn goal.GenericFunction, stack *memory.Stack, prov errs.Provenance) (map[string]any, error) {
	args := make(map[string]any, len(op.Params))
	for _, spec := range op.Params {
		var raw any
		missingRef := ""
		if p, ok := fn.Parameter(spec.Name); ok && p.Value != nil {
			v, err := stack.Substitute(p.Value)
			switch {
			case errors.Is(err, memory.ErrVariableNotFound):
				missingRef = fmt.Sprint(p.Value)
			case err != nil:
				return nil, errs.Step(errs.KeyValueInvalid, fmt.Sprintf("parameter %q: %v", spec.Name, err), prov)
			default:
				raw = v
			}
		}

		if raw == nil {
			if spec.Required {
				msg := fmt.Sprintf("required parameter %q has no value", spec.Name)
				if missingRef != "" {
					msg = fmt.Sprintf("parameter %q: variable %s is not set", spec.Name, missingRef)
				}
				return nil, errs.Step(errs.KeyParameterNotFound, msg, prov).
					WithStatus(400).
					WithFix("Set the variable in an earlier step or pass the value explicitly.")
			}
			args[spec.Name] = spec.Default
			continue
		}

		v, err := Coerce(spec, raw)
		if err != nil {
			key := errs.KeyParameterTypeMismatch
			if errors.Is(err, errValueInvalid) {
				key = errs.KeyValueInvalid
			}
			return nil, errs.Step(key, fmt.Sprintf("parameter %q: %v", spec.Name, err), prov).WithStatus(400)
		}
		args[spec.Name] = v
	}

	for _, p := range fn.Parameters {
		if _, declared := op.Param(p.Name); declared {
			continue
		}
		if v, err := stack.Substitute(p.Value); err == nil {
			args[p.Name] = v
		}
	}
	return args, nil
}

// BindReturns writes value into the named return variables. One name
// receives the whole value; several names take positional values from a
// slice or named values from a map.
func BindReturns(stack *memory.Stack, returns []goal.ReturnValue, value any) error {
	switch len(returns) {
	case 0:
		return nil
	case 1:
		return stack.Put(returns[0].VariableName, value)
	}

	if m, ok := value.(map[string]any); ok {
		for _, rv := range returns {
			name := memory.Name(rv.VariableName)
			var found any
			for k, v := range m {
				if strings.EqualFold(k, name) {
					found = v
					break
				}
			}
			if err := stack.Put(name, found); err != nil {
				return err
			}
		}
		return nil
	}

	items, err := toList(value)
	if err != nil {
		return fmt.Errorf("cannot spread %T over %d return variables", value, len(returns))
	}
	for i, rv := range returns {
		var v any
		if i < len(items) {
			v = items[i]
		}
		if err := stack.Put(rv.VariableName, v); err != nil {
			return err
		}
	}
	return nil
}

// Truthy interprets a conditional result.
func Truthy(v any) bool {
	if b, err := toBool(v); err == nil {
		return b
	}
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.starlark.net/starlark"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Condition evaluates boolean expressions over variables.
type Condition struct{}

func (Condition) Name() string        { return "condition" }
func (Condition) Description() string { return "Branch on a condition; indented steps below run only when it holds." }

func (Condition) PromptFragment() string {
	return `The expression is Starlark (Python syntax). Refer to variables by bare name without percent signs: "count > 3 and status == 'open'".
Use len(x) for sizes, "in" for membership and "not" for negation.`
}

func (c Condition) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "if",
			Description: "Evaluate an expression; when false the deeper indented steps that follow are skipped.",
			Params: []capability.ParamSpec{
				{Name: "expression", Type: capability.TypeString, Required: true},
			},
			Conditional: true,
			Examples: []capability.Example{
				{Text: "if %user% is empty", Parameters: map[string]any{"expression": "not user"}},
				{Text: "if %total% is over 100", Parameters: map[string]any{"expression": "total > 100"}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				ok, err := Evaluate(ctx, inv.String("expression"), inv.Stack.Snapshot())
				if err != nil {
					return nil, inv.Fail(errs.KeyValueInvalid, err.Error())
				}
				return ok, nil
			},
		},
	}
}

// Evaluate computes the truth of a Starlark expression. Variables whose
// names are valid identifiers are predeclared.
func Evaluate(ctx context.Context, expr string, vars map[string]any) (bool, error) {
	env := starlark.StringDict{}
	for name, v := range vars {
		if !identifier.MatchString(name) {
			continue
		}
		sv, err := toStarlark(v)
		if err != nil {
			return false, fmt.Errorf("variable %s: %w", name, err)
		}
		env[name] = sv
	}

	thread := &starlark.Thread{
		Name:  "condition",
		Print: func(_ *starlark.Thread, msg string) {},
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	v, err := starlark.Eval(thread, "condition", expr, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, err)
	}
	return bool(v.Truth()), nil
}

func toStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]any:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return starlark.String(fmt.Sprint(v)), nil
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return toStarlark(generic)
}

package modules

import (
	"context"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
)

// Variable reads and writes variables of the running goal.
type Variable struct{}

func (Variable) Name() string        { return "variable" }
func (Variable) Description() string { return "Set, read, delete and append to variables." }

func (Variable) PromptFragment() string {
	return "Variable names are written as %name%. A name starting with ! (for example %!user%) is shared by every goal of the app."
}

func (v Variable) Operations() []capability.Operation {
	name := capability.ParamSpec{Name: "name", Type: capability.TypeString, Required: true, Description: "variable name"}
	return []capability.Operation{
		{
			Name:        "set",
			Description: "Assign a value to a variable.",
			Params:      []capability.ParamSpec{name, {Name: "value", Type: capability.TypeAny}},
			Examples: []capability.Example{
				{Text: "set %name% to 'Alice'", Parameters: map[string]any{"name": "name", "value": "Alice"}},
				{Text: "set %!token% = %response.token%", Parameters: map[string]any{"name": "!token", "value": "%response.token%"}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				s, n := target(inv.Stack, inv.String("name"))
				return nil, s.Put(n, inv.Arg("value"))
			},
		},
		{
			Name:        "get",
			Description: "Read a variable into return variables.",
			Params:      []capability.ParamSpec{name, {Name: "default", Type: capability.TypeAny}},
			Returns:     "the value",
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				s, n := target(inv.Stack, inv.String("name"))
				val, err := s.Get(n)
				if err != nil {
					if inv.Has("default") {
						return inv.Arg("default"), nil
					}
					return nil, inv.Fail(errs.KeyValueInvalid, err.Error())
				}
				return val, nil
			},
		},
		{
			Name:        "delete",
			Description: "Remove a variable.",
			Params:      []capability.ParamSpec{name},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				s, n := target(inv.Stack, inv.String("name"))
				s.Delete(n)
				return nil, nil
			},
		},
		{
			Name:        "append",
			Description: "Append a value to a list variable, creating the list when missing.",
			Params:      []capability.ParamSpec{name, {Name: "value", Type: capability.TypeAny, Required: true}},
			Examples: []capability.Example{
				{Text: "add %item% to %cart%", Parameters: map[string]any{"name": "cart", "value": "%item%"}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				s, n := target(inv.Stack, inv.String("name"))
				var list []any
				if cur, err := s.Get(n); err == nil && cur != nil {
					items, cerr := capability.Coerce(capability.ParamSpec{Name: n, Type: capability.TypeList}, cur)
					if cerr != nil {
						list = []any{cur}
					} else {
						list = append(list, items.([]any)...)
					}
				}
				list = append(list, inv.Arg("value"))
				return list, s.Put(n, list)
			},
		},
	}
}

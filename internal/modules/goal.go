package modules

import (
	"context"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
)

// Goal calls other goals and ends the current one.
type Goal struct{}

func (Goal) Name() string { return "goal" }

func (Goal) Description() string {
	return "Call other goals, loop over lists, return values and end goals or the app."
}

func (Goal) PromptFragment() string {
	return `Goal names are written without the .goal suffix. Goals of another app are addressed as apps/<App>/<Goal>.
Parameters passed to a goal whose name starts with ! are written to the app-wide context instead of the called goal.`
}

func (g Goal) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "call",
			Description: "Run another goal and return its return values.",
			Params: []capability.ParamSpec{
				{Name: "goal", Type: capability.TypeString, Required: true, Description: "goal name or path"},
				{Name: "parameters", Type: capability.TypeObject, Description: "values for the called goal"},
				{Name: "wait", Type: capability.TypeBool, Default: true, Description: "false runs the goal in the background"},
				{Name: "delay", Type: capability.TypeDuration, Description: "wait before starting"},
				{Name: "isolate", Type: capability.TypeBool, Default: true, Description: "false shares variables with the caller"},
			},
			Returns: "map of the goal's return values",
			Examples: []capability.Example{
				{Text: "call SendWelcome, email=%user.email%", Parameters: map[string]any{"goal": "SendWelcome", "parameters": map[string]any{"email": "%user.email%"}}},
				{Text: "run Cleanup in background after 5 seconds", Parameters: map[string]any{"goal": "Cleanup", "wait": false, "delay": "5s"}},
			},
			Fn: g.call,
		},
		{
			Name:        "foreach",
			Description: "Call a goal once per element of a list.",
			Params: []capability.ParamSpec{
				{Name: "goal", Type: capability.TypeString, Required: true},
				{Name: "list", Type: capability.TypeList, Required: true},
				{Name: "item_name", Type: capability.TypeString, Default: "item"},
				{Name: "position_name", Type: capability.TypeString, Default: "position"},
				{Name: "list_name", Type: capability.TypeString, Default: "list"},
				{Name: "parameters", Type: capability.TypeObject},
			},
			Returns: "list with the return values of every call",
			Examples: []capability.Example{
				{Text: "go through %users%, call ProcessUser", Parameters: map[string]any{"goal": "ProcessUser", "list": "%users%"}},
				{Text: "for each %order% in %orders% call Ship", Parameters: map[string]any{"goal": "Ship", "list": "%orders%", "item_name": "order"}},
			},
			Fn: g.foreach,
		},
		{
			Name:        "return",
			Description: "Stop the goal and hand values back to the caller.",
			Params: []capability.ParamSpec{
				{Name: "values", Type: capability.TypeObject, Description: "name to value"},
			},
			Examples: []capability.Example{
				{Text: "return %total% as total", Parameters: map[string]any{"values": map[string]any{"total": "%total%"}}},
			},
			Fn: g.ret,
		},
		{
			Name:        "end",
			Description: "End the current goal, or several nested goals, without failing.",
			Params: []capability.ParamSpec{
				{Name: "message", Type: capability.TypeString},
				{Name: "levels", Type: capability.TypeInt, Default: int64(1)},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				return nil, errs.EndGoal(inv.String("message"), int(inv.Int("levels")))
			},
		},
		{
			Name:        "endapp",
			Description: "Stop the whole app run without failing.",
			Params: []capability.ParamSpec{
				{Name: "message", Type: capability.TypeString},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				return nil, errs.EndApp(inv.String("message"))
			},
		},
		{
			Name:        "throw",
			Description: "Fail the step with an error defined by the author.",
			Params: []capability.ParamSpec{
				{Name: "message", Type: capability.TypeString, Required: true},
				{Name: "key", Type: capability.TypeString},
				{Name: "status_code", Type: capability.TypeInt, Default: int64(400)},
			},
			Examples: []capability.Example{
				{Text: "throw error 'user not found', 404", Parameters: map[string]any{"message": "user not found", "status_code": 404}},
			},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				return nil, errs.UserDefined(inv.String("key"), inv.String("message"), int(inv.Int("status_code")))
			},
		},
	}
}

func (Goal) call(ctx context.Context, inv *capability.Invocation) (any, error) {
	req := capability.RunGoalRequest{
		Goal:       inv.String("goal"),
		Parameters: inv.Object("parameters"),
		Wait:       inv.Bool("wait"),
		Delay:      inv.Duration("delay"),
		Isolate:    inv.Bool("isolate"),
	}
	return inv.Runtime.RunGoal(ctx, req)
}

// foreach binds the loop variables in the caller's stack and runs the
// goal on that stack. The caller's previous values are restored after
// the loop.
func (Goal) foreach(ctx context.Context, inv *capability.Invocation) (any, error) {
	names := []string{inv.String("item_name"), inv.String("position_name"), inv.String("list_name")}
	type saved struct {
		value  any
		exists bool
	}
	prev := make([]saved, len(names))
	for i, n := range names {
		if inv.Stack.HasLocal(n) {
			v, _ := inv.Stack.Get(n)
			prev[i] = saved{value: v, exists: true}
		}
	}
	defer func() {
		for i, n := range names {
			if prev[i].exists {
				inv.Stack.Put(n, prev[i].value)
			} else {
				inv.Stack.Delete(n)
			}
		}
	}()

	list := inv.List("list")
	results := make([]any, 0, len(list))
	for pos, item := range list {
		for i, v := range []any{item, int64(pos), list} {
			if err := inv.Stack.Put(names[i], v); err != nil {
				return nil, err
			}
		}
		out, err := inv.Runtime.RunGoal(ctx, capability.RunGoalRequest{
			Goal:       inv.String("goal"),
			Parameters: inv.Object("parameters"),
			Wait:       true,
		})
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	return results, nil
}

func (Goal) ret(ctx context.Context, inv *capability.Invocation) (any, error) {
	values := make(map[string]any)
	for k, v := range inv.Object("values") {
		values[k] = v
	}
	for k, v := range inv.Args {
		if k != "values" && v != nil {
			values[k] = v
		}
	}
	return nil, errs.Return(values)
}

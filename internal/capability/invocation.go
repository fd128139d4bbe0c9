package capability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/memory"
)

// RunGoalRequest asks the engine to invoke another goal.
type RunGoalRequest struct {
	// Goal is a goal name, an app-relative path or "apps/<App>/<Goal>".
	Goal string
	// Parameters are written into the callee's stack. Names starting
	// with "!" go to the caller's app-wide stack instead.
	Parameters map[string]any
	// Wait blocks until the callee finishes. When false the callee runs
	// on its own instance and its result is discarded.
	Wait bool
	// Delay is applied before the callee starts, also when waiting.
	Delay time.Duration
	// Isolate gives the callee a fresh stack. When false the caller's
	// stack is reused.
	Isolate bool
}

// NewRunGoalRequest returns a waiting, isolated request.
func NewRunGoalRequest(name string, params map[string]any) RunGoalRequest {
	return RunGoalRequest{Goal: name, Parameters: params, Wait: true, Isolate: true}
}

// Runtime is the engine surface available to operations.
type Runtime interface {
	RunGoal(ctx context.Context, req RunGoalRequest) (map[string]any, error)
	Sink() gateway.Sink
	AppRoot() string
}

// Invocation carries the bound arguments of one operation call.
type Invocation struct {
	Module     string
	Operation  string
	Args       map[string]any
	Returns    []string
	Stack      *memory.Stack
	Runtime    Runtime
	Log        zerolog.Logger
	Provenance errs.Provenance
}

// Has reports whether an argument was bound to a non-nil value.
func (inv *Invocation) Has(name string) bool {
	v, ok := inv.Args[name]
	return ok && v != nil
}

// Arg returns the raw bound value.
func (inv *Invocation) Arg(name string) any {
	return inv.Args[name]
}

func (inv *Invocation) String(name string) string {
	s, _ := inv.Args[name].(string)
	return s
}

func (inv *Invocation) Int(name string) int64 {
	i, _ := inv.Args[name].(int64)
	return i
}

func (inv *Invocation) Float(name string) float64 {
	f, _ := inv.Args[name].(float64)
	return f
}

func (inv *Invocation) Bool(name string) bool {
	b, _ := inv.Args[name].(bool)
	return b
}

func (inv *Invocation) Duration(name string) time.Duration {
	d, _ := inv.Args[name].(time.Duration)
	return d
}

func (inv *Invocation) List(name string) []any {
	l, _ := inv.Args[name].([]any)
	return l
}

// Object returns a map argument. Struct arguments decoded from a
// prototype are read with Arg.
func (inv *Invocation) Object(name string) map[string]any {
	m, _ := inv.Args[name].(map[string]any)
	return m
}

// Fail builds a step error anchored at the invocation's step.
func (inv *Invocation) Fail(key, message string) *errs.Error {
	return errs.Step(key, message, inv.Provenance)
}

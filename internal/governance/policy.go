package governance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes one operation call about to be dispatched.
type Request struct {
	Module    string
	Operation string
	// Arguments is the bound argument set rendered as JSON.
	Arguments string
	GoalPath  string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates operation calls against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies whole modules, single operations or calls
// whose arguments match a pattern. Everything else is allowed.
type DefaultPolicyEngine struct {
	mu               sync.RWMutex
	DeniedModules    map[string]bool
	DeniedOperations map[string]bool
	DeniedRegex      []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedModules:    make(map[string]bool),
		DeniedOperations: make(map[string]bool),
		DeniedRegex:      make([]*regexp.Regexp, 0),
	}
}

// Rules is the declarative form of a policy, as found in configuration.
type Rules struct {
	DenyModules    []string
	DenyOperations []string
	DenyPatterns   []string
}

// NewFromRules builds an engine from declarative rules.
func NewFromRules(r Rules) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, m := range r.DenyModules {
		e.DenyModule(m)
	}
	for _, op := range r.DenyOperations {
		module, operation, ok := strings.Cut(op, ".")
		if !ok {
			return nil, fmt.Errorf("deny operation %q: want module.operation", op)
		}
		e.DenyOperation(module, operation)
	}
	for _, p := range r.DenyPatterns {
		if err := e.DenyArguments(p); err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", p, err)
		}
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyModule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedModules[strings.ToLower(name)] = true
}

func (e *DefaultPolicyEngine) DenyOperation(module, operation string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedOperations[opKey(module, operation)] = true
}

func (e *DefaultPolicyEngine) DenyArguments(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.DeniedModules[strings.ToLower(req.Module)] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Module '%s' is restricted by system policy", req.Module),
		}, nil
	}
	if e.DeniedOperations[opKey(req.Module, req.Operation)] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Operation '%s.%s' is restricted by system policy", req.Module, req.Operation),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Arguments) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Arguments match restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}

func opKey(module, operation string) string {
	return strings.ToLower(module) + "." + strings.ToLower(operation)
}

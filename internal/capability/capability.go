// Package capability declares the modules steps compile to and dispatches
// built instructions to them.
package capability

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/rahul/goalscript/internal/errs"
)

// ParamType is the declared type of an operation parameter.
type ParamType string

const (
	TypeString   ParamType = "string"
	TypeInt      ParamType = "int"
	TypeFloat    ParamType = "float"
	TypeBool     ParamType = "bool"
	TypeEnum     ParamType = "enum"
	TypeList     ParamType = "list"
	TypeObject   ParamType = "object"
	TypeDuration ParamType = "duration"
	TypeAny      ParamType = "any"
)

// ParamSpec declares one parameter of an operation.
type ParamSpec struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	Default     any
	// Enum lists the accepted values of a TypeEnum parameter.
	Enum []string
	// Prototype, when set on a TypeObject parameter, is a value of the
	// struct type the argument is decoded into.
	Prototype any
}

// Example is a worked step-to-call example shown to the oracle.
type Example struct {
	Text       string         `yaml:"text" json:"text"`
	Operation  string         `yaml:"operation,omitempty" json:"operation,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Returns    []string       `yaml:"returns,omitempty" json:"returns,omitempty"`
}

// Func implements an operation.
type Func func(ctx context.Context, inv *Invocation) (any, error)

// Operation is one callable entry of a module.
type Operation struct {
	Name        string
	Description string
	Params      []ParamSpec
	// Returns describes the value written to return variables.
	Returns  string
	Examples []Example
	// Conditional operations yield a bool; false skips the following
	// deeper-indented steps.
	Conditional bool
	Fn          Func
}

// Param returns the declared parameter with the given name.
func (op *Operation) Param(name string) (ParamSpec, bool) {
	for _, p := range op.Params {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Module groups operations under a name.
type Module interface {
	Name() string
	Description() string
	Operations() []Operation
}

// PromptExtender is implemented by modules that contribute extra prompt
// text when the builder compiles a step for them.
type PromptExtender interface {
	PromptFragment() string
}

type entry struct {
	module      Module
	description string
	fragment    string
	ops         map[string]*Operation
	order       []string
}

// Registry maps (module, operation) to declared operations.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*entry)}
}

// Register adds a module. Registering the same name twice is an error.
func (r *Registry) Register(m Module) error {
	name := strings.ToLower(m.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("module %q already registered", m.Name())
	}

	e := &entry{module: m, description: m.Description(), ops: make(map[string]*Operation)}
	if pe, ok := m.(PromptExtender); ok {
		e.fragment = pe.PromptFragment()
	}
	for _, op := range m.Operations() {
		op := op
		if op.Fn == nil {
			return fmt.Errorf("module %q operation %q has no implementation", m.Name(), op.Name)
		}
		for _, p := range op.Params {
			if err := checkPrototype(p); err != nil {
				return fmt.Errorf("module %q operation %q: %w", m.Name(), op.Name, err)
			}
		}
		key := strings.ToLower(op.Name)
		if _, dup := e.ops[key]; dup {
			return fmt.Errorf("module %q declares operation %q twice", m.Name(), op.Name)
		}
		e.ops[key] = &op
		e.order = append(e.order, key)
	}
	r.modules[name] = e
	return nil
}

// MustRegister registers modules and panics on error. It is meant for
// static wiring at start-up.
func (r *Registry) MustRegister(mods ...Module) *Registry {
	for _, m := range mods {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}

// Has reports whether a module is registered.
func (r *Registry) Has(module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[strings.ToLower(module)]
	return ok
}

// Operation resolves a module operation. The returned error is an
// *errs.Error keyed ModuleNotFound or OperationNotFound.
func (r *Registry) Operation(module, operation string) (*Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[strings.ToLower(module)]
	if !ok {
		return nil, errs.ModuleNotFound(module)
	}
	op, ok := e.ops[strings.ToLower(operation)]
	if !ok {
		return nil, errs.OperationNotFound(module, operation)
	}
	return op, nil
}

// Operations lists a module's operations in declaration order.
func (r *Registry) Operations(module string) []*Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.modules[strings.ToLower(module)]
	if !ok {
		return nil
	}
	out := make([]*Operation, 0, len(e.order))
	for _, k := range e.order {
		out = append(out, e.ops[k])
	}
	return out
}

// ModuleInfo summarises a registered module for prompts and listings.
type ModuleInfo struct {
	Name        string
	Description string
	Fragment    string
}

// Modules lists registered modules sorted by name.
func (r *Registry) Modules() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModuleInfo, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, ModuleInfo{Name: e.module.Name(), Description: e.description, Fragment: e.fragment})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fragment returns the prompt fragment of a module, if any.
func (r *Registry) Fragment(module string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.modules[strings.ToLower(module)]; ok {
		return e.fragment
	}
	return ""
}

func checkPrototype(p ParamSpec) error {
	if p.Prototype == nil {
		return nil
	}
	if p.Type != TypeObject {
		return fmt.Errorf("parameter %q: prototype requires type object", p.Name)
	}
	if reflect.TypeOf(p.Prototype).Kind() != reflect.Struct {
		return fmt.Errorf("parameter %q: prototype must be a struct value", p.Name)
	}
	return nil
}

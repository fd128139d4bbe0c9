// Package goal holds the compiled data model: goals, their steps and the
// instructions the builder produces for them.
package goal

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/rahul/goalscript/internal/errs"
)

// Visibility controls whether a goal may be called from another app.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Goal is a named, ordered sequence of steps.
type Goal struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	AppRoot     string     `json:"app_root"`
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility"`
	Steps       []*Step    `json:"steps"`
}

// Ref returns the goal-level provenance of g.
func (g *Goal) Ref() errs.Provenance {
	return errs.Provenance{GoalName: g.Name, GoalPath: g.Path, StepIndex: errs.NoStep}
}

// Verdict is what the engine does after an error handler goal ran.
type Verdict string

const (
	// VerdictContinue ignores the error and moves on to the next step.
	VerdictContinue Verdict = "continue"

	// VerdictSubstitute writes the handler's returned values into the
	// step's return variables, then continues.
	VerdictSubstitute Verdict = "substitute"

	// VerdictPropagate re-raises the original error after the handler ran.
	VerdictPropagate Verdict = "propagate"
)

// ErrorHandler binds an error-handling goal to a step.
type ErrorHandler struct {
	GoalName string  `json:"goal_name" yaml:"goal"`
	Verdict  Verdict `json:"verdict,omitempty" yaml:"verdict"`

	// Key and StatusCode narrow which errors are handled; empty matches all.
	Key        string `json:"key,omitempty" yaml:"key"`
	StatusCode int    `json:"status_code,omitempty" yaml:"status_code"`
}

// Matches reports whether the handler applies to err.
func (h *ErrorHandler) Matches(err error) bool {
	if h == nil {
		return false
	}
	if h.Key == "" && h.StatusCode == 0 {
		return true
	}
	e, ok := errs.As(err)
	if !ok {
		return false
	}
	if h.Key != "" && !strings.EqualFold(h.Key, e.Key) {
		return false
	}
	return h.StatusCode == 0 || h.StatusCode == e.StatusCode
}

// Step is one statement of a goal. It references its goal by index into
// the app's Table rather than by pointer.
type Step struct {
	Text         string        `json:"text"`
	Index        int           `json:"index"`
	Indent       int           `json:"indent"`
	GoalIndex    int           `json:"goal_index"`
	Retry        bool          `json:"retry"`
	ErrorHandler *ErrorHandler `json:"error_handler,omitempty"`
	Instruction  *Instruction  `json:"-"`
}

// Hash returns the digest recorded in instructions built from this step.
func (s *Step) Hash() string {
	return TextHash(s.Text)
}

// TextHash digests step text, ignoring surrounding whitespace.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

// Parameter is one bound argument of a GenericFunction. Value is either a
// literal or a string holding %variable% references.
type Parameter struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// ReturnValue names a variable that receives an operation result.
type ReturnValue struct {
	VariableName string `json:"variable_name"`
}

// GenericFunction is the contract between builder and dispatcher.
type GenericFunction struct {
	Name         string        `json:"name"`
	Parameters   []Parameter   `json:"parameters"`
	ReturnValues []ReturnValue `json:"return_values,omitempty"`
}

// Parameter returns the parameter with the given name.
func (f GenericFunction) Parameter(name string) (Parameter, bool) {
	for _, p := range f.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Parameter{}, false
}

// Instruction is the compiled artifact of a step.
type Instruction struct {
	Module   string          `json:"module"`
	Function GenericFunction `json:"function"`
	TextHash string          `json:"text_hash"`
	BuiltAt  time.Time       `json:"built_at"`
}

// Valid reports whether the instruction was built from the step's
// current text.
func (in *Instruction) Valid(s *Step) bool {
	return in != nil && s != nil && in.TextHash == s.Hash()
}

// Package errs defines the closed error taxonomy shared by the builder, the
// dispatcher and the engine. Every error is an *Error whose Kind field is
// the discriminant; callers switch on Kind rather than on concrete types.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the discriminant of an *Error.
type Kind string

const (
	// KindBuilder is raised while compiling a step into an instruction.
	KindBuilder Kind = "builder"

	// KindStep anchors a run-time failure to a specific step.
	KindStep Kind = "step"

	// KindGoal anchors a run-time failure to a goal.
	KindGoal Kind = "goal"

	// KindEvent is raised while executing an event-bound goal.
	KindEvent Kind = "event"

	// KindUserInput is raised by authored logic when input is rejected.
	KindUserInput Kind = "user_input"

	// KindUserDefined is raised explicitly by authored logic.
	KindUserDefined Kind = "user_defined"

	// KindMultiple batches errors from one app-wide pass.
	KindMultiple Kind = "multiple"

	// KindGrouped batches errors from one goal-wide pass.
	KindGrouped Kind = "grouped"

	// KindReturn is the early-exit sentinel carrying named return values.
	KindReturn Kind = "return"

	// KindEndGoal unwinds Levels goal invocations.
	KindEndGoal Kind = "end_goal"

	// KindEndApp unwinds the whole app run.
	KindEndApp Kind = "end_app"
)

// Common keys. Operations may use their own keys as well.
const (
	KeyModuleNotFound        = "ModuleNotFound"
	KeyOperationNotFound     = "OperationNotFound"
	KeyInvalidParameter      = "InvalidParameter"
	KeyInvalidGoalReference  = "InvalidGoalReference"
	KeyOracleFailure         = "OracleFailure"
	KeyParameterNotFound     = "ParameterNotFound"
	KeyParameterTypeMismatch = "ParameterTypeMismatch"
	KeyValueInvalid          = "ValueInvalid"
	KeyInstructionMissing    = "InstructionMissing"
	KeyInstructionStore      = "InstructionStore"
	KeyPolicyDenied          = "PolicyDenied"
	KeyGoalNotFound          = "GoalNotFound"
	KeyCallStackOverflow     = "CallStackOverflow"
	KeyStepFailed            = "StepFailed"
	KeyEventFailed           = "EventFailed"
	KeyGroupedBuildErrors    = "GroupedBuildErrors"
	KeyMultipleBuildError    = "MultipleBuildError"
	KeyUserInput             = "UserInput"
	KeyUserDefined           = "UserDefined"
)

// Provenance records which goal and step produced an error.
type Provenance struct {
	GoalName  string `json:"goal_name,omitempty"`
	GoalPath  string `json:"goal_path,omitempty"`
	StepIndex int    `json:"step_index"`
	StepText  string `json:"step_text,omitempty"`
}

// NoStep marks a provenance that is not tied to a step.
const NoStep = -1

// IsZero reports whether no goal is recorded.
func (p Provenance) IsZero() bool {
	return p.GoalPath == "" && p.GoalName == ""
}

// HasStep reports whether a step is recorded.
func (p Provenance) HasStep() bool {
	return !p.IsZero() && p.StepIndex >= 0
}

func (p Provenance) String() string {
	if p.IsZero() {
		return ""
	}
	name := p.GoalName
	if p.GoalPath != "" {
		name = p.GoalPath
	}
	if p.StepIndex < 0 {
		return "goal=" + name
	}
	return fmt.Sprintf("goal=%s step=%d %q", name, p.StepIndex, p.StepText)
}

// Error is the single concrete error type of the taxonomy.
type Error struct {
	Kind          Kind
	Key           string
	Message       string
	StatusCode    int
	FixSuggestion string
	HelpfulLinks  []string
	Provenance    Provenance

	// Cause is the wrapped inner error. For handlers wrapping an
	// earlier failure this forms the error chain.
	Cause error

	// ContinueBuild and Retry are meaningful for KindBuilder.
	ContinueBuild bool
	Retry         bool

	// Fatal errors bypass step retry and error handlers.
	Fatal bool

	// IgnoreError and InitialError are meaningful for KindEvent.
	IgnoreError  bool
	InitialError error

	// ReturnValues and Levels are meaningful for sentinels.
	ReturnValues map[string]any
	Levels       int

	// Errors holds the members of KindMultiple and KindGrouped.
	Errors []error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Kind)
	if e.Key != "" {
		b.WriteString(" " + e.Key)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if p := e.Provenance.String(); p != "" {
		b.WriteString(" (" + p + ")")
	}
	if len(e.Errors) > 0 {
		fmt.Fprintf(&b, " [%d errors]", len(e.Errors))
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause and every batched member to errors.Is/As.
func (e *Error) Unwrap() []error {
	var out []error
	if e.Cause != nil {
		out = append(out, e.Cause)
	}
	if e.InitialError != nil {
		out = append(out, e.InitialError)
	}
	return append(out, e.Errors...)
}

// Is matches another *Error with the same Kind and, when set, Key.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Key == "" || t.Key == e.Key
}

// WithProvenance fills the provenance when none has been recorded yet.
// Provenance set at the point of origin is never overwritten.
func (e *Error) WithProvenance(p Provenance) *Error {
	if e.Provenance.IsZero() {
		e.Provenance = p
	} else if !e.Provenance.HasStep() && p.HasStep() && e.Provenance.GoalPath == p.GoalPath {
		e.Provenance.StepIndex = p.StepIndex
		e.Provenance.StepText = p.StepText
	}
	return e
}

// WithFix sets the fix suggestion.
func (e *Error) WithFix(fix string) *Error {
	e.FixSuggestion = fix
	return e
}

// WithStatus sets the status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithLinks appends helpful links.
func (e *Error) WithLinks(links ...string) *Error {
	e.HelpfulLinks = append(e.HelpfulLinks, links...)
	return e
}

// WithCause sets the wrapped cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// IsSentinel reports whether the error is a control-flow signal rather
// than a failure.
func (e *Error) IsSentinel() bool {
	switch e.Kind {
	case KindReturn, KindEndGoal, KindEndApp:
		return true
	}
	return false
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of the outermost *Error, or "" for foreign errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsSentinel reports whether err is a Return, EndGoal or EndApp signal.
// Only the outermost *Error is consulted: a failure wrapping a sentinel
// is still a failure.
func IsSentinel(err error) bool {
	e, ok := err.(*Error)
	return ok && e.IsSentinel()
}

// IsRetryable reports whether a failure may be retried automatically.
func IsRetryable(err error) bool {
	e, ok := As(err)
	if !ok {
		return true
	}
	if e.Fatal || e.IsSentinel() {
		return false
	}
	switch e.Kind {
	case KindUserInput, KindUserDefined:
		return false
	case KindBuilder:
		return e.Retry
	}
	return true
}

// Deepest walks the Cause chain and returns the innermost *Error that
// carries provenance. It is used for reporting the origin of a failure.
func Deepest(err error) *Error {
	var found *Error
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			break
		}
		if !e.Provenance.IsZero() {
			found = e
		}
		err = e.Cause
	}
	return found
}

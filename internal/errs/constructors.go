package errs

import "fmt"

// Builder creates a compile-time error.
func Builder(key, message string, continueBuild, retry bool) *Error {
	return &Error{
		Kind:          KindBuilder,
		Key:           key,
		Message:       message,
		StatusCode:    400,
		ContinueBuild: continueBuild,
		Retry:         retry,
		Provenance:    Provenance{StepIndex: NoStep},
	}
}

// ModuleNotFound is raised when no capability module matches a step.
func ModuleNotFound(module string) *Error {
	return Builder(KeyModuleNotFound, fmt.Sprintf("no capability module named %q", module), true, true).
		WithFix("Prefix the step with [module] to force a module, or rephrase the step.")
}

// OperationNotFound is raised when a module has no such operation.
func OperationNotFound(module, operation string) *Error {
	return Builder(KeyOperationNotFound, fmt.Sprintf("module %q has no operation %q", module, operation), true, true)
}

// InvalidParameter is raised when the oracle produced unusable parameters.
func InvalidParameter(name, reason string) *Error {
	return Builder(KeyInvalidParameter, fmt.Sprintf("parameter %q: %s", name, reason), true, true)
}

// InvalidGoalReference is raised when a step references a goal that does
// not exist in the app.
func InvalidGoalReference(name string) *Error {
	return Builder(KeyInvalidGoalReference, fmt.Sprintf("goal %q does not exist", name), true, false).
		WithFix("Create the goal or correct its name in the step.")
}

// OracleFailure wraps a failed call to the language model.
func OracleFailure(err error) *Error {
	e := Builder(KeyOracleFailure, "language model request failed", false, true)
	e.StatusCode = 503
	e.Cause = err
	return e
}

// InstructionStore wraps a failed read or write of stored instructions.
// Asking the model again cannot fix it, so it is not retried.
func InstructionStore(err error) *Error {
	e := Builder(KeyInstructionStore, "instruction store failed", false, false)
	e.StatusCode = 500
	e.Cause = err
	return e
}

// Step creates a run-time error anchored to a step.
func Step(key, message string, p Provenance) *Error {
	return &Error{
		Kind:       KindStep,
		Key:        key,
		Message:    message,
		StatusCode: 500,
		Provenance: p,
	}
}

// WrapStep wraps a foreign error raised while running a step. An existing
// *Error is annotated with the provenance but never replaced, so a more
// specific error is not downgraded.
func WrapStep(err error, p Provenance) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		if !e.IsSentinel() {
			e.WithProvenance(p)
		}
		return e
	}
	return &Error{
		Kind:       KindStep,
		Key:        KeyStepFailed,
		Message:    err.Error(),
		StatusCode: 500,
		Provenance: p,
		Cause:      err,
	}
}

// Goal creates a run-time error anchored to a goal.
func Goal(key, message string, p Provenance) *Error {
	p.StepIndex = NoStep
	p.StepText = ""
	return &Error{
		Kind:       KindGoal,
		Key:        key,
		Message:    message,
		StatusCode: 500,
		Provenance: p,
	}
}

// Event wraps a failure of an event-bound goal. initial is the error that
// caused the event to fire, if any.
func Event(cause, initial error, ignore bool, p Provenance) *Error {
	msg := "event handler failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Kind:         KindEvent,
		Key:          KeyEventFailed,
		Message:      msg,
		StatusCode:   500,
		Provenance:   p,
		Cause:        cause,
		IgnoreError:  ignore,
		InitialError: initial,
	}
}

// UserInput is raised by authored logic when an answer is rejected.
func UserInput(message string) *Error {
	return &Error{Kind: KindUserInput, Key: KeyUserInput, Message: message, StatusCode: 400, Provenance: Provenance{StepIndex: NoStep}}
}

// UserDefined is raised explicitly by authored logic.
func UserDefined(key, message string, status int) *Error {
	if key == "" {
		key = KeyUserDefined
	}
	if status == 0 {
		status = 400
	}
	return &Error{Kind: KindUserDefined, Key: key, Message: message, StatusCode: status, Provenance: Provenance{StepIndex: NoStep}}
}

// Return is the early-exit sentinel.
func Return(values map[string]any) *Error {
	return &Error{Kind: KindReturn, Key: "Return", StatusCode: 200, ReturnValues: values, Levels: 1}
}

// EndGoal unwinds levels goal invocations; levels below 1 count as 1.
func EndGoal(message string, levels int) *Error {
	if levels < 1 {
		levels = 1
	}
	return &Error{Kind: KindEndGoal, Key: "EndGoal", Message: message, StatusCode: 200, Levels: levels}
}

// EndApp unwinds the whole app run.
func EndApp(message string) *Error {
	return &Error{Kind: KindEndApp, Key: "EndApp", Message: message, StatusCode: 200}
}

package errs

import (
	"fmt"
	"strings"
)

// Grouped batches the errors of one goal-wide pass.
func Grouped(key string, p Provenance, members ...error) *Error {
	return &Error{
		Kind:       KindGrouped,
		Key:        key,
		Message:    fmt.Sprintf("%d error(s)", len(members)),
		StatusCode: 400,
		Provenance: p,
		Errors:     members,
	}
}

// Multiple batches the errors of one app-wide pass.
func Multiple(key string, members ...error) *Error {
	return &Error{
		Kind:       KindMultiple,
		Key:        key,
		Message:    fmt.Sprintf("%d error(s)", len(members)),
		StatusCode: 400,
		Provenance: Provenance{StepIndex: NoStep},
		Errors:     members,
	}
}

// Add appends a member and refreshes the summary message.
func (e *Error) Add(err error) {
	if err == nil {
		return
	}
	e.Errors = append(e.Errors, err)
	e.Message = fmt.Sprintf("%d error(s)", len(e.Errors))
}

// Len returns the number of batched members.
func (e *Error) Len() int {
	return len(e.Errors)
}

// Report renders err for humans: every batched member, the whole cause
// chain and fix suggestions.
func Report(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	report(&b, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func report(b *strings.Builder, err error, depth int) {
	indent := strings.Repeat("  ", depth)
	e, ok := err.(*Error)
	if !ok {
		fmt.Fprintf(b, "%s%s\n", indent, err.Error())
		return
	}

	header := string(e.Kind)
	if e.Key != "" {
		header += " " + e.Key
	}
	if e.StatusCode != 0 {
		header += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	fmt.Fprintf(b, "%s%s: %s\n", indent, header, e.Message)
	if p := e.Provenance.String(); p != "" {
		fmt.Fprintf(b, "%s  at %s\n", indent, p)
	}
	if e.FixSuggestion != "" {
		fmt.Fprintf(b, "%s  fix: %s\n", indent, e.FixSuggestion)
	}
	for _, link := range e.HelpfulLinks {
		fmt.Fprintf(b, "%s  see: %s\n", indent, link)
	}
	for i, member := range e.Errors {
		fmt.Fprintf(b, "%s  #%d\n", indent, i+1)
		report(b, member, depth+2)
	}
	if e.InitialError != nil {
		fmt.Fprintf(b, "%s  initial error:\n", indent)
		report(b, e.InitialError, depth+2)
	}
	if e.Cause != nil {
		fmt.Fprintf(b, "%s  caused by:\n", indent)
		report(b, e.Cause, depth+2)
	}
}

package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWithProvenanceNeverOverwrites(t *testing.T) {
	origin := Provenance{GoalName: "Inner", GoalPath: "/Inner", StepIndex: 2, StepText: "read file"}
	outer := Provenance{GoalName: "Start", GoalPath: "/Start", StepIndex: 0, StepText: "call Inner"}

	e := Step(KeyParameterNotFound, "missing %file%", origin)
	e.WithProvenance(outer)

	if e.Provenance != origin {
		t.Errorf("provenance overwritten: got %+v", e.Provenance)
	}
}

func TestWithProvenanceFillsStepOnSameGoal(t *testing.T) {
	e := Goal(KeyGoalNotFound, "nope", Provenance{GoalName: "Start", GoalPath: "/Start"})
	e.WithProvenance(Provenance{GoalName: "Start", GoalPath: "/Start", StepIndex: 3, StepText: "call X"})

	if e.Provenance.StepIndex != 3 {
		t.Errorf("expected step index 3, got %d", e.Provenance.StepIndex)
	}
}

func TestWrapStepKeepsSpecificError(t *testing.T) {
	p := Provenance{GoalName: "Start", GoalPath: "/Start", StepIndex: 1}
	specific := UserDefined("NotAllowed", "you may not", 403)

	wrapped := WrapStep(specific, p)
	e, ok := As(wrapped)
	if !ok {
		t.Fatal("expected *Error")
	}
	if e.Kind != KindUserDefined || e.Key != "NotAllowed" {
		t.Errorf("error downgraded: %v", e)
	}
	if e.Provenance.StepIndex != 1 {
		t.Errorf("provenance not filled: %+v", e.Provenance)
	}

	foreign := WrapStep(fmt.Errorf("disk full"), p)
	fe, _ := As(foreign)
	if fe.Kind != KindStep || fe.Key != KeyStepFailed {
		t.Errorf("foreign error not wrapped as step error: %v", fe)
	}
	if !strings.Contains(fe.Error(), "disk full") {
		t.Errorf("cause missing from message: %s", fe.Error())
	}
}

func TestSentinelsAreNotFailures(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"return", Return(map[string]any{"x": 1}), true},
		{"end goal", EndGoal("done", 2), true},
		{"end app", EndApp("bye"), true},
		{"step", Step(KeyStepFailed, "boom", Provenance{}), false},
		{"foreign", errors.New("x"), false},
		{"wrapped sentinel", Goal("X", "y", Provenance{GoalName: "G"}).WithCause(EndApp("")), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsSentinel(tc.err); got != tc.want {
				t.Errorf("IsSentinel = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEndGoalLevelsFloor(t *testing.T) {
	if got := EndGoal("", 0).Levels; got != 1 {
		t.Errorf("expected levels 1, got %d", got)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(UserInput("bad")) {
		t.Error("user input errors must not be retried")
	}
	if IsRetryable(UserDefined("", "thrown", 0)) {
		t.Error("user defined errors must not be retried")
	}
	fatal := Step(KeyInstructionMissing, "no instruction", Provenance{})
	fatal.Fatal = true
	if IsRetryable(fatal) {
		t.Error("fatal errors must not be retried")
	}
	if !IsRetryable(Step(KeyStepFailed, "flaky", Provenance{})) {
		t.Error("step errors should be retryable")
	}
	if IsRetryable(InvalidGoalReference("Missing")) {
		t.Error("invalid goal reference is permanent")
	}
}

func TestErrorsIsMatchesKindAndKey(t *testing.T) {
	err := fmt.Errorf("outer: %w", Step(KeyParameterNotFound, "x", Provenance{}))

	if !errors.Is(err, &Error{Kind: KindStep}) {
		t.Error("expected kind match")
	}
	if !errors.Is(err, &Error{Kind: KindStep, Key: KeyParameterNotFound}) {
		t.Error("expected kind+key match")
	}
	if errors.Is(err, &Error{Kind: KindStep, Key: KeyValueInvalid}) {
		t.Error("unexpected key match")
	}
}

func TestGroupedReportRendersEveryMember(t *testing.T) {
	g := Grouped(KeyGroupedBuildErrors, Provenance{GoalName: "Start", GoalPath: "/Start", StepIndex: NoStep})
	g.Add(ModuleNotFound("ftp").WithProvenance(Provenance{GoalPath: "/Start", StepIndex: 0, StepText: "upload"}))
	g.Add(OperationNotFound("file", "teleport").WithProvenance(Provenance{GoalPath: "/Start", StepIndex: 2, StepText: "teleport"}))

	if g.Len() != 2 {
		t.Fatalf("expected 2 members, got %d", g.Len())
	}

	out := Report(g)
	for _, want := range []string{"ModuleNotFound", "OperationNotFound", "step=0", "step=2", "fix:"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}

	var e *Error
	if !errors.As(g, &e) || e.Kind != KindGrouped {
		t.Error("grouped error should be its own outermost *Error")
	}
	if !errors.Is(g, &Error{Kind: KindBuilder, Key: KeyOperationNotFound}) {
		t.Error("members should be reachable through errors.Is")
	}
}

func TestEventErrorKeepsInitialError(t *testing.T) {
	initial := Step(KeyStepFailed, "original", Provenance{GoalName: "Start", GoalPath: "/Start", StepIndex: 1})
	ev := Event(errors.New("handler broke"), initial, false, Provenance{GoalName: "OnError", GoalPath: "/OnError", StepIndex: NoStep})

	if !errors.Is(ev, &Error{Kind: KindStep, Key: KeyStepFailed}) {
		t.Error("initial error should stay reachable")
	}
	if !strings.Contains(Report(ev), "initial error") {
		t.Error("report should include the initial error")
	}
}

func TestDeepestFindsOrigin(t *testing.T) {
	inner := Step(KeyValueInvalid, "bad", Provenance{GoalName: "Inner", GoalPath: "/Inner", StepIndex: 4})
	outer := Goal(KeyStepFailed, "call failed", Provenance{GoalName: "Start", GoalPath: "/Start"}).WithCause(inner)

	if d := Deepest(outer); d != inner {
		t.Errorf("expected innermost error, got %v", d)
	}
}

package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/engine"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/modules"
	"github.com/rahul/goalscript/internal/store"
)

type run struct {
	Goal   string
	Owner  string
	Params map[string]any
	Sink   bool
}

type fakeRunner struct {
	runs []run
	fail map[string]bool
}

func (f *fakeRunner) Run(ctx context.Context, root, goalRef string, params map[string]any) (*engine.Result, error) {
	_, hasSink := gateway.SinkFrom(ctx)
	f.runs = append(f.runs, run{Goal: goalRef, Owner: modules.Owner(ctx), Params: params, Sink: hasSink})
	if f.fail[goalRef] {
		return nil, errors.New("boom")
	}
	return &engine.Result{Goal: goalRef, State: engine.StateReturned, Message: "done " + goalRef}, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Send(chatID, text string) error {
	f.sent = append(f.sent, chatID)
	return nil
}

func (f *fakeNotifier) Sink(chatID string) gateway.Sink { return gateway.Discard{} }

func TestPollRunsDueTasks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.AddTask(ctx, store.Task{Owner: "99", GoalName: "Report", IntervalSeconds: 300, Parameters: map[string]any{"n": 1}})
	st.AddTask(ctx, store.Task{Owner: modules.DefaultOwner, GoalName: "Once"})
	st.AddTask(ctx, store.Task{Owner: "99", GoalName: "Later", IntervalSeconds: 0, LastRun: time.Now().Add(time.Hour)})

	runner := &fakeRunner{}
	notifier := &fakeNotifier{}
	s := New(st, runner, "/app", notifier, zerolog.Nop())
	s.Poll(ctx)

	want := []run{
		{Goal: "Report", Owner: "99", Params: map[string]any{"n": 1}, Sink: true},
		{Goal: "Once", Owner: modules.DefaultOwner},
	}
	if diff := cmp.Diff(want, runner.runs); diff != "" {
		t.Errorf("runs (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"99"}, notifier.sent); diff != "" {
		t.Errorf("notified (-want +got):\n%s", diff)
	}

	left, _ := st.ListTasks(ctx, modules.DefaultOwner)
	if len(left) != 0 {
		t.Errorf("one-time task not deleted: %+v", left)
	}

	// The repeating task ran just now and is not due again.
	runner.runs = nil
	s.Poll(ctx)
	if len(runner.runs) != 0 {
		t.Errorf("second poll ran %+v", runner.runs)
	}
}

func TestFailedTaskNotifiesOwner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.AddTask(ctx, store.Task{Owner: "5", GoalName: "Broken", IntervalSeconds: 60})

	notifier := &fakeNotifier{}
	s := New(st, &fakeRunner{fail: map[string]bool{"Broken": true}}, "/app", notifier, zerolog.Nop())
	s.Poll(ctx)

	if diff := cmp.Diff([]string{"5"}, notifier.sent); diff != "" {
		t.Errorf("notified (-want +got):\n%s", diff)
	}
	tasks, _ := st.ListTasks(ctx, "5")
	if len(tasks) != 1 || tasks[0].LastRun.IsZero() {
		t.Errorf("repeating task must stay with its last run set: %+v", tasks)
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/rahul/goalscript/internal/goal"
)

type fullStore interface {
	InstructionStore
	ResponseCache
	TaskStore
	HistoryStore
}

func stores(t *testing.T) map[string]fullStore {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]fullStore{
		"sqlite": sq,
		"memory": NewMemoryStore(),
	}
}

func TestInstructionRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.LoadInstruction(ctx, "/Start", 0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}

			in := &goal.Instruction{
				Module: "file",
				Function: goal.GenericFunction{
					Name:         "read",
					Parameters:   []goal.Parameter{{Name: "path", Type: "string", Value: "%cfg%"}},
					ReturnValues: []goal.ReturnValue{{VariableName: "content"}},
				},
				TextHash: goal.TextHash("read %cfg%, write to %content%"),
				BuiltAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			}
			if err := s.SaveInstruction(ctx, "/Start", 0, in); err != nil {
				t.Fatalf("SaveInstruction failed: %v", err)
			}
			got, err := s.LoadInstruction(ctx, "/Start", 0)
			if err != nil {
				t.Fatalf("LoadInstruction failed: %v", err)
			}
			if diff := cmp.Diff(in, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
				t.Errorf("instruction mismatch (-want +got):\n%s", diff)
			}

			if err := s.DeleteInstructions(ctx, "/Start"); err != nil {
				t.Fatalf("DeleteInstructions failed: %v", err)
			}
			if _, err := s.LoadInstruction(ctx, "/Start", 0); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected instruction to be deleted, got %v", err)
			}
		})
	}
}

func TestResponseCache(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := CacheKey("system", "step text")
			if key == CacheKey("systemstep", " text") {
				t.Error("cache key must separate parts")
			}
			if _, ok, _ := s.GetResponse(ctx, key); ok {
				t.Fatal("unexpected cache hit")
			}
			if err := s.PutResponse(ctx, key, `{"module":"file"}`, 0); err != nil {
				t.Fatalf("PutResponse failed: %v", err)
			}
			v, ok, err := s.GetResponse(ctx, key)
			if err != nil || !ok || v != `{"module":"file"}` {
				t.Errorf("unexpected cache read %q %v %v", v, ok, err)
			}
		})
	}
}

func TestTasks(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.AddTask(ctx, Task{Owner: "app", GoalName: "Report", Parameters: map[string]any{"to": "ops"}, IntervalSeconds: 3600})
			if err != nil {
				t.Fatalf("AddTask failed: %v", err)
			}
			if _, err := s.AddTask(ctx, Task{Owner: "other", GoalName: "Ping"}); err != nil {
				t.Fatalf("AddTask failed: %v", err)
			}

			pending, err := s.PendingTasks(ctx)
			if err != nil {
				t.Fatalf("PendingTasks failed: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("expected 2 pending tasks, got %d", len(pending))
			}
			if pending[0].GoalName != "Report" || pending[0].Parameters["to"] != "ops" {
				t.Errorf("unexpected task %+v", pending[0])
			}
			if !pending[1].OneTime() {
				t.Error("interval 0 should be a one-time task")
			}

			if err := s.UpdateTaskLastRun(ctx, id); err != nil {
				t.Fatalf("UpdateTaskLastRun failed: %v", err)
			}
			pending, _ = s.PendingTasks(ctx)
			for _, p := range pending {
				if p.ID == id {
					t.Error("task that just ran should not be pending")
				}
			}

			if err := s.DeleteTask(ctx, "other", id); !errors.Is(err, ErrNotFound) {
				t.Errorf("deleting another owner's task should fail, got %v", err)
			}
			if err := s.ClearTasks(ctx, "app"); err != nil {
				t.Fatalf("ClearTasks failed: %v", err)
			}
			list, _ := s.ListTasks(ctx, "app")
			if len(list) != 0 {
				t.Errorf("expected no tasks after clear, got %d", len(list))
			}
		})
	}
}

func TestHistoryOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, m := range []Message{{"human", "one"}, {"ai", "two"}, {"human", "three"}} {
				if err := s.AddMessage(ctx, "c1", m.Role, m.Content); err != nil {
					t.Fatalf("AddMessage failed: %v", err)
				}
			}
			got, err := s.GetHistory(ctx, "c1", 2)
			if err != nil {
				t.Fatalf("GetHistory failed: %v", err)
			}
			want := []Message{{"ai", "two"}, {"human", "three"}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("history mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

package modules

import (
	"context"
	"fmt"
	"time"

	"github.com/rahul/goalscript/internal/capability"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/store"
)

// MinInterval is the shortest accepted repeat interval.
const MinInterval = 60 * time.Second

// Schedule registers goals to run later or repeatedly. The scheduler
// picks the tasks up from the store.
type Schedule struct {
	Store store.TaskStore
}

func NewSchedule(s store.TaskStore) *Schedule {
	return &Schedule{Store: s}
}

func (s *Schedule) Name() string { return "schedule" }

func (s *Schedule) Description() string {
	return "Manage recurring goal runs: schedule a goal, list or clear scheduled runs."
}

func (s *Schedule) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "every",
			Description: "Run a goal every interval, or once after it when repeat is false.",
			Params: []capability.ParamSpec{
				{Name: "goal", Type: capability.TypeString, Required: true},
				{Name: "interval", Type: capability.TypeDuration, Required: true, Description: "minimum 60s"},
				{Name: "repeat", Type: capability.TypeBool, Default: true},
				{Name: "parameters", Type: capability.TypeObject},
			},
			Returns: "task id",
			Examples: []capability.Example{
				{Text: "run CheckInbox every 5 minutes", Parameters: map[string]any{"goal": "CheckInbox", "interval": "5m"}},
			},
			Fn: s.every,
		},
		{
			Name:    "list",
			Returns: "list of {id, goal, interval_seconds, last_run}",
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				tasks, err := s.Store.ListTasks(ctx, Owner(ctx))
				if err != nil {
					return nil, fmt.Errorf("failed to list tasks: %w", err)
				}
				out := make([]any, 0, len(tasks))
				for _, t := range tasks {
					out = append(out, map[string]any{
						"id":               t.ID,
						"goal":             t.GoalName,
						"interval_seconds": int64(t.IntervalSeconds),
						"last_run":         t.LastRun,
					})
				}
				return out, nil
			},
		},
		{
			Name:        "clear",
			Description: "Remove one scheduled task, or all of them when no id is given.",
			Params:      []capability.ParamSpec{{Name: "id", Type: capability.TypeInt}},
			Fn: func(ctx context.Context, inv *capability.Invocation) (any, error) {
				owner := Owner(ctx)
				if inv.Has("id") {
					return nil, s.Store.DeleteTask(ctx, owner, inv.Int("id"))
				}
				if err := s.Store.ClearTasks(ctx, owner); err != nil {
					return nil, fmt.Errorf("failed to clear tasks: %w", err)
				}
				return nil, nil
			},
		},
	}
}

func (s *Schedule) every(ctx context.Context, inv *capability.Invocation) (any, error) {
	interval := inv.Duration("interval")
	if interval < MinInterval {
		return nil, inv.Fail(errs.KeyValueInvalid, fmt.Sprintf("minimum interval is %s", MinInterval)).WithStatus(400)
	}

	task := store.Task{
		Owner:           Owner(ctx),
		GoalName:        inv.String("goal"),
		Parameters:      inv.Object("parameters"),
		IntervalSeconds: int(interval / time.Second),
		Status:          "active",
	}
	if !inv.Bool("repeat") {
		// One-time tasks run once their delay has passed.
		task.IntervalSeconds = 0
		task.LastRun = time.Now().Add(interval)
	}
	id, err := s.Store.AddTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule task: %w", err)
	}
	inv.Log.Info().Int64("task", id).Str("goal", task.GoalName).Dur("interval", interval).Msg("Scheduled goal")
	return id, nil
}

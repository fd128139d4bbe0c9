// Package scheduler runs goals registered through the schedule module.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rahul/goalscript/internal/engine"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/modules"
	"github.com/rahul/goalscript/internal/store"
)

// DefaultInterval is how often the store is polled.
const DefaultInterval = 30 * time.Second

// Runner starts a goal of an app.
type Runner interface {
	Run(ctx context.Context, root, goalRef string, params map[string]any) (*engine.Result, error)
}

// Notifier delivers the outcome of a task to its owner.
type Notifier interface {
	Send(chatID string, text string) error
	Sink(chatID string) gateway.Sink
}

type Scheduler struct {
	Store    store.TaskStore
	Runner   Runner
	Root     string
	Gateway  Notifier
	Interval time.Duration
	log      zerolog.Logger
}

// New creates a scheduler for the app at root. gateway may be nil.
func New(st store.TaskStore, runner Runner, root string, gateway Notifier, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Store:    st,
		Runner:   runner,
		Root:     root,
		Gateway:  gateway,
		Interval: DefaultInterval,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start polls until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.Interval).Msg("Task scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs every due task once.
func (s *Scheduler) Poll(ctx context.Context) {
	tasks, err := s.Store.PendingTasks(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Error polling tasks")
		return
	}
	for _, t := range tasks {
		s.execute(ctx, t)
	}
}

func (s *Scheduler) execute(ctx context.Context, t store.Task) {
	log := s.log.With().Int64("task", t.ID).Str("owner", t.Owner).Str("goal", t.GoalName).Logger()
	log.Info().Msg("Executing scheduled task")

	// Mark the run first so a slow goal is not started again by the
	// next poll.
	if err := s.Store.UpdateTaskLastRun(ctx, t.ID); err != nil {
		log.Error().Err(err).Msg("Error updating last run")
	}
	if t.OneTime() {
		if err := s.Store.DeleteTask(ctx, t.Owner, t.ID); err != nil {
			log.Error().Err(err).Msg("Error deleting one-time task")
		}
	}

	runCtx := modules.WithOwner(ctx, t.Owner)
	if s.Gateway != nil && t.Owner != modules.DefaultOwner {
		runCtx = gateway.WithSink(runCtx, s.Gateway.Sink(t.Owner))
	}
	res, err := s.Runner.Run(runCtx, s.Root, t.GoalName, t.Parameters)
	if err != nil {
		log.Error().Err(err).Msg("Scheduled task failed")
		s.notify(t, fmt.Sprintf("⏰ *Scheduled task failed*\n\n%s: %v", t.GoalName, err))
		return
	}
	if res != nil && res.Message != "" {
		s.notify(t, "⏰ *Scheduled Task Output*\n\n"+res.Message)
	}
}

func (s *Scheduler) notify(t store.Task, text string) {
	if s.Gateway == nil || t.Owner == modules.DefaultOwner {
		return
	}
	if err := s.Gateway.Send(t.Owner, text); err != nil {
		s.log.Warn().Err(err).Int64("task", t.ID).Msg("Failed to notify owner")
	}
}

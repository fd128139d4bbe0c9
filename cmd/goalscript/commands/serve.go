package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
	"github.com/rahul/goalscript/internal/modules"
	"github.com/rahul/goalscript/internal/observability"
	"github.com/rahul/goalscript/internal/scheduler"
	"github.com/rahul/goalscript/pkg/config"
)

const (
	dashboardInterval = 1 * time.Second
	heartbeatInterval = 30 * time.Second
)

func newServeCommand() *cobra.Command {
	var (
		watch     bool
		dashboard bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the app over chat gateways",
		Long: `Serve the app over the enabled chat gateways.

Every incoming message runs the gateway goal (Start by default) with the
variables %message% and %chat_id%. Output and questions of the run go back
to the chat the message came from. Scheduled tasks run in the background
and report to their owner's chat.`,
		Example: `  # Serve with the gateways of goalscript.yaml
  goalscript serve

  # Rebuild on goal changes while serving
  goalscript serve --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := newStack(ctx, gateway.Discard{})
			if err != nil {
				return err
			}
			defer s.Close()

			if s.model != nil {
				if err := s.build(ctx, "", false); err != nil {
					s.log.Error().Msg(errs.Report(err))
					return &ExitError{Code: ExitBuildFailed, Err: err}
				}
			}

			messengers, err := s.messengers()
			if err != nil {
				return err
			}
			if len(messengers) == 0 {
				return errors.New("no gateway is enabled; set gateways.telegram or gateways.discord in the config")
			}

			return s.serve(ctx, messengers, watch, dashboard && observability.IsTerminal())
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "rebuild the app when goal files change")
	cmd.Flags().BoolVar(&dashboard, "dashboard", true, "show the live status line on a terminal")

	return cmd
}

// messengers creates the enabled chat gateways. Each routes incoming
// messages to its configured goal.
func (s *stack) messengers() ([]gateway.Messenger, error) {
	var out []gateway.Messenger

	if gc, ok := s.cfg.GetTelegramConfig(); ok {
		var tg *gateway.TelegramGateway
		tg, err := gateway.NewTelegramGateway(gc.Token, func(ctx context.Context, chatID, text string) {
			s.handle(ctx, tg, gc, chatID, text)
		}, s.log)
		if err != nil {
			return nil, err
		}
		out = append(out, tg)
	}

	if gc, ok := s.cfg.GetDiscordConfig(); ok {
		var dg *gateway.DiscordGateway
		dg, err := gateway.NewDiscordGateway(gc.Token, gc.Prefix, func(ctx context.Context, chatID, text string) {
			s.handle(ctx, dg, gc, chatID, text)
		}, s.log)
		if err != nil {
			return nil, err
		}
		out = append(out, dg)
	}

	return out, nil
}

// handle runs the gateway goal for one incoming message.
func (s *stack) handle(ctx context.Context, m gateway.Messenger, gc config.GatewayConfig, chatID, text string) {
	goalRef := gc.Goal
	if goalRef == "" {
		goalRef = DefaultGoal
	}
	sink := m.Sink(chatID)
	ctx = gateway.WithSink(modules.WithOwner(ctx, chatID), sink)

	res, err := s.engine.Run(ctx, s.root, goalRef, map[string]any{
		"message": text,
		"chat_id": chatID,
	})
	if err != nil {
		s.log.Error().Err(err).Str("chat", chatID).Str("goal", goalRef).Msg("Goal failed")
		status := 500
		if e, ok := errs.As(err); ok && e.StatusCode != 0 {
			status = e.StatusCode
		}
		msg := err.Error()
		if d := errs.Deepest(err); d != nil {
			msg = d.Message
		}
		if werr := sink.Write(ctx, msg, gateway.KindError, status); werr != nil {
			s.log.Warn().Err(werr).Str("chat", chatID).Msg("Failed to report error")
		}
		return
	}
	if res.Message != "" {
		if werr := sink.Write(ctx, res.Message, gateway.KindText, 200); werr != nil {
			s.log.Warn().Err(werr).Str("chat", chatID).Msg("Failed to send result")
		}
	}
}

func (s *stack) serve(ctx context.Context, messengers []gateway.Messenger, watch, dashboard bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(messengers)+2)
	spawn := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}

	for _, m := range messengers {
		spawn(func() error {
			defer m.Stop()
			return m.Start(ctx)
		})
	}

	sched := scheduler.New(s.store, s.engine, s.root, messengers[0], s.log)
	spawn(func() error {
		sched.Start(ctx)
		return nil
	})

	if s.metrics.Enabled() {
		spawn(func() error {
			if err := s.metrics.Serve(ctx, s.cfg.Metrics.Addr, s.log); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if watch {
		spawn(func() error {
			return s.watch(ctx, func() {
				if err := s.build(ctx, "", false); err != nil {
					s.log.Error().Msg(errs.Report(err))
				}
			})
		})
	}

	spawn(func() error {
		s.monitor(ctx, dashboard)
		return nil
	})

	s.log.Info().Str("root", s.root).Int("gateways", len(messengers)).Msg("Serving")
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// monitor beats the heartbeat, samples the pool and redraws the
// dashboard until ctx is done.
func (s *stack) monitor(ctx context.Context, dashboard bool) {
	var d *observability.Dashboard
	if dashboard {
		d = observability.NewDashboard(s.status, s.engine.Pool())
		d.Init()
		defer d.Cleanup()
	}

	tick := time.NewTicker(dashboardInterval)
	defer tick.Stop()
	beat := time.NewTicker(heartbeatInterval)
	defer beat.Stop()

	s.status.Heartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			s.status.Heartbeat()
		case <-tick.C:
			s.metrics.ObservePool(s.engine.Pool())
			if d != nil {
				d.Print()
			}
		}
	}
}

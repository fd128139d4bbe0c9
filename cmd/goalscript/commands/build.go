package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
)

func newBuildCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "build [goal]",
		Short: "Compile goal steps into instructions",
		Long: `Compile every step of the app, or of one goal, into a stored instruction.

Steps whose text did not change since the last build keep their instruction.
Failed steps are reported with their file and line; the build continues with
the remaining steps where it can.`,
		Example: `  # Build the whole app in the current directory
  goalscript build

  # Rebuild one goal even if its steps are unchanged
  goalscript build Checkout --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd.Context(), gateway.Discard{})
			if err != nil {
				return err
			}
			defer s.Close()

			goalRef := ""
			if len(args) > 0 {
				goalRef = args[0]
			}
			if err := s.build(cmd.Context(), goalRef, force); err != nil {
				fmt.Fprintln(os.Stderr, errs.Report(err))
				return &ExitError{Code: ExitBuildFailed, Err: err}
			}
			fmt.Println("Build succeeded")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rebuild steps even when their stored instruction is current")

	return cmd
}

// build compiles the app at the stack root, or one goal of it.
func (s *stack) build(ctx context.Context, goalRef string, force bool) error {
	app, err := apps.Load(s.root)
	if err != nil {
		return err
	}
	b, err := s.builder(app, force)
	if err != nil {
		return err
	}

	ctx, span := s.tracing.Tracer().Start(ctx, "build "+app.Name)
	defer span.End()
	span.SetAttributes(attribute.String("goal", goalRef), attribute.Bool("force", force))

	s.log.Info().Str("app", app.Root).Str("goal", goalRef).Bool("force", force).Msg("Building app")
	s.status.SetBuilding(app.Name)
	defer s.status.SetBuilding("")

	if goalRef == "" {
		err = b.BuildApp(ctx)
	} else {
		g, ok := app.Table.Find(goalRef)
		if !ok {
			return errs.Goal(errs.KeyGoalNotFound, fmt.Sprintf("goal %s was not found in %s", goalRef, app.Root),
				errs.Provenance{GoalName: goalRef, StepIndex: errs.NoStep})
		}
		err = b.BuildGoal(ctx, g)
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	s.engine.Forget(app.Root)
	return nil
}

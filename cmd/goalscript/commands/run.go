package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rahul/goalscript/internal/engine"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/gateway"
)

// DefaultGoal is started when no goal is named.
const DefaultGoal = "Start"

func newRunCommand() *cobra.Command {
	var (
		params  []string
		noBuild bool
	)

	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run a goal of the app",
		Long: `Run a goal of the app, Start by default.

The app is built first so that changed steps are compiled; unchanged steps
reuse their stored instructions. Parameters are bound as goal variables.`,
		Example: `  # Run the Start goal
  goalscript run

  # Run a goal with parameters
  goalscript run Greet --param name=Ada --param count=3

  # Print the result as JSON
  goalscript run Report --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			goalRef := DefaultGoal
			if len(args) > 0 {
				goalRef = args[0]
			}
			values, err := parseParams(params)
			if err != nil {
				return err
			}

			s, err := newStack(ctx, gateway.Stdio())
			if err != nil {
				return err
			}
			defer s.Close()

			if !noBuild && s.model != nil {
				if err := s.build(ctx, "", false); err != nil {
					fmt.Fprintln(os.Stderr, errs.Report(err))
					return &ExitError{Code: ExitBuildFailed, Err: err}
				}
			}

			res, err := s.engine.Run(ctx, s.root, goalRef, values)
			if err != nil {
				fmt.Fprintln(os.Stderr, errs.Report(err))
				return &ExitError{Code: ExitRunFailed, Err: err}
			}
			return printResult(res)
		},
	}

	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "goal parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "run stored instructions without building first")

	return cmd
}

// parseParams turns key=value pairs into goal parameters. Values that
// parse as JSON keep their type; everything else is a string.
func parseParams(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}

func printResult(res *engine.Result) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Goal         string         `json:"goal"`
			State        engine.State   `json:"state"`
			Message      string         `json:"message,omitempty"`
			ReturnValues map[string]any `json:"return_values,omitempty"`
		}{res.Goal, res.State, res.Message, res.ReturnValues})
	}

	if res.Message != "" {
		fmt.Println(res.Message)
	}
	keys := make([]string, 0, len(res.ReturnValues))
	for k := range res.ReturnValues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %v\n", k, res.ReturnValues[k])
	}
	return nil
}

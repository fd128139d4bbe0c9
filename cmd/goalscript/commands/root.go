package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	rootDir    string
	verbose    bool
	jsonOutput bool
)

// Exit codes of the goalscript binary.
const (
	ExitOK          = 0
	ExitRunFailed   = 1
	ExitBuildFailed = 2
)

// ExitError carries the process exit code of a command whose failure has
// already been reported.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "goalscript",
		Short: "goalscript - natural language goals, compiled",
		Long: `goalscript runs apps written as natural language goals.

Each step of a goal is compiled once by a language model into a call of a
built-in module and stored next to the app. Runs execute the stored
instructions without asking the model again.

Features:
  - Three stage step compilation with cached instructions
  - Goal calls, loops, conditions and events
  - File, shell, web, browser, schedule and llm modules
  - Telegram and Discord gateways with a task scheduler
  - Policy checks on every module call`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <root>/goalscript.yaml)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "app root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCatalogCommand())
	rootCmd.AddCommand(newInstallCommand())

	return rootCmd
}

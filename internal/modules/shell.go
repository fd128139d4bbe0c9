package modules

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/rahul/goalscript/internal/capability"
)

// Shell runs commands through bash.
type Shell struct{}

func NewShell() *Shell {
	return &Shell{}
}

func (s *Shell) Name() string { return "shell" }

func (s *Shell) Description() string {
	return "Execute system shell commands. Use with caution. Access to full shell environment."
}

func (s *Shell) Operations() []capability.Operation {
	return []capability.Operation{
		{
			Name:        "run",
			Description: "Run a command and capture its combined output.",
			Params: []capability.ParamSpec{
				{Name: "command", Type: capability.TypeString, Required: true},
				{Name: "dir", Type: capability.TypeString, Description: "working directory, defaults to the app root"},
				{Name: "timeout", Type: capability.TypeDuration, Default: 2 * time.Minute},
			},
			Returns: "{output, exit_code}",
			Examples: []capability.Example{
				{Text: "run 'git status', write to %status%", Parameters: map[string]any{"command": "git status"}, Returns: []string{"status"}},
			},
			Fn: s.run,
		},
	}
}

func (s *Shell) run(ctx context.Context, inv *capability.Invocation) (any, error) {
	if d := inv.Duration("timeout"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", inv.String("command"))
	cmd.Dir = inv.String("dir")
	if cmd.Dir == "" {
		cmd.Dir = inv.Runtime.AppRoot()
	}

	output, err := cmd.CombinedOutput()
	result := map[string]any{
		"output":    strings.TrimSpace(string(output)),
		"exit_code": int64(0),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		result["exit_code"] = int64(exitErr.ExitCode())
	}
	return result, nil
}

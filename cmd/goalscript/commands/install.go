package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/gateway"
)

func newInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install <app>",
		Short: "Install a sub-app from the app registry",
		Long: `Download an app bundle from the configured registry and unpack it
under apps/<name> of the current app, where goals reach it as apps/<name>/Goal.`,
		Example: `  goalscript install weather`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newStack(cmd.Context(), gateway.Discard{})
			if err != nil {
				return err
			}
			defer s.Close()

			if s.cfg.Registry.URL == "" {
				return errors.New("no app registry configured; set registry.url in the config")
			}

			name := args[0]
			dest := apps.SubAppRoot(s.root, name)
			if err := apps.NewInstaller(s.cfg.Registry.URL, s.log).Install(cmd.Context(), name, dest); err != nil {
				return err
			}
			fmt.Printf("Installed %s into %s\n", name, dest)
			return nil
		},
	}

	return cmd
}

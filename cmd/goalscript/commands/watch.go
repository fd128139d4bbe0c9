package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/rahul/goalscript/internal/apps"
	"github.com/rahul/goalscript/internal/errs"
	"github.com/rahul/goalscript/internal/events"
	"github.com/rahul/goalscript/internal/gateway"
)

// settle is how long the watcher waits for a burst of saves to end.
const settle = 300 * time.Millisecond

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Rebuild the app whenever a goal file changes",
		Long: `Build the app, then watch its goal files and events file and rebuild
on every change. Build failures are reported and the watch continues.`,
		Example: `  goalscript watch --root ./myapp`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := newStack(ctx, gateway.Discard{})
			if err != nil {
				return err
			}
			defer s.Close()

			rebuild := func() {
				if err := s.build(ctx, "", false); err != nil {
					fmt.Fprintln(os.Stderr, errs.Report(err))
					return
				}
				fmt.Println("Build succeeded")
			}
			rebuild()
			return s.watch(ctx, rebuild)
		},
	}

	return cmd
}

// watch calls onChange after goal sources below the root change, until
// ctx is done.
func (s *stack) watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, s.root); err != nil {
		return err
	}
	s.log.Info().Str("root", s.root).Msg("Watching goal files")

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(info.Name()) {
					if err := watchTree(watcher, event.Name); err != nil {
						s.log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch directory")
					}
					continue
				}
			}
			if !isSource(event.Name) {
				continue
			}
			s.log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Goal source changed")
			if timer == nil {
				timer = time.NewTimer(settle)
			} else {
				timer.Reset(settle)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") || name == apps.AppsDir
}

func isSource(path string) bool {
	return strings.EqualFold(filepath.Ext(path), apps.GoalExt) || filepath.Base(path) == events.FileName
}

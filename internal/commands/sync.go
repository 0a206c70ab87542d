package commands

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	syncui "github.com/tildaslashalef/caresync/internal/commands/sync"
	"github.com/tildaslashalef/caresync/internal/loggy"
)

// SyncCommand returns the CLI command that replays the queue against the
// server
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Replay queued writes against the server",
		Description: "Opens an interactive monitor that shows queue counts and engine events " +
			"as they happen. Use --plain for a single pass without the UI.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "plain",
				Usage: "Run one pass and print the result",
			},
			&cli.BoolFlag{
				Name:  "retry",
				Usage: "Return failed operations to pending first",
			},
			&cli.BoolFlag{
				Name:  "now",
				Usage: "Start a pass as soon as the monitor opens",
			},
		},
		Action: syncAction,
	}
}

func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	if c.Bool("plain") {
		application.Monitor.Check(ctx)
		run := application.Sync.ProcessQueue
		if c.Bool("retry") {
			run = application.Sync.RetryFailedOperations
		}
		result, err := run(ctx)
		if err != nil {
			return syncError(err)
		}
		printSyncResult(result)
		if _, err := application.Gateway.FlushPendingRequests(ctx); err != nil {
			loggy.Warn("Failed to flush pending requests", "error", err)
		}
		return nil
	}

	application.Start(ctx)
	stream, cancel := application.Sync.Stream(64)
	defer cancel()

	loggy.Info("Starting sync monitor")
	model := syncui.NewModel(ctx, application.Sync, application.Monitor, stream, syncui.Options{
		AutoStart: c.Bool("now") || c.Bool("retry"),
		Retry:     c.Bool("retry"),
	})
	if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil {
		loggy.Error("Error running sync TUI", "error", err)
		return fmt.Errorf("error running sync UI: %w", err)
	}
	return nil
}

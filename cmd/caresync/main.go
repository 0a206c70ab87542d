package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
	Author     = "unknown"
	Email      = "unknown"
)

var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config-dir",
		Usage:   "Configuration directory (default: ~/.caresync)",
		EnvVars: []string{"CARESYNC_CONFIG_DIR"},
	},
	&cli.StringFlag{
		Name:    "env-file",
		Aliases: []string{"e"},
		Usage:   "Load configuration from this .env file",
	},
}

// standalone commands run without the application instance
var standalone = map[string]bool{
	"init": true,
	"help": true,
	"h":    true,
}

func main() {
	cliApp := &cli.App{
		Name:  "caresync",
		Usage: "Offline sync engine for the care-management app",
		Description: "CareSync queues writes made while the server is unreachable, replays them " +
			"when connectivity returns and resolves the conflicts the server reports.",
		Version: fmt.Sprintf("%s (%s)", Version, CommitHash),
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Authors: []*cli.Author{
			{
				Name:  Author,
				Email: Email,
			},
		},
		Flags: globalFlags,
		Before: func(c *cli.Context) error {
			if c.NArg() == 0 || standalone[c.Args().First()] {
				return nil
			}

			// Initialize the application
			application, err := app.New(c.Context, app.Options{
				ConfigDir:  c.String("config-dir"),
				ConfigFile: c.String("env-file"),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// Store the app instance in the context for later use
			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			// Gracefully shutdown the application
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.SyncCommand(),
			commands.QueueCommand(),
			commands.RequestCommand(),
			commands.CacheCommand(),
			commands.SessionCommand(),
			commands.ServeCommand(),
			commands.MigrateCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// CacheCommand returns the CLI command for the offline response cache
func CacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Manage cached GET responses used for offline reads",
		Subcommands: []*cli.Command{
			{
				Name:   "purge",
				Usage:  "Delete cached responses past their TTL",
				Action: cachePurgeAction,
			},
			{
				Name:   "clear",
				Usage:  "Delete every cached response",
				Action: cacheClearAction,
			},
		},
		Action: cachePurgeAction,
	}
}

func cachePurgeAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	n, err := application.Gateway.PurgeExpiredCache(c.Context)
	if err != nil {
		return fmt.Errorf("purging cache: %w", err)
	}
	utils.PrintSuccess(fmt.Sprintf("Deleted %d expired response(s)", n))
	return nil
}

func cacheClearAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	n, err := application.Gateway.ClearCache(c.Context)
	if err != nil {
		return fmt.Errorf("clearing cache: %w", err)
	}
	utils.PrintSuccess(fmt.Sprintf("Deleted %d cached response(s)", n))
	if !application.Monitor.IsOnline() {
		utils.PrintWarning("Offline reads will miss until the server is reachable again.")
	}
	return nil
}

package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/loggy"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// ServeCommand returns the CLI command that runs the engine in the
// background with the local status API
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync engine and the local status API",
		Description: "Watches connectivity, replays the queue when the server comes back and " +
			"exposes queue state and events over HTTP and websocket.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides CARESYNC_API_ADDR)",
			},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		application.Config.API.Addr = addr
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application.Start(ctx)

	utils.PrintInfo("Status API on http://" + application.Config.API.Addr)
	loggy.Info("Starting status API", "addr", application.Config.API.Addr)

	if err := application.APIServer().ListenAndServe(ctx); err != nil {
		return fmt.Errorf("status API: %w", err)
	}
	utils.PrintSuccess("Stopped")
	return nil
}

package commands

import (
	"fmt"
	"net/url"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// SessionCommand returns the CLI command for the stored session token and
// server URL
func SessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage the session token and server used for sync",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store the session token issued by the care-management app",
				ArgsUsage: "<token>",
				Action:    sessionSetAction,
			},
			{
				Name:   "clear",
				Usage:  "Forget the stored session token",
				Action: sessionClearAction,
			},
			{
				Name:      "server",
				Usage:     "Store the API base URL used on the next start",
				ArgsUsage: "<url>",
				Action:    sessionServerAction,
			},
			{
				Name:   "status",
				Usage:  "Show the server and whether a token is stored",
				Action: sessionStatusAction,
			},
		},
		Action: sessionStatusAction,
	}
}

func sessionSetAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	token := c.Args().First()
	if token == "" {
		return fmt.Errorf("token is required")
	}

	if err := application.Settings.SetToken(c.Context, token); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	utils.PrintSuccess("Session token stored")
	return nil
}

func sessionClearAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if err := application.Settings.ClearToken(c.Context); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	utils.PrintSuccess("Session token cleared")
	return nil
}

func sessionServerAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	raw := c.Args().First()
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid server url %q", raw)
	}

	if err := application.Settings.SetServerURL(c.Context, raw); err != nil {
		return fmt.Errorf("storing server url: %w", err)
	}
	utils.PrintSuccess("Server set to " + raw)
	utils.PrintInfo("The new server is used from the next command on.")
	return nil
}

func sessionStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	utils.PrintHeading("Session")
	utils.PrintKeyValue("Server", application.Config.Server.URL)
	if application.Settings.Token() == "" {
		utils.PrintKeyValueWithColor("Token", "not set", utils.Theme.Warning)
	} else {
		utils.PrintKeyValueWithColor("Token", "stored", utils.Theme.Success)
	}

	online := "offline"
	if application.Monitor.Check(c.Context) {
		online = "online"
	}
	utils.PrintKeyValueWithColor("Network", online, utils.StatusColors(online))
	return nil
}

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/config"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// InitCommand returns the CLI command for initializing CareSync. It runs
// without the application instance because the configuration it creates
// is what the application loads.
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the CareSync environment",
		Description: "Sets up the configuration directory with a documented .env file " +
			"and creates the local store. Run it again after upgrading to apply new migrations.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Replace an existing .env (a dated backup is kept)",
			},
		},
		Action: initAction,
	}
}

func initAction(c *cli.Context) error {
	utils.PrintHeading("Initializing CareSync")

	configDir := c.String("config-dir")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".caresync")
	}
	utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

	utils.PrintInfo("Writing default configuration file")
	configFilePath, err := config.WriteSample(configDir, c.Bool("force"))
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to write configuration: %s", err))
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	utils.PrintInfo("Creating local store...")
	application, err := app.New(c.Context, app.Options{ConfigDir: configDir, ConfigFile: configFilePath})
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to initialize: %s", err))
		return err
	}
	defer application.Shutdown()

	version, _, err := application.DB.Version()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	utils.PrintSuccess("CareSync initialized successfully!")
	utils.PrintInfo("Configuration file: " + color.YellowString("%s", configFilePath))
	utils.PrintInfo("Database location: " + color.YellowString("%s", application.Config.Database.Path))
	utils.PrintInfo(fmt.Sprintf("Schema version: %d", version))
	utils.PrintInfo("Log file location: " + color.YellowString("%s", application.Config.Logging.Output))
	fmt.Println("")
	utils.PrintInfo("Store a session token with " + color.CyanString("caresync session set <token>") +
		" and run " + color.CyanString("caresync serve") + " to start syncing.")
	return nil
}

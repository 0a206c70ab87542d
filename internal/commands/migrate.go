package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/caresync/internal/app"
	"github.com/tildaslashalef/caresync/internal/utils"
)

// MigrateCommand returns the CLI command for database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Manage local store migrations",
		Hidden: true,
		Subcommands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}

					before, _, _ := application.DB.Version()
					if err := application.DB.Migrate(); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
						return fmt.Errorf("failed to apply migrations: %w", err)
					}
					after, _, err := application.DB.Version()
					if err != nil {
						return fmt.Errorf("reading schema version: %w", err)
					}

					if after > before {
						utils.PrintSuccess(fmt.Sprintf("Migrated schema from version %d to %d", before, after))
					} else {
						utils.PrintSuccess(fmt.Sprintf("Schema is already up-to-date (version %d)", after))
					}
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Revert the last migration",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}
					steps := c.Int("steps")
					if steps <= 0 {
						return fmt.Errorf("steps must be positive")
					}

					utils.PrintWarning(fmt.Sprintf("Reverting %d migration(s)", steps))
					if err := application.DB.Revert(steps); err != nil {
						utils.PrintError(fmt.Sprintf("Failed to revert migrations: %s", err))
						return fmt.Errorf("failed to revert migrations: %w", err)
					}

					utils.PrintSuccess("Migration(s) reverted successfully!")
					utils.PrintInfo("The next command brings the schema back up; use this for debugging only.")
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Show the applied schema version",
				Action: func(c *cli.Context) error {
					application, err := app.FromContext(c)
					if err != nil {
						return err
					}
					v, dirty, err := application.DB.Version()
					if err != nil {
						return fmt.Errorf("reading schema version: %w", err)
					}
					utils.PrintKeyValue("Version", strconv.FormatUint(uint64(v), 10))
					if dirty {
						utils.PrintKeyValueWithColor("State", "dirty", utils.Theme.Error)
					}
					return nil
				},
			},
			{
				Name:  "create",
				Usage: "Create a new migration (development only)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Usage:    "Name of the migration (eg: add_sync_logs_index)",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "Path where migration files will be created",
						Value: filepath.Join("internal", "migrations", "sql"),
					},
				},
				Action: func(c *cli.Context) error {
					up, down, err := createMigration(c.String("path"), c.String("name"))
					if err != nil {
						utils.PrintError(err.Error())
						return err
					}
					utils.PrintSuccess("Migration created successfully!")
					utils.PrintInfo("Up migration: " + up)
					utils.PrintInfo("Down migration: " + down)
					utils.PrintWarning("Rebuild to embed the new migration.")
					return nil
				},
			},
		},
	}
}

// createMigration writes an empty up/down pair numbered after the highest
// existing migration in dir
func createMigration(dir, name string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create migrations directory: %w", err)
	}

	next, err := nextMigrationNumber(dir)
	if err != nil {
		return "", "", fmt.Errorf("failed to determine next migration number: %w", err)
	}

	up := filepath.Join(dir, fmt.Sprintf("%06d_%s.up.sql", next, name))
	down := filepath.Join(dir, fmt.Sprintf("%06d_%s.down.sql", next, name))
	if err := os.WriteFile(up, []byte("-- Write your UP migration SQL here\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create up migration file: %w", err)
	}
	if err := os.WriteFile(down, []byte("-- Write your DOWN migration SQL here\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to create down migration file: %w", err)
	}
	return up, down, nil
}

// nextMigrationNumber scans dir for NNNNNN_name.up.sql files and returns
// one past the highest number
func nextMigrationNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}

	var numbers []int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(prefix); err == nil {
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 {
		return 1, nil
	}

	sort.Ints(numbers)
	return numbers[len(numbers)-1] + 1, nil
}

// Package migrations embeds the schema of the local store
package migrations

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

// Source returns a migrate source reading the embedded sql directory
func Source() (source.Driver, error) {
	sub, err := fs.Sub(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("accessing embedded migrations: %w", err)
	}

	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("creating migration source: %w", err)
	}
	return src, nil
}

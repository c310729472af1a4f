package storage

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql
var migrationsFS embed.FS

// Migrate applies pending schema migrations for the given provider.
func Migrate(db *sql.DB, provider string) error {
	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect(provider); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}

	dir := "migrations/" + provider
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("running migrations from %s: %w", dir, err)
	}
	return nil
}

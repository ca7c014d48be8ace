package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations to the database at dsn. It
// is idempotent and safe to call on every process start.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("checkpoint postgres: load migrations: %w", err)
	}

	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("checkpoint postgres: parse dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("checkpoint postgres: migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx/v5", driver)
	if err != nil {
		return fmt.Errorf("checkpoint postgres: migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("checkpoint postgres: migrate up: %w", err)
	}
	return nil
}

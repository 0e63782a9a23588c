package report

import (
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations against the database at
// databaseURL. It is idempotent: an up-to-date schema is not an error.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("report: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("report: init migrate: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("report: apply migrations: %w", err)
	}

	srcErr, dbErr := m.Close()
	if srcErr != nil {
		log.Printf("report: migrate source close: %v", srcErr)
	}
	if dbErr != nil {
		log.Printf("report: migrate db close: %v", dbErr)
	}

	log.Printf("report: schema migrations applied")
	return nil
}

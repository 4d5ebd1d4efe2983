// Package migrations drives schema setup for the networked Postgres
// backend via golang-migrate, the same way jordigilh-kubernaut and
// amitbasuri-taskqueue-runner-go init their Postgres schemas. The embedded
// sqlite backend applies its DDL directly (sqlitestore.InitSchema) since a
// migration runner earns nothing for a single file initialised once at
// process startup.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// Up applies every pending up-migration against db, an already-open
// connection (pgx's database/sql driver). Safe to call on every process
// start: already-applied migrations are skipped.
func Up(db *sql.DB) error {
	src, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded sources: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: build postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrations: apply: %w", err)
	}
	return nil
}

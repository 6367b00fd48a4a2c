package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationResult describes the schema after a migration run.
type MigrationResult struct {
	Version uint
	Dirty   bool
	// Changed is false when the schema was already current.
	Changed bool
}

// Migrate applies migrations from source (e.g. "file://migrations") to the
// database at dsn. steps > 0 applies that many up migrations, steps < 0 that
// many down migrations, and 0 applies every pending up migration.
//
// Precondition: dsn must be a postgres URL; source a golang-migrate source URL.
// Postcondition: Returns the resulting schema version or a non-nil error.
func Migrate(dsn, source string, steps int) (MigrationResult, error) {
	m, err := migrate.New(source, dsn)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	changed := true
	if errors.Is(err, migrate.ErrNoChange) {
		changed, err = false, nil
	}
	if err != nil {
		return MigrationResult{}, fmt.Errorf("applying migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationResult{}, fmt.Errorf("reading schema version: %w", err)
	}
	return MigrationResult{Version: version, Dirty: dirty, Changed: changed}, nil
}

// Rollback reverts every applied migration.
func Rollback(dsn, source string) error {
	m, err := migrate.New(source, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("reverting migrations: %w", err)
	}
	return nil
}

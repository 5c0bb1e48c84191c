package database

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	// Register the postgres database driver for golang-migrate.
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/GyroZepelix/mithril-media/migrations"
)

// migrationSource opens the audit_log migrations embedded in the binary.
func migrationSource() (source.Driver, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("opening embedded audit migrations: %w", err)
	}
	return src, nil
}

// RunMigrations brings the audit_log schema up to date and returns the
// resulting schema version. A database left dirty by an interrupted
// migration is reported, not forced.
func RunMigrations(databaseURL string) (version uint, retErr error) {
	src, err := migrationSource()
	if err != nil {
		return 0, err
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return 0, fmt.Errorf("connecting migrator: %w", err)
	}
	defer func() {
		sourceErr, dbErr := m.Close()
		if retErr == nil {
			retErr = errors.Join(sourceErr, dbErr)
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrating audit schema: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading audit schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("audit schema is dirty at version %d", version)
	}
	return version, nil
}

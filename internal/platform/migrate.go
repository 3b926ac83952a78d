package platform

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunRunRecordMigrations applies the run_records schema migrations to
// databaseURL. Distinct from pkg/storageformat's data-directory version
// marker: this migrates the RunRecordStore's db-mode relational schema.
func RunRunRecordMigrations(databaseURL, migrationsDir string) error {
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsDir), databaseURL)
	if err != nil {
		return fmt.Errorf("platform: creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("platform: running migrations: %w", err)
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration represents a schema migration.
type Migration struct {
	Version   string
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt *time.Time
}

// Migrator applies the embedded queue schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// ensureMigrationsTable creates the schema_migrations table if it doesn't exist.
func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	return err
}

// appliedMigrations returns applied migration versions with their apply time.
func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version string
		var appliedAt int64
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[version] = time.Unix(0, appliedAt).UTC()
	}
	return applied, rows.Err()
}

// loadMigrations loads all migrations from the embedded filesystem.
func loadMigrations() ([]Migration, error) {
	migrations := make(map[string]*Migration)

	err := fs.WalkDir(migrationsFS, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".sql" {
			return nil
		}

		version, rest, ok := strings.Cut(path.Base(p), "_")
		if !ok {
			return nil
		}

		var up bool
		var name string
		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			up, name = true, strings.TrimSuffix(rest, ".up.sql")
		case strings.HasSuffix(rest, ".down.sql"):
			name = strings.TrimSuffix(rest, ".down.sql")
		default:
			return nil
		}

		content, err := migrationsFS.ReadFile(p)
		if err != nil {
			return err
		}

		mig, ok := migrations[version]
		if !ok {
			mig = &Migration{Version: version, Name: name}
			migrations[version] = mig
		}
		if up {
			mig.UpSQL = string(content)
		} else {
			mig.DownSQL = string(content)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := make([]Migration, 0, len(migrations))
	for _, mig := range migrations {
		result = append(result, *mig)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result, nil
}

// MigrateUp runs all pending migrations.
func (m *Migrator) MigrateUp(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if err := m.runMigration(ctx, mig, true); err != nil {
			return fmt.Errorf("running migration %s: %w", mig.Version, err)
		}
	}
	return nil
}

// MigrateDown rolls back the last applied migration.
func (m *Migrator) MigrateDown(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}
	if len(applied) == 0 {
		return nil
	}

	var lastVersion string
	for version := range applied {
		if version > lastVersion {
			lastVersion = version
		}
	}

	for _, mig := range migrations {
		if mig.Version == lastVersion {
			return m.runMigration(ctx, mig, false)
		}
	}
	return fmt.Errorf("migration %s not found", lastVersion)
}

// runMigration executes a single migration.
func (m *Migrator) runMigration(ctx context.Context, mig Migration, up bool) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	script, direction := mig.UpSQL, "up"
	if !up {
		script, direction = mig.DownSQL, "down"
	}
	if script == "" {
		return fmt.Errorf("no %s SQL for migration %s", direction, mig.Version)
	}

	if _, err := tx.ExecContext(ctx, script); err != nil {
		return err
	}

	if up {
		_, err = tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			mig.Version, time.Now().UnixNano())
	} else {
		_, err = tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", mig.Version)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Status returns every known migration, with AppliedAt set for applied ones.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	for i := range migrations {
		if t, ok := applied[migrations[i].Version]; ok {
			migrations[i].AppliedAt = &t
		}
	}
	return migrations, nil
}

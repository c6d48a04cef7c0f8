// Package migrate applies versioned SQL migrations from an embedded
// filesystem. Files are named NNNNNN_name.up.sql / NNNNNN_name.down.sql.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration is a single schema change with optional rollback.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrator tracks and applies migrations against one database.
type Migrator struct {
	db         *sql.DB
	tableName  string
	migrations []Migration
}

// New creates a migrator. tableName is the tracking table, for example
// "schema_migrations".
func New(db *sql.DB, tableName string) *Migrator {
	return &Migrator{db: db, tableName: tableName}
}

// LoadFromFS loads all migrations under dir in fsys.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, up, err := parseFilename(entry.Name())
		if err != nil {
			return err
		}
		content, err := fs.ReadFile(fsys, dir+"/"+entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version}
			byVersion[version] = mig
		}
		if up {
			mig.Name = name
			mig.Up = string(content)
		} else {
			mig.Down = string(content)
		}
	}

	m.migrations = m.migrations[:0]
	for _, mig := range byVersion {
		m.migrations = append(m.migrations, *mig)
	}
	sort.Slice(m.migrations, func(i, j int) bool {
		return m.migrations[i].Version < m.migrations[j].Version
	})
	return nil
}

// parseFilename splits "000001_create_events.up.sql" into its parts.
func parseFilename(name string) (version int, base string, up bool, err error) {
	prefix, rest, ok := strings.Cut(name, "_")
	if !ok {
		return 0, "", false, fmt.Errorf("malformed migration filename %q", name)
	}
	version, err = strconv.Atoi(prefix)
	if err != nil {
		return 0, "", false, fmt.Errorf("malformed migration version in %q", name)
	}
	switch {
	case strings.HasSuffix(rest, ".up.sql"):
		return version, strings.TrimSuffix(rest, ".up.sql"), true, nil
	case strings.HasSuffix(rest, ".down.sql"):
		return version, strings.TrimSuffix(rest, ".down.sql"), false, nil
	default:
		return 0, "", false, fmt.Errorf("migration %q is neither .up.sql nor .down.sql", name)
	}
}

// Up applies all pending migrations, each in its own transaction.
func (m *Migrator) Up() error {
	if err := m.ensureTable(); err != nil {
		return err
	}
	current, err := m.currentVersion()
	if err != nil {
		return err
	}
	for _, mig := range m.migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := m.ensureTable(); err != nil {
		return err
	}
	current, err := m.currentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}
	for _, mig := range m.migrations {
		if mig.Version != current {
			continue
		}
		if mig.Down == "" {
			return fmt.Errorf("migration %d has no down script", current)
		}
		return m.rollback(mig)
	}
	return fmt.Errorf("migration %d not found", current)
}

// Version returns the highest applied migration version.
func (m *Migrator) Version() (int, error) {
	if err := m.ensureTable(); err != nil {
		return 0, err
	}
	return m.currentVersion()
}

func (m *Migrator) ensureTable() error {
	_, err := m.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, m.tableName))
	if err != nil {
		return fmt.Errorf("create %s: %w", m.tableName, err)
	}
	return nil
}

func (m *Migrator) currentVersion() (int, error) {
	var version int
	err := m.db.QueryRow(fmt.Sprintf(
		"SELECT COALESCE(MAX(version), 0) FROM %s", m.tableName,
	)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read current version: %w", err)
	}
	return version, nil
}

func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Up); err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(
		"INSERT INTO %s (version, name, applied_at) VALUES (?, ?, ?)", m.tableName,
	), mig.Version, mig.Name, time.Now().Unix())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) rollback(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.Down); err != nil {
		return err
	}
	_, err = tx.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE version = ?", m.tableName,
	), mig.Version)
	if err != nil {
		return err
	}
	return tx.Commit()
}

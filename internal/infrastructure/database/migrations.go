package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNoMigrations is returned when no migration source was registered.
	ErrNoMigrations = errors.New("database: no migrations registered")

	// ErrMigrationChanged is returned when an applied migration's up script
	// no longer matches the checksum recorded when it ran.
	ErrMigrationChanged = errors.New("database: applied migration was modified")
)

var (
	sourceMu sync.RWMutex
	source   fs.FS
)

// Register sets the filesystem migrations are read from. Files live at
// the root of fsys and are named YYYYMMDD_HHMMSS_name.up.sql with an
// optional matching .down.sql.
func Register(fsys fs.FS) {
	sourceMu.Lock()
	source = fsys
	sourceMu.Unlock()
}

func registered() fs.FS {
	sourceMu.RLock()
	defer sourceMu.RUnlock()
	return source
}

// Migration is one versioned schema change.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

// AppliedMigration is a schema_migrations row.
type AppliedMigration struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20260301_000000_initial_schema.up.sql" into
// its version, name and direction.
func parseMigrationFile(filename string) (migrationFile, bool) {
	var f migrationFile
	var stem string
	switch {
	case strings.HasSuffix(filename, ".up.sql"):
		stem, f.up = strings.TrimSuffix(filename, ".up.sql"), true
	case strings.HasSuffix(filename, ".down.sql"):
		stem = strings.TrimSuffix(filename, ".down.sql")
	default:
		return f, false
	}

	parts := strings.SplitN(stem, "_", 3)
	if len(parts) != 3 || len(parts[0]) != 8 || len(parts[1]) != 6 || parts[2] == "" {
		return f, false
	}
	if !allDigits(parts[0]) || !allDigits(parts[1]) {
		return f, false
	}
	f.version = parts[0] + "_" + parts[1]
	f.name = parts[2]
	return f, true
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checksum(sqlText string) string {
	sum := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(sum[:])
}

// loadMigrations reads every migration in fsys, oldest first. A down
// script without an up script is an error.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	if fsys == nil {
		return nil, ErrNoMigrations
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Name(), err)
		}
		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version, Name: f.name}
			byVersion[f.version] = m
		}
		if f.up {
			m.Up = string(body)
			m.Checksum = checksum(m.Up)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has no up script", m.Version)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TEXT NOT NULL
)`

func (db *DB) appliedMigrations(ctx context.Context) (map[string]AppliedMigration, error) {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("creating schema_migrations: %w", err)
	}
	rows, err := db.QueryContext(ctx,
		`SELECT version, name, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]AppliedMigration)
	for rows.Next() {
		var a AppliedMigration
		var at string
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &at); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations: %w", err)
		}
		if a.AppliedAt, err = ParseTime(at); err != nil {
			return nil, fmt.Errorf("migration %s: %w", a.Version, err)
		}
		applied[a.Version] = a
	}
	return applied, rows.Err()
}

// Migrate applies pending migrations in version order, one transaction
// each. A failure leaves earlier migrations committed; rerunning resumes
// at the failed one.
//
// Applied migrations whose up script has since changed stop the run with
// ErrMigrationChanged before anything new is applied.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations(registered())
	if err != nil {
		return err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if a, ok := applied[m.Version]; ok && a.Checksum != m.Checksum {
			return fmt.Errorf("%w: %s_%s", ErrMigrationChanged, m.Version, m.Name)
		}
	}

	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			continue
		}
		err := db.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
				m.Version, m.Name, m.Checksum, FormatTime(time.Now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. It is a no-op
// on an empty schema.
func (db *DB) MigrateDown(ctx context.Context) error {
	migrations, err := loadMigrations(registered())
	if err != nil {
		return err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if _, ok := applied[m.Version]; !ok {
			continue
		}
		if m.Down == "" {
			return fmt.Errorf("migration %s_%s has no down script", m.Version, m.Name)
		}
		err := db.InTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("reverting migration %s_%s: %w", m.Version, m.Name, err)
		}
		return nil
	}
	return nil
}

// GetMigrationStatus reports applied migrations (oldest first) and the
// registered migrations not yet applied.
func (db *DB) GetMigrationStatus(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	migrations, err := loadMigrations(registered())
	if err != nil {
		return nil, nil, err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}

	var done []AppliedMigration
	var pending []Migration
	for _, m := range migrations {
		if a, ok := applied[m.Version]; ok {
			done = append(done, a)
		} else {
			pending = append(pending, m)
		}
	}
	return done, pending, nil
}

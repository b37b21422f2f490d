package database_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
	_ "github.com/nerrad567/biogate/migrations"
)

func TestMigrate_EmbeddedSchema(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "schema.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Second run is a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() second run error = %v", err)
	}

	for _, table := range []string{"devices", "identities", "identity_devices", "identity_templates",
		"identity_enrollments", "commands", "attendance_events", "audit_logs"} {
		var name string
		err := db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) == 0 || len(pending) != 0 {
		t.Errorf("applied = %d, pending = %d", len(applied), len(pending))
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('commands') WHERE name = 'template_hash'").Scan(&n); err != nil {
		t.Fatalf("count columns: %v", err)
	}
	if n != 0 {
		t.Error("template_hash column should have been dropped")
	}

	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() initial schema error = %v", err)
	}
	if err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'commands'").Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Error("commands table should have been dropped")
	}
}

func TestCommandsOpenTripleIndex(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "idx.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	now := "2024-01-01T00:00:00Z"
	if _, err := db.ExecContext(ctx,
		`INSERT INTO devices (serial, brand, created_at, updated_at) VALUES ('EBKN01', 'ebkn', ?, ?)`, now, now); err != nil {
		t.Fatalf("insert device: %v", err)
	}

	insert := `INSERT OR IGNORE INTO commands (device_serial, user_id, type, created_at) VALUES ('EBKN01', 'U001', 'enroll_user', ?)`
	first, err := db.ExecContext(ctx, insert, now)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	second, err := db.ExecContext(ctx, insert, now)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if n, _ := first.RowsAffected(); n != 1 {
		t.Errorf("first insert affected %d rows, want 1", n)
	}
	if n, _ := second.RowsAffected(); n != 0 {
		t.Errorf("duplicate open command inserted, affected %d rows", n)
	}

	// A terminal command frees the triple.
	if _, err := db.ExecContext(ctx,
		`UPDATE commands SET status = 'success', closed_at = ? WHERE user_id = 'U001'`, now); err != nil {
		t.Fatalf("close command: %v", err)
	}
	third, err := db.ExecContext(ctx, insert, now)
	if err != nil {
		t.Fatalf("third insert: %v", err)
	}
	if n, _ := third.RowsAffected(); n != 1 {
		t.Errorf("insert after terminal affected %d rows, want 1", n)
	}
}

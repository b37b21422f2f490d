package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetBySerial retrieves a device by serial.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetBySerial(ctx context.Context, serial string) (*Device, error)

	// List retrieves all devices ordered by serial.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists or ErrDeviceIDTaken on conflicts.
	Create(ctx context.Context, device *Device) error

	// Update modifies name, config, enabled flag and max attempts.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// AdvanceCursor moves the sync cursor forward to t if t is newer and
	// returns the stored cursor afterwards. It never moves backwards.
	AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error)

	// TouchLastSeen records the time of the latest device contact.
	TouchLastSeen(ctx context.Context, serial string, t time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectDevice = `
	SELECT serial, name, brand, brand_config, enabled, max_attempts, sync_cursor,
		last_seen_at, created_at, updated_at
	FROM devices`

// GetBySerial retrieves a device by serial.
func (r *SQLiteRepository) GetBySerial(ctx context.Context, serial string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+` WHERE serial = ?`, serial)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by serial: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDevice+` ORDER BY serial`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	brand, cfg, err := EncodeConfig(d.Config)
	if err != nil {
		return err
	}
	var ebknID any
	if id, ok := d.EBKNDeviceID(); ok {
		ebknID = id
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (serial, name, brand, brand_config, ebkn_device_id, enabled,
			max_attempts, sync_cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Serial, d.Name, string(brand), string(cfg), ebknID, d.Enabled,
		d.MaxAttempts, cursorMillis(d.Cursor),
		database.FormatTime(d.CreatedAt), database.FormatTime(d.UpdatedAt),
	)
	if err != nil {
		return classifyConstraint(err)
	}
	return nil
}

// Update modifies an existing device. The cursor and last-seen time have
// their own methods and are not touched here.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	brand, cfg, err := EncodeConfig(d.Config)
	if err != nil {
		return err
	}
	var ebknID any
	if id, ok := d.EBKNDeviceID(); ok {
		ebknID = id
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET name = ?, brand = ?, brand_config = ?, ebkn_device_id = ?, enabled = ?,
			max_attempts = ?, updated_at = ?
		WHERE serial = ?`,
		d.Name, string(brand), string(cfg), ebknID, d.Enabled, d.MaxAttempts,
		database.FormatTime(d.UpdatedAt), d.Serial,
	)
	if err != nil {
		return classifyConstraint(err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrDeviceNotFound
	}
	return nil
}

// AdvanceCursor moves the cursor forward atomically.
func (r *SQLiteRepository) AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET sync_cursor = MAX(sync_cursor, ?) WHERE serial = ?`,
		cursorMillis(t), serial,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("advancing cursor: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return time.Time{}, ErrDeviceNotFound
	}

	var ms int64
	if err := r.db.QueryRowContext(ctx,
		`SELECT sync_cursor FROM devices WHERE serial = ?`, serial).Scan(&ms); err != nil {
		return time.Time{}, fmt.Errorf("reading cursor: %w", err)
	}
	return millisCursor(ms), nil
}

// TouchLastSeen records the latest device contact.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, serial string, t time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen_at = ? WHERE serial = ?`,
		database.FormatTime(t), serial,
	); err != nil {
		return fmt.Errorf("updating last seen: %w", err)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                    Device
		brand, cfg           string
		cursor               int64
		lastSeen             sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&d.Serial, &d.Name, &brand, &cfg, &d.Enabled, &d.MaxAttempts,
		&cursor, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	config, err := DecodeConfig(Brand(brand), []byte(cfg))
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", d.Serial, err)
	}
	d.Config = config
	d.Cursor = millisCursor(cursor)

	if d.LastSeenAt, err = database.ParseNullTime(lastSeen); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &d, nil
}

// classifyConstraint maps SQLite uniqueness failures onto domain errors.
func classifyConstraint(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: devices.serial"),
		strings.Contains(msg, "PRIMARY KEY"):
		return ErrDeviceExists
	case strings.Contains(msg, "devices.ebkn_device_id"):
		return ErrDeviceIDTaken
	default:
		return fmt.Errorf("writing device: %w", err)
	}
}

// The cursor is stored as Unix milliseconds; zero means "never synced".
func cursorMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func millisCursor(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

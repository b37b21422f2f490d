package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// SQLiteRepository persists identities, assignments, templates and
// enrollment records.
type SQLiteRepository struct {
	db database.Querier
}

// NewSQLiteRepository creates a repository over db.
func NewSQLiteRepository(db database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// WithTx returns a repository bound to q, typically a *sql.Tx.
func (r *SQLiteRepository) WithTx(q database.Querier) *SQLiteRepository {
	return &SQLiteRepository{db: q}
}

// Get loads an identity with its assignments, templates and enrollments.
// Returns ErrIdentityNotFound if it does not exist.
func (r *SQLiteRepository) Get(ctx context.Context, userID string) (*Identity, error) {
	var (
		id                   Identity
		createdAt, updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, employee_id, allow_all_devices, created_at, updated_at
		FROM identities WHERE user_id = ?`, userID,
	).Scan(&id.UserID, &id.EmployeeID, &id.AllowAllDevices, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	if id.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if id.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}

	if id.Devices, err = r.AssignedDevices(ctx, userID); err != nil {
		return nil, err
	}
	if id.Templates, err = r.templates(ctx, userID); err != nil {
		return nil, err
	}
	if id.Enrollments, err = r.Enrollments(ctx, userID); err != nil {
		return nil, err
	}
	return &id, nil
}

// List returns identities without templates or enrollments, ordered by user id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Identity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, employee_id, allow_all_devices, created_at, updated_at
		FROM identities ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []Identity
	for rows.Next() {
		var (
			id                   Identity
			createdAt, updatedAt string
		)
		if err := rows.Scan(&id.UserID, &id.EmployeeID, &id.AllowAllDevices, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		if id.CreatedAt, err = database.ParseTime(createdAt); err != nil {
			return nil, err
		}
		if id.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Ensure creates the identity if it does not exist and reports whether it
// was created.
func (r *SQLiteRepository) Ensure(ctx context.Context, userID string, now time.Time) (bool, error) {
	if err := ValidateUserID(userID); err != nil {
		return false, err
	}
	ts := database.FormatTime(now)
	result, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identities (user_id, employee_id, allow_all_devices, created_at, updated_at)
		VALUES (?, '', 0, ?, ?)`, userID, ts, ts)
	if err != nil {
		return false, fmt.Errorf("ensuring identity: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // sqlite always reports rows affected
	return n > 0, nil
}

// SetEmployeeID links the identity to an external employee.
func (r *SQLiteRepository) SetEmployeeID(ctx context.Context, userID, employeeID string, now time.Time) error {
	return r.updateOne(ctx, `UPDATE identities SET employee_id = ?, updated_at = ? WHERE user_id = ?`,
		employeeID, database.FormatTime(now), userID)
}

// SetAllowAllDevices updates the allow-all flag.
func (r *SQLiteRepository) SetAllowAllDevices(ctx context.Context, userID string, allow bool, now time.Time) error {
	return r.updateOne(ctx, `UPDATE identities SET allow_all_devices = ?, updated_at = ? WHERE user_id = ?`,
		allow, database.FormatTime(now), userID)
}

func (r *SQLiteRepository) updateOne(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating identity: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 { //nolint:errcheck // sqlite always reports rows affected
		return ErrIdentityNotFound
	}
	return nil
}

// EmployeeID returns the linked employee id. found is false when the
// identity does not exist.
func (r *SQLiteRepository) EmployeeID(ctx context.Context, userID string) (employeeID string, found bool, err error) {
	err = r.db.QueryRowContext(ctx,
		`SELECT employee_id FROM identities WHERE user_id = ?`, userID).Scan(&employeeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying employee id: %w", err)
	}
	return employeeID, true, nil
}

// AssignedDevices returns the explicit assignment set, ordered by serial.
func (r *SQLiteRepository) AssignedDevices(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_serial FROM identity_devices WHERE user_id = ? ORDER BY device_serial`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	serials := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		serials = append(serials, s)
	}
	return serials, rows.Err()
}

// Assign adds serial to the explicit assignment set. It reports whether the
// assignment is new.
func (r *SQLiteRepository) Assign(ctx context.Context, userID, serial string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO identity_devices (user_id, device_serial) VALUES (?, ?)`, userID, serial)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return false, fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
		}
		return false, fmt.Errorf("assigning device: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // sqlite always reports rows affected
	return n > 0, nil
}

// Unassign removes serial from the explicit assignment set.
func (r *SQLiteRepository) Unassign(ctx context.Context, userID, serial string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM identity_devices WHERE user_id = ? AND device_serial = ?`, userID, serial); err != nil {
		return fmt.Errorf("unassigning device: %w", err)
	}
	return nil
}

// PutTemplate stores or replaces the identity's template for t.Brand.
func (r *SQLiteRepository) PutTemplate(ctx context.Context, userID string, t Template) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identity_templates (user_id, brand, template, hash, source_device, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, brand) DO UPDATE SET
			template = excluded.template,
			hash = excluded.hash,
			source_device = excluded.source_device,
			updated_at = excluded.updated_at`,
		userID, string(t.Brand), t.Data, t.Hash, t.SourceDevice, database.FormatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing template: %w", err)
	}
	return nil
}

// Template returns the identity's template for brand.
func (r *SQLiteRepository) Template(ctx context.Context, userID string, brand device.Brand) (*Template, error) {
	var (
		t         Template
		updatedAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT template, hash, source_device, updated_at
		FROM identity_templates WHERE user_id = ? AND brand = ?`, userID, string(brand),
	).Scan(&t.Data, &t.Hash, &t.SourceDevice, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, fmt.Errorf("querying template: %w", err)
	}
	t.Brand = brand
	if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *SQLiteRepository) templates(ctx context.Context, userID string) (map[device.Brand]Template, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT brand, template, hash, source_device, updated_at
		FROM identity_templates WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying templates: %w", err)
	}
	defer rows.Close()

	out := make(map[device.Brand]Template)
	for rows.Next() {
		var (
			t                Template
			brand, updatedAt string
		)
		if err := rows.Scan(&brand, &t.Data, &t.Hash, &t.SourceDevice, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		t.Brand = device.Brand(brand)
		if t.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
			return nil, err
		}
		out[t.Brand] = t
	}
	return out, rows.Err()
}

// AllowAllWithTemplate returns the user ids of allow-all identities that
// hold a template for brand.
func (r *SQLiteRepository) AllowAllWithTemplate(ctx context.Context, brand device.Brand) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT i.user_id
		FROM identities i
		JOIN identity_templates t ON t.user_id = i.user_id AND t.brand = ?
		WHERE i.allow_all_devices = 1
		ORDER BY i.user_id`, string(brand))
	if err != nil {
		return nil, fmt.Errorf("querying allow-all identities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Enrollments returns the template hash each device is known to carry.
func (r *SQLiteRepository) Enrollments(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT device_serial, template_hash FROM identity_enrollments WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying enrollments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var serial, hash string
		if err := rows.Scan(&serial, &hash); err != nil {
			return nil, fmt.Errorf("scanning enrollment: %w", err)
		}
		out[serial] = hash
	}
	return out, rows.Err()
}

// RecordEnrollment notes that serial now carries the template with hash.
func (r *SQLiteRepository) RecordEnrollment(ctx context.Context, userID, serial, hash string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO identity_enrollments (user_id, device_serial, template_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, device_serial) DO UPDATE SET
			template_hash = excluded.template_hash,
			updated_at = excluded.updated_at`,
		userID, serial, hash, database.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("recording enrollment: %w", err)
	}
	return nil
}

// ClearEnrollment forgets what serial carries for the identity.
func (r *SQLiteRepository) ClearEnrollment(ctx context.Context, userID, serial string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM identity_enrollments WHERE user_id = ? AND device_serial = ?`, userID, serial); err != nil {
		return fmt.Errorf("clearing enrollment: %w", err)
	}
	return nil
}

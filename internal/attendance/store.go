package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// Sink persists events. Store reports false when an event with the same
// idempotency key already exists.
type Sink interface {
	Store(ctx context.Context, e *Event) (bool, error)
}

// SQLiteStore is the attendance_events table.
type SQLiteStore struct {
	db database.Querier
}

// NewSQLiteStore creates a store over db.
func NewSQLiteStore(db database.Querier) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Store inserts e unless its idempotency key is already present.
func (s *SQLiteStore) Store(ctx context.Context, e *Event) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO attendance_events (id, idempotency_key, device_serial, user_id,
			employee_id, event_time, verify_mode, direction, record_id, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IdempotencyKey, e.DeviceSerial, e.UserID, e.EmployeeID,
		database.FormatTime(e.Timestamp), e.VerifyMode, string(e.Direction), e.RecordID, e.Raw,
		database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("storing attendance event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storing attendance event: %w", err)
	}
	return n == 1, nil
}

// ListByDevice returns a device's events between from and to, oldest first.
func (s *SQLiteStore) ListByDevice(ctx context.Context, serial string, from, to time.Time, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, device_serial, user_id, employee_id, event_time,
			verify_mode, direction, record_id, raw, created_at
		FROM attendance_events
		WHERE device_serial = ? AND event_time >= ? AND event_time <= ?
		ORDER BY event_time, id
		LIMIT ?`,
		serial, database.FormatTime(from), database.FormatTime(to), limit)
	if err != nil {
		return nil, fmt.Errorf("querying attendance events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                  Event
			direction          string
			eventTime, created string
		)
		if err := rows.Scan(&e.ID, &e.IdempotencyKey, &e.DeviceSerial, &e.UserID, &e.EmployeeID,
			&eventTime, &e.VerifyMode, &direction, &e.RecordID, &e.Raw, &created); err != nil {
			return nil, fmt.Errorf("scanning attendance event: %w", err)
		}
		e.Direction = Direction(direction)
		if e.Timestamp, err = database.ParseTime(eventTime); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = database.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

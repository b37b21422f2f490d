package command

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

// SQL access for the commands table. Every function takes a Querier so the
// queue can run it inside a transaction.

const selectCommand = `
	SELECT id, device_serial, user_id, type, status, attempts, trans_id, template_hash, response,
		created_at, dispatched_at, closed_at
	FROM commands`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                      Command
		typ, status, createdAt string
		dispatchedAt, closedAt sql.NullString
	)
	if err := row.Scan(&c.ID, &c.DeviceSerial, &c.UserID, &typ, &status, &c.Attempts,
		&c.TransID, &c.TemplateHash, &c.Response, &createdAt, &dispatchedAt, &closedAt); err != nil {
		return nil, err
	}
	c.Type = Type(typ)
	c.Status = Status(status)

	var err error
	if c.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if c.DispatchedAt, err = database.ParseNullTime(dispatchedAt); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = database.ParseNullTime(closedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func queryCommands(ctx context.Context, q database.Querier, query string, args ...any) ([]Command, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return out, nil
}

// insertCommand adds a Pending command unless an open one already exists
// for the same triple, in which case the existing command is returned.
func insertCommand(ctx context.Context, q database.Querier, spec Spec, now time.Time) (*Command, Outcome, error) {
	result, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO commands (device_serial, user_id, type, status, attempts, created_at)
		VALUES (?, ?, ?, 'pending', 0, ?)`,
		spec.DeviceSerial, spec.UserID, string(spec.Type), database.FormatTime(now),
	)
	if err != nil {
		return nil, OutcomeCreated, fmt.Errorf("inserting command: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, OutcomeCreated, fmt.Errorf("inserting command: %w", err)
	}
	if n == 0 {
		existing, err := findOpen(ctx, q, spec)
		if err != nil {
			return nil, OutcomeSuppressed, err
		}
		return existing, OutcomeSuppressed, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, OutcomeCreated, fmt.Errorf("reading command id: %w", err)
	}
	return &Command{
		ID:           id,
		DeviceSerial: spec.DeviceSerial,
		UserID:       spec.UserID,
		Type:         spec.Type,
		Status:       StatusPending,
		CreatedAt:    now.UTC(),
	}, OutcomeCreated, nil
}

func findOpen(ctx context.Context, q database.Querier, spec Spec) (*Command, error) {
	row := q.QueryRowContext(ctx, selectCommand+`
		WHERE device_serial = ? AND user_id = ? AND type = ? AND status IN ('pending', 'processing')`,
		spec.DeviceSerial, spec.UserID, string(spec.Type))
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying open command: %w", err)
	}
	return c, nil
}

func getCommand(ctx context.Context, q database.Querier, id int64) (*Command, error) {
	c, err := scanCommand(q.QueryRowContext(ctx, selectCommand+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return c, nil
}

func listCommands(ctx context.Context, q database.Querier, f Filter) ([]Command, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceSerial != "" {
		where = append(where, "device_serial = ?")
		args = append(args, f.DeviceSerial)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := selectCommand
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryCommands(ctx, q, query, args...)
}

func nonTerminalCommands(ctx context.Context, q database.Querier) ([]Command, error) {
	return queryCommands(ctx, q, selectCommand+` WHERE status IN ('pending', 'processing') ORDER BY id`)
}

// pendingAtLimit returns Pending commands that can no longer be claimed.
// They appear when a device's attempt limit is lowered.
func pendingAtLimit(ctx context.Context, q database.Querier, serial string, maxAttempts int) ([]Command, error) {
	return queryCommands(ctx, q, selectCommand+`
		WHERE device_serial = ? AND status = 'pending' AND attempts >= ? ORDER BY id`, serial, maxAttempts)
}

func claimable(ctx context.Context, q database.Querier, serial string, maxAttempts, limit int) ([]Command, error) {
	query := selectCommand + `
		WHERE device_serial = ? AND status = 'pending' AND attempts < ? ORDER BY id`
	args := []any{serial, maxAttempts}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return queryCommands(ctx, q, query, args...)
}

// markProcessing claims a Pending command. With exclusive set, the claim
// fails while any other command for the device is Processing.
func markProcessing(ctx context.Context, q database.Querier, c *Command, transID string, maxAttempts int, exclusive bool, now time.Time) (bool, error) {
	query := `
		UPDATE commands
		SET status = 'processing', attempts = attempts + 1, trans_id = ?, dispatched_at = ?
		WHERE id = ? AND status = 'pending' AND attempts < ?`
	args := []any{transID, database.FormatTime(now), c.ID, maxAttempts}
	if exclusive {
		query += `
		AND NOT EXISTS (
			SELECT 1 FROM commands WHERE device_serial = ? AND status = 'processing')`
		args = append(args, c.DeviceSerial)
	}

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("claiming command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming command: %w", err)
	}
	return n == 1, nil
}

// moveCommand applies a transition only if the command is still in from.
// Terminal targets stamp closed_at; a return to Pending clears the
// dispatch fields. logLine is appended to the response log.
func moveCommand(ctx context.Context, q database.Querier, id int64, from, to Status, logLine string, now time.Time) (bool, error) {
	var closedAt any
	if to.Terminal() {
		closedAt = database.FormatTime(now)
	}
	reset := to == StatusPending

	result, err := q.ExecContext(ctx, `
		UPDATE commands SET
			status = ?,
			closed_at = ?,
			trans_id = CASE WHEN ? THEN '' ELSE trans_id END,
			template_hash = CASE WHEN ? THEN '' ELSE template_hash END,
			dispatched_at = CASE WHEN ? THEN NULL ELSE dispatched_at END,
			response = response || ?
		WHERE id = ? AND status = ?`,
		string(to), closedAt, reset, reset, reset, logLine, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("updating command status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("updating command status: %w", err)
	}
	return n == 1, nil
}

// sweepCommand applies a sweep transition computed from snapshot c. It
// matches the dispatch c was taken from, so a command that was reported
// and claimed again since the snapshot is left alone.
func sweepCommand(ctx context.Context, q database.Querier, c Command, to Status, logLine string, now time.Time) (bool, error) {
	var closedAt any
	if to.Terminal() {
		closedAt = database.FormatTime(now)
	}
	reset := to == StatusPending

	result, err := q.ExecContext(ctx, `
		UPDATE commands SET
			status = ?,
			closed_at = ?,
			trans_id = CASE WHEN ? THEN '' ELSE trans_id END,
			template_hash = CASE WHEN ? THEN '' ELSE template_hash END,
			dispatched_at = CASE WHEN ? THEN NULL ELSE dispatched_at END,
			response = response || ?
		WHERE id = ? AND status = ? AND attempts = ? AND dispatched_at IS ?`,
		string(to), closedAt, reset, reset, reset, logLine,
		c.ID, string(c.Status), c.Attempts, database.NullableTime(c.DispatchedAt),
	)
	if err != nil {
		return false, fmt.Errorf("sweeping command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sweeping command: %w", err)
	}
	return n == 1, nil
}

func stampTemplate(ctx context.Context, q database.Querier, id int64, hash string) (bool, error) {
	result, err := q.ExecContext(ctx, `
		UPDATE commands SET template_hash = ? WHERE id = ? AND status = 'processing'`, hash, id)
	if err != nil {
		return false, fmt.Errorf("stamping command template: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("stamping command template: %w", err)
	}
	return n == 1, nil
}

// responseLine formats one entry of the device response log.
func responseLine(now time.Time, code string) string {
	if code == "" {
		return ""
	}
	return fmt.Sprintf("[%s] %s\n", now.UTC().Format(time.RFC3339), code)
}

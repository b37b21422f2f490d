package command

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nerrad567/biogate/internal/infrastructure/database"
)

var commandColumns = []string{
	"id", "device_serial", "user_id", "type", "status", "attempts", "trans_id", "template_hash", "response",
	"created_at", "dispatched_at", "closed_at",
}

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() }) //nolint:errcheck // Test cleanup
	return NewQueue(&database.DB{DB: sqlDB}, DefaultPolicy(), nil), mock
}

func TestEnqueue_SuppressedReturnsExisting(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT OR IGNORE INTO commands").
		WithArgs("EB-1", "42", "enroll_user", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM commands").
		WithArgs("EB-1", "42", "enroll_user").
		WillReturnRows(sqlmock.NewRows(commandColumns).
			AddRow(7, "EB-1", "42", "enroll_user", "processing", 1, "T9", "", "", "2026-03-01T09:00:00.000000000Z", "2026-03-01T09:01:00.000000000Z", nil))

	cmd, outcome, err := q.Enqueue(context.Background(), Spec{DeviceSerial: "EB-1", UserID: "42", Type: TypeEnrollUser})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if outcome != OutcomeSuppressed {
		t.Errorf("outcome = %v, want suppressed", outcome)
	}
	if cmd.ID != 7 || cmd.Status != StatusProcessing {
		t.Errorf("cmd = %+v, want existing processing command 7", cmd)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestEnqueue_InsertError(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT OR IGNORE INTO commands").WillReturnError(errors.New("disk I/O error"))

	_, _, err := q.Enqueue(context.Background(), Spec{DeviceSerial: "EB-1", UserID: "42", Type: TypeDeleteUser})
	if err == nil {
		t.Fatal("Enqueue() should fail when the insert fails")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClose_TerminalCommandRejected(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT (.+) FROM commands").
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows(commandColumns).
			AddRow(3, "EB-1", "42", "delete_user", "success", 1, "3", "", "", "2026-03-01T09:00:00.000000000Z", nil, "2026-03-01T09:05:00.000000000Z"))

	_, err := q.Close(context.Background(), 3, "operator")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Close() error = %v, want ErrInvalidTransition", err)
	}
}

package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/infrastructure/database/dbtest"
)

func newEBKN(serial string, id int) *device.Device {
	now := time.Now().UTC()
	return &device.Device{
		Serial:    serial,
		Name:      "Front door",
		Config:    device.EBKNConfig{DeviceID: id},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteRepository_CreateAndGet(t *testing.T) {
	repo := device.NewSQLiteRepository(dbtest.Open(t))
	ctx := context.Background()

	tz := 3
	adms := &device.Device{
		Serial:    "ADMS-001",
		Config:    device.ADMSConfig{TimeZone: &tz},
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := repo.Create(ctx, adms); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetBySerial(ctx, "ADMS-001")
	if err != nil {
		t.Fatalf("GetBySerial() error = %v", err)
	}
	if got.Brand() != device.BrandADMS {
		t.Errorf("Brand() = %q, want %q", got.Brand(), device.BrandADMS)
	}
	cfg, ok := got.Config.(device.ADMSConfig)
	if !ok || cfg.TimeZone == nil || *cfg.TimeZone != 3 {
		t.Errorf("Config = %#v, want ADMSConfig with TimeZone 3", got.Config)
	}
	if !got.Enabled {
		t.Error("Enabled = false, want true")
	}
	if !got.Cursor.IsZero() {
		t.Errorf("Cursor = %v, want zero", got.Cursor)
	}
}

func TestSQLiteRepository_GetBySerial_NotFound(t *testing.T) {
	repo := device.NewSQLiteRepository(dbtest.Open(t))

	_, err := repo.GetBySerial(context.Background(), "missing")
	if !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetBySerial() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Create_Conflicts(t *testing.T) {
	repo := device.NewSQLiteRepository(dbtest.Open(t))
	ctx := context.Background()

	if err := repo.Create(ctx, newEBKN("EB-1", 7)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := repo.Create(ctx, newEBKN("EB-1", 8)); !errors.Is(err, device.ErrDeviceExists) {
		t.Errorf("duplicate serial error = %v, want ErrDeviceExists", err)
	}
	if err := repo.Create(ctx, newEBKN("EB-2", 7)); !errors.Is(err, device.ErrDeviceIDTaken) {
		t.Errorf("duplicate ebkn id error = %v, want ErrDeviceIDTaken", err)
	}
}

func TestSQLiteRepository_AdvanceCursor_Monotonic(t *testing.T) {
	repo := device.NewSQLiteRepository(dbtest.Open(t))
	ctx := context.Background()

	if err := repo.Create(ctx, newEBKN("EB-1", 1)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	newer := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)

	got, err := repo.AdvanceCursor(ctx, "EB-1", newer)
	if err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	if !got.Equal(newer) {
		t.Errorf("cursor = %v, want %v", got, newer)
	}

	got, err = repo.AdvanceCursor(ctx, "EB-1", older)
	if err != nil {
		t.Fatalf("AdvanceCursor(older) error = %v", err)
	}
	if !got.Equal(newer) {
		t.Errorf("cursor moved backwards to %v", got)
	}

	if _, err := repo.AdvanceCursor(ctx, "missing", newer); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("AdvanceCursor(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := device.NewSQLiteRepository(dbtest.Open(t))
	ctx := context.Background()

	d := newEBKN("EB-1", 1)
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	d.Name = "Warehouse"
	d.Enabled = false
	d.MaxAttempts = 5
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.GetBySerial(ctx, "EB-1")
	if err != nil {
		t.Fatalf("GetBySerial() error = %v", err)
	}
	if got.Name != "Warehouse" || got.Enabled || got.MaxAttempts != 5 {
		t.Errorf("got %+v, want updated fields", got)
	}

	missing := newEBKN("EB-9", 9)
	if err := repo.Update(ctx, missing); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

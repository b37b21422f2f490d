package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/infrastructure/database/dbtest"
)

func newRegistry(t *testing.T) *device.Registry {
	t.Helper()
	reg := device.NewRegistry(device.NewSQLiteRepository(dbtest.Open(t)))
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return reg
}

func TestRegistry_Resolve(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	if err := reg.CreateDevice(ctx, newEBKN("EB-1", 42)); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	off := newEBKN("EB-2", 43)
	off.Enabled = false
	if err := reg.CreateDevice(ctx, off); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	tests := []struct {
		name    string
		resolve func() (*device.Device, error)
		want    string
		wantErr error
	}{
		{"by serial", func() (*device.Device, error) { return reg.Resolve(ctx, "EB-1") }, "EB-1", nil},
		{"by ebkn id", func() (*device.Device, error) { return reg.ResolveEBKN(ctx, 42) }, "EB-1", nil},
		{"unknown serial", func() (*device.Device, error) { return reg.Resolve(ctx, "nope") }, "", device.ErrUnknownDevice},
		{"unknown ebkn id", func() (*device.Device, error) { return reg.ResolveEBKN(ctx, 99) }, "", device.ErrUnknownDevice},
		{"disabled serial", func() (*device.Device, error) { return reg.Resolve(ctx, "EB-2") }, "", device.ErrUnknownDevice},
		{"disabled ebkn id", func() (*device.Device, error) { return reg.ResolveEBKN(ctx, 43) }, "", device.ErrUnknownDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.resolve()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Serial != tt.want {
				t.Errorf("Serial = %q, want %q", d.Serial, tt.want)
			}
		})
	}
}

func TestRegistry_UpdateDevice_ReportsReenable(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	d := newEBKN("EB-1", 1)
	d.Enabled = false
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	d.Enabled = true
	reenabled, err := reg.UpdateDevice(ctx, d)
	if err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	if !reenabled {
		t.Error("reenabled = false, want true")
	}

	reenabled, err = reg.UpdateDevice(ctx, d)
	if err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}
	if reenabled {
		t.Error("second update reported reenabled")
	}
}

func TestRegistry_UpdateDevice_MovesEBKNIndex(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	d := newEBKN("EB-1", 1)
	if err := reg.CreateDevice(ctx, d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	d.Config = device.EBKNConfig{DeviceID: 2}
	if _, err := reg.UpdateDevice(ctx, d); err != nil {
		t.Fatalf("UpdateDevice() error = %v", err)
	}

	if _, err := reg.ResolveEBKN(ctx, 1); !errors.Is(err, device.ErrUnknownDevice) {
		t.Errorf("old id still resolves: %v", err)
	}
	if got, err := reg.ResolveEBKN(ctx, 2); err != nil || got.Serial != "EB-1" {
		t.Errorf("ResolveEBKN(2) = %v, %v", got, err)
	}
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	if err := reg.CreateDevice(ctx, newEBKN("EB-1", 1)); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	d, err := reg.GetDevice(ctx, "EB-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	d.Enabled = false

	if _, err := reg.Resolve(ctx, "EB-1"); err != nil {
		t.Errorf("mutating a returned device changed the cache: %v", err)
	}
}

func TestRegistry_ListEnabled(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	devices := []*device.Device{
		newEBKN("A", 1),
		{Serial: "B", Config: device.ISAPIConfig{Host: "10.0.0.5"}, Enabled: true},
		{Serial: "C", Config: device.ISAPIConfig{Host: "10.0.0.6"}, Enabled: false},
		{Serial: "D", Config: device.ADMSConfig{}, Enabled: true},
	}
	for _, d := range devices {
		if err := reg.CreateDevice(ctx, d); err != nil {
			t.Fatalf("CreateDevice(%s) error = %v", d.Serial, err)
		}
	}

	got := reg.ListEnabled(ctx, device.BrandISAPI)
	if len(got) != 1 || got[0].Serial != "B" {
		t.Errorf("ListEnabled(isapi) = %v, want [B]", got)
	}
	if n := len(reg.ListEnabled(ctx)); n != 3 {
		t.Errorf("ListEnabled() returned %d devices, want 3", n)
	}
	if n := reg.GetDeviceCount(); n != 4 {
		t.Errorf("GetDeviceCount() = %d, want 4", n)
	}
}

func TestRegistry_AdvanceCursorAndMarkSeen(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	if err := reg.CreateDevice(ctx, newEBKN("EB-1", 1)); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if _, err := reg.AdvanceCursor(ctx, "EB-1", at); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}
	reg.MarkSeen(ctx, "EB-1")
	reg.MarkSeen(ctx, "unknown") // ignored

	d, err := reg.GetDevice(ctx, "EB-1")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !d.Cursor.Equal(at) {
		t.Errorf("Cursor = %v, want %v", d.Cursor, at)
	}
	if d.LastSeenAt == nil {
		t.Error("LastSeenAt not set")
	}
}

func TestRegistry_CreateDevice_Validation(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		dev     *device.Device
		wantErr error
	}{
		{"bad serial", &device.Device{Serial: "a b", Config: device.ADMSConfig{}}, device.ErrInvalidSerial},
		{"no config", &device.Device{Serial: "X"}, device.ErrInvalidDevice},
		{"ebkn without id", &device.Device{Serial: "X", Config: device.EBKNConfig{}}, device.ErrInvalidConfig},
		{"isapi without host", &device.Device{Serial: "X", Config: device.ISAPIConfig{}}, device.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := reg.CreateDevice(ctx, tt.dev); !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateDevice() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/infrastructure/database/dbtest"
)

func TestSQLiteRepository_Lifecycle(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	devices := device.NewSQLiteRepository(db)
	require.NoError(t, devices.Create(ctx, &device.Device{
		Serial: "ADMS-1", Config: device.ADMSConfig{}, Enabled: true, CreatedAt: now, UpdatedAt: now,
	}))

	repo := identity.NewSQLiteRepository(db)

	created, err := repo.Ensure(ctx, "42", now)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.Ensure(ctx, "42", now)
	require.NoError(t, err)
	assert.False(t, created, "second Ensure must not recreate")

	require.NoError(t, repo.SetEmployeeID(ctx, "42", "EMP-0042", now))

	isNew, err := repo.Assign(ctx, "42", "ADMS-1")
	require.NoError(t, err)
	assert.True(t, isNew)

	_, err = repo.Assign(ctx, "42", "missing")
	assert.ErrorIs(t, err, identity.ErrUnknownDevice)

	tmpl, err := identity.NewTemplate(device.BrandADMS, []byte("fp-data"), "ADMS-1", now)
	require.NoError(t, err)
	require.NoError(t, repo.PutTemplate(ctx, "42", tmpl))
	require.NoError(t, repo.RecordEnrollment(ctx, "42", "ADMS-1", tmpl.Hash, now))

	got, err := repo.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "EMP-0042", got.EmployeeID)
	assert.Equal(t, []string{"ADMS-1"}, got.Devices)
	assert.Equal(t, tmpl.Hash, got.Templates[device.BrandADMS].Hash)
	assert.Equal(t, "ADMS-1", got.Templates[device.BrandADMS].SourceDevice)
	assert.True(t, got.UpToDate("ADMS-1", tmpl.Hash))
	assert.True(t, got.Reaches("ADMS-1"))
	assert.False(t, got.Reaches("other"))

	emp, found, err := repo.EmployeeID(ctx, "42")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "EMP-0042", emp)

	_, found, err = repo.EmployeeID(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteRepository_AllowAllWithTemplate(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	now := time.Now().UTC()
	repo := identity.NewSQLiteRepository(db)

	for _, id := range []string{"1", "2", "3"} {
		_, err := repo.Ensure(ctx, id, now)
		require.NoError(t, err)
	}
	require.NoError(t, repo.SetAllowAllDevices(ctx, "1", true, now))
	require.NoError(t, repo.SetAllowAllDevices(ctx, "2", true, now))

	tmpl, err := identity.NewTemplate(device.BrandEBKN, []byte{1, 2, 3}, "", now)
	require.NoError(t, err)
	require.NoError(t, repo.PutTemplate(ctx, "1", tmpl))
	require.NoError(t, repo.PutTemplate(ctx, "3", tmpl))

	ids, err := repo.AllowAllWithTemplate(ctx, device.BrandEBKN)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)

	assert.ErrorIs(t, repo.SetAllowAllDevices(ctx, "9", true, now), identity.ErrIdentityNotFound)
}

func TestNormalizeUserID(t *testing.T) {
	tests := map[string]string{
		"00000042": "42",
		"42":       "42",
		"0000":     "0000",
		"A0001":    "A0001",
	}
	for in, want := range tests {
		assert.Equal(t, want, identity.NormalizeUserID(in), in)
	}
}

func TestNewTemplate_Empty(t *testing.T) {
	_, err := identity.NewTemplate(device.BrandEBKN, nil, "", time.Now())
	assert.ErrorIs(t, err, identity.ErrEmptyTemplate)
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// lastSeenResolution limits how often device contact is written to storage.
// Terminals poll every few seconds; the admin view only needs minutes.
const lastSeenResolution = time.Minute

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device lookups with caching and thread safety.
// It wraps a Repository and adds an in-memory cache indexed by serial and
// by EBKN device id, since every inbound request resolves a device.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the mutating methods.
//
// All public methods are thread-safe.
type Registry struct {
	repo      Repository
	cache     map[string]*Device // by serial
	ebknIndex map[int]string     // ebkn device id -> serial
	cacheMu   sync.RWMutex
	logger    Logger
	now       func() time.Time
}

// NewRegistry creates a new device registry.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:      repo,
		cache:     make(map[string]*Device),
		ebknIndex: make(map[int]string),
		logger:    noopLogger{},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache = make(map[string]*Device, len(devices))
	r.ebknIndex = make(map[int]string)
	for i := range devices {
		r.storeLocked(&devices[i])
	}

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// storeLocked caches a copy of d. Caller holds cacheMu.
func (r *Registry) storeLocked(d *Device) {
	if old, ok := r.cache[d.Serial]; ok {
		if id, isEBKN := old.EBKNDeviceID(); isEBKN {
			delete(r.ebknIndex, id)
		}
	}
	r.cache[d.Serial] = d.DeepCopy()
	if id, ok := d.EBKNDeviceID(); ok {
		r.ebknIndex[id] = d.Serial
	}
}

// GetDevice retrieves a device by serial, enabled or not.
// Returns ErrDeviceNotFound if the device does not exist.
// The returned device is a deep copy; callers can safely modify it.
func (r *Registry) GetDevice(ctx context.Context, serial string) (*Device, error) {
	r.cacheMu.RLock()
	cached, ok := r.cache[serial]
	r.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	d, err := r.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}

	r.cacheMu.Lock()
	r.storeLocked(d)
	r.cacheMu.Unlock()
	return d, nil
}

// Resolve returns the enabled device with the given serial.
// Unknown and disabled devices both yield ErrUnknownDevice.
func (r *Registry) Resolve(ctx context.Context, serial string) (*Device, error) {
	d, err := r.GetDevice(ctx, serial)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: serial %q", ErrUnknownDevice, serial)
		}
		return nil, err
	}
	if !d.Enabled {
		return nil, fmt.Errorf("%w: serial %q disabled", ErrUnknownDevice, serial)
	}
	return d, nil
}

// ResolveEBKN returns the enabled EBKN device with the given numeric id.
func (r *Registry) ResolveEBKN(_ context.Context, deviceID int) (*Device, error) {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	serial, ok := r.ebknIndex[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: ebkn id %d", ErrUnknownDevice, deviceID)
	}
	d := r.cache[serial]
	if !d.Enabled {
		return nil, fmt.Errorf("%w: ebkn id %d disabled", ErrUnknownDevice, deviceID)
	}
	return d.DeepCopy(), nil
}

// ListDevices returns all devices ordered by serial.
// The returned devices are deep copies; callers can safely modify them.
func (r *Registry) ListDevices(_ context.Context) []Device {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()

	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		devices = append(devices, *d.DeepCopy())
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Serial < devices[j].Serial })
	return devices
}

// ListEnabled returns enabled devices of the given brands (all brands when
// none are given), ordered by serial.
func (r *Registry) ListEnabled(ctx context.Context, brands ...Brand) []Device {
	all := r.ListDevices(ctx)
	out := all[:0]
	for _, d := range all {
		if !d.Enabled {
			continue
		}
		if len(brands) > 0 && !containsBrand(brands, d.Brand()) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func containsBrand(brands []Brand, b Brand) bool {
	for _, x := range brands {
		if x == b {
			return true
		}
	}
	return false
}

// GetDeviceCount returns the number of cached devices.
func (r *Registry) GetDeviceCount() int {
	r.cacheMu.RLock()
	defer r.cacheMu.RUnlock()
	return len(r.cache)
}

// CreateDevice validates, persists and caches a new device.
// New devices start enabled unless the caller says otherwise.
func (r *Registry) CreateDevice(ctx context.Context, d *Device) error {
	if err := ValidateDevice(d); err != nil {
		return err
	}
	now := r.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	if err := r.repo.Create(ctx, d); err != nil {
		return err
	}

	r.cacheMu.Lock()
	r.storeLocked(d)
	r.cacheMu.Unlock()

	r.logger.Info("device created", "serial", d.Serial, "brand", d.Brand())
	return nil
}

// UpdateDevice persists changes to name, config, enabled flag and max
// attempts. It reports whether the update re-enabled a disabled device.
func (r *Registry) UpdateDevice(ctx context.Context, d *Device) (reenabled bool, err error) {
	if err := ValidateDevice(d); err != nil {
		return false, err
	}
	existing, err := r.GetDevice(ctx, d.Serial)
	if err != nil {
		return false, err
	}

	d.CreatedAt = existing.CreatedAt
	d.Cursor = existing.Cursor
	d.LastSeenAt = existing.LastSeenAt
	d.UpdatedAt = r.now().UTC()

	if err := r.repo.Update(ctx, d); err != nil {
		return false, err
	}

	r.cacheMu.Lock()
	r.storeLocked(d)
	r.cacheMu.Unlock()

	reenabled = !existing.Enabled && d.Enabled
	r.logger.Info("device updated", "serial", d.Serial, "enabled", d.Enabled, "reenabled", reenabled)
	return reenabled, nil
}

// AdvanceCursor moves a device's sync cursor forward and returns the
// stored value. An older t leaves the cursor unchanged.
func (r *Registry) AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error) {
	cursor, err := r.repo.AdvanceCursor(ctx, serial, t)
	if err != nil {
		return time.Time{}, err
	}

	r.cacheMu.Lock()
	if d, ok := r.cache[serial]; ok {
		d.Cursor = cursor
	}
	r.cacheMu.Unlock()
	return cursor, nil
}

// MarkSeen records device contact. Storage writes are rate limited to
// lastSeenResolution per device; failures are logged, not returned.
func (r *Registry) MarkSeen(ctx context.Context, serial string) {
	now := r.now().UTC()

	r.cacheMu.Lock()
	d, ok := r.cache[serial]
	if !ok {
		r.cacheMu.Unlock()
		return
	}
	if d.LastSeenAt != nil && now.Sub(*d.LastSeenAt) < lastSeenResolution {
		r.cacheMu.Unlock()
		return
	}
	d.LastSeenAt = &now
	r.cacheMu.Unlock()

	if err := r.repo.TouchLastSeen(ctx, serial, now); err != nil {
		r.logger.Warn("failed to record device contact", "serial", serial, "error", err)
	}
}

package pollsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/identity"
)

// Logger defines the logging interface used by the adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Devices is the device registry as seen by the adapter.
type Devices interface {
	GetDevice(ctx context.Context, serial string) (*device.Device, error)
	ListEnabled(ctx context.Context, brands ...device.Brand) []device.Device
	AdvanceCursor(ctx context.Context, serial string, t time.Time) (time.Time, error)
}

// Ingester stores attendance records.
type Ingester interface {
	Ingest(ctx context.Context, records []attendance.Record) (attendance.Result, error)
}

// FetcherFactory builds a Fetcher for a device.
type FetcherFactory func(d *device.Device) (Fetcher, error)

// Config tunes the adapter.
type Config struct {
	Timeout    time.Duration
	PageSize   int
	MaxRecords int
	// Lookback is the window used when neither a start nor a cursor exists.
	Lookback time.Duration
}

// DefaultConfig returns the adapter defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Second,
		PageSize:   30,
		MaxRecords: 1500,
		Lookback:   24 * time.Hour,
	}
}

// Selection picks what to sync. An empty DeviceSerial means every enabled
// ISAPI device. A zero End means now.
type Selection struct {
	DeviceSerial string    `json:"device_serial,omitempty"`
	Start        time.Time `json:"start_time"`
	End          time.Time `json:"end_time,omitempty"`
}

// selectionTimeLayouts are accepted for start_time and end_time. Times
// without an offset are device local, which for ISAPI terminals is UTC.
var selectionTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON decodes a selection, accepting the time forms in
// selectionTimeLayouts. Empty times are left zero.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var raw struct {
		DeviceSerial string `json:"device_serial"`
		Start        string `json:"start_time"`
		End          string `json:"end_time"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	start, err := parseSelectionTime("start_time", raw.Start)
	if err != nil {
		return err
	}
	end, err := parseSelectionTime("end_time", raw.End)
	if err != nil {
		return err
	}
	*s = Selection{DeviceSerial: raw.DeviceSerial, Start: start, End: end}
	return nil
}

func parseSelectionTime(field, v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	for _, layout := range selectionTimeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %s %q", ErrInvalidSelection, field, v)
}

// DeviceResult is the outcome for one device.
type DeviceResult struct {
	Serial     string    `json:"serial"`
	Start      time.Time `json:"start_time"`
	End        time.Time `json:"end_time"`
	Fetched    int       `json:"fetched"`
	Ingested   int       `json:"ingested"`
	Duplicates int       `json:"duplicates"`
	Skipped    int       `json:"skipped"`
	Cursor     time.Time `json:"cursor"`
	Stale      bool      `json:"stale,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Summary totals a sync run.
type Summary struct {
	Devices    []DeviceResult `json:"devices"`
	Fetched    int            `json:"fetched"`
	Ingested   int            `json:"ingested"`
	Duplicates int            `json:"duplicates"`
	Skipped    int            `json:"skipped"`
	// Cursor is the newest cursor among the synced devices.
	Cursor time.Time `json:"cursor"`
}

func (s *Summary) add(r DeviceResult) {
	s.Devices = append(s.Devices, r)
	s.Fetched += r.Fetched
	s.Ingested += r.Ingested
	s.Duplicates += r.Duplicates
	s.Skipped += r.Skipped
	if r.Cursor.After(s.Cursor) {
		s.Cursor = r.Cursor
	}
}

// Adapter syncs API-polled devices.
type Adapter struct {
	devices  Devices
	ingester Ingester
	fetchers FetcherFactory
	cfg      Config
	logger   Logger
	onResult func(DeviceResult, error)
	now      func() time.Time
}

// NewAdapter creates an adapter. A nil factory uses the ISAPI Client.
func NewAdapter(devices Devices, ingester Ingester, cfg Config, fetchers FetcherFactory) *Adapter {
	a := &Adapter{
		devices:  devices,
		ingester: ingester,
		fetchers: fetchers,
		cfg:      cfg,
		logger:   noopLogger{},
		now:      time.Now,
	}
	if a.fetchers == nil {
		a.fetchers = a.isapiFetcher
	}
	return a
}

// SetLogger sets the logger for the adapter.
func (a *Adapter) SetLogger(logger Logger) {
	a.logger = logger
}

// OnResult registers a callback run after each device sync.
// Not safe to call once syncing has started.
func (a *Adapter) OnResult(fn func(DeviceResult, error)) {
	a.onResult = fn
}

func (a *Adapter) isapiFetcher(d *device.Device) (Fetcher, error) {
	cfg, ok := d.ISAPI()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPollable, d.Serial)
	}
	return NewClient(cfg, a.cfg.Timeout, a.cfg.PageSize), nil
}

// Sync runs sel. A single-device sync returns that device's error; a bulk
// sync records per-device errors in the summary and carries on.
func (a *Adapter) Sync(ctx context.Context, sel Selection) (*Summary, error) {
	end := sel.End
	if end.IsZero() {
		end = a.now()
	}
	end = end.UTC()

	summary := &Summary{Devices: []DeviceResult{}}
	if sel.DeviceSerial != "" {
		d, err := a.devices.GetDevice(ctx, sel.DeviceSerial)
		if err != nil {
			return nil, err
		}
		if d.Brand() != device.BrandISAPI {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPollable, d.Serial, d.Brand())
		}
		if !d.Enabled {
			return nil, fmt.Errorf("%w: %s is disabled", device.ErrUnknownDevice, d.Serial)
		}
		r, err := a.syncDevice(ctx, d, sel.Start, end)
		summary.add(r)
		return summary, err
	}

	for _, d := range a.devices.ListEnabled(ctx, device.BrandISAPI) {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		r, err := a.syncDevice(ctx, &d, sel.Start, end)
		if err != nil {
			r.Error = err.Error()
		}
		summary.add(r)
	}
	return summary, nil
}

// effectiveStart is the later of start and just past the cursor. Terminals
// report whole seconds, so the cursor second itself is already ingested.
func (a *Adapter) effectiveStart(d *device.Device, start, end time.Time) time.Time {
	if !d.Cursor.IsZero() {
		next := d.Cursor.Truncate(time.Second).Add(time.Second)
		if next.After(start) {
			start = next
		}
	}
	if start.IsZero() {
		start = end.Add(-a.cfg.Lookback)
	}
	return start.UTC()
}

func (a *Adapter) syncDevice(ctx context.Context, d *device.Device, start, end time.Time) (r DeviceResult, err error) {
	defer func() {
		if a.onResult != nil {
			a.onResult(r, err)
		}
	}()

	start = a.effectiveStart(d, start, end)
	r = DeviceResult{Serial: d.Serial, Start: start, End: end, Cursor: d.Cursor}
	if !start.Before(end) {
		r.Stale = true
		a.logger.Debug("sync range already covered", "device", d.Serial, "error", ErrCursorStale)
		return r, nil
	}

	fetcher, err := a.fetchers(d)
	if err != nil {
		return r, err
	}
	events, err := fetcher.Fetch(ctx, start, end, a.cfg.MaxRecords)
	if err != nil {
		a.logger.Warn("device sync failed", "device", d.Serial, "error", err)
		return r, fmt.Errorf("syncing %s: %w", d.Serial, err)
	}
	r.Fetched = len(events)

	records := make([]attendance.Record, 0, len(events))
	for _, e := range events {
		rec, ok := toRecord(d.Serial, e)
		if !ok {
			r.Skipped++
			continue
		}
		records = append(records, rec)
	}

	res, err := a.ingester.Ingest(ctx, records)
	r.Ingested = res.Stored
	r.Duplicates = res.Duplicates
	r.Skipped += res.Dropped
	if err != nil {
		return r, fmt.Errorf("ingesting %s: %w", d.Serial, err)
	}

	if !res.Latest.IsZero() {
		cursor, err := a.devices.AdvanceCursor(ctx, d.Serial, res.Latest)
		if err != nil {
			return r, fmt.Errorf("advancing cursor for %s: %w", d.Serial, err)
		}
		r.Cursor = cursor
	}

	if r.Ingested == 0 && r.Fetched == r.Duplicates {
		// Nothing new since the cursor.
		r.Stale = true
	}

	a.logger.Info("device synced",
		"device", d.Serial, "fetched", r.Fetched, "ingested", r.Ingested,
		"duplicates", r.Duplicates, "skipped", r.Skipped, "stale", r.Stale)
	return r, nil
}

// toRecord keeps check-in and check-out events.
func toRecord(serial string, e Event) (attendance.Record, bool) {
	var dir attendance.Direction
	switch e.AttendanceStatus {
	case "checkIn":
		dir = attendance.DirectionIn
	case "checkOut":
		dir = attendance.DirectionOut
	default:
		return attendance.Record{}, false
	}

	userID := identity.NormalizeUserID(e.EmployeeNo)
	if userID == "" {
		return attendance.Record{}, false
	}
	ts, err := parseEventTime(e.Time)
	if err != nil {
		return attendance.Record{}, false
	}

	rec := attendance.Record{
		DeviceSerial: serial,
		UserID:       userID,
		Timestamp:    ts,
		Direction:    dir,
		VerifyMode:   strconv.Itoa(e.Minor),
		Raw:          fmt.Sprintf("%d/%d %s %s %s", e.Major, e.Minor, e.Time, e.EmployeeNo, e.AttendanceStatus),
	}
	if e.SerialNo > 0 {
		rec.RecordID = strconv.FormatInt(e.SerialNo, 10)
	}
	return rec, true
}

// parseEventTime accepts RFC 3339 times and offset-less device local
// times, which are read as UTC.
func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if len(s) >= 19 {
		if t, err := time.Parse("2006-01-02T15:04:05", s[:19]); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: event time %q", ErrDeviceResponse, s)
}

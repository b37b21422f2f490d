package pollsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/infrastructure/database/dbtest"
)

// fakeTerminal serves the AcsEvent search behind a digest challenge.
type fakeTerminal struct {
	mu       sync.Mutex
	events   []Event
	searches int
	status   int
}

func (f *fakeTerminal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Digest ") ||
		!strings.Contains(r.Header.Get("Authorization"), `username="admin"`) {
		w.Header().Set("WWW-Authenticate", `Digest realm="terminal", nonce="6f1c2d", qop="auth", algorithm=MD5`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.URL.Path != "/ISAPI/AccessControl/AcsEvent" || r.URL.Query().Get("format") != "json" {
		http.NotFound(w, r)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches++
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	var req acsEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cond := req.AcsEventCond
	start, _ := time.Parse(isapiTimeLayout, cond.StartTime) //nolint:errcheck // zero start matches all
	end, _ := time.Parse(isapiTimeLayout, cond.EndTime)     //nolint:errcheck // zero end matches none

	var matched []Event
	for _, e := range f.events {
		ts, _ := time.Parse(time.RFC3339, e.Time) //nolint:errcheck // fixtures are valid
		if !ts.Before(start) && !ts.After(end) {
			matched = append(matched, e)
		}
	}

	var resp acsEventResponse
	resp.AcsEvent.SearchID = cond.SearchID
	resp.AcsEvent.TotalMatches = len(matched)
	from := min(cond.SearchResultPosition, len(matched))
	to := min(from+cond.MaxResults, len(matched))
	resp.AcsEvent.InfoList = matched[from:to]
	resp.AcsEvent.NumOfMatches = to - from
	resp.AcsEvent.ResponseStatusStrg = "OK"
	if to < len(matched) {
		resp.AcsEvent.ResponseStatusStrg = "MORE"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp) //nolint:errcheck // test server
}

func (f *fakeTerminal) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.searches
}

type syncFixture struct {
	adapter  *Adapter
	registry *device.Registry
	terminal *fakeTerminal
	events   []attendance.Event
}

func isapiConfig(t *testing.T, rawURL string) device.ISAPIConfig {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return device.ISAPIConfig{Host: u.Hostname(), Port: port, Username: "admin", Password: "secret"}
}

func newSyncFixture(t *testing.T, cfg Config) *syncFixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	terminal := &fakeTerminal{}
	srv := httptest.NewServer(terminal)
	t.Cleanup(srv.Close)

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	require.NoError(t, registry.CreateDevice(ctx, &device.Device{
		Serial: "DEVICE123", Config: isapiConfig(t, srv.URL), Enabled: true,
	}))
	require.NoError(t, registry.CreateDevice(ctx, &device.Device{
		Serial: "EB-1", Config: device.EBKNConfig{DeviceID: 1}, Enabled: true,
	}))

	f := &syncFixture{registry: registry, terminal: terminal}
	pipeline, err := attendance.NewPipeline(attendance.NewSQLiteStore(db), nil,
		attendance.PipelineConfig{Mapping: attendance.MappingUserID})
	require.NoError(t, err)
	pipeline.AddPublisher(attendance.PublisherFunc(func(_ context.Context, e attendance.Event) {
		f.events = append(f.events, e)
	}))

	f.adapter = NewAdapter(registry, pipeline, cfg, nil)
	f.adapter.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	return f
}

func acsEvent(serial int64, emp, at, status string) Event {
	return Event{Major: 5, Minor: 75, Time: at, EmployeeNo: emp, AttendanceStatus: status, SerialNo: serial}
}

func TestAdapter_SyncAdvancesCursorAndRepeatIsEmpty(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PageSize = 2
	f := newSyncFixture(t, cfg)
	ctx := context.Background()

	f.terminal.events = []Event{
		acsEvent(1, "101", "2024-01-01T08:00:00+00:00", "checkIn"),
		acsEvent(2, "102", "2024-01-01T08:05:00+00:00", "undefined"),
		acsEvent(3, "102", "2024-01-01T08:10:00+00:00", "checkIn"),
		acsEvent(4, "101", "2024-01-01T17:00:00+00:00", "checkOut"),
		acsEvent(5, "102", "2024-01-01T17:30:00+00:00", "checkOut"),
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	latest := time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC)

	summary, err := f.adapter.Sync(ctx, Selection{DeviceSerial: "DEVICE123", Start: start})
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Fetched)
	assert.Equal(t, 4, summary.Ingested)
	assert.Equal(t, 1, summary.Skipped)
	assert.True(t, latest.Equal(summary.Cursor))
	assert.Equal(t, 3, f.terminal.searchCount(), "three pages of two")
	assert.False(t, summary.Devices[0].Stale)
	require.Len(t, f.events, 4)
	assert.Equal(t, "1", f.events[0].RecordID)
	assert.Equal(t, attendance.DirectionOut, f.events[3].Direction)

	d, err := f.registry.GetDevice(ctx, "DEVICE123")
	require.NoError(t, err)
	assert.True(t, latest.Equal(d.Cursor))

	summary, err = f.adapter.Sync(ctx, Selection{DeviceSerial: "DEVICE123", Start: start})
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, summary.Ingested)
	assert.Len(t, f.events, 4)
	require.Len(t, summary.Devices, 1)
	assert.True(t, summary.Devices[0].Start.After(latest))
	assert.True(t, summary.Devices[0].Stale, "re-pull with nothing new")
}

func TestSelection_UnmarshalJSON(t *testing.T) {
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, v := range []string{"2024-01-01T00:00:00Z", "2024-01-01T00:00:00", "2024-01-01 00:00:00", "2024-01-01T01:00:00+01:00"} {
		var sel Selection
		require.NoError(t, json.Unmarshal([]byte(`{"device_serial":"HK01","start_time":"`+v+`"}`), &sel), v)
		assert.Equal(t, "HK01", sel.DeviceSerial)
		assert.True(t, want.Equal(sel.Start), "%s parsed as %s", v, sel.Start)
		assert.True(t, sel.End.IsZero())
	}

	var sel Selection
	err := json.Unmarshal([]byte(`{"start_time":"yesterday"}`), &sel)
	assert.ErrorIs(t, err, ErrInvalidSelection)

	err = json.Unmarshal([]byte(`{"device":"HK01"}`), &sel)
	assert.Error(t, err, "unknown fields are rejected")
}

func TestAdapter_TooManyRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRecords = 2
	f := newSyncFixture(t, cfg)

	for i := range 3 {
		at := time.Date(2024, 1, 1, 9, i, 0, 0, time.UTC).Format(time.RFC3339)
		f.terminal.events = append(f.terminal.events, acsEvent(int64(i+1), "7", at, "checkIn"))
	}

	_, err := f.adapter.Sync(context.Background(), Selection{
		DeviceSerial: "DEVICE123", Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, ErrTooManyRecords)
	assert.Empty(t, f.events)

	d, err := f.registry.GetDevice(context.Background(), "DEVICE123")
	require.NoError(t, err)
	assert.True(t, d.Cursor.IsZero(), "cursor untouched")
}

func TestAdapter_StaleCursor(t *testing.T) {
	f := newSyncFixture(t, DefaultConfig())
	ctx := context.Background()

	cursor := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	_, err := f.registry.AdvanceCursor(ctx, "DEVICE123", cursor)
	require.NoError(t, err)

	summary, err := f.adapter.Sync(ctx, Selection{
		DeviceSerial: "DEVICE123",
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, summary.Devices, 1)
	assert.True(t, summary.Devices[0].Stale)
	assert.Zero(t, summary.Ingested)
	assert.Zero(t, f.terminal.searchCount())
}

func TestAdapter_BulkSyncRecordsDeviceErrors(t *testing.T) {
	f := newSyncFixture(t, DefaultConfig())
	f.terminal.status = http.StatusInternalServerError

	var results []DeviceResult
	f.adapter.OnResult(func(r DeviceResult, _ error) { results = append(results, r) })

	summary, err := f.adapter.Sync(context.Background(), Selection{})
	require.NoError(t, err)
	require.Len(t, summary.Devices, 1, "only ISAPI devices are polled")
	assert.Equal(t, "DEVICE123", summary.Devices[0].Serial)
	assert.Contains(t, summary.Devices[0].Error, "unexpected device response")
	assert.Len(t, results, 1)
}

func TestAdapter_SingleDeviceErrors(t *testing.T) {
	f := newSyncFixture(t, DefaultConfig())
	ctx := context.Background()

	_, err := f.adapter.Sync(ctx, Selection{DeviceSerial: "EB-1"})
	assert.ErrorIs(t, err, ErrNotPollable)

	_, err = f.adapter.Sync(ctx, Selection{DeviceSerial: "NOPE"})
	assert.ErrorIs(t, err, device.ErrDeviceNotFound)

	f.terminal.status = http.StatusForbidden
	_, err = f.adapter.Sync(ctx, Selection{DeviceSerial: "DEVICE123"})
	assert.ErrorIs(t, err, ErrDeviceResponse)
}

func TestToRecord(t *testing.T) {
	rec, ok := toRecord("HK", acsEvent(9, "00042", "2024-01-01T09:00:00+03:00", "checkIn"))
	require.True(t, ok)
	assert.Equal(t, "42", rec.UserID)
	assert.Equal(t, "9", rec.RecordID)
	assert.True(t, time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC).Equal(rec.Timestamp))

	rec, ok = toRecord("HK", acsEvent(0, "42", "2024-01-01T09:00:00", "checkOut"))
	require.True(t, ok)
	assert.Empty(t, rec.RecordID)
	assert.Equal(t, attendance.DirectionOut, rec.Direction)

	_, ok = toRecord("HK", acsEvent(1, "42", "yesterday", "checkIn"))
	assert.False(t, ok)
	_, ok = toRecord("HK", acsEvent(1, "", "2024-01-01T09:00:00Z", "checkIn"))
	assert.False(t, ok)
	_, ok = toRecord("HK", acsEvent(1, "42", "2024-01-01T09:00:00Z", "breakOut"))
	assert.False(t, ok)
}

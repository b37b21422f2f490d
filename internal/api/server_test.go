package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/audit"
	"github.com/nerrad567/biogate/internal/auth"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/enrollment"
	"github.com/nerrad567/biogate/internal/identity"
	"github.com/nerrad567/biogate/internal/infrastructure/config"
	"github.com/nerrad567/biogate/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/biogate/internal/infrastructure/logging"
	"github.com/nerrad567/biogate/internal/pollsync"
	"github.com/nerrad567/biogate/internal/protocol"
)

const (
	testSecret = "test-secret-with-enough-length-123"
	testIssuer = "biogate-test"
)

type fakeCodec struct{}

func (fakeCodec) Name() string { return "fake" }
func (fakeCodec) Match(r *protocol.Request) bool {
	return strings.HasPrefix(r.Path, "/fake")
}
func (fakeCodec) Handle(_ context.Context, r *protocol.Request) (*protocol.Response, error) {
	return protocol.Text(http.StatusOK, "handled "+string(r.Body)), nil
}

type fakeSyncer struct {
	got     pollsync.Selection
	summary *pollsync.Summary
	err     error
}

func (f *fakeSyncer) Sync(_ context.Context, sel pollsync.Selection) (*pollsync.Summary, error) {
	f.got = sel
	return f.summary, f.err
}

type fixture struct {
	srv      *Server
	registry *device.Registry
	queue    *command.Queue
	audit    *audit.SQLiteRepository
	syncer   *fakeSyncer
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	for _, d := range []*device.Device{
		{Serial: "EBKN01", Config: device.EBKNConfig{DeviceID: 1}, Enabled: true},
		{Serial: "HK01", Config: device.ISAPIConfig{Host: "10.0.0.9", Username: "admin", Password: "hunter2"}, Enabled: true},
	} {
		require.NoError(t, registry.CreateDevice(ctx, d))
	}

	queue := command.NewQueue(db, command.DefaultPolicy(), registry)
	engine := enrollment.NewEngine(db, queue, registry)
	queue.OnTransition(engine.Observe)

	router := protocol.NewRouter()
	router.Register(fakeCodec{})

	auditRepo := audit.NewSQLiteRepository(db)
	syncer := &fakeSyncer{summary: &pollsync.Summary{Devices: []pollsync.DeviceResult{}}}

	deps := Deps{
		WS:         config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security:   config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret, Issuer: testIssuer}},
		Logger:     logging.Discard(),
		Registry:   registry,
		Identities: identity.NewSQLiteRepository(db),
		Queue:      queue,
		Engine:     engine,
		Devices:    router,
		Sync:       syncer,
		Audit:      auditRepo,
		Version:    "test",
	}
	for _, m := range mutate {
		m(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)

	drainCtx, cancel := context.WithCancel(ctx)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		srv.drainAuditLog(drainCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-drained
	})

	return &fixture{srv: srv, registry: registry, queue: queue, audit: auditRepo, syncer: syncer}
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("ops@example.com", role, testSecret, testIssuer, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends a request through the full handler and returns the recorder.
func (f *fixture) do(t *testing.T, role auth.Role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.HealthChecks = map[string]HealthCheck{
			"database": func(context.Context) error { return nil },
		}
	})

	rec := f.do(t, "", http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Devices)
	assert.Equal(t, "ok", body.Components["database"])
}

func TestHealth_Degraded(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.HealthChecks = map[string]HealthCheck{
			"mqtt": func(context.Context) error { return errors.New("not connected") },
		}
	})

	rec := f.do(t, "", http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "not connected", body.Components["mqtt"])
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "", http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, auth.RoleOperator, http.MethodPatch, "/api/v1/devices/EBKN01", map[string]any{"enabled": false})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = f.do(t, auth.RoleOperator, http.MethodPut, "/api/v1/identities/9/allow-all", map[string]any{"allow_all_devices": false})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDevices_ListAndGet(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices?brand=isapi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Devices []map[string]any `json:"devices"`
		Count   int              `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "HK01", list.Devices[0]["serial"])
	cfg := list.Devices[0]["config"].(map[string]any)
	assert.Equal(t, "10.0.0.9", cfg["host"])
	assert.Empty(t, cfg["password"])

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices?brand=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/EBKN01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ebkn", decode[map[string]any](t, rec)["brand"])

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/devices/MISSING", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDevices_CreateConflictAndValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices", map[string]any{
		"serial": "ZK01", "brand": "adms", "config": map[string]any{},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices", map[string]any{
		"serial": "ZK01", "brand": "adms", "config": map[string]any{},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices", map[string]any{
		"serial": "X1", "brand": "carrier-pigeon",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices", `{"serial":"X1","colour":"red"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDevices_ReenableQueuesEnrollment(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/EBKN01", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, auth.RoleAdmin, http.MethodPut, "/api/v1/identities/42/allow-all", map[string]any{"allow_all_devices": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/identities/42/templates", map[string]any{
		"brand": "ebkn", "data": []byte("finger"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[enrollment.Result](t, rec).Created, "disabled device gets nothing")

	rec = f.do(t, auth.RoleAdmin, http.MethodPatch, "/api/v1/devices/EBKN01", map[string]any{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[struct {
		Enrollment *enrollment.Result `json:"enrollment"`
	}](t, rec)
	require.NotNil(t, resp.Enrollment)
	require.Len(t, resp.Enrollment.Created, 1)
	assert.Equal(t, "EBKN01", resp.Enrollment.Created[0].DeviceSerial)
	assert.Equal(t, "42", resp.Enrollment.Created[0].UserID)
	assert.Equal(t, command.TypeEnrollUser, resp.Enrollment.Created[0].Type)
}

func TestIdentities(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/identities/7", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, auth.RoleAdmin, http.MethodPut, "/api/v1/identities/0007/employee", map[string]any{"employee_id": "E-100"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "E-100", decode[identity.Identity](t, rec).EmployeeID)

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/identities/7/templates", map[string]any{
		"brand": "ebkn", "data": []byte("finger"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, auth.RoleAdmin, http.MethodPut, "/api/v1/identities/7/devices", map[string]any{"devices": []string{"EBKN01"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[enrollment.Result](t, rec)
	require.Len(t, res.Created, 1)
	assert.Equal(t, command.TypeEnrollUser, res.Created[0].Type)

	rec = f.do(t, auth.RoleAdmin, http.MethodPut, "/api/v1/identities/7/devices", map[string]any{"devices": []string{"NOPE"}})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/identities/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decode[identity.Identity](t, rec)
	assert.Equal(t, []string{"EBKN01"}, id.Devices)
	assert.Contains(t, id.Templates, device.BrandEBKN)

	rec = f.do(t, auth.RoleAdmin, http.MethodDelete, "/api/v1/identities/7/devices/EBKN01", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, auth.RoleViewer, http.MethodPut, "/api/v1/identities/7/allow-all", map[string]any{"allow_all_devices": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCommands_ListGetClose(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/identities/9/templates", map[string]any{
		"brand": "ebkn", "data": []byte("finger"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, auth.RoleAdmin, http.MethodPut, "/api/v1/identities/9/devices", map[string]any{"devices": []string{"EBKN01"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands?status=pending&device=EBKN01", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Commands []command.Command `json:"commands"`
		Count    int               `json:"count"`
	}](t, rec)
	require.Equal(t, 1, list.Count)
	id := list.Commands[0].ID

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/commands/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	path := "/api/v1/commands/" + jsonNumber(id)
	rec = f.do(t, auth.RoleAdmin, http.MethodPost, path+"/close", map[string]any{"reason": "operator"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, command.StatusClosed, decode[command.Command](t, rec).Status)

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, path+"/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		res, err := f.audit.List(context.Background(), audit.Filter{Action: audit.ActionClose})
		return err == nil && res.Total == 1 && res.Entries[0].Actor == "ops@example.com"
	}, 2*time.Second, 10*time.Millisecond)
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n) //nolint:errcheck // int64 always marshals
	return string(b)
}

func TestSync(t *testing.T) {
	f := newFixture(t)
	f.syncer.summary = &pollsync.Summary{
		Devices:  []pollsync.DeviceResult{{Serial: "HK01", Fetched: 3, Ingested: 2}},
		Fetched:  3,
		Ingested: 2,
	}

	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", map[string]any{
		"device_serial": "HK01",
		"start_time":    "2026-03-01T00:00:00Z",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "HK01", f.syncer.got.DeviceSerial)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), f.syncer.got.Start)
	assert.Equal(t, 2, decode[pollsync.Summary](t, rec).Ingested)

	// Empty body syncs everything.
	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, f.syncer.got.DeviceSerial)

	rec = f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", map[string]any{
		"start_time": "2026-03-02T00:00:00Z",
		"end_time":   "2026-03-01T00:00:00Z",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSync_AcceptsDeviceLocalTimes(t *testing.T) {
	tests := []struct {
		name  string
		start string
		end   string
	}{
		{"rfc3339", "2024-01-01T00:00:00Z", "2024-01-02T00:00:00+00:00"},
		{"no offset", "2024-01-01T00:00:00", "2024-01-02T00:00:00"},
		{"space separated", "2024-01-01 00:00:00", "2024-01-02 00:00:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.syncer.summary = &pollsync.Summary{Devices: []pollsync.DeviceResult{}}

			rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", map[string]any{
				"device_serial": "HK01",
				"start_time":    tt.start,
				"end_time":      tt.end,
			})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), f.syncer.got.Start)
			assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), f.syncer.got.End)
		})
	}

	f := newFixture(t)
	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", map[string]any{"start_time": "01/01/2024"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "start_time")
}

func TestSync_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not pollable", pollsync.ErrNotPollable, http.StatusUnprocessableEntity},
		{"too many records", pollsync.ErrTooManyRecords, http.StatusUnprocessableEntity},
		{"unknown device", device.ErrDeviceNotFound, http.StatusNotFound},
		{"bad response", pollsync.ErrDeviceResponse, http.StatusBadGateway},
		{"unreachable", errors.New("dial tcp: connection refused"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.syncer.err = tt.err
			rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", map[string]any{"device_serial": "HK01"})
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSync_NotConfigured(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Sync = nil })
	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditList(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, auth.RoleAdmin, http.MethodPost, "/api/v1/devices", map[string]any{
		"serial": "ZK01", "brand": "adms", "config": map[string]any{},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Eventually(t, func() bool {
		rec := f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/audit?entity_type=device", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		res := decode[audit.ListResult](t, rec)
		return res.Total == 1 && res.Entries[0].EntityID == "ZK01"
	}, 2*time.Second, 10*time.Millisecond)

	rec = f.do(t, auth.RoleViewer, http.MethodGet, "/api/v1/audit?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceCatchAll(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "", http.MethodPost, "/fake/push", "hello")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "handled hello", rec.Body.String())

	// Unrecognised requests still get a neutral reply.
	rec = f.do(t, "", http.MethodGet, "/something/else", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceRateLimit(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, Burst: 2}
	})
	h := f.srv.Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/fake/push", strings.NewReader("x"))
		req.RemoteAddr = "10.1.1.1:5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// Another source has its own bucket.
	req := httptest.NewRequest(http.MethodPost, "/fake/push", strings.NewReader("x"))
	req.RemoteAddr = "10.1.1.2:5000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTicketStore(t *testing.T) {
	ts := newTicketStore()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ts.now = func() time.Time { return now }

	ticket, err := ts.issue("ops")
	require.NoError(t, err)
	subject, ok := ts.consume(ticket)
	assert.True(t, ok)
	assert.Equal(t, "ops", subject)

	_, ok = ts.consume(ticket)
	assert.False(t, ok, "tickets are single use")

	expired, err := ts.issue("ops")
	require.NoError(t, err)
	now = now.Add(ticketTTL + time.Second)
	_, ok = ts.consume(expired)
	assert.False(t, ok)

	_, err = ts.issue("ops")
	require.NoError(t, err)
	now = now.Add(ticketTTL + time.Second)
	ts.clean()
	assert.Empty(t, ts.tickets)
}

func TestWebSocket_AttendanceBroadcast(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	rec := f.do(t, auth.RoleViewer, http.MethodPost, "/api/v1/ws-ticket", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ticket := decode[map[string]any](t, rec)["ticket"].(string)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?ticket=bogus", nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"?ticket="+ticket, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "id": "1",
		"payload": map[string]any{"channels": []string{ChannelAttendance}},
	}))
	var ack Frame
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "1", ack.ID)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "id": "2",
		"payload": map[string]any{"channels": []string{"device.state_changed"}},
	}))
	var nack Frame
	require.NoError(t, conn.ReadJSON(&nack))
	assert.Equal(t, FrameError, nack.Type)
	assert.Equal(t, "2", nack.ID)

	f.srv.Hub().Publish(context.Background(), attendance.Event{
		ID: "ev-1", DeviceSerial: "EBKN01", UserID: "7", Direction: attendance.DirectionIn,
	})

	var ev Frame
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, FrameEvent, ev.Type)
	assert.Equal(t, ChannelAttendance, ev.Channel)
	var got attendance.Event
	require.NoError(t, json.Unmarshal(ev.Payload, &got))
	assert.Equal(t, "ev-1", got.ID)
	assert.Equal(t, "EBKN01", got.DeviceSerial)
}

func TestHub_ObserveSyncMarksFailures(t *testing.T) {
	h := NewHub(config.WebSocketConfig{}, logging.Discard())
	c := &wsClient{hub: h, out: make(chan []byte, 1)}
	c.subs.Store(channelBits[ChannelSync])
	h.add(c)

	h.ObserveTransition(context.Background(), command.Transition{})
	h.ObserveSync(pollsync.DeviceResult{Serial: "HK01"}, errors.New("timeout"))

	var msg Frame
	require.NoError(t, json.Unmarshal(<-c.out, &msg))
	assert.Equal(t, ChannelSync, msg.Channel)
	var ev map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &ev))
	assert.Equal(t, true, ev["failed"])
	assert.Equal(t, "timeout", ev["error"])
	assert.Equal(t, "HK01", ev["serial"])

	h.remove(c)
	assert.Zero(t, h.ClientCount())
}

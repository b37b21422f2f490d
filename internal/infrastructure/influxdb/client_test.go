package influxdb_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/biogate/internal/infrastructure/config"
	"github.com/nerrad567/biogate/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol sent to /api/v2/write.
type fakeInflux struct {
	mu     sync.Mutex
	lines  []string
	status int
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"code":"invalid","message":"rejected"}`))
			return
		}
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func connect(t *testing.T, fake *fakeInflux) *influxdb.Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := influxdb.Connect(config.InfluxDBConfig{
		Enabled:       true,
		URL:           srv.URL,
		Token:         "test-token",
		Org:           "biogate",
		Bucket:        "attendance",
		BatchSize:     10,
		FlushInterval: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConnect_Disabled(t *testing.T) {
	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: false})
	assert.ErrorIs(t, err, influxdb.ErrDisabled)
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(config.InfluxDBConfig{Enabled: true, URL: url, Token: "t"})
	assert.ErrorIs(t, err, influxdb.ErrConnectionFailed)
}

func TestHealthCheck(t *testing.T) {
	client := connect(t, &fakeInflux{})

	assert.True(t, client.IsConnected())
	assert.NoError(t, client.HealthCheck(context.Background()))

	require.NoError(t, client.Close())
	assert.False(t, client.IsConnected())
	assert.ErrorIs(t, client.HealthCheck(context.Background()), influxdb.ErrNotConnected)
}

func TestWrites(t *testing.T) {
	fake := &fakeInflux{}
	client := connect(t, fake)
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	client.WritePointWithTime(influxdb.MeasurementAttendance,
		map[string]string{"device": "EB-1", "direction": "in"},
		map[string]interface{}{"user_id": "55", "count": 1},
		at)
	client.WriteCommandTransition("ZK-9", "enroll_user", "success", "acknowledged", 1, at)
	client.WritePollSync("HK-3", 12, 10, 2, false, at)
	client.Flush()

	assert.Eventually(t, func() bool { return len(fake.written()) == 3 }, 2*time.Second, 20*time.Millisecond)

	lines := fake.written()
	assert.Contains(t, lines[0], "attendance,device=EB-1,direction=in")
	assert.Contains(t, lines[0], `user_id="55"`)
	assert.True(t, strings.HasSuffix(lines[0], "1709280000000000000"))
	assert.Contains(t, lines[1], "command_transition,device=ZK-9,status=success,type=enroll_user")
	assert.Contains(t, lines[1], "attempts=1i")
	assert.Contains(t, lines[2], "poll_sync,device=HK-3")
	assert.Contains(t, lines[2], "duplicates=2i")
}

func TestWriteErrorsReachCallback(t *testing.T) {
	fake := &fakeInflux{status: http.StatusBadRequest}
	client := connect(t, fake)

	errs := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	client.WritePollSync("HK-3", 1, 1, 0, false, time.Now())
	client.Flush()

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("write error not reported")
	}
}

func TestWriteAfterCloseIsDropped(t *testing.T) {
	fake := &fakeInflux{}
	client := connect(t, fake)
	require.NoError(t, client.Close())

	client.WritePollSync("HK-3", 1, 1, 0, false, time.Now())
	client.Flush()

	assert.Empty(t, fake.written())
}

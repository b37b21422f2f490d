// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/biogate/internal/attendance"
	"github.com/nerrad567/biogate/internal/command"
	"github.com/nerrad567/biogate/internal/device"
	"github.com/nerrad567/biogate/internal/pollsync"
	"github.com/nerrad567/biogate/internal/protocol"
)

const namespace = "biogate"

// Metrics owns a registry and the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	deviceRequests   *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	commandTransitions *prometheus.CounterVec
	deliveryExhausted  prometheus.Counter

	attendanceStored *prometheus.CounterVec

	syncRuns     *prometheus.CounterVec
	syncIngested *prometheus.CounterVec

	buildInfo *prometheus.GaugeVec
}

// New creates and registers every collector, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		deviceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_requests_total",
			Help:      "Device requests by codec and outcome.",
		}, []string{"codec", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "device_dispatch_duration_seconds",
			Help:      "Time spent handling a device request.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"codec"}),

		commandTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_transitions_total",
			Help:      "Committed command state transitions.",
		}, []string{"type", "to", "reason"}),
		deliveryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_delivery_exhausted_total",
			Help:      "Commands failed after their last attempt.",
		}),

		attendanceStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_events_stored_total",
			Help:      "Attendance events stored, by device and direction.",
		}, []string{"device", "direction"}),

		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Poll sync runs by device and result.",
		}, []string{"device", "result"}),
		syncIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_records_ingested_total",
			Help:      "Records ingested by poll sync.",
		}, []string{"device"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information.",
		}, []string{"version", "commit"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.deviceRequests, m.dispatchDuration,
		m.commandTransitions, m.deliveryExhausted,
		m.attendanceStored,
		m.syncRuns, m.syncIngested,
		m.buildInfo,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetBuildInfo sets build_info{version,commit} to 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}

// Instrument records request count, latency and in-flight requests. The
// route label is the chi route pattern, so device paths do not explode
// label cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := strconv.Itoa(recordedStatus(ww, r))
		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// recordedStatus is the status the wrapped writer sent. Hijacked upgrade
// requests never write one and are counted as 101.
func recordedStatus(ww middleware.WrapResponseWriter, r *http.Request) int {
	if code := ww.Status(); code != 0 {
		return code
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return http.StatusSwitchingProtocols
	}
	return http.StatusOK
}

// ObserveDispatch implements protocol.DispatchObserver.
func (m *Metrics) ObserveDispatch(codec string, err error, elapsed time.Duration) {
	if codec == "" {
		codec = "none"
	}
	m.deviceRequests.WithLabelValues(codec, outcome(err)).Inc()
	m.dispatchDuration.WithLabelValues(codec).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrUnrecognizedProtocol):
		return "unrecognized"
	case errors.Is(err, protocol.ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, device.ErrUnknownDevice):
		return "unknown_device"
	default:
		return "error"
	}
}

// ObserveTransition implements command.Observer.
func (m *Metrics) ObserveTransition(_ context.Context, t command.Transition) {
	m.commandTransitions.WithLabelValues(string(t.Command.Type), string(t.To), t.Reason).Inc()
	if t.Exhausted() {
		m.deliveryExhausted.Inc()
	}
}

// Publish implements attendance.Publisher.
func (m *Metrics) Publish(_ context.Context, e attendance.Event) {
	m.attendanceStored.WithLabelValues(e.DeviceSerial, string(e.Direction)).Inc()
}

// ObserveSync records one device sync.
func (m *Metrics) ObserveSync(r pollsync.DeviceResult, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case r.Stale:
		result = "stale"
	}
	m.syncRuns.WithLabelValues(r.Serial, result).Inc()
	m.syncIngested.WithLabelValues(r.Serial).Add(float64(r.Ingested))
}

package influxdb

import "errors"

var (
	ErrDisabled         = errors.New("influxdb: disabled")
	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: client closed")

	// ErrUnhealthy is returned when /ping answers but reports not ready.
	ErrUnhealthy = errors.New("influxdb: server not healthy")
)

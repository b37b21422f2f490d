package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the gateway.
const (
	MeasurementAttendance        = "attendance"
	MeasurementCommandTransition = "command_transition"
	MeasurementPollSync          = "poll_sync"
)

// WritePointWithTime queues a point stamped at ts. Writes after Close are
// dropped.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

// WriteCommandTransition records one command state change for a device.
func (c *Client) WriteCommandTransition(serial, commandType, status, reason string, attempts int, at time.Time) {
	c.WritePointWithTime(MeasurementCommandTransition,
		map[string]string{
			"device": serial,
			"type":   commandType,
			"status": status,
		},
		map[string]interface{}{
			"reason":   reason,
			"attempts": attempts,
		},
		at,
	)
}

// WritePollSync records the outcome of one device poll.
func (c *Client) WritePollSync(serial string, fetched, ingested, duplicates int, failed bool, at time.Time) {
	c.WritePointWithTime(MeasurementPollSync,
		map[string]string{"device": serial},
		map[string]interface{}{
			"fetched":    fetched,
			"ingested":   ingested,
			"duplicates": duplicates,
			"failed":     failed,
		},
		at,
	)
}

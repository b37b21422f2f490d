package attendance

import (
	"context"
	"time"
)

// PointWriter is the subset of the InfluxDB client used for attendance points.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time)
}

// InfluxRecorder writes one "attendance" point per stored event.
type InfluxRecorder struct {
	writer PointWriter
}

// NewInfluxRecorder creates a recorder.
func NewInfluxRecorder(w PointWriter) *InfluxRecorder {
	return &InfluxRecorder{writer: w}
}

// Publish implements Publisher.
func (r *InfluxRecorder) Publish(_ context.Context, e Event) {
	r.writer.WritePointWithTime("attendance",
		map[string]string{
			"device":    e.DeviceSerial,
			"direction": string(e.Direction),
		},
		map[string]interface{}{
			"user_id":     e.UserID,
			"employee_id": e.EmployeeID,
			"verify_mode": e.VerifyMode,
			"count":       1,
		},
		e.Timestamp,
	)
}

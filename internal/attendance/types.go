package attendance

import (
	"fmt"
	"time"
)

// Direction is the punch direction reported by the device.
type Direction string

// Directions.
const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = "unknown"
)

// Record is one attendance record as decoded by a codec or poller, before
// employee resolution.
type Record struct {
	DeviceSerial string
	UserID       string
	Timestamp    time.Time
	VerifyMode   string
	Direction    Direction
	RecordID     string
	Raw          string
}

// Key returns the record's idempotency key.
func (r Record) Key() string {
	return IdempotencyKey(r.DeviceSerial, r.UserID, r.RecordID, r.Timestamp)
}

// Event is a normalised, stored attendance event. Events are write-once.
type Event struct {
	ID             string    `json:"id"`
	IdempotencyKey string    `json:"idempotency_key"`
	DeviceSerial   string    `json:"device_serial"`
	UserID         string    `json:"user_id"`
	EmployeeID     string    `json:"employee_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	VerifyMode     string    `json:"verify_mode,omitempty"`
	Direction      Direction `json:"direction"`
	RecordID       string    `json:"record_id,omitempty"`
	Raw            string    `json:"raw,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// IdempotencyKey builds the dedupe key for a record.
func IdempotencyKey(serial, userID, recordID string, ts time.Time) string {
	if recordID != "" {
		return fmt.Sprintf("rec:%s:%s", serial, recordID)
	}
	return fmt.Sprintf("evt:%s:%s:%d", serial, userID, ts.Unix())
}

// Mapping selects how device user ids resolve to employees.
type Mapping string

// Employee mappings.
const (
	// MappingIdentity uses the employee id linked on the identity.
	MappingIdentity Mapping = "identity"

	// MappingUserID uses the device user id as the employee id.
	MappingUserID Mapping = "user_id"
)

// Valid reports whether m is a known mapping.
func (m Mapping) Valid() bool {
	return m == MappingIdentity || m == MappingUserID
}

// Result summarises one Ingest call.
type Result struct {
	// Received counts records that reached the pipeline.
	Received int `json:"received"`

	// Stored counts new events written.
	Stored int `json:"stored"`

	// Duplicates counts records already stored or repeated in the batch.
	Duplicates int `json:"duplicates"`

	// Dropped counts records for unknown users.
	Dropped int `json:"dropped"`

	// Latest is the newest record time seen, stored or not.
	Latest time.Time `json:"latest"`

	Events []Event `json:"-"`
}

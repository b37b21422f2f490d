package command

import (
	"fmt"
	"time"
)

// Type is the operation a command asks a device to perform.
type Type string

// Command types.
const (
	TypeEnrollUser    Type = "enroll_user"
	TypeDeleteUser    Type = "delete_user"
	TypeGetEnrollData Type = "get_enroll_data"
)

// Valid reports whether t is a known command type.
func (t Type) Valid() bool {
	switch t {
	case TypeEnrollUser, TypeDeleteUser, TypeGetEnrollData:
		return true
	}
	return false
}

// Status is a command's delivery state.
type Status string

// Command statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusClosed     Status = "closed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusClosed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed, StatusClosed:
		return true
	}
	return false
}

// Command is a queued instruction for one device about one user.
type Command struct {
	ID           int64      `json:"id"`
	DeviceSerial string     `json:"device_serial"`
	UserID       string     `json:"user_id"`
	Type         Type       `json:"type"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	TransID      string     `json:"trans_id,omitempty"`
	TemplateHash string     `json:"template_hash,omitempty"`
	Response     string     `json:"response,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// Spec describes a command to enqueue.
type Spec struct {
	DeviceSerial string
	UserID       string
	Type         Type
}

func (s Spec) validate() error {
	if s.DeviceSerial == "" || s.UserID == "" {
		return fmt.Errorf("%w: device and user are required", ErrInvalidCommand)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, s.Type)
	}
	return nil
}

// Outcome reports what Enqueue did.
type Outcome int

// Enqueue outcomes.
const (
	OutcomeCreated Outcome = iota
	OutcomeSuppressed
)

func (o Outcome) String() string {
	if o == OutcomeSuppressed {
		return "suppressed"
	}
	return "created"
}

// Transition reasons.
const (
	ReasonCreated      = "created"
	ReasonDispatched   = "dispatched"
	ReasonAcknowledged = "acknowledged"
	ReasonRetry        = "device reported failure, retrying"
	ReasonAckTimeout   = "ack timeout, retrying"
	ReasonForceClosed  = "force closed after max age"
)

// Transition is a committed state change.
type Transition struct {
	Command Command   `json:"command"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`

	// Payload is the device response body for acknowledged commands.
	// GetEnrollData results carry the captured template here.
	Payload []byte `json:"-"`
}

// Exhausted reports whether the transition failed a command at its
// attempt limit.
func (t Transition) Exhausted() bool {
	return t.To == StatusFailed && t.Reason == ErrDeliveryExhausted.Error()
}

// Filter selects commands for List.
type Filter struct {
	DeviceSerial string
	UserID       string
	Status       Status
	Limit        int
}

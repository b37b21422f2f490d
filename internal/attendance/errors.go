package attendance

import "errors"

var (
	// ErrInvalidRecord is returned for records missing a device, user or time.
	ErrInvalidRecord = errors.New("attendance: invalid record")

	// ErrInvalidMapping is returned for an unknown employee mapping.
	ErrInvalidMapping = errors.New("attendance: invalid employee mapping")
)

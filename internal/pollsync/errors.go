package pollsync

import "errors"

// Domain errors for the pollsync package.
var (
	// ErrTooManyRecords is returned when a range holds more records than
	// the configured maximum. Narrow the range and retry.
	ErrTooManyRecords = errors.New("pollsync: too many records in range")

	// ErrCursorStale marks a sync whose range starts at or after its end
	// because the cursor already covers it. It is reported in the
	// summary, not returned.
	ErrCursorStale = errors.New("pollsync: cursor already covers range")

	// ErrNotPollable is returned when syncing a device that pushes its
	// own attendance.
	ErrNotPollable = errors.New("pollsync: device is not API-polled")

	// ErrInvalidSelection is returned when a sync selection carries a
	// time in no accepted form.
	ErrInvalidSelection = errors.New("pollsync: invalid sync selection")

	// ErrDeviceResponse is returned for non-200 or undecodable replies.
	ErrDeviceResponse = errors.New("pollsync: unexpected device response")
)

package command

import "errors"

// Domain errors for the command package.
var (
	// ErrCommandNotFound is returned when no command matches an id or trans_id.
	ErrCommandNotFound = errors.New("command: not found")

	// ErrDuplicateSuppressed is returned by EnqueueStrict when a non-terminal
	// command already exists for the same (device, user, type).
	ErrDuplicateSuppressed = errors.New("command: duplicate suppressed")

	// ErrDeliveryExhausted is the reason recorded when a command fails after
	// reaching the attempt limit. It is logged and counted, never returned.
	ErrDeliveryExhausted = errors.New("command: delivery attempts exhausted")

	// ErrInvalidTransition is returned when a command is not in the state an
	// operation requires, for example closing a terminal command.
	ErrInvalidTransition = errors.New("command: invalid state transition")

	// ErrInvalidCommand is returned for malformed enqueue requests.
	ErrInvalidCommand = errors.New("command: invalid")
)

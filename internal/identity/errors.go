package identity

import "errors"

// Domain errors for the identity package.
var (
	// ErrIdentityNotFound is returned when a user id does not exist.
	ErrIdentityNotFound = errors.New("identity: not found")

	// ErrInvalidUserID is returned for empty or oversized user ids.
	ErrInvalidUserID = errors.New("identity: invalid user id")

	// ErrTemplateNotFound is returned when no template exists for a brand.
	ErrTemplateNotFound = errors.New("identity: template not found")

	// ErrEmptyTemplate is returned when a template blob has no data.
	ErrEmptyTemplate = errors.New("identity: empty template")

	// ErrUnknownDevice is returned when assigning a device that is not registered.
	ErrUnknownDevice = errors.New("identity: assignment references unknown device")
)

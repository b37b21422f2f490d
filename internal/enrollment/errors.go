package enrollment

import "errors"

// Domain errors for the enrollment package.
var (
	// ErrInvalidBrand is returned for templates of an unknown brand.
	ErrInvalidBrand = errors.New("enrollment: invalid brand")

	// ErrSourceNotFound is returned when a template names an unregistered
	// source device.
	ErrSourceNotFound = errors.New("enrollment: source device not found")
)

package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrUnknownDevice) {
//	    // answer the terminal with a neutral ack
//	}
var (
	// ErrDeviceNotFound is returned when a serial does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownDevice is returned by the Resolve* lookups when a device is
	// not registered or is disabled. Device-facing code treats it as a no-op.
	ErrUnknownDevice = errors.New("device: unknown or disabled")

	// ErrDeviceExists is returned when creating a device whose serial already exists.
	ErrDeviceExists = errors.New("device: already exists")

	// ErrDeviceIDTaken is returned when an EBKN device id is already registered.
	ErrDeviceIDTaken = errors.New("device: ebkn device id already registered")

	// ErrInvalidDevice is returned when device validation fails.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidBrand is returned when a brand value is not recognised.
	ErrInvalidBrand = errors.New("device: invalid brand")

	// ErrInvalidConfig is returned when brand-specific fields are invalid.
	ErrInvalidConfig = errors.New("device: invalid brand config")

	// ErrInvalidSerial is returned when a serial is empty or malformed.
	ErrInvalidSerial = errors.New("device: invalid serial")
)

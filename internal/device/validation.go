package device

import (
	"fmt"
	"regexp"
)

// Validation constants.
const (
	maxNameLength   = 100
	maxSerialLength = 64
)

// Serials travel in URLs, headers and ADMS text lines.
var serialRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidateDevice checks a device before it is persisted.
// Returns an error describing the first validation failure found.
func ValidateDevice(d *Device) error {
	if d == nil {
		return ErrInvalidDevice
	}
	if err := ValidateSerial(d.Serial); err != nil {
		return err
	}
	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDevice, maxNameLength)
	}
	if d.Config == nil {
		return fmt.Errorf("%w: brand config is required", ErrInvalidDevice)
	}
	if !d.Config.Brand().Valid() {
		return ErrInvalidBrand
	}
	if d.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts cannot be negative", ErrInvalidDevice)
	}
	return d.Config.validate()
}

// ValidateSerial checks a device serial.
func ValidateSerial(serial string) error {
	if serial == "" || len(serial) > maxSerialLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidSerial, maxSerialLength)
	}
	if !serialRegex.MatchString(serial) {
		return fmt.Errorf("%w: %q contains invalid characters", ErrInvalidSerial, serial)
	}
	return nil
}

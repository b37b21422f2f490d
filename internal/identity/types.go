package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/biogate/internal/device"
)

const maxUserIDLength = 32

// Identity is a biometric user known to the gateway.
type Identity struct {
	UserID          string `json:"user_id"`
	EmployeeID      string `json:"employee_id,omitempty"`
	AllowAllDevices bool   `json:"allow_all_devices"`

	// Devices is the explicit assignment set, consulted only when
	// AllowAllDevices is false.
	Devices []string `json:"devices"`

	Templates map[device.Brand]Template `json:"templates,omitempty"`

	// Enrollments maps device serial to the template hash it carries.
	Enrollments map[string]string `json:"enrollments,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Template is an opaque brand-specific biometric blob.
type Template struct {
	Brand        device.Brand `json:"brand"`
	Data         []byte       `json:"-"`
	Hash         string       `json:"hash"`
	SourceDevice string       `json:"source_device,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewTemplate builds a template and computes its hash.
func NewTemplate(brand device.Brand, data []byte, source string, at time.Time) (Template, error) {
	if len(data) == 0 {
		return Template{}, ErrEmptyTemplate
	}
	return Template{
		Brand:        brand,
		Data:         data,
		Hash:         HashTemplate(data),
		SourceDevice: source,
		UpdatedAt:    at.UTC(),
	}, nil
}

// HashTemplate returns the hex SHA-256 of a template blob.
func HashTemplate(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reaches reports whether the identity should be present on serial.
func (i *Identity) Reaches(serial string) bool {
	if i.AllowAllDevices {
		return true
	}
	for _, s := range i.Devices {
		if s == serial {
			return true
		}
	}
	return false
}

// UpToDate reports whether serial already carries the template hash.
func (i *Identity) UpToDate(serial, hash string) bool {
	return hash != "" && i.Enrollments[serial] == hash
}

// ValidateUserID checks a device-local user id.
func ValidateUserID(userID string) error {
	if userID == "" || len(userID) > maxUserIDLength {
		return fmt.Errorf("%w: must be 1-%d characters", ErrInvalidUserID, maxUserIDLength)
	}
	if strings.ContainsAny(userID, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidUserID, userID)
	}
	return nil
}

// NormalizeUserID strips the zero padding some terminals apply to user
// ids. An all-zero id is returned unchanged.
func NormalizeUserID(raw string) string {
	if trimmed := strings.TrimLeft(raw, "0"); trimmed != "" {
		return trimmed
	}
	return raw
}

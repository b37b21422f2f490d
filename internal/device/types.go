package device

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Brand identifies the wire protocol family a terminal speaks.
type Brand string

// Supported brands. The set is closed; each has its own BrandConfig variant.
const (
	// BrandEBKN is the header/binary push protocol addressed by numeric device id.
	BrandEBKN Brand = "ebkn"

	// BrandADMS is the ZKTeco-style iclock text push protocol addressed by serial.
	BrandADMS Brand = "adms"

	// BrandISAPI is the Hikvision-style HTTP API, polled by the gateway.
	BrandISAPI Brand = "isapi"
)

// AllBrands returns every supported brand.
func AllBrands() []Brand {
	return []Brand{BrandEBKN, BrandADMS, BrandISAPI}
}

// Valid reports whether b is a supported brand.
func (b Brand) Valid() bool {
	switch b {
	case BrandEBKN, BrandADMS, BrandISAPI:
		return true
	}
	return false
}

// PushCapable reports whether devices of this brand initiate contact
// (and can therefore receive queued commands).
func (b Brand) PushCapable() bool {
	return b == BrandEBKN || b == BrandADMS
}

// BrandConfig is the brand-specific part of a device record.
// Implementations are EBKNConfig, ADMSConfig and ISAPIConfig.
type BrandConfig interface {
	Brand() Brand
	validate() error
}

// EBKNConfig addresses an EBKN terminal by the numeric id it sends in dev_id.
type EBKNConfig struct {
	DeviceID int `json:"device_id"`
}

// Brand implements BrandConfig.
func (EBKNConfig) Brand() Brand { return BrandEBKN }

func (c EBKNConfig) validate() error {
	if c.DeviceID <= 0 {
		return fmt.Errorf("%w: ebkn device_id must be positive", ErrInvalidConfig)
	}
	return nil
}

// ADMSConfig holds per-device ADMS handshake overrides.
type ADMSConfig struct {
	// TimeZone overrides the handshake TimeZone option when non-nil.
	TimeZone *int `json:"time_zone,omitempty"`
}

// Brand implements BrandConfig.
func (ADMSConfig) Brand() Brand { return BrandADMS }

func (ADMSConfig) validate() error { return nil }

// ISAPIConfig locates and authenticates an API-polled terminal.
type ISAPIConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	TLS      bool   `json:"tls,omitempty"`
}

// Brand implements BrandConfig.
func (ISAPIConfig) Brand() Brand { return BrandISAPI }

func (c ISAPIConfig) validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: isapi host is required", ErrInvalidConfig)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: isapi port out of range", ErrInvalidConfig)
	}
	return nil
}

// BaseURL returns the scheme://host[:port] prefix for API calls.
func (c ISAPIConfig) BaseURL() string {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	host := c.Host
	if c.Port != 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	return scheme + "://" + host
}

// Device is a registered biometric terminal.
type Device struct {
	Serial  string      `json:"serial"`
	Name    string      `json:"name"`
	Config  BrandConfig `json:"-"`
	Enabled bool        `json:"enabled"`

	// MaxAttempts overrides the command policy for this device when > 0.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Cursor is the newest attendance record time ingested from the device.
	// It only moves forward.
	Cursor time.Time `json:"cursor,omitempty"`

	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Brand returns the device brand, or "" when no config is set.
func (d *Device) Brand() Brand {
	if d.Config == nil {
		return ""
	}
	return d.Config.Brand()
}

// PushCapable reports whether the device initiates contact with the gateway.
func (d *Device) PushCapable() bool {
	return d.Brand().PushCapable()
}

// EBKNDeviceID returns the numeric EBKN id, if the device is an EBKN terminal.
func (d *Device) EBKNDeviceID() (int, bool) {
	c, ok := d.Config.(EBKNConfig)
	if !ok {
		return 0, false
	}
	return c.DeviceID, true
}

// ISAPI returns the polling config, if the device is API-polled.
func (d *Device) ISAPI() (ISAPIConfig, bool) {
	c, ok := d.Config.(ISAPIConfig)
	return c, ok
}

// DeepCopy creates an independent copy of the device.
// Brand configs are value types, so only pointer fields need cloning.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		cp.LastSeenAt = &t
	}
	if c, ok := d.Config.(ADMSConfig); ok && c.TimeZone != nil {
		tz := *c.TimeZone
		cp.Config = ADMSConfig{TimeZone: &tz}
	}
	return &cp
}

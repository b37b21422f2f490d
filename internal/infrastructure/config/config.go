package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config mirrors configs/config.yaml, one field per top-level section.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Commands   CommandsConfig   `yaml:"commands"`
	Attendance AttendanceConfig `yaml:"attendance"`
	EBKN       EBKNConfig       `yaml:"ebkn"`
	ADMS       ADMSConfig       `yaml:"adms"`
	Polling    PollingConfig    `yaml:"polling"`
	Security   SecurityConfig   `yaml:"security"`
}

// GatewayConfig identifies this gateway instance.
type GatewayConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig locates the SQLite file. BusyTimeout is in seconds.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig configures the optional broker connection.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the reconnect backoff (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP server settings. Devices and operators share
// the same listener.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig enables HTTPS on the shared listener.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig applies to /api/v1 only. Empty lists use permissive defaults.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains settings for the operator event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig configures the optional time-series sink.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// CommandsConfig holds the command delivery policy.
type CommandsConfig struct {
	// MaxAttempts is the number of deliveries before a command is failed.
	// Devices may override it individually.
	MaxAttempts int `yaml:"max_attempts"`

	// ForceCloseAfterDays closes any non-terminal command older than this,
	// regardless of attempts.
	ForceCloseAfterDays int `yaml:"force_close_after_days"`

	// AckTimeout is how long a dispatched command waits for a device
	// report before the sweep reconsiders it (seconds).
	AckTimeout int `yaml:"ack_timeout"`

	// SweepInterval is the sweep cadence in seconds.
	SweepInterval int `yaml:"sweep_interval"`
}

// AttendanceConfig controls how device users map to employees.
type AttendanceConfig struct {
	// EmployeeMapping selects the employee id source: "identity" uses the
	// identity's linked employee, "user_id" uses the device-local id as is.
	EmployeeMapping string `yaml:"employee_mapping"`

	// CreateUnknownCheckins keeps events whose user has no employee link.
	CreateUnknownCheckins bool `yaml:"create_unknown_checkins"`

	// PublishEvents publishes stored events over MQTT when connected.
	PublishEvents bool `yaml:"publish_events"`
}

// EBKNConfig contains EBKN codec settings.
type EBKNConfig struct {
	// BlockTTL is how long a partially received multi-block body is kept (seconds).
	BlockTTL int `yaml:"block_ttl"`
}

// ADMSConfig contains the option values returned in the ADMS handshake.
type ADMSConfig struct {
	ErrorDelay    int    `yaml:"error_delay"`
	Delay         int    `yaml:"delay"`
	TransTimes    string `yaml:"trans_times"`
	TransInterval int    `yaml:"trans_interval"`
	TransFlag     string `yaml:"trans_flag"`
	TimeZone      int    `yaml:"time_zone"`
	Realtime      bool   `yaml:"realtime"`
}

// PollingConfig contains settings for API-polled devices.
type PollingConfig struct {
	// Timeout bounds every outbound device request (seconds).
	Timeout int `yaml:"timeout"`

	// PageSize is the number of records requested per page.
	PageSize int `yaml:"page_size"`

	// MaxRecords refuses syncs whose range holds more records than this.
	MaxRecords int `yaml:"max_records"`

	// Interval runs a bulk sync periodically (seconds). 0 disables it.
	Interval int `yaml:"interval"`

	// Lookback is the window used when a device has no cursor yet (hours).
	Lookback int `yaml:"lookback"`
}

type SecurityConfig struct {
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// JWTConfig contains the admin API token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// RateLimitConfig limits inbound device traffic per source.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerSecond int  `yaml:"requests_per_second"`
	Burst             int  `yaml:"burst"`
}

// Load builds the configuration in three layers: built-in defaults, the
// YAML file at path, then BIOGATE_* environment variables. The result is
// validated before it is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading a file.
// Tests and tooling use it as a starting point.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig mirrors configs/config.yaml.
func defaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			ID:       "biogate-01",
			Name:     "BioGate",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/biogate.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "biogate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Commands: CommandsConfig{
			MaxAttempts:         3,
			ForceCloseAfterDays: 7,
			AckTimeout:          300,
			SweepInterval:       60,
		},
		Attendance: AttendanceConfig{
			EmployeeMapping: "identity",
			PublishEvents:   true,
		},
		EBKN: EBKNConfig{
			BlockTTL: 120,
		},
		ADMS: ADMSConfig{
			ErrorDelay:    30,
			Delay:         10,
			TransTimes:    "00:00;14:05",
			TransInterval: 1,
			TransFlag:     "TransData AttLog OpLog EnrollUser ChgUser EnrollFP ChgFP",
			TimeZone:      0,
			Realtime:      true,
		},
		Polling: PollingConfig{
			Timeout:    30,
			PageSize:   30,
			MaxRecords: 1500,
			Lookback:   24,
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "biogate",
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
	}
}

// envBinding ties one environment variable to a string or int field.
type envBinding struct {
	name string
	str  *string
	num  *int
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{name: "BIOGATE_DATABASE_PATH", str: &c.Database.Path},
		{name: "BIOGATE_MQTT_HOST", str: &c.MQTT.Broker.Host},
		{name: "BIOGATE_MQTT_USERNAME", str: &c.MQTT.Auth.Username},
		{name: "BIOGATE_MQTT_PASSWORD", str: &c.MQTT.Auth.Password},
		{name: "BIOGATE_API_HOST", str: &c.API.Host},
		{name: "BIOGATE_API_PORT", num: &c.API.Port},
		{name: "BIOGATE_INFLUXDB_TOKEN", str: &c.InfluxDB.Token},
		{name: "BIOGATE_COMMANDS_MAX_ATTEMPTS", num: &c.Commands.MaxAttempts},
		// The admin secret belongs in the environment, not the YAML file.
		{name: "BIOGATE_JWT_SECRET", str: &c.Security.JWT.Secret},
	}
}

// applyEnvOverrides copies set BIOGATE_* variables over cfg. A
// non-numeric value for a numeric field is an error.
func applyEnvOverrides(cfg *Config) error {
	for _, b := range cfg.envBindings() {
		v, ok := os.LookupEnv(b.name)
		if !ok || v == "" {
			continue
		}
		if b.str != nil {
			*b.str = v
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", b.name, v)
		}
		*b.num = n
	}
	return nil
}

const minJWTSecretLength = 32

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.Gateway.ID != "", "gateway.id is required")
	check(c.Database.Path != "", "database.path is required")
	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port must be between 1 and 65535")
	check(c.Commands.MaxAttempts >= 1, "commands.max_attempts must be at least 1")
	check(c.Commands.ForceCloseAfterDays >= 1, "commands.force_close_after_days must be at least 1")
	check(c.Commands.SweepInterval >= 1, "commands.sweep_interval must be at least 1 second")
	check(c.Attendance.EmployeeMapping == "identity" || c.Attendance.EmployeeMapping == "user_id",
		`attendance.employee_mapping must be "identity" or "user_id"`)
	check(c.Polling.Timeout >= 1, "polling.timeout must be at least 1 second")
	check(c.Polling.MaxRecords >= 1, "polling.max_records must be at least 1")

	switch secret := c.Security.JWT.Secret; {
	case secret == "":
		errs = append(errs, errors.New("security.jwt.secret is required (set BIOGATE_JWT_SECRET)"))
	case len(secret) < minJWTSecretLength:
		errs = append(errs, fmt.Errorf("security.jwt.secret must be at least %d characters", minJWTSecretLength))
	}

	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ReadTimeout bounds reading a request, headers included.
func (t APITimeoutConfig) ReadTimeout() time.Duration { return seconds(t.Read) }

// WriteTimeout bounds writing a response.
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }

// IdleTimeout bounds keep-alive idle time.
func (t APITimeoutConfig) IdleTimeout() time.Duration { return seconds(t.Idle) }

// ForceCloseAge returns the command force-close age as a Duration.
func (c CommandsConfig) ForceCloseAge() time.Duration {
	const hoursPerDay = 24
	return time.Duration(c.ForceCloseAfterDays) * hoursPerDay * time.Hour
}

// AckTimeoutDuration returns the dispatch acknowledgement window.
func (c CommandsConfig) AckTimeoutDuration() time.Duration {
	return seconds(c.AckTimeout)
}

// SweepEvery returns the sweep cadence.
func (c CommandsConfig) SweepEvery() time.Duration {
	return seconds(c.SweepInterval)
}

// TimeoutDuration returns the outbound polling timeout.
func (c PollingConfig) TimeoutDuration() time.Duration {
	return seconds(c.Timeout)
}

// IntervalDuration returns the scheduled bulk sync interval (0 = disabled).
func (c PollingConfig) IntervalDuration() time.Duration {
	return seconds(c.Interval)
}

// LookbackDuration returns the initial window for devices without a cursor.
func (c PollingConfig) LookbackDuration() time.Duration {
	return time.Duration(c.Lookback) * time.Hour
}

// BlockTTLDuration returns how long partial EBKN bodies are retained.
func (c EBKNConfig) BlockTTLDuration() time.Duration {
	return seconds(c.BlockTTL)
}

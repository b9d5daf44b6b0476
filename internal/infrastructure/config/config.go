package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Skybridge edge agent.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Local     BrokerConfig    `yaml:"local"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Identity  IdentityConfig  `yaml:"identity"`
	Bridges   []BridgeConfig  `yaml:"bridges"`
	Spool     SpoolConfig     `yaml:"spool"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// DeviceConfig identifies this edge device to the cloud platform.
type DeviceConfig struct {
	ID       string            `yaml:"id"`
	Site     string            `yaml:"site"`
	Metadata map[string]string `yaml:"metadata"`
}

// BrokerConfig contains connection settings for the local MQTT broker.
type BrokerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	TLS       bool            `yaml:"tls"`
	ClientID  string          `yaml:"client_id"`
	Auth      AuthConfig      `yaml:"auth"`
	QoS       int             `yaml:"qos"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// UpstreamConfig contains the shared cloud MQTT connection settings.
type UpstreamConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	ClientID  string          `yaml:"client_id"`
	QoS       int             `yaml:"qos"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is prepended to every topic forwarded upstream and
	// stripped from topics arriving from the cloud.
	TopicPrefix string `yaml:"topic_prefix"`

	// Envelope wraps upstream-bound payloads in the cloud JSON
	// envelope instead of sending them raw.
	Envelope bool `yaml:"envelope"`

	// JWT configures the per-connect device credential.
	JWT JWTConfig `yaml:"jwt"`
}

// AuthConfig contains username/password credentials.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ReconnectConfig contains reconnection backoff settings, in seconds.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// JWTConfig contains device JWT credential settings.
//
// When the identity section configures a signer the token is signed with
// the device key (ES256/RS256); otherwise Secret is used with HS256.
type JWTConfig struct {
	Audience string `yaml:"audience"`
	TTL      int    `yaml:"ttl"` // minutes
	Secret   string `yaml:"secret"`
}

// IdentityConfig contains the device TLS identity settings.
//
/// Exactly one source is used: file-based certificate and key, or a
// PKCS#11 token holding a non-exportable key.
type IdentityConfig struct {
	CACert   string       `yaml:"ca_cert"`
	CertFile string       `yaml:"cert_file"`
	KeyFile  string       `yaml:"key_file"`
	PKCS11   PKCS11Config `yaml:"pkcs11"`
}

// PKCS11Config contains HSM settings for hardware-backed device keys.
type PKCS11Config struct {
	Enabled    bool   `yaml:"enabled"`
	ModulePath string `yaml:"module_path"`
	TokenLabel string `yaml:"token_label"`
	PIN        string `yaml:"pin"`
	KeyLabel   string `yaml:"key_label"`
}

// BridgeConfig describes one bridging rule between the local broker and
// the upstream connection.
type BridgeConfig struct {
	Name      string `yaml:"name"`
	Direction string `yaml:"direction"` // "up" or "down"

	// Local and Remote are topic templates. Segments of the form
	// ${key} are expanded from device metadata before use.
	Local  string `yaml:"local"`
	Remote string `yaml:"remote"`

	QoS int `yaml:"qos"`
}

// SpoolConfig contains the offline store-and-forward buffer settings.
type SpoolConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	MaxMessages int    `yaml:"max_messages"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds
}

// TelemetryConfig contains InfluxDB settings for bridge counters.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// APIConfig contains the local admin HTTP API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`

	// JWTSecret protects the admin endpoints. Empty disables auth,
	// acceptable only when the API binds to loopback.
	JWTSecret string `yaml:"jwt_secret"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SKYBRIDGE_SECTION_KEY
// For example: SKYBRIDGE_UPSTREAM_HOST, SKYBRIDGE_SPOOL_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:   "edge-001",
			Site: "default",
		},
		Local: BrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "skybridge-local",
			QoS:      1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Upstream: UpstreamConfig{
			Port:     8883,
			ClientID: "skybridge-upstream",
			QoS:      1,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     300,
			},
			JWT: JWTConfig{
				TTL: 60,
			},
		},
		Spool: SpoolConfig{
			Enabled:     true,
			Path:        "./data/spool.db",
			MaxMessages: 10000,
			BusyTimeout: 5,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SKYBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SKYBRIDGE_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}

	if v := os.Getenv("SKYBRIDGE_LOCAL_HOST"); v != "" {
		cfg.Local.Host = v
	}
	if v := os.Getenv("SKYBRIDGE_LOCAL_USERNAME"); v != "" {
		cfg.Local.Auth.Username = v
	}
	if v := os.Getenv("SKYBRIDGE_LOCAL_PASSWORD"); v != "" {
		cfg.Local.Auth.Password = v
	}

	if v := os.Getenv("SKYBRIDGE_UPSTREAM_HOST"); v != "" {
		cfg.Upstream.Host = v
	}
	if v := os.Getenv("SKYBRIDGE_UPSTREAM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Upstream.Port = port
		}
	}
	if v := os.Getenv("SKYBRIDGE_JWT_SECRET"); v != "" {
		cfg.Upstream.JWT.Secret = v
	}

	if v := os.Getenv("SKYBRIDGE_PKCS11_PIN"); v != "" {
		cfg.Identity.PKCS11.PIN = v
	}

	if v := os.Getenv("SKYBRIDGE_SPOOL_PATH"); v != "" {
		cfg.Spool.Path = v
	}

	if v := os.Getenv("SKYBRIDGE_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}

	if v := os.Getenv("SKYBRIDGE_API_JWT_SECRET"); v != "" {
		cfg.API.JWTSecret = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Device.ID == "" {
		errs = append(errs, "device.id is required")
	}

	if c.Local.QoS < 0 || c.Local.QoS > 2 {
		errs = append(errs, "local.qos must be 0, 1, or 2")
	}

	if c.Upstream.Host == "" {
		errs = append(errs, "upstream.host is required")
	}
	if c.Upstream.QoS < 0 || c.Upstream.QoS > 2 {
		errs = append(errs, "upstream.qos must be 0, 1, or 2")
	}

	// The upstream credential needs either a signing identity or a
	// shared secret; without one the connect would be anonymous.
	hasSigner := c.Identity.PKCS11.Enabled || (c.Identity.CertFile != "" && c.Identity.KeyFile != "")
	if !hasSigner && c.Upstream.JWT.Secret == "" {
		errs = append(errs, "upstream.jwt.secret is required when no identity key is configured (set SKYBRIDGE_JWT_SECRET)")
	}
	if c.Upstream.JWT.TTL < 1 {
		errs = append(errs, "upstream.jwt.ttl must be at least 1 minute")
	}

	if c.Identity.PKCS11.Enabled {
		if c.Identity.PKCS11.ModulePath == "" {
			errs = append(errs, "identity.pkcs11.module_path is required when pkcs11 is enabled")
		}
		if c.Identity.PKCS11.KeyLabel == "" {
			errs = append(errs, "identity.pkcs11.key_label is required when pkcs11 is enabled")
		}
	}

	for i, b := range c.Bridges {
		if b.Name == "" {
			errs = append(errs, fmt.Sprintf("bridges[%d].name is required", i))
		}
		if b.Direction != "up" && b.Direction != "down" {
			errs = append(errs, fmt.Sprintf("bridges[%d].direction must be \"up\" or \"down\"", i))
		}
		if b.Local == "" || b.Remote == "" {
			errs = append(errs, fmt.Sprintf("bridges[%d] needs both local and remote topics", i))
		}
		if b.QoS < 0 || b.QoS > 2 {
			errs = append(errs, fmt.Sprintf("bridges[%d].qos must be 0, 1, or 2", i))
		}
	}

	if c.Spool.Enabled && c.Spool.Path == "" {
		errs = append(errs, "spool.path is required when spool is enabled")
	}
	if c.Spool.MaxMessages < 1 {
		errs = append(errs, "spool.max_messages must be at least 1")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Bucket == "" {
			errs = append(errs, "telemetry.bucket is required when telemetry is enabled")
		}
	}

	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.API.JWTSecret == "" && !isLoopback(c.API.Host) {
			errs = append(errs, "api.jwt_secret is required when the API is not bound to loopback")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// isLoopback reports whether the host is a loopback address.
func isLoopback(host string) bool {
	return host == "127.0.0.1" || host == "::1" || host == "localhost"
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// JWTTTL returns the upstream credential lifetime as a Duration.
func (c *Config) JWTTTL() time.Duration {
	return time.Duration(c.Upstream.JWT.TTL) * time.Minute
}

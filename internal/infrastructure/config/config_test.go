package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
device:
  id: "edge-test"
  site: "lab"
local:
  host: "localhost"
  port: 1883
  client_id: "test-local"
upstream:
  host: "mqtt.cloud.example.com"
  topic_prefix: "devices/edge-test"
  jwt:
    audience: "iot.example.com"
    secret: "dev-secret"
bridges:
  - name: "telemetry-up"
    direction: "up"
    local: "sensors/#"
    remote: "devices/${id}/telemetry"
    qos: 1
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Device.ID != "edge-test" {
		t.Errorf("Device.ID = %q, want %q", cfg.Device.ID, "edge-test")
	}

	if cfg.Upstream.Host != "mqtt.cloud.example.com" {
		t.Errorf("Upstream.Host = %q, want %q", cfg.Upstream.Host, "mqtt.cloud.example.com")
	}

	if len(cfg.Bridges) != 1 || cfg.Bridges[0].Name != "telemetry-up" {
		t.Errorf("Bridges = %+v, want one rule named telemetry-up", cfg.Bridges)
	}

	// Defaults survive a partial file.
	if cfg.Upstream.Port != 8883 {
		t.Errorf("Upstream.Port = %d, want default 8883", cfg.Upstream.Port)
	}
	if cfg.Spool.MaxMessages != 10000 {
		t.Errorf("Spool.MaxMessages = %d, want default 10000", cfg.Spool.MaxMessages)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
device:
  id: ""
upstream:
  host: "mqtt.cloud.example.com"
  jwt:
    secret: "dev-secret"
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected validation error for empty device.id, got nil")
	}
}

func TestConfig_Validate(t *testing.T) {
	// valid returns a minimal passing config that each case then breaks.
	valid := func() *Config {
		cfg := defaultConfig()
		cfg.Upstream.Host = "mqtt.cloud.example.com"
		cfg.Upstream.JWT.Secret = "dev-secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"missing device ID", func(c *Config) { c.Device.ID = "" }, true},
		{"missing upstream host", func(c *Config) { c.Upstream.Host = "" }, true},
		{"invalid local QoS", func(c *Config) { c.Local.QoS = 3 }, true},
		{"invalid upstream QoS", func(c *Config) { c.Upstream.QoS = -1 }, true},
		{"no credential source", func(c *Config) { c.Upstream.JWT.Secret = "" }, true},
		{"file identity instead of secret", func(c *Config) {
			c.Upstream.JWT.Secret = ""
			c.Identity.CertFile = "/etc/skybridge/device.crt"
			c.Identity.KeyFile = "/etc/skybridge/device.key"
		}, false},
		{"pkcs11 missing module path", func(c *Config) {
			c.Identity.PKCS11.Enabled = true
			c.Identity.PKCS11.KeyLabel = "device-key"
		}, true},
		{"bridge bad direction", func(c *Config) {
			c.Bridges = []BridgeConfig{{Name: "x", Direction: "sideways", Local: "a", Remote: "b"}}
		}, true},
		{"bridge missing topics", func(c *Config) {
			c.Bridges = []BridgeConfig{{Name: "x", Direction: "up"}}
		}, true},
		{"spool without path", func(c *Config) {
			c.Spool.Enabled = true
			c.Spool.Path = ""
		}, true},
		{"telemetry without url", func(c *Config) {
			c.Telemetry.Enabled = true
			c.Telemetry.Bucket = "edge"
		}, true},
		{"api exposed without secret", func(c *Config) {
			c.API.Host = "0.0.0.0"
		}, true},
		{"api exposed with secret", func(c *Config) {
			c.API.Host = "0.0.0.0"
			c.API.JWTSecret = "admin-secret"
		}, false},
		{"invalid api port", func(c *Config) { c.API.Port = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}

	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}

	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("SKYBRIDGE_DEVICE_ID", "edge-override")
	t.Setenv("SKYBRIDGE_LOCAL_HOST", "broker.local")
	t.Setenv("SKYBRIDGE_LOCAL_USERNAME", "testuser")
	t.Setenv("SKYBRIDGE_LOCAL_PASSWORD", "testpass")
	t.Setenv("SKYBRIDGE_UPSTREAM_HOST", "mqtt.cloud.example.com")
	t.Setenv("SKYBRIDGE_UPSTREAM_PORT", "443")
	t.Setenv("SKYBRIDGE_JWT_SECRET", "jwt-secret")
	t.Setenv("SKYBRIDGE_SPOOL_PATH", "/custom/spool.db")
	t.Setenv("SKYBRIDGE_TELEMETRY_TOKEN", "influx-token")

	applyEnvOverrides(cfg)

	if cfg.Device.ID != "edge-override" {
		t.Errorf("Device.ID = %q, want %q", cfg.Device.ID, "edge-override")
	}

	if cfg.Local.Host != "broker.local" {
		t.Errorf("Local.Host = %q, want %q", cfg.Local.Host, "broker.local")
	}

	if cfg.Local.Auth.Username != "testuser" || cfg.Local.Auth.Password != "testpass" {
		t.Errorf("Local.Auth = %+v, want testuser/testpass", cfg.Local.Auth)
	}

	if cfg.Upstream.Host != "mqtt.cloud.example.com" {
		t.Errorf("Upstream.Host = %q, want %q", cfg.Upstream.Host, "mqtt.cloud.example.com")
	}

	if cfg.Upstream.Port != 443 {
		t.Errorf("Upstream.Port = %d, want 443", cfg.Upstream.Port)
	}

	if cfg.Upstream.JWT.Secret != "jwt-secret" {
		t.Errorf("Upstream.JWT.Secret = %q, want %q", cfg.Upstream.JWT.Secret, "jwt-secret")
	}

	if cfg.Spool.Path != "/custom/spool.db" {
		t.Errorf("Spool.Path = %q, want %q", cfg.Spool.Path, "/custom/spool.db")
	}

	if cfg.Telemetry.Token != "influx-token" {
		t.Errorf("Telemetry.Token = %q, want %q", cfg.Telemetry.Token, "influx-token")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Device.ID == "" {
		t.Error("defaultConfig should have non-empty Device.ID")
	}

	if cfg.Local.Port != 1883 {
		t.Errorf("defaultConfig Local.Port = %d, want 1883", cfg.Local.Port)
	}

	if cfg.Upstream.Port != 8883 {
		t.Errorf("defaultConfig Upstream.Port = %d, want 8883", cfg.Upstream.Port)
	}

	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}

// Package config provides YAML configuration loading and validation for the
// host and remote device proxy processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceSpec describes one device the host process should realize and
// proxy to a spawned remote.
type DeviceSpec struct {
	// Name identifies the device in logs and the admin API. Required.
	Name string `yaml:"name"`

	// RemotePath is the executable the host spawns as this device's
	// remote process. Required.
	RemotePath string `yaml:"remote_path"`

	// RemoteArgs are extra arguments passed to RemotePath, before the
	// trailing fd-number argument the host appends itself.
	RemoteArgs []string `yaml:"remote_args,omitempty"`
}

// HostConfig is the top-level configuration for the host process.
type HostConfig struct {
	// Devices lists every device the host realizes at startup. Required,
	// at least one entry.
	Devices []DeviceSpec `yaml:"devices"`

	// HeartbeatInterval controls how often the host broadcasts a liveness
	// probe to every realized device, as a Go duration string (e.g. "5s").
	// Defaults to "5s" when omitted.
	HeartbeatInterval string `yaml:"heartbeat_interval"`

	// AdminAddr is the listen address for the admin HTTP API (healthz,
	// device list, audit query). Defaults to "127.0.0.1:8443" when
	// omitted.
	AdminAddr string `yaml:"admin_addr"`

	// JWTPublicKeyPath is the path of the PEM-encoded RSA public key used to verify
	// RS256 bearer tokens on /api/v1/*. When empty, the admin API runs
	// without authentication — only suitable for local development.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path,omitempty"`

	// AuditDSN is the PostgreSQL connection string for the command audit
	// trail. When empty, the host runs with the audit store disabled.
	AuditDSN string `yaml:"audit_dsn,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

// RemoteConfig is the top-level configuration for a remote device process.
type RemoteConfig struct {
	// DriveRegistryPath is the SQLite database file backing the drive
	// lifecycle registry. Defaults to "./drives.db" when omitted.
	DriveRegistryPath string `yaml:"drive_registry_path"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadHostConfig reads the YAML file at path, unmarshals it into
// HostConfig, applies defaults, and validates required fields.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyHostDefaults(&cfg)

	if err := validateHost(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// LoadRemoteConfig reads the YAML file at path, unmarshals it into
// RemoteConfig, applies defaults, and validates required fields.
func LoadRemoteConfig(path string) (*RemoteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg RemoteConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyRemoteDefaults(&cfg)

	if err := validateRemote(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyHostDefaults(cfg *HostConfig) {
	if cfg.HeartbeatInterval == "" {
		cfg.HeartbeatInterval = "5s"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:8443"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func applyRemoteDefaults(cfg *RemoteConfig) {
	if cfg.DriveRegistryPath == "" {
		cfg.DriveRegistryPath = "./drives.db"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func validateHost(cfg *HostConfig) error {
	var errs []error

	if len(cfg.Devices) == 0 {
		errs = append(errs, errors.New("devices: at least one device is required"))
	}
	for i, d := range cfg.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		}
		if d.RemotePath == "" {
			errs = append(errs, fmt.Errorf("%s: remote_path is required", prefix))
		}
	}
	if _, err := time.ParseDuration(cfg.HeartbeatInterval); err != nil {
		errs = append(errs, fmt.Errorf("heartbeat_interval %q: %w", cfg.HeartbeatInterval, err))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

func validateRemote(cfg *RemoteConfig) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}

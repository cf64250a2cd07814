package config_test

import (
	"os"
	"strings"
	"testing"

	"github.com/oracle/deviceproxy/internal/config"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validHostYAML = `
devices:
  - name: nic0
    remote_path: /usr/local/bin/remotedevice
    remote_args: ["--verbose"]
  - name: nic1
    remote_path: /usr/local/bin/remotedevice
heartbeat_interval: 2s
admin_addr: "127.0.0.1:9443"
audit_dsn: "postgres://deviceproxy@localhost/deviceproxy"
log_level: debug
`

func TestLoadHostConfigValid(t *testing.T) {
	path := writeTemp(t, validHostYAML)
	cfg, err := config.LoadHostConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(cfg.Devices))
	}
	if cfg.Devices[0].Name != "nic0" || cfg.Devices[0].RemotePath != "/usr/local/bin/remotedevice" {
		t.Errorf("devices[0] = %+v", cfg.Devices[0])
	}
	if len(cfg.Devices[0].RemoteArgs) != 1 || cfg.Devices[0].RemoteArgs[0] != "--verbose" {
		t.Errorf("devices[0].RemoteArgs = %v", cfg.Devices[0].RemoteArgs)
	}
	if cfg.HeartbeatInterval != "2s" {
		t.Errorf("HeartbeatInterval = %q, want 2s", cfg.HeartbeatInterval)
	}
	if cfg.AdminAddr != "127.0.0.1:9443" {
		t.Errorf("AdminAddr = %q", cfg.AdminAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadHostConfigAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
devices:
  - name: nic0
    remote_path: /usr/local/bin/remotedevice
`)
	cfg, err := config.LoadHostConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HeartbeatInterval != "5s" {
		t.Errorf("HeartbeatInterval default = %q, want 5s", cfg.HeartbeatInterval)
	}
	if cfg.AdminAddr != "127.0.0.1:8443" {
		t.Errorf("AdminAddr default = %q, want 127.0.0.1:8443", cfg.AdminAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
	if cfg.AuditDSN != "" {
		t.Errorf("AuditDSN should default empty (dev mode), got %q", cfg.AuditDSN)
	}
}

func TestLoadHostConfigRejectsNoDevices(t *testing.T) {
	path := writeTemp(t, `devices: []`)
	_, err := config.LoadHostConfig(path)
	if err == nil {
		t.Fatal("expected error for empty devices list")
	}
	if !strings.Contains(err.Error(), "at least one device") {
		t.Errorf("error = %v, want mention of 'at least one device'", err)
	}
}

func TestLoadHostConfigRejectsMissingRemotePath(t *testing.T) {
	path := writeTemp(t, `
devices:
  - name: nic0
`)
	_, err := config.LoadHostConfig(path)
	if err == nil {
		t.Fatal("expected error for missing remote_path")
	}
}

func TestLoadHostConfigRejectsBadHeartbeatInterval(t *testing.T) {
	path := writeTemp(t, `
devices:
  - name: nic0
    remote_path: /bin/true
heartbeat_interval: "not-a-duration"
`)
	_, err := config.LoadHostConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid heartbeat_interval")
	}
}

func TestLoadHostConfigRejectsBadLogLevel(t *testing.T) {
	path := writeTemp(t, `
devices:
  - name: nic0
    remote_path: /bin/true
log_level: verbose
`)
	_, err := config.LoadHostConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoadHostConfigMissingFile(t *testing.T) {
	_, err := config.LoadHostConfig("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRemoteConfigAppliesDefaults(t *testing.T) {
	path := writeTemp(t, ``)
	cfg, err := config.LoadRemoteConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DriveRegistryPath != "./drives.db" {
		t.Errorf("DriveRegistryPath default = %q, want ./drives.db", cfg.DriveRegistryPath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel default = %q, want info", cfg.LogLevel)
	}
}

func TestLoadRemoteConfigValid(t *testing.T) {
	path := writeTemp(t, `
drive_registry_path: /var/lib/remotedevice/drives.db
log_level: warn
`)
	cfg, err := config.LoadRemoteConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DriveRegistryPath != "/var/lib/remotedevice/drives.db" {
		t.Errorf("DriveRegistryPath = %q", cfg.DriveRegistryPath)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestLoadRemoteConfigRejectsBadLogLevel(t *testing.T) {
	path := writeTemp(t, `log_level: verbose`)
	_, err := config.LoadRemoteConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

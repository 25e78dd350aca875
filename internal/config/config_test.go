package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateRejectsInvertedPortRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers.PortStart = 9000
	cfg.Servers.PortEnd = 8000
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "port_end") {
		t.Fatalf("expected port_end error, got %v", err)
	}
}

func TestValidateRejectsRangeSmallerThanBlock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers.PortStart = 8200
	cfg.Servers.PortEnd = 8201
	cfg.Servers.PortsPerServer = 3
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "cannot fit") {
		t.Fatalf("expected block fit error, got %v", err)
	}
}

func TestValidateRejectsBadMetricsListen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsListen = "not-a-listen-addr"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "metrics_listen") {
		t.Fatalf("expected metrics_listen error, got %v", err)
	}
}

func TestValidateRejectsZeroReconcileInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binder.ReconcileIntervalSeconds = 0
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "reconcile_interval_seconds") {
		t.Fatalf("expected reconcile interval error, got %v", err)
	}
}

func TestValidateRejectsZeroPurgeInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.PurgeIntervalHours = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "purge_interval_hours") {
		t.Fatalf("expected purge interval error, got %v", err)
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"log_level: debug",
		"servers:",
		"  port_start: 9100",
		"  port_end: 9199",
		"scheduler:",
		"  rate_limit: 4",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(EnvDeviceAllowlist, "serial-a, serial-b")
	t.Setenv(EnvAdbPath, "/opt/platform-tools/adb")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not overlaid, got %q", cfg.LogLevel)
	}
	if cfg.Servers.PortStart != 9100 || cfg.Servers.PortEnd != 9199 {
		t.Fatalf("port range not overlaid, got %d-%d", cfg.Servers.PortStart, cfg.Servers.PortEnd)
	}
	if cfg.Scheduler.RateLimit != 4 {
		t.Fatalf("rate limit not overlaid, got %d", cfg.Scheduler.RateLimit)
	}
	if cfg.Scheduler.DefaultTimeoutSeconds != 300 {
		t.Fatalf("untouched default changed, got %d", cfg.Scheduler.DefaultTimeoutSeconds)
	}
	if cfg.Bridge.Executable != "/opt/platform-tools/adb" {
		t.Fatalf("env override not applied, got %q", cfg.Bridge.Executable)
	}
	if len(cfg.Scanner.Allowlist) != 2 || cfg.Scanner.Allowlist[0] != "serial-a" {
		t.Fatalf("allowlist override not applied, got %v", cfg.Scanner.Allowlist)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}

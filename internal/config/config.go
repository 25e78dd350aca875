package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/devicefarm/orchestrator/internal/env"
)

// Environment override keys applied after the config file.
const (
	EnvLogLevel        = "LOG_LEVEL"
	EnvAdbPath         = "ADB_PATH"
	EnvServerBin       = "AUTOMATION_SERVER_BIN"
	EnvMetricsListen   = "METRICS_LISTEN"
	EnvDBPath          = "ORCHESTRATOR_DB_PATH"
	EnvProfilesFile    = "PROFILES_FILE"
	EnvDeviceAllowlist = "DEVICE_ALLOWLIST"
)

// Config holds daemon settings. Values layer as defaults, then the YAML
// file, then environment overrides.
type Config struct {
	ConfigPath    string `yaml:"-"`
	LogLevel      string `yaml:"log_level"`
	DataDir       string `yaml:"data_dir"`
	MetricsListen string `yaml:"metrics_listen"`

	Bridge    Bridge    `yaml:"bridge"`
	Scanner   Scanner   `yaml:"scanner"`
	Binder    Binder    `yaml:"binder"`
	Servers   Servers   `yaml:"servers"`
	Scheduler Scheduler `yaml:"scheduler"`
	Storage   Storage   `yaml:"storage"`
}

// Bridge configures the device bridge executable.
type Bridge struct {
	Executable            string `yaml:"executable"`
	CommandTimeoutSeconds int    `yaml:"command_timeout_seconds"`
}

// Scanner configures periodic device discovery.
type Scanner struct {
	IntervalSeconds     int      `yaml:"interval_seconds"`
	QueryTimeoutSeconds int      `yaml:"query_timeout_seconds"`
	Allowlist           []string `yaml:"allowlist"`
}

// Binder configures identity profile assignment.
type Binder struct {
	ProfilesFile             string `yaml:"profiles_file"`
	StalenessMinutes         int    `yaml:"staleness_minutes"`
	PoolCeiling              int    `yaml:"pool_ceiling"`
	ProbeURL                 string `yaml:"probe_url"`
	ProbeTimeoutSeconds      int    `yaml:"probe_timeout_seconds"`
	ReconcileIntervalSeconds int    `yaml:"reconcile_interval_seconds"`
}

// Servers configures the automation server pool.
type Servers struct {
	Executable            string   `yaml:"executable"`
	ExtraArgs             []string `yaml:"extra_args"`
	PortStart             int      `yaml:"port_start"`
	PortEnd               int      `yaml:"port_end"`
	PortsPerServer        int      `yaml:"ports_per_server"`
	StartupTimeoutSeconds int      `yaml:"startup_timeout_seconds"`
	StopGraceSeconds      int      `yaml:"stop_grace_seconds"`
	RestartBudget         int      `yaml:"restart_budget"`
	RestartWindowMinutes  int      `yaml:"restart_window_minutes"`
}

// Scheduler configures task dispatch.
type Scheduler struct {
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	CancelGraceSeconds    int `yaml:"cancel_grace_seconds"`
	RateLimit             int `yaml:"rate_limit"`
	RateWindowSeconds     int `yaml:"rate_window_seconds"`
}

// Storage configures the task store database.
type Storage struct {
	Path               string `yaml:"path"`
	RetentionDays      int    `yaml:"retention_days"`
	PurgeIntervalHours int    `yaml:"purge_interval_hours"`
}

func DefaultConfig() Config {
	dataDir := "/var/lib/device-orchestrator"
	return Config{
		ConfigPath: "/etc/device-orchestrator/config.yaml",
		LogLevel:   "info",
		DataDir:    dataDir,
		Bridge: Bridge{
			Executable:            "adb",
			CommandTimeoutSeconds: 30,
		},
		Scanner: Scanner{
			IntervalSeconds:     30,
			QueryTimeoutSeconds: 5,
		},
		Binder: Binder{
			ProfilesFile:             "/etc/device-orchestrator/profiles.yaml",
			StalenessMinutes:         60,
			ProbeTimeoutSeconds:      10,
			ReconcileIntervalSeconds: 60,
		},
		Servers: Servers{
			Executable:            "automation-server",
			PortStart:             8200,
			PortEnd:               8299,
			PortsPerServer:        3,
			StartupTimeoutSeconds: 30,
			StopGraceSeconds:      5,
			RestartBudget:         3,
			RestartWindowMinutes:  10,
		},
		Scheduler: Scheduler{
			DefaultTimeoutSeconds: 300,
			CancelGraceSeconds:    5,
			RateWindowSeconds:     60,
		},
		Storage: Storage{
			Path:               filepath.Join(dataDir, "orchestrator.db"),
			RetentionDays:      14,
			PurgeIntervalHours: 6,
		},
	}
}

// Load reads the YAML config file over the defaults, then applies
// environment overrides. A missing file is only an error when the path
// was given explicitly.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if explicit {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults plus environment only.
	default:
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.DataDir, "orchestrator.db")
	}
	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.LogLevel = env.String(EnvLogLevel, cfg.LogLevel)
	cfg.Bridge.Executable = env.String(EnvAdbPath, cfg.Bridge.Executable)
	cfg.Servers.Executable = env.String(EnvServerBin, cfg.Servers.Executable)
	cfg.MetricsListen = env.String(EnvMetricsListen, cfg.MetricsListen)
	cfg.Storage.Path = env.String(EnvDBPath, cfg.Storage.Path)
	cfg.Binder.ProfilesFile = env.String(EnvProfilesFile, cfg.Binder.ProfilesFile)
	if raw := env.String(EnvDeviceAllowlist, ""); raw != "" {
		cfg.Scanner.Allowlist = splitList(raw)
	}
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '|' || unicode.IsSpace(r)
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs basic sanity checks.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Bridge.Executable == "" {
		return fmt.Errorf("bridge.executable is required")
	}
	if c.Bridge.CommandTimeoutSeconds <= 0 {
		return fmt.Errorf("bridge.command_timeout_seconds must be positive")
	}
	if c.Scanner.IntervalSeconds <= 0 {
		return fmt.Errorf("scanner.interval_seconds must be positive")
	}
	if c.Scanner.QueryTimeoutSeconds <= 0 {
		return fmt.Errorf("scanner.query_timeout_seconds must be positive")
	}
	if c.Binder.StalenessMinutes <= 0 {
		return fmt.Errorf("binder.staleness_minutes must be positive")
	}
	if c.Binder.PoolCeiling < 0 {
		return fmt.Errorf("binder.pool_ceiling must not be negative")
	}
	if c.Binder.ReconcileIntervalSeconds <= 0 {
		return fmt.Errorf("binder.reconcile_interval_seconds must be positive")
	}
	if c.Servers.PortStart < 1024 {
		return fmt.Errorf("servers.port_start must be >= 1024")
	}
	if c.Servers.PortEnd <= c.Servers.PortStart {
		return fmt.Errorf("servers.port_end must be greater than port_start")
	}
	if c.Servers.PortsPerServer < 1 {
		return fmt.Errorf("servers.ports_per_server must be >= 1")
	}
	if span := c.Servers.PortEnd - c.Servers.PortStart + 1; span < c.Servers.PortsPerServer {
		return fmt.Errorf("servers port range %d-%d cannot fit one block of %d ports",
			c.Servers.PortStart, c.Servers.PortEnd, c.Servers.PortsPerServer)
	}
	if c.Servers.RestartBudget < 1 {
		return fmt.Errorf("servers.restart_budget must be >= 1")
	}
	if c.Scheduler.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.default_timeout_seconds must be positive")
	}
	if c.Scheduler.RateLimit < 0 {
		return fmt.Errorf("scheduler.rate_limit must not be negative")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Storage.RetentionDays <= 0 {
		return fmt.Errorf("storage.retention_days must be positive")
	}
	if c.Storage.PurgeIntervalHours <= 0 {
		return fmt.Errorf("storage.purge_interval_hours must be positive")
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
	}
	return nil
}

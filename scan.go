package orchestrator

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devicefarm/orchestrator/internal/bridge"
)

// DeviceBridge is the subset of bridge operations discovery and identity
// management need. Implemented by *bridge.Bridge.
type DeviceBridge interface {
	ListDevices(ctx context.Context) ([]bridge.DeviceEntry, error)
	Run(ctx context.Context, serial string, args []string, timeout time.Duration) (string, error)
}

// ScannerConfig tunes device discovery.
type ScannerConfig struct {
	// QueryTimeout bounds each per-device property query. Defaults to 5s.
	QueryTimeout time.Duration
	// Allowlist, when non-empty, drops any serial not listed before it
	// reaches the registry. Empty falls back to $DEVICE_ALLOWLIST.
	Allowlist []string
}

// Scanner enumerates devices through the bridge and enriches each ready one
// with best-effort properties (model, OS version, battery, local IP).
type Scanner struct {
	bridge       DeviceBridge
	queryTimeout time.Duration
	allowlist    map[string]struct{}
}

func NewScanner(b DeviceBridge, cfg ScannerConfig) *Scanner {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if len(cfg.Allowlist) == 0 {
		cfg.Allowlist = parseDeviceAllowlist(os.Getenv(EnvDeviceAllowlist))
	}
	return &Scanner{
		bridge:       b,
		queryTimeout: cfg.QueryTimeout,
		allowlist:    buildAllowlistSet(cfg.Allowlist),
	}
}

// Scan lists devices (filtered by the allowlist when one is configured) and
// queries properties for each ready one in parallel. Serials listed in a
// non-ready state other than offline (unauthorized, recovery, ...) come back
// as error-status devices; offline listings are dropped so the registry marks
// the serial offline through the absence rule. A failed property query falls
// back to "unknown" without failing the scan; only the listing itself can
// error.
func (s *Scanner) Scan(ctx context.Context) ([]Device, error) {
	if s == nil || s.bridge == nil {
		return nil, errors.New("scanner: bridge is nil")
	}
	entries, err := s.bridge.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}

	ready := entries[:0]
	var errored []Device
	for _, entry := range entries {
		if s.allowlist != nil {
			if _, ok := s.allowlist[entry.Serial]; !ok {
				log.Debug().Str("serial", entry.Serial).Msg("device not in allowlist, skipped")
				continue
			}
		}
		switch {
		case entry.Ready():
			ready = append(ready, entry)
		case entry.State == bridge.StateOffline:
			// The registry flips serials absent from the scan to offline.
		default:
			log.Warn().Str("serial", entry.Serial).Str("state", entry.State).
				Msg("device listed in non-ready state")
			errored = append(errored, Device{
				Serial:    entry.Serial,
				Status:    DeviceStatusError,
				LastError: "device state " + entry.State,
			})
		}
	}

	devices := make([]Device, len(ready), len(ready)+len(errored))
	var wg sync.WaitGroup
	for i, entry := range ready {
		wg.Add(1)
		go func(i int, entry bridge.DeviceEntry) {
			defer wg.Done()
			devices[i] = s.inspect(ctx, entry)
		}(i, entry)
	}
	wg.Wait()
	return append(devices, errored...), nil
}

// inspect runs the four property queries concurrently. Each goroutine writes
// a distinct field, so no lock is needed.
func (s *Scanner) inspect(ctx context.Context, entry bridge.DeviceEntry) Device {
	dev := Device{Serial: entry.Serial, Status: DeviceStatusOnline}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		out, err := s.bridge.Run(ctx, entry.Serial, []string{"getprop", "ro.product.model"}, s.queryTimeout)
		if err != nil || strings.TrimSpace(out) == "" {
			if fallback := entry.Props["model"]; fallback != "" {
				dev.Model = fallback
			} else {
				dev.Model = "unknown"
			}
			return
		}
		dev.Model = strings.TrimSpace(out)
	}()
	go func() {
		defer wg.Done()
		out, err := s.bridge.Run(ctx, entry.Serial, []string{"getprop", "ro.build.version.release"}, s.queryTimeout)
		if err != nil || strings.TrimSpace(out) == "" {
			dev.OSVersion = "unknown"
			return
		}
		dev.OSVersion = strings.TrimSpace(out)
	}()
	go func() {
		defer wg.Done()
		out, err := s.bridge.Run(ctx, entry.Serial, []string{"dumpsys", "battery"}, s.queryTimeout)
		if err != nil {
			return
		}
		dev.Battery = parseBatteryLevel(out)
	}()
	go func() {
		defer wg.Done()
		out, err := s.bridge.Run(ctx, entry.Serial, []string{"ip", "route"}, s.queryTimeout)
		if err != nil {
			return
		}
		dev.IP = parseRouteSourceIP(out)
	}()
	wg.Wait()
	return dev
}

// parseBatteryLevel extracts the "level: N" line from dumpsys battery
// output. Returns 0 when absent.
func parseBatteryLevel(out string) int {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		rest, ok := strings.CutPrefix(line, "level:")
		if !ok {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 0
		}
		return level
	}
	return 0
}

// parseRouteSourceIP extracts the first "src <ip>" token from `ip route`
// output. Returns "" when absent.
func parseRouteSourceIP(out string) string {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for i, tok := range fields {
			if tok == "src" && i+1 < len(fields) {
				return fields[i+1]
			}
		}
	}
	return ""
}

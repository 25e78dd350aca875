package orchestrator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Device is one physical or virtual unit reachable through the bridge.
// Discovery fields are owned by the registry; the transient busy flag is
// owned by the scheduler and overlaid by Orchestrator.ListDevices.
type Device struct {
	Serial    string
	Status    DeviceStatus
	Model     string
	OSVersion string
	Battery   int
	IP        string
	LastSeen  time.Time
	LastError string
}

// DeviceRegistry maintains the authoritative discovery state for every
// device ever seen. Records are never deleted; a vanished device is only
// marked offline so its serial and history survive reconnects.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]*Device
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]*Device)}
}

// Apply reconciles one scan result into the registry: unseen serials are
// inserted, present serials are refreshed online (or marked error when the
// scan says so), known serials absent from the scan are marked offline. An
// errored device recovers to online once a scan reports it ready again.
// Registry mutation is the only side effect.
func (r *DeviceRegistry) Apply(scanned []Device) {
	if r == nil {
		return
	}
	now := time.Now()
	seen := make(map[string]struct{}, len(scanned))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range scanned {
		serial := strings.TrimSpace(in.Serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		dev, exists := r.devices[serial]
		if !exists {
			dev = &Device{Serial: serial}
			r.devices[serial] = dev
			log.Info().Str("serial", serial).Str("model", in.Model).Msg("device connected")
		}
		dev.LastSeen = now
		if in.Status == DeviceStatusError {
			if dev.Status != DeviceStatusError {
				log.Warn().Str("serial", serial).Str("error", in.LastError).Msg("device entered error state")
			}
			dev.Status = DeviceStatusError
			dev.LastError = strings.TrimSpace(in.LastError)
			continue
		}
		switch dev.Status {
		case DeviceStatusOffline:
			log.Info().Str("serial", serial).Msg("device reconnected")
		case DeviceStatusError:
			log.Info().Str("serial", serial).Msg("device recovered")
		}
		dev.Status = DeviceStatusOnline
		if v := strings.TrimSpace(in.Model); v != "" {
			dev.Model = v
		}
		if v := strings.TrimSpace(in.OSVersion); v != "" {
			dev.OSVersion = v
		}
		if in.Battery > 0 {
			dev.Battery = in.Battery
		}
		if v := strings.TrimSpace(in.IP); v != "" {
			dev.IP = v
		}
	}

	for serial, dev := range r.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if dev.Status == DeviceStatusOffline {
			continue
		}
		dev.Status = DeviceStatusOffline
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
}

// SetError records a command failure against a device. The device stays in
// the registry and returns to online on its next successful scan.
func (r *DeviceRegistry) SetError(serial, msg string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if dev, ok := r.devices[strings.TrimSpace(serial)]; ok {
		dev.Status = DeviceStatusError
		dev.LastError = strings.TrimSpace(msg)
		log.Warn().Str("serial", dev.Serial).Str("error", dev.LastError).Msg("device marked error")
	}
}

// Get returns a copy of one device record.
func (r *DeviceRegistry) Get(serial string) (Device, bool) {
	if r == nil {
		return Device{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[strings.TrimSpace(serial)]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// List returns a snapshot of every known device, ordered by serial.
func (r *DeviceRegistry) List() []Device {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// Online returns a snapshot of devices currently online, ordered by serial.
func (r *DeviceRegistry) Online() []Device {
	all := r.List()
	out := all[:0]
	for _, dev := range all {
		if dev.Status == DeviceStatusOnline {
			out = append(out, dev)
		}
	}
	return out
}

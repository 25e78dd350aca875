package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/devicefarm/orchestrator/internal/bridge"
)

// ErrNoProfileAvailable signals that every identity profile is claimed or
// disabled.
var ErrNoProfileAvailable = errors.New("no identity profile available")

// ProxyConfig is the egress endpoint of an identity profile.
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Addr returns host:port, the form the device-side proxy setting takes.
func (p ProxyConfig) Addr() string { return fmt.Sprintf("%s:%d", p.Host, p.Port) }

// URL returns the proxy URL for HTTP transports, credentials included.
func (p ProxyConfig) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s", url.QueryEscape(p.Username), url.QueryEscape(p.Password), p.Addr())
	}
	return "http://" + p.Addr()
}

// Fingerprint carries the browser-visible attributes of an identity.
type Fingerprint struct {
	UserAgent string `yaml:"user_agent,omitempty"`
	Screen    string `yaml:"screen,omitempty"`
	Timezone  string `yaml:"timezone,omitempty"`
	Locale    string `yaml:"locale,omitempty"`
}

// IdentityProfile is one reusable network persona.
type IdentityProfile struct {
	ProfileID   string        `yaml:"profile_id"`
	Status      ProfileStatus `yaml:"status,omitempty"`
	Proxy       ProxyConfig   `yaml:"proxy"`
	Fingerprint Fingerprint   `yaml:"fingerprint,omitempty"`
	LastUsed    time.Time     `yaml:"-"`
}

// Binding is the live association of a profile to a device.
type Binding struct {
	DeviceSerial string
	ProfileID    string
	SyncStatus   SyncStatus
	LastSync     time.Time
	SyncAttempts int
}

// connectivityProbe verifies egress through a proxy.
type connectivityProbe func(ctx context.Context, proxy ProxyConfig) error

// BinderConfig tunes identity binding and its reconcile loop.
type BinderConfig struct {
	// Staleness is how old a bound binding may grow before reconcile
	// re-verifies it. Default 60m.
	Staleness time.Duration
	// PoolCeiling caps how many devices reconcile auto-assigns identities
	// to. 0 means no ceiling.
	PoolCeiling int
	// ProbeURL is fetched through the proxy to confirm egress. Default is
	// the Android connectivity-check endpoint.
	ProbeURL string
	// ProbeTimeout bounds one connectivity probe. Default 10s.
	ProbeTimeout time.Duration
	// CommandTimeout bounds the on-device proxy commands. Default 15s.
	CommandTimeout time.Duration
	// Metrics receives sync outcomes. Optional.
	Metrics *Metrics
}

func (cfg *BinderConfig) applyDefaults() {
	if cfg.Staleness <= 0 {
		cfg.Staleness = time.Hour
	}
	if strings.TrimSpace(cfg.ProbeURL) == "" {
		cfg.ProbeURL = "http://connectivitycheck.gstatic.com/generate_204"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
}

// IdentityBinder keeps each active device bound to exactly one identity
// profile and keeps the binding verified. Profiles are owned here; no other
// component mutates their status.
type IdentityBinder struct {
	cfg      BinderConfig
	bridge   DeviceBridge
	registry *DeviceRegistry
	probe    connectivityProbe

	mu          sync.Mutex
	profiles    map[string]*IdentityProfile
	bindings    map[string]*Binding
	serialLocks map[string]*sync.Mutex
}

// NewIdentityBinder builds a binder over the given profile inventory.
// Profiles without a status default to available; duplicate ids error.
func NewIdentityBinder(cfg BinderConfig, br DeviceBridge, registry *DeviceRegistry, profiles []IdentityProfile) (*IdentityBinder, error) {
	cfg.applyDefaults()
	b := &IdentityBinder{
		cfg:         cfg,
		bridge:      br,
		registry:    registry,
		probe:       proxyConnectivityProbe(cfg.ProbeURL),
		profiles:    make(map[string]*IdentityProfile, len(profiles)),
		bindings:    make(map[string]*Binding),
		serialLocks: make(map[string]*sync.Mutex),
	}
	for _, profile := range profiles {
		id := strings.TrimSpace(profile.ProfileID)
		if id == "" {
			return nil, errors.New("identity profile with empty profile_id")
		}
		if _, dup := b.profiles[id]; dup {
			return nil, errors.Errorf("duplicate identity profile %q", id)
		}
		p := profile
		p.ProfileID = id
		if p.Status == "" {
			p.Status = ProfileAvailable
		}
		if strings.TrimSpace(p.Proxy.Host) == "" || p.Proxy.Port <= 0 {
			return nil, errors.Errorf("identity profile %q has no usable proxy", id)
		}
		b.profiles[id] = &p
	}
	return b, nil
}

// lockFor returns the per-serial mutex, creating it on first use. Binding
// mutation for one device is serialized on it so reconcile and explicit
// assign/unassign never race.
func (b *IdentityBinder) lockFor(serial string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.serialLocks[serial]
	if !ok {
		lock = &sync.Mutex{}
		b.serialLocks[serial] = lock
	}
	return lock
}

// Assign binds a profile to the device. An empty profileID picks an unused
// available profile first, falling back to the least-recently-used one. The
// profile is marked in_use only when the proxy landed on the device (bound
// or degraded); a failed application keeps the binding, and with it the
// profile reservation, so the reconcile retry cannot race a second claim.
func (b *IdentityBinder) Assign(ctx context.Context, serial, profileID string) (Binding, error) {
	if b == nil {
		return Binding{}, errors.New("identity binder is nil")
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return Binding{}, errors.New("assign: empty device serial")
	}
	lock := b.lockFor(serial)
	lock.Lock()
	defer lock.Unlock()

	if dev, ok := b.registry.Get(serial); !ok {
		return Binding{}, errors.Errorf("assign: unknown device %s", serial)
	} else if dev.Status == DeviceStatusOffline {
		return Binding{}, errors.Errorf("assign: device %s is offline", serial)
	}

	b.mu.Lock()
	if prev, ok := b.bindings[serial]; ok {
		b.releaseProfileLocked(prev)
		delete(b.bindings, serial)
	}
	profile, err := b.claimProfileLocked(serial, profileID)
	if err != nil {
		b.mu.Unlock()
		return Binding{}, err
	}
	binding := &Binding{DeviceSerial: serial, ProfileID: profile.ProfileID, SyncStatus: SyncBinding}
	b.bindings[serial] = binding
	b.mu.Unlock()

	b.applyAndVerify(ctx, binding, profile)
	log.Info().Str("serial", serial).Str("profile", profile.ProfileID).
		Str("sync_status", string(binding.SyncStatus)).Msg("identity assigned")
	return *binding, nil
}

// claimProfileLocked picks the profile for a new binding. Selection skips
// profiles referenced by any existing binding, claimed or not, so two
// devices can never hold one identity.
func (b *IdentityBinder) claimProfileLocked(serial, profileID string) (*IdentityProfile, error) {
	referenced := make(map[string]string, len(b.bindings))
	for devSerial, binding := range b.bindings {
		referenced[binding.ProfileID] = devSerial
	}

	if id := strings.TrimSpace(profileID); id != "" {
		profile, ok := b.profiles[id]
		if !ok {
			return nil, errors.Errorf("identity profile %q not found", id)
		}
		if holder, held := referenced[id]; held && holder != serial {
			return nil, errors.Errorf("identity profile %q already bound to %s", id, holder)
		}
		if profile.Status == ProfileDisabled {
			return nil, errors.Errorf("identity profile %q is disabled", id)
		}
		return profile, nil
	}

	candidates := make([]*IdentityProfile, 0, len(b.profiles))
	for _, profile := range b.profiles {
		if profile.Status != ProfileAvailable {
			continue
		}
		if _, held := referenced[profile.ProfileID]; held {
			continue
		}
		candidates = append(candidates, profile)
	}
	if len(candidates) == 0 {
		return nil, errors.WithStack(ErrNoProfileAvailable)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ProfileID < candidates[j].ProfileID
	})
	// First fit over never-used profiles, then least-recently-used.
	for _, profile := range candidates {
		if profile.LastUsed.IsZero() {
			return profile, nil
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].LastUsed.Equal(candidates[j].LastUsed) {
			return candidates[i].ProfileID < candidates[j].ProfileID
		}
		return candidates[i].LastUsed.Before(candidates[j].LastUsed)
	})
	return candidates[0], nil
}

// applyAndVerify pushes the proxy setting to the device and probes egress,
// settling the binding in bound, degraded, or failed. A timed-out apply also
// flags the device errored in the registry. Must be called with the device's
// serial lock held.
func (b *IdentityBinder) applyAndVerify(ctx context.Context, binding *Binding, profile *IdentityProfile) {
	b.mu.Lock()
	binding.SyncAttempts++
	b.mu.Unlock()

	args := []string{"settings", "put", "global", "http_proxy", profile.Proxy.Addr()}
	if _, err := b.bridge.Run(ctx, binding.DeviceSerial, args, b.cfg.CommandTimeout); err != nil {
		log.Warn().Err(err).Str("serial", binding.DeviceSerial).
			Str("profile", profile.ProfileID).Msg("proxy apply failed")
		if errors.Is(err, bridge.ErrTimeout) {
			b.registry.SetError(binding.DeviceSerial, "proxy apply timed out")
		}
		b.settleBinding(binding, profile, SyncFailed)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout)
	err := b.probe(probeCtx, profile.Proxy)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("serial", binding.DeviceSerial).
			Str("profile", profile.ProfileID).Msg("connectivity probe failed")
		b.settleBinding(binding, profile, SyncDegraded)
		return
	}
	b.settleBinding(binding, profile, SyncBound)
}

func (b *IdentityBinder) settleBinding(binding *Binding, profile *IdentityProfile, status SyncStatus) {
	b.mu.Lock()
	binding.SyncStatus = status
	binding.LastSync = time.Now()
	if status == SyncBound || status == SyncDegraded {
		if profile.Status == ProfileAvailable {
			profile.Status = ProfileInUse
		}
		profile.LastUsed = time.Now()
	}
	b.mu.Unlock()
	b.cfg.Metrics.BindingSynced(status)
}

// Unassign clears the on-device proxy, releases the profile, and removes
// the binding. Clearing the proxy is best-effort: an unreachable device
// never blocks the profile release. No binding is a no-op.
func (b *IdentityBinder) Unassign(ctx context.Context, serial string) error {
	if b == nil {
		return errors.New("identity binder is nil")
	}
	serial = strings.TrimSpace(serial)
	lock := b.lockFor(serial)
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	binding, ok := b.bindings[serial]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	args := []string{"settings", "put", "global", "http_proxy", ":0"}
	if _, err := b.bridge.Run(ctx, serial, args, b.cfg.CommandTimeout); err != nil {
		log.Warn().Err(err).Str("serial", serial).Msg("proxy clear failed, releasing profile anyway")
	}

	b.mu.Lock()
	b.releaseProfileLocked(binding)
	delete(b.bindings, serial)
	b.mu.Unlock()
	log.Info().Str("serial", serial).Str("profile", binding.ProfileID).Msg("identity unassigned")
	return nil
}

// releaseProfileLocked returns the binding's profile to available. Disabled
// profiles stay disabled; release happens at most once per claim.
func (b *IdentityBinder) releaseProfileLocked(binding *Binding) {
	profile, ok := b.profiles[binding.ProfileID]
	if !ok {
		return
	}
	if profile.Status == ProfileInUse {
		profile.Status = ProfileAvailable
	}
}

// ReconcileAll re-verifies every binding that is not bound or has grown
// stale, then assigns identities to unbound online devices up to the pool
// ceiling. One device's failure never aborts the batch; offline devices are
// skipped untouched.
func (b *IdentityBinder) ReconcileAll(ctx context.Context) {
	if b == nil {
		return
	}
	now := time.Now()

	b.mu.Lock()
	stale := make([]string, 0, len(b.bindings))
	for serial, binding := range b.bindings {
		if binding.SyncStatus != SyncBound || now.Sub(binding.LastSync) > b.cfg.Staleness {
			stale = append(stale, serial)
		}
	}
	b.mu.Unlock()
	sort.Strings(stale)

	for _, serial := range stale {
		if ctx.Err() != nil {
			return
		}
		b.resync(ctx, serial)
	}

	for _, dev := range b.registry.Online() {
		if ctx.Err() != nil {
			return
		}
		b.mu.Lock()
		_, bound := b.bindings[dev.Serial]
		total := len(b.bindings)
		b.mu.Unlock()
		if bound {
			continue
		}
		if b.cfg.PoolCeiling > 0 && total >= b.cfg.PoolCeiling {
			log.Debug().Int("ceiling", b.cfg.PoolCeiling).Msg("identity pool ceiling reached")
			return
		}
		if _, err := b.Assign(ctx, dev.Serial, ""); err != nil {
			if errors.Is(err, ErrNoProfileAvailable) {
				log.Info().Msg("identity profiles exhausted, reconcile stops assigning")
				return
			}
			log.Warn().Err(err).Str("serial", dev.Serial).Msg("identity assign during reconcile failed")
		}
	}
}

// resync re-applies and re-probes one existing binding under its serial
// lock. Offline devices are skipped without altering the stored binding.
func (b *IdentityBinder) resync(ctx context.Context, serial string) {
	lock := b.lockFor(serial)
	lock.Lock()
	defer lock.Unlock()

	if dev, ok := b.registry.Get(serial); !ok || dev.Status == DeviceStatusOffline {
		log.Debug().Str("serial", serial).Msg("device offline, binding left as is")
		return
	}

	b.mu.Lock()
	binding, ok := b.bindings[serial]
	var profile *IdentityProfile
	if ok {
		profile = b.profiles[binding.ProfileID]
	}
	b.mu.Unlock()
	if !ok || profile == nil {
		return
	}
	b.applyAndVerify(ctx, binding, profile)
	log.Debug().Str("serial", serial).Str("profile", profile.ProfileID).
		Str("sync_status", string(binding.SyncStatus)).Msg("binding reconciled")
}

// BindingFor returns a copy of the device's binding.
func (b *IdentityBinder) BindingFor(serial string) (Binding, bool) {
	if b == nil {
		return Binding{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	binding, ok := b.bindings[strings.TrimSpace(serial)]
	if !ok {
		return Binding{}, false
	}
	return *binding, true
}

// Bindings returns a snapshot of all bindings, ordered by device serial.
func (b *IdentityBinder) Bindings() []Binding {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Binding, 0, len(b.bindings))
	for _, binding := range b.bindings {
		out = append(out, *binding)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceSerial < out[j].DeviceSerial })
	return out
}

// Profiles returns a snapshot of the profile inventory, ordered by id.
func (b *IdentityBinder) Profiles() []IdentityProfile {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]IdentityProfile, 0, len(b.profiles))
	for _, profile := range b.profiles {
		out = append(out, *profile)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfileID < out[j].ProfileID })
	return out
}

// proxyConnectivityProbe fetches the probe URL through the proxy and treats
// any HTTP response below 400 as confirmed egress.
func proxyConnectivityProbe(probeURL string) connectivityProbe {
	return func(ctx context.Context, proxy ProxyConfig) error {
		proxyURL, err := url.Parse(proxy.URL())
		if err != nil {
			return errors.Wrap(err, "parse proxy url")
		}
		client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
		defer client.CloseIdleConnections()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return errors.Wrap(err, "build probe request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "probe through proxy")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return errors.Errorf("probe target returned %d", resp.StatusCode)
		}
		return nil
	}
}

package orchestrator

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/devicefarm/orchestrator/internal/bridge"
	"github.com/devicefarm/orchestrator/internal/config"
)

// Orchestrator composes discovery, identity binding, the automation-server
// pool, the task scheduler, persistence, and the inventory mirror into one
// process-level component. Construct with New, register handlers, then
// Start. All dependencies are wired explicitly; there is no package-level
// state beyond the logger.
type Orchestrator struct {
	cfg       config.Config
	bridge    *bridge.Bridge
	registry  *DeviceRegistry
	scanner   *Scanner
	binder    *IdentityBinder
	pool      *AutomationServerPool
	store     *SQLiteTaskStore
	scheduler *TaskScheduler
	metrics   *Metrics
	recorder  DeviceRecorder

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New wires every component from the resolved configuration. Construction
// fails on anything that would make the daemon useless: a missing bridge
// executable, an unreadable database, a broken profile inventory. A merely
// absent profiles file or an unconfigured server pool degrades to a warning
// so the scheduler still runs.
func New(cfg config.Config) (*Orchestrator, error) {
	metrics := NewMetrics()

	br, err := bridge.New(bridge.Config{
		Executable:     cfg.Bridge.Executable,
		CommandTimeout: time.Duration(cfg.Bridge.CommandTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init device bridge")
	}

	registry := NewDeviceRegistry()
	scanner := NewScanner(br, ScannerConfig{
		QueryTimeout: time.Duration(cfg.Scanner.QueryTimeoutSeconds) * time.Second,
		Allowlist:    cfg.Scanner.Allowlist,
	})

	profiles, err := loadProfiles(cfg.Binder.ProfilesFile)
	if err != nil {
		return nil, err
	}
	binder, err := NewIdentityBinder(BinderConfig{
		Staleness:    time.Duration(cfg.Binder.StalenessMinutes) * time.Minute,
		PoolCeiling:  cfg.Binder.PoolCeiling,
		ProbeURL:     cfg.Binder.ProbeURL,
		ProbeTimeout: time.Duration(cfg.Binder.ProbeTimeoutSeconds) * time.Second,
		Metrics:      metrics,
	}, br, registry, profiles)
	if err != nil {
		return nil, errors.Wrap(err, "init identity binder")
	}

	var pool *AutomationServerPool
	if strings.TrimSpace(cfg.Servers.Executable) != "" {
		pool, err = NewAutomationServerPool(ServerPoolConfig{
			Executable:     cfg.Servers.Executable,
			ExtraArgs:      cfg.Servers.ExtraArgs,
			PortStart:      cfg.Servers.PortStart,
			PortEnd:        cfg.Servers.PortEnd,
			PortsPerServer: cfg.Servers.PortsPerServer,
			StartupTimeout: time.Duration(cfg.Servers.StartupTimeoutSeconds) * time.Second,
			StopGrace:      time.Duration(cfg.Servers.StopGraceSeconds) * time.Second,
			RestartBudget:  cfg.Servers.RestartBudget,
			RestartWindow:  time.Duration(cfg.Servers.RestartWindowMinutes) * time.Minute,
			Metrics:        metrics,
		})
		if err != nil {
			return nil, errors.Wrap(err, "init automation server pool")
		}
	} else {
		log.Info().Msg("automation server pool disabled, no executable configured")
	}

	store, err := NewSQLiteTaskStore(cfg.Storage.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open task store")
	}

	recorder, err := NewDeviceRecorderFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "init device recorder")
	}

	scheduler, err := NewTaskScheduler(SchedulerConfig{
		Devices:        registry,
		Store:          store,
		Metrics:        metrics,
		DefaultTimeout: time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
		CancelGrace:    time.Duration(cfg.Scheduler.CancelGraceSeconds) * time.Second,
		RateLimit:      cfg.Scheduler.RateLimit,
		RateWindow:     time.Duration(cfg.Scheduler.RateWindowSeconds) * time.Second,
	})
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "init task scheduler")
	}

	return &Orchestrator{
		cfg:       cfg,
		bridge:    br,
		registry:  registry,
		scanner:   scanner,
		binder:    binder,
		pool:      pool,
		store:     store,
		scheduler: scheduler,
		metrics:   metrics,
		recorder:  recorder,
	}, nil
}

// loadProfiles reads the identity inventory. A missing file is not an
// error: the daemon runs without identity management until one is provided.
func loadProfiles(path string) ([]IdentityProfile, error) {
	if strings.TrimSpace(path) == "" {
		log.Info().Msg("identity binding disabled, no profiles file configured")
		return nil, nil
	}
	profiles, err := LoadProfileInventory(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", path).Msg("profiles file not found, identity binding disabled")
			return nil, nil
		}
		return nil, errors.Wrap(err, "load identity profiles")
	}
	return profiles, nil
}

// RegisterHandler installs the executor for one task type. Call before
// Start; tasks of an unregistered type fail immediately at dispatch.
func (o *Orchestrator) RegisterHandler(taskType string, handler TaskHandler) {
	o.scheduler.RegisterHandler(taskType, handler)
}

// Start recovers persisted work and launches the supervised background
// loops: discovery, identity reconcile, task dispatch, retention purge.
// It returns once the loops are running; they stop when ctx is cancelled
// or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}
	if err := o.scheduler.Recover(ctx); err != nil {
		return errors.Wrap(err, "recover persisted tasks")
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	o.group = group

	GroupGoSafe(groupCtx, group, "device-discovery", o.discoveryLoop)
	GroupGoSafe(groupCtx, group, "identity-reconcile", o.reconcileLoop)
	GroupGoSafe(groupCtx, group, "task-dispatch", o.scheduler.Run)
	GroupGoSafe(groupCtx, group, "retention-purge", o.purgeLoop)

	log.Info().Str("bridge", o.bridge.Path()).Str("db", o.cfg.Storage.Path).
		Int("profiles", len(o.binder.Profiles())).Msg("orchestrator started")
	return nil
}

// Stop cancels the background loops, waits for them to drain (bounded by
// ctx), shuts down every automation server, and closes the store. Running
// task executions are interrupted and remain recoverable on next start.
// Safe to call on a never-started orchestrator; it still releases the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o == nil {
		return nil
	}
	if o.cancel != nil {
		o.cancel()
		done := make(chan struct{})
		go func() {
			_ = o.group.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			log.Warn().Msg("background loops still draining at stop deadline")
		}
	}
	o.pool.ShutdownAll(ctx)
	err := o.store.Close()
	log.Info().Msg("orchestrator stopped")
	return err
}

// SubmitTask accepts a task definition and enqueues it. Returns the task id
// (generated when the definition carries none).
func (o *Orchestrator) SubmitTask(ctx context.Context, def *TaskDefinition) (string, error) {
	return o.scheduler.Submit(ctx, def)
}

// CancelTask requests cancellation of a pending or running task. True when
// this call transitioned the task toward cancelled.
func (o *Orchestrator) CancelTask(taskID string) bool {
	return o.scheduler.Cancel(taskID)
}

// GetTaskStatus returns the current execution record for a task, falling
// back to the store for tasks already purged from memory.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (TaskExecution, bool) {
	return o.scheduler.Execution(ctx, taskID)
}

// ListDevices snapshots every known device. A device holding a running
// execution reports busy; discovery status wins otherwise, so an offline
// device never masquerades as busy.
func (o *Orchestrator) ListDevices() []Device {
	devices := o.registry.List()
	running := o.scheduler.RunningTasks()
	for i := range devices {
		if _, busy := running[devices[i].Serial]; busy && devices[i].Status == DeviceStatusOnline {
			devices[i].Status = DeviceStatusBusy
		}
	}
	return devices
}

// AssignIdentity binds a profile to a device. Empty profileID lets the
// binder pick the least-recently-used available profile.
func (o *Orchestrator) AssignIdentity(ctx context.Context, serial, profileID string) (Binding, error) {
	return o.binder.Assign(ctx, serial, profileID)
}

// UnassignIdentity releases a device's profile and clears its proxy.
func (o *Orchestrator) UnassignIdentity(ctx context.Context, serial string) error {
	return o.binder.Unassign(ctx, serial)
}

// GetQueueStats reports per-priority pending depth, running executions, and
// free online devices.
func (o *Orchestrator) GetQueueStats() QueueStats {
	return o.scheduler.Stats()
}

// Profiles lists the identity inventory with live statuses.
func (o *Orchestrator) Profiles() []IdentityProfile {
	return o.binder.Profiles()
}

// Bindings lists the active device-profile bindings.
func (o *Orchestrator) Bindings() []Binding {
	return o.binder.Bindings()
}

// ServerStates reports the lifecycle state of every tracked automation
// server. Empty when the pool is disabled.
func (o *Orchestrator) ServerStates() map[string]ServerState {
	return o.pool.States()
}

// ServerFor ensures a healthy automation server for the device and returns
// its handle. Task handlers that drive the HTTP automation API call this.
func (o *Orchestrator) ServerFor(ctx context.Context, serial string) (ServerHandle, error) {
	if o.pool == nil {
		return ServerHandle{}, errors.New("automation server pool disabled")
	}
	return o.pool.EnsureRunning(ctx, serial)
}

// MetricsHandler exposes the Prometheus registry for an HTTP listener.
func (o *Orchestrator) MetricsHandler() http.Handler {
	return o.metrics.Handler()
}

// Bridge exposes the device bridge for handler construction.
func (o *Orchestrator) Bridge() DeviceBridge {
	return o.bridge
}

// discoveryLoop scans immediately and then on every interval tick. Scan
// failures are logged and leave the registry untouched; a flaky bridge
// must not mark the whole fleet offline.
func (o *Orchestrator) discoveryLoop(ctx context.Context) error {
	o.runDiscovery(ctx)
	ticker := time.NewTicker(time.Duration(o.cfg.Scanner.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runDiscovery(ctx)
		}
	}
}

func (o *Orchestrator) runDiscovery(ctx context.Context) {
	started := time.Now()
	scanned, err := o.scanner.Scan(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("device scan failed")
		return
	}
	o.registry.Apply(scanned)
	o.metrics.ScanCompleted(time.Since(started))
	o.publishFleet(ctx)
}

// publishFleet pushes fleet gauges and mirrors device rows outward after a
// successful scan. Mirror failures are logged, never fatal.
func (o *Orchestrator) publishFleet(ctx context.Context) {
	devices := o.ListDevices()
	counts := make(map[DeviceStatus]int, 4)
	for _, dev := range devices {
		counts[dev.Status]++
	}
	o.metrics.SetDeviceCounts(counts)
	o.metrics.SetServerStates(serverStateCounts(o.pool.States()))

	running := o.scheduler.RunningTasks()
	snaps := make([]DeviceSnapshot, 0, len(devices))
	for _, dev := range devices {
		snap := DeviceSnapshot{
			Serial:     dev.Serial,
			Status:     string(dev.Status),
			Model:      dev.Model,
			OSVersion:  dev.OSVersion,
			Battery:    dev.Battery,
			IP:         dev.IP,
			ActiveTask: running[dev.Serial],
			LastError:  dev.LastError,
			LastSeenAt: dev.LastSeen,
		}
		if binding, ok := o.binder.BindingFor(dev.Serial); ok {
			snap.Profile = binding.ProfileID
		}
		snaps = append(snaps, snap)
	}
	if err := o.recorder.UpsertDevices(ctx, snaps); err != nil {
		log.Warn().Err(err).Msg("device inventory mirror failed")
	}
}

func serverStateCounts(states map[string]ServerState) map[ServerState]int {
	counts := make(map[ServerState]int, 4)
	for _, state := range states {
		counts[state]++
	}
	return counts
}

// reconcileLoop re-verifies identity bindings on an interval and keeps the
// profile gauges current.
func (o *Orchestrator) reconcileLoop(ctx context.Context) error {
	o.runReconcile(ctx)
	ticker := time.NewTicker(time.Duration(o.cfg.Binder.ReconcileIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.runReconcile(ctx)
		}
	}
}

func (o *Orchestrator) runReconcile(ctx context.Context) {
	o.binder.ReconcileAll(ctx)
	counts := make(map[ProfileStatus]int, 3)
	for _, profile := range o.binder.Profiles() {
		counts[profile.Status]++
	}
	o.metrics.SetProfileCounts(counts)
}

// purgeLoop deletes terminal executions older than the retention window.
// Recovery completed before the loops started, so the initial purge cannot
// race a re-enqueue.
func (o *Orchestrator) purgeLoop(ctx context.Context) error {
	retention := time.Duration(o.cfg.Storage.RetentionDays) * 24 * time.Hour
	o.scheduler.PurgeTerminal(ctx, retention)
	ticker := time.NewTicker(time.Duration(o.cfg.Storage.PurgeIntervalHours) * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.scheduler.PurgeTerminal(ctx, retention)
		}
	}
}

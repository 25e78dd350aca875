package orchestrator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Sentinel errors for server lifecycle. Callers match with errors.Is.
var (
	// ErrServerStartFailed marks a server that did not become ready within
	// the startup timeout or crashed while starting.
	ErrServerStartFailed = errors.New("automation server failed to start")

	// ErrRestartBudgetExceeded marks a device whose server crashed or went
	// unhealthy too many times inside the restart window. No further starts
	// are attempted until the window slides.
	ErrRestartBudgetExceeded = errors.New("automation server restart budget exceeded")
)

// ServerHandle describes a running automation server a session layer can
// attach to.
type ServerHandle struct {
	DeviceSerial string
	BaseURL      string
	Ports        PortBlock
	StartedAt    time.Time
}

// ServerPoolConfig tunes the automation-server pool.
type ServerPoolConfig struct {
	// Executable is the automation server binary. Required.
	Executable string
	// ExtraArgs are appended to every server invocation.
	ExtraArgs []string
	// PortStart/PortEnd bound the allocation range, inclusive.
	// Defaults 8200..8299.
	PortStart int
	PortEnd   int
	// PortsPerServer is the block size (control + auxiliary). Default 3.
	PortsPerServer int
	// StartupTimeout bounds the ready poll after process start. Default 30s.
	StartupTimeout time.Duration
	// ProbeInterval spaces readiness polls. Default 500ms.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single status probe. Default 2s.
	ProbeTimeout time.Duration
	// StopGrace is how long a server gets to exit after SIGTERM before
	// SIGKILL. Default 5s.
	StopGrace time.Duration
	// RestartBudget caps crash/unhealthy restarts per device inside
	// RestartWindow. Defaults 3 per 10m.
	RestartBudget int
	RestartWindow time.Duration
	// Metrics counts restarts. Optional.
	Metrics *Metrics
}

func (cfg *ServerPoolConfig) applyDefaults() {
	if cfg.PortStart <= 0 {
		cfg.PortStart = 8200
	}
	if cfg.PortEnd <= 0 {
		cfg.PortEnd = cfg.PortStart + 99
	}
	if cfg.PortsPerServer <= 0 {
		cfg.PortsPerServer = 3
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 500 * time.Millisecond
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.RestartBudget <= 0 {
		cfg.RestartBudget = 3
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 10 * time.Minute
	}
}

// serverProcess abstracts one launched server process so tests can stand in
// for exec.
type serverProcess interface {
	Terminate() error
	Kill() error
	// Done is closed once the process has fully exited.
	Done() <-chan struct{}
}

// serverLauncher starts the automation server binary for one device.
type serverLauncher interface {
	Launch(ctx context.Context, serial string, block PortBlock) (serverProcess, error)
}

// readyProbe checks whether a server answers on its status endpoint.
type readyProbe func(ctx context.Context, baseURL string) error

// AutomationServerPool runs at most one automation-server process per
// device. Port blocks come from a bounded range owned exclusively by the
// pool and are returned only after the process has fully exited.
type AutomationServerPool struct {
	cfg      ServerPoolConfig
	launcher serverLauncher
	probe    readyProbe
	alloc    *portAllocator

	mu      sync.Mutex
	servers map[string]*automationServer
}

// automationServer tracks one device's server. Its own mutex serializes
// lifecycle operations per device while leaving other devices fully
// concurrent.
type automationServer struct {
	mu        sync.Mutex
	serial    string
	state     ServerState
	block     PortBlock
	baseURL   string
	proc      serverProcess
	startedAt time.Time
	restarts  []time.Time
}

// NewAutomationServerPool resolves the server executable and builds the
// pool. A missing executable is a fatal construction error.
func NewAutomationServerPool(cfg ServerPoolConfig) (*AutomationServerPool, error) {
	path := strings.TrimSpace(cfg.Executable)
	if path == "" {
		return nil, errors.New("automation server executable not configured")
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "automation server executable %q not found", path)
	}
	cfg.Executable = resolved
	launcher := &execServerLauncher{executable: resolved, extraArgs: cfg.ExtraArgs}
	return newServerPool(cfg, launcher, httpStatusProbe(&http.Client{}))
}

func newServerPool(cfg ServerPoolConfig, launcher serverLauncher, probe readyProbe) (*AutomationServerPool, error) {
	cfg.applyDefaults()
	alloc, err := newPortAllocator(cfg.PortStart, cfg.PortEnd, cfg.PortsPerServer)
	if err != nil {
		return nil, err
	}
	return &AutomationServerPool{
		cfg:      cfg,
		launcher: launcher,
		probe:    probe,
		alloc:    alloc,
		servers:  make(map[string]*automationServer),
	}, nil
}

func (p *AutomationServerPool) entryFor(serial string) *automationServer {
	p.mu.Lock()
	defer p.mu.Unlock()
	srv, ok := p.servers[serial]
	if !ok {
		srv = &automationServer{serial: serial, state: ServerStopped}
		p.servers[serial] = srv
	}
	return srv
}

// EnsureRunning returns the device's server, starting or restarting it as
// needed. A tracked server failing its health probe is stopped and started
// again, counted against the restart budget; a probe cut short by the
// caller's own context reports that error and leaves the server untouched.
func (p *AutomationServerPool) EnsureRunning(ctx context.Context, serial string) (ServerHandle, error) {
	if p == nil {
		return ServerHandle{}, errors.New("server pool is nil")
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return ServerHandle{}, errors.New("server pool: empty device serial")
	}
	srv := p.entryFor(serial)
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.state == ServerRunning {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := p.probe(probeCtx, srv.baseURL)
		cancel()
		if err == nil {
			return srv.handleLocked(), nil
		}
		if ctx.Err() != nil {
			// The caller gave up, not the server. Health is unknown here.
			return ServerHandle{}, errors.Wrapf(ctx.Err(), "probe automation server for %s", serial)
		}
		log.Warn().Err(err).Str("serial", serial).Msg("automation server unhealthy, restarting")
		p.stopLocked(srv)
		p.noteRestartLocked(srv)
	}

	if !srv.withinBudgetLocked(time.Now(), p.cfg.RestartBudget, p.cfg.RestartWindow) {
		srv.state = ServerFailed
		return ServerHandle{}, errors.Wrapf(ErrRestartBudgetExceeded, "device %s: %d restarts within %s",
			serial, len(srv.restarts), p.cfg.RestartWindow)
	}
	return p.startLocked(ctx, srv)
}

// withinBudgetLocked prunes restart stamps outside the window and reports
// whether another start attempt is allowed.
func (s *automationServer) withinBudgetLocked(now time.Time, budget int, window time.Duration) bool {
	cutoff := now.Add(-window)
	kept := s.restarts[:0]
	for _, stamp := range s.restarts {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	s.restarts = kept
	return len(s.restarts) < budget
}

func (s *automationServer) handleLocked() ServerHandle {
	return ServerHandle{
		DeviceSerial: s.serial,
		BaseURL:      s.baseURL,
		Ports:        s.block,
		StartedAt:    s.startedAt,
	}
}

func (p *AutomationServerPool) noteRestartLocked(srv *automationServer) {
	srv.restarts = append(srv.restarts, time.Now())
	p.cfg.Metrics.ServerRestarted()
}

func (p *AutomationServerPool) startLocked(ctx context.Context, srv *automationServer) (ServerHandle, error) {
	block, err := p.alloc.Alloc()
	if err != nil {
		return ServerHandle{}, errors.Wrapf(err, "allocate ports for %s", srv.serial)
	}
	srv.state = ServerStarting
	srv.block = block
	srv.baseURL = fmt.Sprintf("http://127.0.0.1:%d", block.Control)
	log.Info().Str("serial", srv.serial).Int("port", block.Control).Msg("starting automation server")

	proc, err := p.launcher.Launch(ctx, srv.serial, block)
	if err != nil {
		p.releaseLocked(srv)
		srv.state = ServerFailed
		p.noteRestartLocked(srv)
		return ServerHandle{}, errors.Wrapf(err, "start automation server for %s", srv.serial)
	}
	srv.proc = proc

	deadline := time.Now().Add(p.cfg.StartupTimeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		probeErr := p.probe(probeCtx, srv.baseURL)
		cancel()
		if probeErr == nil {
			srv.state = ServerRunning
			srv.startedAt = time.Now()
			log.Info().Str("serial", srv.serial).Str("url", srv.baseURL).Msg("automation server ready")
			return srv.handleLocked(), nil
		}
		if time.Now().After(deadline) {
			p.killLocked(srv)
			srv.state = ServerFailed
			p.noteRestartLocked(srv)
			return ServerHandle{}, errors.Wrapf(ErrServerStartFailed,
				"device %s: not ready within %s", srv.serial, p.cfg.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			p.killLocked(srv)
			srv.state = ServerFailed
			return ServerHandle{}, errors.Wrapf(ctx.Err(), "start automation server for %s", srv.serial)
		case <-proc.Done():
			p.releaseLocked(srv)
			srv.state = ServerFailed
			p.noteRestartLocked(srv)
			return ServerHandle{}, errors.Wrapf(ErrServerStartFailed,
				"device %s: process exited during startup", srv.serial)
		case <-time.After(p.cfg.ProbeInterval):
		}
	}
}

// killLocked force-kills the process, waits for it to exit, then releases
// the port block.
func (p *AutomationServerPool) killLocked(srv *automationServer) {
	if srv.proc != nil {
		_ = srv.proc.Kill()
		<-srv.proc.Done()
	}
	p.releaseLocked(srv)
}

// stopLocked performs the graceful stop sequence: SIGTERM, grace period,
// SIGKILL on overrun. Ports are released only after the process has exited.
func (p *AutomationServerPool) stopLocked(srv *automationServer) {
	if srv.proc != nil {
		_ = srv.proc.Terminate()
		select {
		case <-srv.proc.Done():
		case <-time.After(p.cfg.StopGrace):
			log.Warn().Str("serial", srv.serial).Msg("automation server ignored SIGTERM, killing")
			_ = srv.proc.Kill()
			<-srv.proc.Done()
		}
	}
	p.releaseLocked(srv)
	srv.state = ServerStopped
}

func (p *AutomationServerPool) releaseLocked(srv *automationServer) {
	if srv.block.Control != 0 {
		p.alloc.Release(srv.block)
	}
	srv.block = PortBlock{}
	srv.baseURL = ""
	srv.proc = nil
}

// Stop terminates the device's server if one is tracked. Unknown serials are
// a no-op.
func (p *AutomationServerPool) Stop(ctx context.Context, serial string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	srv, ok := p.servers[strings.TrimSpace(serial)]
	p.mu.Unlock()
	if !ok {
		return
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.state == ServerStopped {
		return
	}
	log.Info().Str("serial", srv.serial).Msg("stopping automation server")
	p.stopLocked(srv)
}

// ShutdownAll stops every tracked server, in parallel. Used at process exit.
func (p *AutomationServerPool) ShutdownAll(ctx context.Context) {
	if p == nil {
		return
	}
	p.mu.Lock()
	serials := make([]string, 0, len(p.servers))
	for serial := range p.servers {
		serials = append(serials, serial)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, serial := range serials {
		wg.Add(1)
		go func(serial string) {
			defer wg.Done()
			p.Stop(ctx, serial)
		}(serial)
	}
	wg.Wait()
}

// States returns the lifecycle state of every tracked server.
func (p *AutomationServerPool) States() map[string]ServerState {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	srvs := make([]*automationServer, 0, len(p.servers))
	for _, srv := range p.servers {
		srvs = append(srvs, srv)
	}
	p.mu.Unlock()

	out := make(map[string]ServerState, len(srvs))
	for _, srv := range srvs {
		srv.mu.Lock()
		out[srv.serial] = srv.state
		srv.mu.Unlock()
	}
	return out
}

// Handle returns the live handle for a device when its server is running.
func (p *AutomationServerPool) Handle(serial string) (ServerHandle, bool) {
	if p == nil {
		return ServerHandle{}, false
	}
	p.mu.Lock()
	srv, ok := p.servers[strings.TrimSpace(serial)]
	p.mu.Unlock()
	if !ok {
		return ServerHandle{}, false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.state != ServerRunning {
		return ServerHandle{}, false
	}
	return srv.handleLocked(), true
}

// execServerLauncher starts real server processes in their own process
// group so Terminate/Kill reach any children.
type execServerLauncher struct {
	executable string
	extraArgs  []string
}

func (l *execServerLauncher) Launch(ctx context.Context, serial string, block PortBlock) (serverProcess, error) {
	args := []string{"--serial", serial, "--port", strconv.Itoa(block.Control)}
	if len(block.Aux) > 0 {
		args = append(args, "--aux-ports", joinPorts(block.Aux))
	}
	args = append(args, l.extraArgs...)

	cmd := exec.Command(l.executable, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "exec %s", l.executable)
	}
	go logServerOutput(serial, "stdout", stdout)
	go logServerOutput(serial, "stderr", stderr)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return &osServerProcess{pid: cmd.Process.Pid, done: done}, nil
}

func logServerOutput(serial, stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug().Str("serial", serial).Str("stream", stream).Msg(scanner.Text())
	}
}

type osServerProcess struct {
	pid  int
	done chan struct{}
}

// Terminate signals the whole process group so child sessions exit with the
// server.
func (p *osServerProcess) Terminate() error      { return syscall.Kill(-p.pid, syscall.SIGTERM) }
func (p *osServerProcess) Kill() error           { return syscall.Kill(-p.pid, syscall.SIGKILL) }
func (p *osServerProcess) Done() <-chan struct{} { return p.done }

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, port := range ports {
		parts[i] = strconv.Itoa(port)
	}
	return strings.Join(parts, ",")
}

// httpStatusProbe reports ready when the server's /status endpoint answers
// 200 within the probe context.
func httpStatusProbe(client *http.Client) readyProbe {
	return func(ctx context.Context, baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
		if err != nil {
			return errors.Wrap(err, "build status request")
		}
		resp, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, "status probe")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("status endpoint returned %d", resp.StatusCode)
		}
		return nil
	}
}

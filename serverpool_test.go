package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// fakeProcess stands in for a launched server process. By default it only
// exits on Kill; exitOnTerm makes Terminate sufficient.
type fakeProcess struct {
	mu         sync.Mutex
	terminated bool
	killed     bool
	exitOnTerm bool
	done       chan struct{}
	closeOnce  sync.Once
}

func (f *fakeProcess) exit() { f.closeOnce.Do(func() { close(f.done) }) }

func (f *fakeProcess) Terminate() error {
	f.mu.Lock()
	f.terminated = true
	exitNow := f.exitOnTerm
	f.mu.Unlock()
	if exitNow {
		f.exit()
	}
	return nil
}

func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	f.killed = true
	f.mu.Unlock()
	f.exit()
	return nil
}

func (f *fakeProcess) Done() <-chan struct{} { return f.done }

func (f *fakeProcess) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeProcess) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

// fakeLauncher records launches and hands out fakeProcesses.
type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	blocks     []PortBlock
	launchErr  error
	exitOnTerm bool
	// exitImmediately pre-closes Done to simulate a startup crash.
	exitImmediately bool
}

func (f *fakeLauncher) Launch(ctx context.Context, serial string, block PortBlock) (serverProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	proc := &fakeProcess{done: make(chan struct{}), exitOnTerm: f.exitOnTerm}
	if f.exitImmediately {
		proc.exit()
	}
	f.procs = append(f.procs, proc)
	f.blocks = append(f.blocks, block)
	return proc, nil
}

func (f *fakeLauncher) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeLauncher) proc(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

func alwaysReady(context.Context, string) error { return nil }
func neverReady(context.Context, string) error  { return errors.New("connection refused") }

func fastPoolConfig() ServerPoolConfig {
	return ServerPoolConfig{
		Executable:     "fake-server",
		PortStart:      8200,
		PortEnd:        8205,
		PortsPerServer: 3,
		StartupTimeout: 100 * time.Millisecond,
		ProbeInterval:  time.Millisecond,
		ProbeTimeout:   10 * time.Millisecond,
		StopGrace:      10 * time.Millisecond,
	}
}

func TestServerPoolEnsureRunning(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: true}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	handle, err := pool.EnsureRunning(context.Background(), "dev-a")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if handle.BaseURL != "http://127.0.0.1:8200" {
		t.Fatalf("base url = %s", handle.BaseURL)
	}
	if handle.Ports.Control != 8200 || len(handle.Ports.Aux) != 2 {
		t.Fatalf("ports = %+v", handle.Ports)
	}
	if handle.StartedAt.IsZero() {
		t.Fatal("StartedAt not stamped")
	}

	// A healthy running server is reused, not restarted.
	again, err := pool.EnsureRunning(context.Background(), "dev-a")
	if err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if launcher.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", launcher.launchCount())
	}
	if again.BaseURL != handle.BaseURL {
		t.Fatalf("handle changed: %s -> %s", handle.BaseURL, again.BaseURL)
	}

	states := pool.States()
	if states["dev-a"] != ServerRunning {
		t.Fatalf("state = %s", states["dev-a"])
	}
	if got, ok := pool.Handle("dev-a"); !ok || got.Ports.Control != 8200 {
		t.Fatalf("Handle = %+v, %v", got, ok)
	}
}

func TestServerPoolPortsExhausted(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: true}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("dev-a: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-b"); err != nil {
		t.Fatalf("dev-b: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-c"); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("dev-c err = %v, want ErrPortsExhausted", err)
	}

	// Stopping one device frees its block for the next.
	pool.Stop(context.Background(), "dev-a")
	if _, err := pool.EnsureRunning(context.Background(), "dev-c"); err != nil {
		t.Fatalf("dev-c after release: %v", err)
	}
}

func TestServerPoolStopGraceful(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: true}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	pool.Stop(context.Background(), "dev-a")
	proc := launcher.proc(0)
	if !proc.wasTerminated() {
		t.Fatal("Terminate not called")
	}
	if proc.wasKilled() {
		t.Fatal("graceful exit must not be killed")
	}
	if pool.States()["dev-a"] != ServerStopped {
		t.Fatalf("state = %s", pool.States()["dev-a"])
	}
	if pool.alloc.InUse() != 0 {
		t.Fatalf("ports still held: %d", pool.alloc.InUse())
	}
	if _, ok := pool.Handle("dev-a"); ok {
		t.Fatal("stopped server must have no handle")
	}
}

func TestServerPoolStopKillsAfterGrace(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: false}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	pool.Stop(context.Background(), "dev-a")
	proc := launcher.proc(0)
	if !proc.wasTerminated() || !proc.wasKilled() {
		t.Fatalf("terminated=%v killed=%v, want both", proc.wasTerminated(), proc.wasKilled())
	}
	if pool.alloc.InUse() != 0 {
		t.Fatal("ports must be released after kill")
	}
}

func TestServerPoolUnhealthyRestarts(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: true}
	var failNext atomic.Bool
	probe := func(ctx context.Context, baseURL string) error {
		if failNext.CompareAndSwap(true, false) {
			return errors.New("probe timeout")
		}
		return nil
	}
	pool, err := newServerPool(fastPoolConfig(), launcher, probe)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("first EnsureRunning: %v", err)
	}

	failNext.Store(true)
	handle, err := pool.EnsureRunning(context.Background(), "dev-a")
	if err != nil {
		t.Fatalf("EnsureRunning after unhealthy: %v", err)
	}
	if launcher.launchCount() != 2 {
		t.Fatalf("launches = %d, want 2 (restart)", launcher.launchCount())
	}
	if handle.Ports.Control == 0 {
		t.Fatal("restarted server has no ports")
	}
	if pool.States()["dev-a"] != ServerRunning {
		t.Fatalf("state = %s", pool.States()["dev-a"])
	}
}

func TestServerPoolCallerCancelKeepsHealthyServer(t *testing.T) {
	cfg := fastPoolConfig()
	cfg.RestartBudget = 1
	cfg.RestartWindow = time.Minute
	launcher := &fakeLauncher{exitOnTerm: true}
	// Like the HTTP probe, fail as soon as the caller's context is done.
	ctxProbe := func(ctx context.Context, baseURL string) error { return ctx.Err() }
	pool, err := newServerPool(cfg, launcher, ctxProbe)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 2; i++ {
		if _, err := pool.EnsureRunning(cancelled, "dev-a"); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d err = %v, want context.Canceled", i+1, err)
		}
	}

	// The server was never unhealthy: it must stay running, unsignalled,
	// with nothing charged against the restart budget.
	if pool.States()["dev-a"] != ServerRunning {
		t.Fatalf("state = %s, want running", pool.States()["dev-a"])
	}
	proc := launcher.proc(0)
	if proc.wasTerminated() || proc.wasKilled() {
		t.Fatal("healthy server must not be signalled when the caller gives up")
	}
	if launcher.launchCount() != 1 {
		t.Fatalf("launches = %d, want 1", launcher.launchCount())
	}

	// A later caller with a live context reuses the same server.
	handle, err := pool.EnsureRunning(context.Background(), "dev-a")
	if err != nil {
		t.Fatalf("EnsureRunning after caller cancellations: %v", err)
	}
	if handle.Ports.Control == 0 {
		t.Fatal("running server lost its ports")
	}
	if launcher.launchCount() != 1 {
		t.Fatalf("launches after reuse = %d, want 1", launcher.launchCount())
	}
}

func TestServerPoolRestartBudget(t *testing.T) {
	cfg := fastPoolConfig()
	cfg.StartupTimeout = 5 * time.Millisecond
	cfg.RestartBudget = 1
	cfg.RestartWindow = time.Minute
	launcher := &fakeLauncher{}
	pool, err := newServerPool(cfg, launcher, neverReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); !errors.Is(err, ErrServerStartFailed) {
		t.Fatalf("first err = %v, want ErrServerStartFailed", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); !errors.Is(err, ErrRestartBudgetExceeded) {
		t.Fatalf("second err = %v, want ErrRestartBudgetExceeded", err)
	}
	if pool.States()["dev-a"] != ServerFailed {
		t.Fatalf("state = %s", pool.States()["dev-a"])
	}
	if pool.alloc.InUse() != 0 {
		t.Fatal("failed starts must release their ports")
	}
}

func TestServerPoolProcessExitDuringStartup(t *testing.T) {
	cfg := fastPoolConfig()
	cfg.StartupTimeout = time.Second
	launcher := &fakeLauncher{exitImmediately: true}
	pool, err := newServerPool(cfg, launcher, neverReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); !errors.Is(err, ErrServerStartFailed) {
		t.Fatalf("err = %v, want ErrServerStartFailed", err)
	}
	if pool.alloc.InUse() != 0 {
		t.Fatal("crashed start must release its ports")
	}
}

func TestServerPoolLaunchErrorCountsAgainstBudget(t *testing.T) {
	launcher := &fakeLauncher{launchErr: errors.New("binary missing"), exitOnTerm: true}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}

	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err == nil {
		t.Fatal("expected launch error")
	}
	if pool.alloc.InUse() != 0 {
		t.Fatal("launch failure must release ports")
	}

	launcher.mu.Lock()
	launcher.launchErr = nil
	launcher.mu.Unlock()
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("EnsureRunning after recovery: %v", err)
	}
}

func TestServerPoolShutdownAll(t *testing.T) {
	launcher := &fakeLauncher{exitOnTerm: true}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-a"); err != nil {
		t.Fatalf("dev-a: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "dev-b"); err != nil {
		t.Fatalf("dev-b: %v", err)
	}

	pool.ShutdownAll(context.Background())
	states := pool.States()
	if states["dev-a"] != ServerStopped || states["dev-b"] != ServerStopped {
		t.Fatalf("states = %v", states)
	}
	if pool.alloc.InUse() != 0 {
		t.Fatalf("ports still held after shutdown: %d", pool.alloc.InUse())
	}
}

func TestServerPoolInputValidation(t *testing.T) {
	launcher := &fakeLauncher{}
	pool, err := newServerPool(fastPoolConfig(), launcher, alwaysReady)
	if err != nil {
		t.Fatalf("newServerPool: %v", err)
	}
	if _, err := pool.EnsureRunning(context.Background(), "  "); err == nil {
		t.Fatal("empty serial must be rejected")
	}

	var nilPool *AutomationServerPool
	if _, err := nilPool.EnsureRunning(context.Background(), "dev-a"); err == nil {
		t.Fatal("nil pool must error")
	}
	nilPool.Stop(context.Background(), "dev-a")
	nilPool.ShutdownAll(context.Background())
	if states := nilPool.States(); states != nil {
		t.Fatalf("nil pool states = %v", states)
	}
	if _, ok := nilPool.Handle("dev-a"); ok {
		t.Fatal("nil pool must have no handles")
	}
}

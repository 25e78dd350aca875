// Package bridge wraps the external device-control executable. All device
// I/O in this module goes through a Bridge: enumeration plus one-shot shell
// commands, every call bounded by a timeout.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrTimeout marks a bridge command killed for exceeding its timeout.
// Callers match it with errors.Is.
var ErrTimeout = errors.New("bridge command timed out")

// CommandError reports a bridge command that exited non-zero with meaningful
// stderr. Benign daemon chatter on stderr does not produce a CommandError.
type CommandError struct {
	Serial   string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Serial == "" {
		return fmt.Sprintf("bridge command failed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("bridge command on %s failed (exit %d): %s", e.Serial, e.ExitCode, e.Stderr)
}

// DeviceEntry is one row of the bridge's device listing.
type DeviceEntry struct {
	Serial string
	State  string
	// Props carries the key:value tokens the listing appends after the
	// state column (model, product, transport_id).
	Props map[string]string
}

// Ready reports whether the entry is in the fully usable state. Transitional
// states (offline, unauthorized, recovery) are not ready.
func (d DeviceEntry) Ready() bool { return d.State == StateReady }

// Raw listing states, as printed by the bridge tool.
const (
	StateReady        = "device"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
)

// Config controls how the bridge executable is invoked.
type Config struct {
	// Executable is the bridge binary name or path. Defaults to "adb".
	Executable string
	// CommandTimeout bounds every bridge invocation that does not carry an
	// explicit timeout. Defaults to 30s.
	CommandTimeout time.Duration
}

// Bridge shells out to the device-control executable.
type Bridge struct {
	path           string
	commandTimeout time.Duration
}

// New resolves the bridge executable and returns a Bridge. A missing
// executable is a fatal construction error; nothing else in the module can
// operate without it.
func New(cfg Config) (*Bridge, error) {
	path := strings.TrimSpace(cfg.Executable)
	if path == "" {
		path = "adb"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, errors.Wrapf(err, "device bridge executable %q not found", path)
	}
	timeout := cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Bridge{path: resolved, commandTimeout: timeout}, nil
}

// Path returns the resolved executable path.
func (b *Bridge) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// ListDevices enumerates devices currently visible to the bridge, in every
// state. Callers filter by Ready.
func (b *Bridge) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	if b == nil {
		return nil, errors.New("bridge is nil")
	}
	out, err := b.exec(ctx, "", b.commandTimeout, "devices", "-l")
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}
	return ParseDeviceList(out), nil
}

// Run executes one shell command against a device. A non-positive timeout
// falls back to the configured command timeout. Returns stdout with
// surrounding whitespace trimmed.
func (b *Bridge) Run(ctx context.Context, serial string, args []string, timeout time.Duration) (string, error) {
	if b == nil {
		return "", errors.New("bridge is nil")
	}
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return "", errors.New("bridge run: empty device serial")
	}
	if len(args) == 0 {
		return "", errors.New("bridge run: empty shell command")
	}
	if timeout <= 0 {
		timeout = b.commandTimeout
	}
	cmdArgs := append([]string{"-s", serial, "shell"}, args...)
	return b.exec(ctx, serial, timeout, cmdArgs...)
}

func (b *Bridge) exec(ctx context.Context, serial string, timeout time.Duration, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.Wrapf(ErrTimeout, "%s %s after %s", b.path, strings.Join(args, " "), timeout)
	}
	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		if msg := meaningfulStderr(stderr.String()); msg != "" {
			return "", &CommandError{Serial: serial, ExitCode: exitCode, Stderr: msg}
		}
		return "", errors.Wrapf(runErr, "run %s %s", b.path, strings.Join(args, " "))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// meaningfulStderr strips benign bridge chatter and returns the remaining
// stderr text, empty when nothing meaningful is left.
func meaningfulStderr(raw string) string {
	var kept []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isBenignStderrLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isBenignStderrLine(line string) bool {
	benign := []string{
		"* daemon not running",
		"* daemon started successfully",
		"Warning:",
		"adb: starting server",
	}
	for _, prefix := range benign {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// ParseDeviceList parses `devices -l` output. The header line and empty
// lines are skipped; key:value tokens after the state column land in Props.
func ParseDeviceList(out string) []DeviceEntry {
	var entries []DeviceEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		entry := DeviceEntry{Serial: fields[0], State: fields[1]}
		for _, tok := range fields[2:] {
			k, v, ok := strings.Cut(tok, ":")
			if !ok || k == "" {
				continue
			}
			if entry.Props == nil {
				entry.Props = make(map[string]string)
			}
			entry.Props[k] = v
		}
		entries = append(entries, entry)
	}
	return entries
}

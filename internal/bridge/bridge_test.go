package bridge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func writeFakeBridge(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakebridge")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake bridge: %v", err)
	}
	return path
}

func TestNewMissingExecutable(t *testing.T) {
	_, err := New(Config{Executable: filepath.Join(t.TempDir(), "no-such-bridge")})
	if err == nil {
		t.Fatalf("expected error for missing executable")
	}
}

func TestParseDeviceList(t *testing.T) {
	out := `List of devices attached
emulator-5554          device product:sdk_gphone64 model:Pixel_6 transport_id:1
0123456789ABCDEF       offline
AAAA                   unauthorized

`
	entries := ParseDeviceList(out)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Serial != "emulator-5554" || !first.Ready() {
		t.Fatalf("unexpected first entry: %+v", first)
	}
	if first.Props["model"] != "Pixel_6" {
		t.Fatalf("expected model prop, got %+v", first.Props)
	}
	if entries[1].Ready() || entries[2].Ready() {
		t.Fatalf("offline/unauthorized must not be ready")
	}
}

func TestListDevices(t *testing.T) {
	exe := writeFakeBridge(t, `echo "List of devices attached"
echo "serial-a	device model:TestModel"
echo "serial-b	offline"`)
	b, err := New(Config{Executable: exe})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	entries, err := b.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Serial != "serial-a" || entries[0].Props["model"] != "TestModel" {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestRunTimeout(t *testing.T) {
	exe := writeFakeBridge(t, "sleep 5")
	b, err := New(Config{Executable: exe})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	_, err = b.Run(context.Background(), "serial-a", []string{"echo", "hi"}, 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRunCommandError(t *testing.T) {
	exe := writeFakeBridge(t, `echo "device offline" 1>&2
exit 1`)
	b, err := New(Config{Executable: exe})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	_, err = b.Run(context.Background(), "serial-a", []string{"echo", "hi"}, time.Second)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.ExitCode != 1 || cmdErr.Stderr != "device offline" {
		t.Fatalf("unexpected command error: %+v", cmdErr)
	}
}

func TestRunBenignStderrIgnored(t *testing.T) {
	exe := writeFakeBridge(t, `echo "* daemon not running; starting now at tcp:5037" 1>&2
echo "ok"`)
	b, err := New(Config{Executable: exe})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	out, err := b.Run(context.Background(), "serial-a", []string{"echo", "ok"}, time.Second)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "ok" {
		t.Fatalf("expected trimmed stdout %q, got %q", "ok", out)
	}
}

func TestRunValidation(t *testing.T) {
	exe := writeFakeBridge(t, "echo ok")
	b, err := New(Config{Executable: exe})
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	if _, err := b.Run(context.Background(), " ", []string{"echo"}, time.Second); err == nil {
		t.Fatalf("expected error for empty serial")
	}
	if _, err := b.Run(context.Background(), "serial-a", nil, time.Second); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// hostUUID returns a stable identifier for the machine running the daemon,
// used to tag device mirror rows and recorder entries with their managing
// host. On macOS it uses `system_profiler`; on Linux it prefers
// /etc/machine-id then /sys/class/dmi/id/product_uuid. When no hardware
// identity is readable it falls back to a generated UUID persisted next to
// the user cache so the value survives restarts.
func hostUUID() string {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		if out, err := cmd.Output(); err == nil {
			if id := strings.TrimSpace(string(out)); id != "" {
				return id
			}
		}
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id
		}
	}
	return persistedHostUUID()
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// persistedHostUUID loads a previously generated host ID, minting and
// saving one when absent. Failures degrade to an unsaved fresh UUID.
func persistedHostUUID() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return uuid.NewString()
	}
	path := filepath.Join(dir, "device-orchestrator", "host_id")
	if id, err := readSystemFile(path); err == nil && id != "" {
		return id
	}
	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return id
	}
	_ = os.WriteFile(path, []byte(id+"\n"), 0o644)
	return id
}

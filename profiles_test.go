package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func writeProfileFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile file: %v", err)
	}
	return path
}

func TestLoadProfileInventory(t *testing.T) {
	path := writeProfileFile(t, `
profiles:
  - profile_id: persona-us-1
    proxy:
      host: 10.20.0.5
      port: 3128
      username: client
      password: hunter2
    fingerprint:
      user_agent: "Mozilla/5.0 (Linux; Android 14)"
      timezone: America/New_York
      locale: en-US
  - profile_id: persona-de-1
    status: disabled
    proxy:
      host: 10.20.0.6
      port: 3128
`)

	profiles, err := LoadProfileInventory(path)
	if err != nil {
		t.Fatalf("LoadProfileInventory: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("loaded %d profiles, want 2", len(profiles))
	}

	first := profiles[0]
	if first.ProfileID != "persona-us-1" {
		t.Fatalf("profile id = %q", first.ProfileID)
	}
	if first.Proxy.Addr() != "10.20.0.5:3128" {
		t.Fatalf("proxy addr = %q", first.Proxy.Addr())
	}
	if first.Proxy.Username != "client" {
		t.Fatalf("proxy username = %q", first.Proxy.Username)
	}
	if first.Fingerprint.Timezone != "America/New_York" || first.Fingerprint.Locale != "en-US" {
		t.Fatalf("fingerprint = %+v", first.Fingerprint)
	}
	if first.Status != "" {
		t.Fatalf("unset status decoded as %q", first.Status)
	}

	second := profiles[1]
	if second.Status != ProfileDisabled {
		t.Fatalf("status = %q, want disabled", second.Status)
	}
}

func TestLoadProfileInventoryProxyURL(t *testing.T) {
	plain := ProxyConfig{Host: "10.0.0.1", Port: 8080}
	if got := plain.URL(); got != "http://10.0.0.1:8080" {
		t.Fatalf("url = %q", got)
	}
	withAuth := ProxyConfig{Host: "10.0.0.1", Port: 8080, Username: "user name", Password: "p@ss"}
	if got := withAuth.URL(); !strings.HasPrefix(got, "http://user+name:") || !strings.HasSuffix(got, "@10.0.0.1:8080") {
		t.Fatalf("url with credentials = %q", got)
	}
}

func TestLoadProfileInventoryMissingFile(t *testing.T) {
	_, err := LoadProfileInventory(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoadProfileInventoryEmpty(t *testing.T) {
	path := writeProfileFile(t, "profiles: []\n")
	if _, err := LoadProfileInventory(path); err == nil || !strings.Contains(err.Error(), "no profiles") {
		t.Fatalf("err = %v, want no-profiles rejection", err)
	}
}

func TestLoadProfileInventoryMalformed(t *testing.T) {
	path := writeProfileFile(t, "profiles: [unterminated\n")
	if _, err := LoadProfileInventory(path); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

package orchestrator

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// profileInventory is the on-disk shape of the identity profile file.
type profileInventory struct {
	Profiles []IdentityProfile `yaml:"profiles"`
}

// LoadProfileInventory reads identity profiles from a YAML file. The binder
// validates ids and proxy endpoints; this only decodes.
func LoadProfileInventory(path string) ([]IdentityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read profile inventory")
	}
	var inv profileInventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, errors.Wrapf(err, "parse profile inventory %s", path)
	}
	if len(inv.Profiles) == 0 {
		return nil, errors.Errorf("profile inventory %s contains no profiles", path)
	}
	return inv.Profiles, nil
}

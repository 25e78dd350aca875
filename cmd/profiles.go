package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	orchestrator "github.com/devicefarm/orchestrator"
)

func newProfilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List the configured identity profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Binder.ProfilesFile) == "" {
				return errors.New("no profiles file configured, set binder.profiles_file or $PROFILES_FILE")
			}
			profiles, err := orchestrator.LoadProfileInventory(cfg.Binder.ProfilesFile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "PROFILE\tSTATUS\tPROXY\tTIMEZONE\tLOCALE")
			for _, profile := range profiles {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					profile.ProfileID, profile.Status, orDash(profile.Proxy.Addr()),
					orDash(profile.Fingerprint.Timezone), orDash(profile.Fingerprint.Locale))
			}
			return w.Flush()
		},
	}
	return cmd
}

package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	orchestrator "github.com/devicefarm/orchestrator"
	"github.com/devicefarm/orchestrator/internal/bridge"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Scan connected devices once and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			br, err := bridge.New(bridge.Config{
				Executable:     cfg.Bridge.Executable,
				CommandTimeout: time.Duration(cfg.Bridge.CommandTimeoutSeconds) * time.Second,
			})
			if err != nil {
				return err
			}
			scanner := orchestrator.NewScanner(br, orchestrator.ScannerConfig{
				QueryTimeout: time.Duration(cfg.Scanner.QueryTimeoutSeconds) * time.Second,
				Allowlist:    cfg.Scanner.Allowlist,
			})
			devices, err := scanner.Scan(cmd.Context())
			if err != nil {
				return err
			}
			printDeviceTable(devices)
			return nil
		},
	}
	return cmd
}

func printDeviceTable(devices []orchestrator.Device) {
	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
	fmt.Fprintln(w, "SERIAL\tSTATUS\tMODEL\tOS\tBATTERY\tIP")
	for _, dev := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
			dev.Serial, dev.Status, orDash(dev.Model), orDash(dev.OSVersion), dev.Battery, orDash(dev.IP))
	}
	_ = w.Flush()
}

func orDash(val string) string {
	if val == "" {
		return "-"
	}
	return val
}

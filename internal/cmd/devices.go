package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/trainctl/pkg/devices"
)

var devicesJSON bool

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List accelerator devices on this host",
	Long: `List accelerator devices as reported by nvidia-smi, in the index order
used by experiment device selections and CUDA_VISIBLE_DEVICES.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Output as JSON")
}

func runDevices(cmd *cobra.Command, _ []string) error {
	devs, err := newEnumerator().Devices(cmd.Context())
	if err != nil {
		if errors.Is(err, devices.ErrEnumerationUnavailable) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Device enumeration unavailable", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list devices", err)
	}

	if devicesJSON {
		if devs == nil {
			devs = []devices.Device{}
		}
		return printJSON(os.Stdout, devs)
	}
	if len(devs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No devices found")
		return nil
	}
	writeDeviceTable(os.Stdout, devs)
	return nil
}

func writeDeviceTable(w io.Writer, devs []devices.Device) {
	t := newTable(w, []any{"INDEX", "NAME", "MEMORY USED", "MEMORY TOTAL", "UTIL"})
	for _, d := range devs {
		t.AppendRow([]any{
			d.Index,
			d.Name,
			fmt.Sprintf("%d MiB", d.MemoryUsedMiB),
			fmt.Sprintf("%d MiB", d.MemoryTotalMiB),
			fmt.Sprintf("%d%%", d.UtilizationPercent),
		})
	}
	t.Render()
}

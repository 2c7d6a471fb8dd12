package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(_ *cobra.Command, _ []string) error {
		if versionJSON {
			return printJSON(os.Stdout, map[string]string{
				"name":       binaryName(),
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
			})
		}
		_, _ = fmt.Fprintf(os.Stdout, "%s %s\n", binaryName(), versionInfo.Version)
		_, _ = fmt.Fprintf(os.Stdout, "commit=%s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(os.Stdout, "build_date=%s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(os.Stdout, "go=%s\n", runtime.Version())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

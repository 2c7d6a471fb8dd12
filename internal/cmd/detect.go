package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/trainctl/pkg/deps"
)

var detectJSON bool

var detectCmd = &cobra.Command{
	Use:   "detect [project_dir]",
	Short: "Detect a project's dependency manifest",
	Long: `Detect which dependency manifest a project root carries.

Only the root directory is inspected. When several manifests are present the
highest priority wins: requirements list, project metadata (pyproject.toml),
legacy setup script, environment definition (environment.yml).

Examples:
  trainctl detect            # current directory
  trainctl detect ./my-proj --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().BoolVar(&detectJSON, "json", false, "Output as JSON")
}

func runDetect(_ *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	m, err := deps.Detect(root)
	if err != nil {
		if errors.Is(err, deps.ErrPathNotFound) {
			return exitError(foundry.ExitFileNotFound, "Project not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Dependency detection failed", err)
	}

	if detectJSON {
		return printJSON(os.Stdout, m)
	}
	writeManifest(os.Stdout, m)
	return nil
}

func writeManifest(w io.Writer, m *deps.Manifest) {
	_, _ = fmt.Fprintf(w, "kind=%s\n", m.Kind)
	if m.None() {
		return
	}
	_, _ = fmt.Fprintf(w, "path=%s\n", m.Path)
	_, _ = fmt.Fprintf(w, "packages=%d\n", len(m.Packages))
	if len(m.Packages) > 0 {
		_, _ = fmt.Fprintf(w, "package_list=%s\n", strings.Join(m.Packages, ","))
	}
	if m.PythonRequires != "" {
		_, _ = fmt.Fprintf(w, "python_requires=%s\n", m.PythonRequires)
	}
	if m.EnvironmentName != "" {
		_, _ = fmt.Fprintf(w, "environment_name=%s\n", m.EnvironmentName)
	}
	for _, warn := range m.Warnings {
		_, _ = fmt.Fprintf(w, "warning=%s\n", warn)
	}
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/experiment"
	"github.com/3leaps/trainctl/pkg/provision"
)

var (
	envFile string
	envJSON bool
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Provision and inspect experiment environments",
	Long: `Drive the environment provisioner outside a full run.

Each subcommand reads the experiment config for the environment name,
Python version and creation policy. Environments are never deleted by
trainctl.`,
}

var envEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create or look up the experiment's environment",
	RunE:  runEnvEnsure,
}

var envInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the project's dependencies into its environment",
	Long: `Install the detected dependency manifest into the experiment's
environment. An existing environment is reused. Installing an unchanged
manifest again is a no-op.`,
	RunE: runEnvInstall,
}

var envVerifyCmd = &cobra.Command{
	Use:   "verify [capability...]",
	Short: "Probe capabilities inside the experiment's environment",
	Long: `Run capability probes inside the experiment's environment. A missing
capability is reported, not treated as an error.

With no arguments every known capability is probed.`,
	RunE: runEnvVerify,
}

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.AddCommand(envEnsureCmd)
	envCmd.AddCommand(envInstallCmd)
	envCmd.AddCommand(envVerifyCmd)

	envCmd.PersistentFlags().StringVarP(&envFile, "file", "f", "experiment.yaml", "Experiment config file")
	envCmd.PersistentFlags().BoolVar(&envJSON, "json", false, "Output as JSON")
}

// ensureEnv loads the experiment and ensures its environment. reuse lets
// create-new adopt an environment that already exists.
func ensureEnv(ctx context.Context, reuse bool) (*experiment.Config, *provision.Provisioner, *provision.Handle, error) {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	exp, err := loadExperiment(envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	prov, err := newProvisioner(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	spec := exp.ProvisionSpec()
	if reuse {
		spec.AllowReuse = true
	}
	h, err := prov.Ensure(ctx, spec)
	if err != nil {
		return nil, nil, nil, provisionError("Environment setup failed", err)
	}
	return exp, prov, h, nil
}

// provisionError prints the verbatim tool output before returning the error.
func provisionError(message string, err error) error {
	if out := strings.TrimRight(provision.ToolOutput(err), "\n"); out != "" {
		_, _ = fmt.Fprintf(os.Stderr, "--- tool output ---\n%s\n--- end tool output ---\n", out)
	}
	if errors.Is(err, provision.ErrEnvironmentNotFound) {
		return exitError(foundry.ExitFileNotFound, message, err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, message, err)
}

func runEnvEnsure(cmd *cobra.Command, _ []string) error {
	_, _, h, err := ensureEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	if envJSON {
		return printJSON(os.Stdout, h)
	}
	writeHandle(os.Stdout, h)
	return nil
}

func runEnvInstall(cmd *cobra.Command, _ []string) error {
	exp, prov, h, err := ensureEnv(cmd.Context(), true)
	if err != nil {
		return err
	}

	m, err := deps.Detect(exp.Project)
	if err != nil {
		if errors.Is(err, deps.ErrPathNotFound) {
			return exitError(foundry.ExitFileNotFound, "Project not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Dependency detection failed", err)
	}
	if m.None() {
		observability.CLILogger.Info("No dependency manifest found; nothing to install",
			zap.String("project", exp.Project))
		if envJSON {
			return printJSON(os.Stdout, &provision.InstallReport{Skipped: true, Reason: "no manifest"})
		}
		_, _ = fmt.Fprintln(os.Stdout, "install=skipped (no manifest)")
		return nil
	}

	rep, err := prov.Install(cmd.Context(), h, m)
	if err != nil {
		return provisionError("Dependency install failed", err)
	}
	if envJSON {
		return printJSON(os.Stdout, rep)
	}
	writeHandle(os.Stdout, h)
	_, _ = fmt.Fprintf(os.Stdout, "manifest=%s\n", rep.Manifest)
	if rep.Skipped {
		_, _ = fmt.Fprintf(os.Stdout, "install=skipped (%s)\n", rep.Reason)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "install=%s\n", rep.Command)
	_, _ = fmt.Fprintf(os.Stdout, "fingerprint=%s\n", rep.Fingerprint)
	_, _ = fmt.Fprintf(os.Stdout, "duration=%s\n", rep.Duration)
	return nil
}

func runEnvVerify(cmd *cobra.Command, args []string) error {
	_, prov, h, err := ensureEnv(cmd.Context(), true)
	if err != nil {
		return err
	}

	capabilities := args
	if len(capabilities) == 0 {
		capabilities = provision.Capabilities()
	}

	reports := make([]*provision.CapabilityReport, 0, len(capabilities))
	for _, c := range capabilities {
		rep, err := prov.Verify(cmd.Context(), h, c)
		if err != nil {
			if errors.Is(err, provision.ErrUnknownCapability) {
				return exitError(foundry.ExitInvalidArgument, "Unknown capability",
					fmt.Errorf("%w (known: %s)", err, strings.Join(provision.Capabilities(), ", ")))
			}
			return exitError(foundry.ExitExternalServiceUnavailable, "Capability probe failed", err)
		}
		reports = append(reports, rep)
	}

	if envJSON {
		return printJSON(os.Stdout, reports)
	}
	writeCapabilities(os.Stdout, reports)
	return nil
}

func writeHandle(w io.Writer, h *provision.Handle) {
	_, _ = fmt.Fprintf(w, "environment=%s\n", h.Name)
	_, _ = fmt.Fprintf(w, "backend=%s\n", h.Backend)
	if h.Prefix != "" {
		_, _ = fmt.Fprintf(w, "prefix=%s\n", h.Prefix)
	}
	_, _ = fmt.Fprintf(w, "python=%s\n", h.Python)
	_, _ = fmt.Fprintf(w, "created=%t\n", h.Created)
}

func writeCapabilities(w io.Writer, reports []*provision.CapabilityReport) {
	t := newTable(w, []any{"CAPABILITY", "AVAILABLE", "DEVICES", "VERSION"})
	for _, r := range reports {
		t.AppendRow([]any{r.Capability, r.Available, r.DeviceCount, orDash(r.Version)})
	}
	t.Render()
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainctl/internal/config"
	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/runner"
)

// doctorProbeTimeout bounds each external tool probe.
const doctorProbeTimeout = 15 * time.Second

var doctorRunner runner.Runner = runner.Exec{}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the host collaborators trainctl drives and
suggest fixes for common issues.

Checks: platform, config directory, data directory, environment backend
(conda or venv), Python interpreter, accelerator enumeration (nvidia-smi).

Examples:
  trainctl doctor
  trainctl doctor --data-dir /scratch/trainctl`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, _ []string) {
	bannerName := binaryName() + " doctor"
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		ExitWithCode(observability.CLILogger, exitCodeOf(err), "Cannot load configuration", err)
		return
	}

	ctx := cmd.Context()
	allChecks := true
	checkNum := 1
	totalChecks := 6

	// Check 1: Platform
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking platform... ✅ %s/%s %s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH, runtime.Version()),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	if runtime.GOOS == "windows" {
		observability.CLILogger.Warn("    process groups and signals are POSIX-only; jobs cannot be supervised here")
		allChecks = false
	}
	checkNum++

	// Check 2: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory", err)
		return
	}
	configPath := filepath.Join(configDir, config.AppName, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configPath),
			zap.String("config_file", configPath))
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s (no config file; defaults in use)", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 3: Data directory
	if err := checkWritableDir(cfg.DataDir); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking data directory... ❌ %s is not writable", checkNum, totalChecks, cfg.DataDir),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileWriteError, "Data directory is not writable", err)
		return
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking data directory... ✅ %s", checkNum, totalChecks, cfg.DataDir),
		zap.String("data_dir", cfg.DataDir))
	checkNum++

	// Check 4: Environment backend
	label, version, err := checkBackend(ctx, doctorRunner, cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %v", checkNum, totalChecks, label, err))
		printBackendHelp(cfg.Provision.Backend)
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", checkNum, totalChecks, label, version),
			zap.String("backend", cfg.Provision.Backend))
	}
	checkNum++

	// Check 5: Python interpreter
	pyVersion, err := probeTool(ctx, doctorRunner, cfg.Provision.PythonBin, "--version")
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Python interpreter... ❌ %v", checkNum, totalChecks, err),
			zap.String("python_bin", cfg.Provision.PythonBin))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Python interpreter... ✅ %s", checkNum, totalChecks, pyVersion),
			zap.String("python_bin", cfg.Provision.PythonBin))
	}
	checkNum++

	// Check 6: Accelerators. Absence only limits device selection and samples.
	devs, err := devices.NewNvidiaSMI(doctorRunner).Devices(ctx)
	switch {
	case err != nil:
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking accelerators... ⚠️  nvidia-smi unavailable; jobs run without device sampling", checkNum, totalChecks),
			zap.Error(err))
	case len(devs) == 0:
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking accelerators... ⚠️  no devices reported", checkNum, totalChecks))
	default:
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking accelerators... ✅ %d device(s), %s", checkNum, totalChecks, len(devs), devs[0].Name),
			zap.Int("device_count", len(devs)))
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkWritableDir creates dir if needed and proves a file can be written.
func checkWritableDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.New("data directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// checkBackend probes the tool behind the configured environment backend.
func checkBackend(ctx context.Context, r runner.Runner, cfg *config.Config) (label, version string, err error) {
	switch cfg.Provision.Backend {
	case "venv":
		label = "venv backend"
		if _, err := probeTool(ctx, r, cfg.Provision.PythonBin, "-c", "import venv, ensurepip"); err != nil {
			return label, "", err
		}
		return label, "python venv + ensurepip", nil
	default:
		label = "conda backend"
		version, err = probeTool(ctx, r, cfg.Provision.CondaBin, "--version")
		return label, version, err
	}
}

// probeTool runs name with args and returns the first non-empty output line.
func probeTool(ctx context.Context, r runner.Runner, name string, args ...string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("no executable configured")
	}
	ctx, cancel := context.WithTimeout(ctx, doctorProbeTimeout)
	defer cancel()

	res, err := r.Run(ctx, runner.Command{Name: name, Args: args})
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	line := firstOutputLine(res.Output)
	if res.ExitCode != 0 {
		if line == "" {
			line = "no output"
		}
		return "", fmt.Errorf("%s exited %d: %s", name, res.ExitCode, line)
	}
	if line == "" {
		line = name
	}
	return line, nil
}

func firstOutputLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func printBackendHelp(backend string) {
	observability.CLILogger.Info("")
	if backend == "venv" {
		observability.CLILogger.Info("The venv backend needs a Python 3 with the venv and ensurepip modules:")
		observability.CLILogger.Info("  - Debian/Ubuntu: apt install python3-venv")
		observability.CLILogger.Info("  - or set provision.python_bin / TRAINCTL_PYTHON_BIN to another interpreter")
	} else {
		observability.CLILogger.Info("The conda backend needs conda, mamba or micromamba on PATH:")
		observability.CLILogger.Info("  1. Install Miniforge (https://github.com/conda-forge/miniforge), or")
		observability.CLILogger.Info("  2. Set provision.conda_bin / TRAINCTL_CONDA_BIN, or")
		observability.CLILogger.Info("  3. Switch to the venv backend (provision.backend: venv)")
	}
	observability.CLILogger.Info("")
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/3leaps/trainctl/internal/config"
	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/internal/server/handlers"
)

// Identity names the binary in logs and help output.
type Identity struct {
	BinaryName string
}

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var appIdentity *Identity

var (
	cfgFile  string
	verbose  bool
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "trainctl",
	Short: "Run and supervise ML training experiments",
	Long: `trainctl takes a training project from source to a supervised job.

A run detects the project's dependency manifest, provisions an isolated
environment, optionally instruments the entry script with experiment
telemetry, launches the training command detached, supervises it and
diagnoses it if it fails.

Jobs outlive the command that launched them. Use 'trainctl jobs' to inspect,
follow, stop or re-supervise them.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	appIdentity = &Identity{
		BinaryName: config.AppName,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/trainctl/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Override the data directory (job registry, venvs)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// SetVersionInfo records build metadata for 'version', 'serve' and doctor.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the application identity, or nil before init.
func GetAppIdentity() *Identity {
	return appIdentity
}

func binaryName() string {
	if id := GetAppIdentity(); id != nil && id.BinaryName != "" {
		return id.BinaryName
	}
	return config.AppName
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(binaryName(), verbose)

	config.SetConfigFile(cfgFile)
	overrides := map[string]any{}
	if dataDir != "" {
		overrides["data_dir"] = dataDir
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(exitCodeForConfig(err), "Invalid configuration", err)
	}

	if !verbose {
		if err := observability.SetLevel(binaryName(), cfg.Logging.Level); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid log level", err)
		}
	}
	observability.CLILogger.Debug("configuration loaded",
		zap.String("data_dir", cfg.DataDir),
		zap.String("backend", cfg.Provision.Backend))
	return nil
}

// Execute runs the command tree and returns the process exit code. SIGINT
// and SIGTERM cancel the command context; launched jobs keep running.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCodeOf(err)
}

// ExitWithCode logs err and terminates the process. Only for checks after
// which nothing useful can run.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
		_ = logger.Sync()
	}
	os.Exit(code)
}

func exitCodeOf(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return exitGeneralFailure
}

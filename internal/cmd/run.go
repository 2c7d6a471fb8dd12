package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/lifecycle"
)

var (
	runFile                   string
	runDetach                 bool
	runJSON                   bool
	runEvents                 string
	runRequireInstrumentation bool
	runRestore                bool
	runCapabilities           []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment end to end",
	Long: `Run an experiment: detect dependencies, provision the environment,
instrument the entry script, launch the training command and supervise it
until it ends. Failed jobs are diagnosed.

The run writes JSONL records to the job's events.jsonl. Use --events - to
also stream them to stdout, or --events <path> to copy them to a file.

Interrupting the command stops supervision only; the job keeps running and
can be picked up again with 'trainctl jobs watch'.

Examples:
  trainctl run                          # uses ./experiment.yaml
  trainctl run -f exp.yaml --detach     # stop once the job is launched
  trainctl run --capability cuda --json`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runFile, "file", "f", "experiment.yaml", "Experiment config file (YAML or JSON)")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Return once the job is launched")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final report as JSON")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Also write JSONL run records here ('-' for stdout)")
	runCmd.Flags().BoolVar(&runRequireInstrumentation, "require-instrumentation", false, "Fail the run when the entry script cannot be instrumented")
	runCmd.Flags().BoolVar(&runRestore, "restore", false, "Restore the original entry script once the job ends")
	runCmd.Flags().StringSliceVar(&runCapabilities, "capability", nil, "Capabilities to verify after provisioning (e.g. cuda, torch)")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	exp, err := loadExperiment(runFile)
	if err != nil {
		return err
	}

	events, closeEvents, err := openEventSink(runEvents)
	if err != nil {
		return err
	}
	defer closeEvents()

	orch, err := newOrchestrator(cfg, lifecycle.Options{
		Events:                 events,
		Capabilities:           runCapabilities,
		Detach:                 runDetach,
		RequireInstrumentation: runRequireInstrumentation,
		RestoreSource:          runRestore,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot start run", err)
	}

	observability.CLILogger.Info("Starting run",
		zap.String("experiment", exp.Name),
		zap.String("project", exp.Project),
		zap.Strings("command", exp.Command))

	rep := orch.Run(cmd.Context(), exp)

	if runJSON {
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else {
		writeReport(os.Stdout, rep)
	}
	return outcomeError(rep)
}

// openEventSink returns the writer for --events. An empty target discards.
func openEventSink(target string) (io.Writer, func(), error) {
	target = strings.TrimSpace(target)
	switch target {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileWriteError, "Cannot open events file", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// outcomeError maps a terminal report to the command's exit status.
func outcomeError(rep *lifecycle.Report) error {
	cause := rep.Err
	if cause == nil {
		cause = errors.New(string(rep.Outcome))
	}

	switch rep.Outcome {
	case lifecycle.OutcomeSucceeded, lifecycle.OutcomeLaunched:
		return nil
	case lifecycle.OutcomeFailed, lifecycle.OutcomeUnknown:
		msg := "Job " + string(rep.Outcome)
		if rep.Diagnosis != nil {
			msg += " (" + string(rep.Diagnosis.Category) + ")"
		}
		return exitError(exitGeneralFailure, msg, cause)
	case lifecycle.OutcomeKilled:
		return exitError(foundry.ExitSignalInt, "Job killed", cause)
	case lifecycle.OutcomeInstrumentFailed:
		return exitError(foundry.ExitFileWriteError, "Instrumentation failed", cause)
	case lifecycle.OutcomeLaunchFailed:
		if errors.Is(cause, jobregistry.ErrExecutableNotFound) {
			return exitError(foundry.ExitFileNotFound, "Launch failed", cause)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Launch failed", cause)
	case lifecycle.OutcomeSetupFailed:
		switch {
		case errors.Is(cause, deps.ErrPathNotFound):
			return exitError(foundry.ExitFileNotFound, "Setup failed", cause)
		case rep.HaltedIn == lifecycle.PhaseConfiguring:
			return exitError(foundry.ExitInvalidArgument, "Setup failed", cause)
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Setup failed", cause)
		}
	default:
		return exitError(exitGeneralFailure, "Run ended "+string(rep.Outcome), cause)
	}
}

// writeReport prints a report as key=value lines followed by the diagnosis
// and any captured tool output.
func writeReport(w io.Writer, rep *lifecycle.Report) {
	kv := func(k, v string) {
		if v != "" {
			_, _ = fmt.Fprintf(w, "%s=%s\n", k, v)
		}
	}

	kv("run_id", rep.RunID)
	kv("experiment", rep.Experiment)
	kv("outcome", string(rep.Outcome))
	kv("phase", string(rep.Phase))
	kv("halted_in", string(rep.HaltedIn))
	if rep.Manifest != nil {
		kv("manifest", string(rep.Manifest.Kind))
	}
	if rep.Environment != nil {
		kv("environment", rep.Environment.Name)
		kv("python", rep.Environment.Python)
	}
	if rep.Install != nil {
		if rep.Install.Skipped {
			kv("install", "skipped: "+rep.Install.Reason)
		} else {
			kv("install", rep.Install.Command)
		}
	}
	for _, c := range rep.Capabilities {
		kv("capability."+c.Capability, fmt.Sprintf("available=%t devices=%d", c.Available, c.DeviceCount))
	}
	if inst := rep.Instrumentation; inst != nil {
		switch {
		case inst.Applied:
			kv("instrumented", inst.File)
			kv("backup", inst.Backup)
		case inst.Skipped:
			kv("instrumented", "no ("+inst.Reason+")")
		}
		if inst.Restored {
			kv("restored", "true")
		}
	}
	if len(rep.Devices) > 0 {
		kv("devices", devices.FormatIndices(rep.Devices))
	}
	if job := rep.Job; job != nil {
		kv("job_id", job.JobID)
		kv("state", string(job.State))
		if job.PID > 0 {
			kv("pid", fmt.Sprintf("%d", job.PID))
		}
		if job.ExitCode != nil {
			kv("exit_code", formatExitCode(job.ExitCode))
		}
		kv("log_path", job.LogPath)
	}
	if d := rep.Duration(); d > 0 {
		kv("duration", d.Round(time.Millisecond).String())
	}
	kv("error", rep.Error)

	if diag := rep.Diagnosis; diag != nil {
		_, _ = fmt.Fprintf(w, "\nDiagnosis: %s\n  %s\n", diag.Category, diag.Summary)
		if len(diag.Remediations) > 0 {
			_, _ = fmt.Fprintln(w, "Remediations:")
			for i, r := range diag.Remediations {
				_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, r)
			}
		}
		if len(diag.Evidence) > 0 {
			_, _ = fmt.Fprintln(w, "Evidence:")
			for _, line := range diag.Evidence {
				_, _ = fmt.Fprintf(w, "  | %s\n", line)
			}
		}
	}

	if out := strings.TrimRight(rep.ToolOutput, "\n"); out != "" {
		_, _ = fmt.Fprintf(w, "\n--- tool output ---\n%s\n--- end tool output ---\n", out)
	}
}

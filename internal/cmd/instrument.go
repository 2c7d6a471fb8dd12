package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/instrument"
)

var (
	instrumentFile    string
	instrumentProject string
	instrumentJSON    bool
	instrumentDiff    bool
)

var instrumentCmd = &cobra.Command{
	Use:   "instrument",
	Short: "Plan and apply experiment telemetry in a training script",
	Long: `Insert experiment telemetry (wandb) into a Python training script.

'plan' shows what would change and which intents have no anchor. 'apply'
writes the change and keeps the original next to it as <file>.trainctl.bak.
'revert' puts the original back; 'discard' accepts the change and removes
the backup.

Without a file argument the experiment config's entry script is used.`,
}

var instrumentPlanCmd = &cobra.Command{
	Use:   "plan [file]",
	Short: "Show the instrumentation plan for a script",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstrumentPlan,
}

var instrumentApplyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Instrument a script in place, keeping a backup",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstrumentApply,
}

var instrumentRevertCmd = &cobra.Command{
	Use:   "revert [file]",
	Short: "Restore a script from its instrumentation backup",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstrumentRevert,
}

var instrumentDiscardCmd = &cobra.Command{
	Use:   "discard [file]",
	Short: "Keep the instrumented script and delete its backup",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInstrumentDiscard,
}

func init() {
	rootCmd.AddCommand(instrumentCmd)
	instrumentCmd.AddCommand(instrumentPlanCmd)
	instrumentCmd.AddCommand(instrumentApplyCmd)
	instrumentCmd.AddCommand(instrumentRevertCmd)
	instrumentCmd.AddCommand(instrumentDiscardCmd)

	instrumentCmd.PersistentFlags().StringVarP(&instrumentFile, "file", "f", "experiment.yaml", "Experiment config used when no script is given")
	instrumentCmd.PersistentFlags().StringVar(&instrumentProject, "project", "", "Telemetry project name (default: from the experiment config)")
	instrumentPlanCmd.Flags().BoolVar(&instrumentJSON, "json", false, "Output as JSON")
	instrumentPlanCmd.Flags().BoolVar(&instrumentDiff, "diff", false, "Print the change as a unified diff")
	instrumentApplyCmd.Flags().BoolVar(&instrumentJSON, "json", false, "Output as JSON")
}

// instrumentTarget picks the script and telemetry project.
func instrumentTarget(args []string) (string, string, error) {
	project := instrumentProject
	if len(args) == 1 {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", exitError(foundry.ExitInvalidArgument, "Invalid script path", err)
		}
		return path, project, nil
	}

	exp, err := loadExperiment(instrumentFile)
	if err != nil {
		return "", "", err
	}
	path := exp.EntryScript()
	if path == "" {
		return "", "", exitError(foundry.ExitInvalidArgument, "No entry script",
			errors.New("the experiment command names no .py file; pass the script explicitly"))
	}
	if project == "" {
		project = exp.Telemetry.Project
	}
	if project == "" {
		project = exp.Name
	}
	return path, project, nil
}

func readScript(path string) ([]byte, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Script not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Cannot read script", err)
	}
	return src, nil
}

// analyzeScript computes a plan. ok is false when there is nothing to plan
// (already instrumented), which is reported but not an error.
func analyzeScript(cmd *cobra.Command, path, project string) ([]byte, *instrument.Plan, bool, error) {
	src, err := readScript(path)
	if err != nil {
		return nil, nil, false, err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	plan, err := instrument.Analyze(ctx, src, instrument.Options{Project: project})
	switch {
	case err == nil:
		return src, plan, true, nil
	case errors.Is(err, instrument.ErrAlreadyInstrumented):
		observability.CLILogger.Info("Script already imports wandb; nothing to do", zap.String("file", path))
		_, _ = fmt.Fprintf(os.Stdout, "file=%s\nstatus=already-instrumented\n", path)
		return nil, nil, false, nil
	case instrument.IsNoAnchors(err):
		return src, plan, true, nil
	case instrument.IsUnparsable(err):
		return nil, nil, false, exitError(foundry.ExitInvalidArgument, "Script is not parsable Python", err)
	default:
		return nil, nil, false, exitError(foundry.ExitFileReadError, "Instrumentation analysis failed", err)
	}
}

func runInstrumentPlan(cmd *cobra.Command, args []string) error {
	path, project, err := instrumentTarget(args)
	if err != nil {
		return err
	}
	src, plan, ok, err := analyzeScript(cmd, path, project)
	if err != nil || !ok {
		return err
	}

	if instrumentDiff {
		if plan.Empty() || plan.ConfigurationOnly() {
			_, _ = fmt.Fprintln(os.Stdout, "# no source changes")
			return nil
		}
		patch, err := instrument.Apply(src, plan)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot apply plan", err)
		}
		diff, err := patch.Diff(filepath.Base(path))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stdout, diff)
		return nil
	}

	if instrumentJSON {
		return printJSON(os.Stdout, plan)
	}
	writePlan(os.Stdout, path, plan)
	return nil
}

func runInstrumentApply(cmd *cobra.Command, args []string) error {
	path, project, err := instrumentTarget(args)
	if err != nil {
		return err
	}
	src, plan, ok, err := analyzeScript(cmd, path, project)
	if err != nil || !ok {
		return err
	}
	if plan.Empty() {
		observability.CLILogger.Warn("No instrumentation anchors found; script left unchanged", zap.String("file", path))
		writePlan(os.Stdout, path, plan)
		return nil
	}

	patch, err := instrument.Apply(src, plan)
	if err != nil {
		var se *instrument.SyntaxError
		if errors.As(err, &se) {
			return exitError(foundry.ExitFileWriteError, "Instrumented script would not parse", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Cannot apply plan", err)
	}
	if err := instrument.WriteFile(path, patch); err != nil {
		if errors.Is(err, instrument.ErrBackupExists) {
			return exitError(foundry.ExitFileWriteError, "Backup already exists; revert or discard it first", err)
		}
		return exitError(foundry.ExitFileWriteError, "Cannot write instrumented script", err)
	}

	if instrumentJSON {
		return printJSON(os.Stdout, patch)
	}
	_, _ = fmt.Fprintf(os.Stdout, "file=%s\n", path)
	_, _ = fmt.Fprintf(os.Stdout, "edits=%d\n", len(patch.Edits))
	if patch.Changed() {
		_, _ = fmt.Fprintf(os.Stdout, "backup=%s\n", instrument.BackupPath(path))
	}
	for k, v := range patch.Env {
		_, _ = fmt.Fprintf(os.Stdout, "env.%s=%s\n", k, v)
	}
	for _, intent := range plan.Unresolved() {
		_, _ = fmt.Fprintf(os.Stdout, "unresolved=%s\n", intent)
	}
	for _, intent := range plan.Fallbacks() {
		_, _ = fmt.Fprintf(os.Stdout, "fallback=%s\n", intent)
	}
	return nil
}

func runInstrumentRevert(_ *cobra.Command, args []string) error {
	path, _, err := instrumentTarget(args)
	if err != nil {
		return err
	}
	if err := instrument.Restore(path); err != nil {
		if errors.Is(err, instrument.ErrNoBackup) {
			return exitError(foundry.ExitFileNotFound, "No backup to restore", err)
		}
		return exitError(foundry.ExitFileWriteError, "Cannot restore script", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "file=%s\nstatus=restored\n", path)
	return nil
}

func runInstrumentDiscard(_ *cobra.Command, args []string) error {
	path, _, err := instrumentTarget(args)
	if err != nil {
		return err
	}
	if err := instrument.Discard(path); err != nil {
		if errors.Is(err, instrument.ErrNoBackup) {
			return exitError(foundry.ExitFileNotFound, "No backup to discard", err)
		}
		return exitError(foundry.ExitFileWriteError, "Cannot discard backup", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "file=%s\nstatus=discarded\n", path)
	return nil
}

func writePlan(w io.Writer, path string, plan *instrument.Plan) {
	_, _ = fmt.Fprintf(w, "file=%s\n", path)
	_, _ = fmt.Fprintf(w, "project=%s\n", orDash(plan.Project))
	if plan.Framework != instrument.FrameworkNone {
		_, _ = fmt.Fprintf(w, "framework=%s\n", plan.Framework)
	}
	_, _ = fmt.Fprintf(w, "distributed=%t\n", plan.Distributed)

	t := newTable(w, []any{"INTENT", "MODE", "LINE", "DETAIL"})
	for _, s := range plan.Steps {
		line := "-"
		detail := s.Reason
		if s.Mode == instrument.ModeInsert {
			line = fmt.Sprintf("%d", s.After)
			detail = firstLine(s.Text)
			if s.Fallback {
				detail += " (fallback: " + s.Reason + ")"
			}
		}
		t.AppendRow([]any{s.Intent, s.Mode, line, orDash(detail)})
	}
	t.Render()

	if plan.Stanza != "" {
		_, _ = fmt.Fprintf(w, "\nFramework configuration (optional, not written):\n%s\n", plan.Stanza)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' || r == '\r' {
			return s[:i]
		}
	}
	return s
}

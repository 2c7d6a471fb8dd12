package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/lifecycle"
	"github.com/3leaps/trainctl/pkg/supervisor"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage launched training jobs",
	Long: `Manage job records for launched training jobs.

This command group is designed to be agent-friendly:

- stable job ids (any unique prefix is accepted)
- predictable on-disk locations (<data_dir>/jobs/<job_id>/)
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show the job's output log",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Terminate a running job",
	Long: `Signal the job's process group, wait for it to exit and escalate to
SIGKILL after the configured terminate timeout. The job ends killed.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsStop,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch <job_id>",
	Short: "Supervise an existing job until it ends",
	Long: `Start a new supervision cycle for a job launched earlier (for example
with 'run --detach'). A failed or unknown job is diagnosed when it ends.

A job marked unknown whose process is still alive goes back to running.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsWatch,
}

var jobsDiagnoseCmd = &cobra.Command{
	Use:   "diagnose <job_id>",
	Short: "Classify why a finished job failed",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDiagnose,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Garbage collect old job records",
	RunE:  runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsLogsCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsDiagnoseCmd)
	jobsCmd.AddCommand(jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Only list jobs in this state")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = whole log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output until the job ends")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send first: term, int or kill")
	jobsWatchCmd.Flags().Bool("json", false, "Print the final report as JSON")
	jobsWatchCmd.Flags().Duration("max-duration", 0, "Terminate the job if it is still running after this long (0 = unbounded)")
	jobsDiagnoseCmd.Flags().Bool("json", false, "Output as JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete finished jobs older than this duration")
	jobsGCCmd.Flags().Bool("dry-run", false, "Show how many jobs would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output as JSON")
}

func jobsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	return openStore(cfg), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	stateFilter = strings.TrimSpace(strings.ToLower(stateFilter))

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	jobs, err := store.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list jobs", err)
	}
	if stateFilter != "" {
		kept := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == stateFilter {
				kept = append(kept, j)
			}
		}
		jobs = kept
	}

	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobRecord{}
		}
		return printJSON(os.Stdout, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}
	writeJobTable(os.Stdout, jobs)
	return nil
}

func writeJobTable(w io.Writer, jobs []jobregistry.JobRecord) {
	t := newTable(w, []any{"JOB ID", "NAME", "STATE", "PID", "EXIT", "DEVICES", "STARTED", "ENDED"})
	for _, j := range jobs {
		pid := "-"
		if j.PID > 0 {
			pid = fmt.Sprintf("%d", j.PID)
		}
		devs := "-"
		if len(j.Devices) > 0 {
			devs = devices.FormatIndices(j.Devices)
		}
		t.AppendRow([]any{
			shortJobID(j.JobID),
			orDash(j.Name),
			j.State,
			pid,
			formatExitCode(j.ExitCode),
			devs,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
		})
	}
	t.Render()
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	rec, err := resolveJob(store, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(os.Stdout, rec)
	}
	writeJobStatus(os.Stdout, rec)
	return nil
}

func writeJobStatus(w io.Writer, rec *jobregistry.JobRecord) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", rec.JobID)
	if rec.Name != "" {
		_, _ = fmt.Fprintf(w, "name=%s\n", rec.Name)
	}
	_, _ = fmt.Fprintf(w, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(w, "command=%s\n", strings.Join(rec.Command, " "))
	if rec.WorkDir != "" {
		_, _ = fmt.Fprintf(w, "work_dir=%s\n", rec.WorkDir)
	}
	if rec.Environment != "" {
		_, _ = fmt.Fprintf(w, "environment=%s\n", rec.Environment)
	}
	if len(rec.Devices) > 0 {
		_, _ = fmt.Fprintf(w, "devices=%s\n", devices.FormatIndices(rec.Devices))
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(w, "pid=%d\n", rec.PID)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(w, "exit_code=%d\n", *rec.ExitCode)
	}
	_, _ = fmt.Fprintf(w, "log_path=%s\n", rec.LogPath)
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", formatOptionalTime(rec.StartedAt))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", formatOptionalTime(rec.EndedAt))
	}
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	rec, err := resolveJob(store, args[0])
	if err != nil {
		return err
	}

	if err := printLogTail(os.Stdout, rec.LogPath, tailN); err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job log", err)
	}
	if !follow {
		return nil
	}

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	return followLog(cmd.Context(), os.Stdout, store, rec, cfg.Supervisor.PollInterval)
}

func printLogTail(w io.Writer, path string, tailN int) error {
	if tailN <= 0 {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = io.Copy(w, f)
		return err
	}

	lines, err := jobregistry.TailFile(path, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

// followLog copies whatever the log gains until the job is terminal or the
// command is interrupted.
func followLog(ctx context.Context, w io.Writer, store *jobregistry.Store, rec *jobregistry.JobRecord, interval time.Duration) error {
	var offset int64
	if st, err := os.Stat(rec.LogPath); err == nil {
		offset = st.Size()
	}
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := copyFrom(w, rec.LogPath, offset)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot read job log", err)
		}
		offset += n

		current, err := store.Get(rec.JobID)
		if err == nil && current.State.IsTerminal() {
			n, _ := copyFrom(w, rec.LogPath, offset)
			offset += n
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func copyFrom(w io.Writer, path string, offset int64) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	return io.Copy(w, f)
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sig, err := parseStopSignal(sigStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal", err)
	}

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	store := openStore(cfg)
	rec, err := resolveJob(store, args[0])
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return exitError(foundry.ExitInvalidArgument, "Job is not running",
			fmt.Errorf("state=%s", rec.State))
	}

	opts := supervisorOptions(cfg)
	opts.Devices = nil
	sup, err := supervisor.New(store, rec, opts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot supervise job", err)
	}
	state, err := sup.Terminate(cmd.Context(), sig)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot stop job", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\nsent=%s\nstate=%s\n", rec.JobID, strings.ToLower(strings.TrimPrefix(sig.String(), "SIG")), state)
	return nil
}

func parseStopSignal(s string) (unix.Signal, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "term", "sigterm":
		return unix.SIGTERM, nil
	case "int", "sigint":
		return unix.SIGINT, nil
	case "kill", "sigkill":
		return unix.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q (expected term, int or kill)", s)
	}
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	maxDuration, _ := cmd.Flags().GetDuration("max-duration")

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, lifecycle.Options{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot start supervision", err)
	}

	rep, err := orch.Watch(cmd.Context(), args[0], maxDuration)
	if err != nil {
		return jobLookupError(err)
	}
	if jsonOutput {
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
	} else {
		writeReport(os.Stdout, rep)
	}
	return outcomeError(rep)
}

func runJobsDiagnose(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, lifecycle.Options{})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot start diagnosis", err)
	}

	rep, err := orch.Diagnose(args[0])
	if err != nil {
		if errors.Is(err, diagnosis.ErrNotDiagnosable) {
			return exitError(foundry.ExitInvalidArgument, "Job is still running; use 'jobs watch'", err)
		}
		return jobLookupError(err)
	}
	if jsonOutput {
		return printJSON(os.Stdout, rep)
	}
	writeReport(os.Stdout, rep)
	if rep.Diagnosis == nil {
		_, _ = fmt.Fprintf(os.Stdout, "\nJob ended %s; nothing to diagnose.\n", rep.Outcome)
	}
	return nil
}

func jobLookupError(err error) error {
	if errors.Is(err, jobregistry.ErrJobNotFound) {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}
	return exitError(foundry.ExitInvalidArgument, "Cannot resolve job", err)
}

type jobsGCResult struct {
	Deleted     int    `json:"deleted"`
	WouldDelete int    `json:"would_delete"`
	DryRun      bool   `json:"dry_run"`
	MaxAge      string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --max-age", errors.New("--max-age must be > 0"))
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	n, err := store.GC(maxAge, time.Now().UTC(), dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Job GC failed", err)
	}

	res := jobsGCResult{DryRun: dryRun, MaxAge: maxAge.String()}
	if dryRun {
		res.WouldDelete = n
	} else {
		res.Deleted = n
	}
	if jsonOutput {
		return printJSON(os.Stdout, res)
	}
	if dryRun {
		_, _ = fmt.Fprintf(os.Stdout, "would_delete=%d\n", n)
		return nil
	}
	_, _ = fmt.Fprintf(os.Stdout, "deleted=%d\n", n)
	return nil
}

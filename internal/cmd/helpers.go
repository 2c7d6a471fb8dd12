package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/3leaps/trainctl/internal/config"
	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/experiment"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/lifecycle"
	"github.com/3leaps/trainctl/pkg/provision"
	"github.com/3leaps/trainctl/pkg/runner"
	"github.com/3leaps/trainctl/pkg/supervisor"
)

// exitGeneralFailure is used for errors that carry no specific exit code,
// including a job that ended failed.
const exitGeneralFailure = 1

// cliError carries the process exit code for an error.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(strings.ToLower(message))
	}
	return &cliError{code: code, message: message, err: err}
}

func exitCodeForConfig(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return foundry.ExitFileNotFound
	}
	return foundry.ExitInvalidArgument
}

// currentConfig returns the configuration loaded by the root command, loading
// it on demand when a command runs outside the root (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, exitError(exitCodeForConfig(err), "Invalid configuration", err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) *jobregistry.Store {
	return jobregistry.NewStore(cfg.JobsDir())
}

func newProvisioner(cfg *config.Config) (*provision.Provisioner, error) {
	p, err := provision.New(provision.Options{
		Backend:   cfg.Provision.Backend,
		CondaBin:  cfg.Provision.CondaBin,
		PythonBin: cfg.Provision.PythonBin,
		DataDir:   cfg.DataDir,
		Runner:    runner.Exec{},
		Logger:    observability.CLILogger,
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid provisioning settings", err)
	}
	return p, nil
}

func newEnumerator() devices.Enumerator {
	return devices.NewNvidiaSMI(runner.Exec{})
}

func supervisorOptions(cfg *config.Config) supervisor.Options {
	return supervisor.Options{
		PollInterval:     cfg.Supervisor.PollInterval,
		GraceWindow:      cfg.Supervisor.GraceWindow,
		SampleInterval:   cfg.Supervisor.SampleInterval,
		TerminateTimeout: cfg.Supervisor.TerminateTimeout,
		Devices:          newEnumerator(),
		Logger:           observability.CLILogger,
	}
}

// newOrchestrator wires the lifecycle orchestrator from tool configuration.
// Callers adjust the per-command fields of opts.
func newOrchestrator(cfg *config.Config, opts lifecycle.Options) (*lifecycle.Orchestrator, error) {
	prov, err := newProvisioner(cfg)
	if err != nil {
		return nil, err
	}
	opts.Provisioner = prov
	opts.Store = openStore(cfg)
	opts.Devices = newEnumerator()
	opts.Supervisor = supervisorOptions(cfg)
	opts.StallThreshold = cfg.Supervisor.StallThreshold
	opts.Logger = observability.CLILogger
	opts.NewMetrics = func(experiment string) lifecycle.Metrics {
		return observability.NewRunMetrics(experiment)
	}
	return lifecycle.New(opts)
}

func loadExperiment(path string) (*experiment.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Experiment config is required", errors.New("--file is empty"))
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Experiment config not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Cannot read experiment config", err)
	}
	exp, err := experiment.Load(path)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid experiment config", err)
	}
	return exp, nil
}

// resolveJob resolves a full or prefix job id and reads the record.
func resolveJob(store *jobregistry.Store, input string) (*jobregistry.JobRecord, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "job_id is required", errors.New("empty job id"))
	}
	id, err := store.Resolve(input)
	if err != nil {
		if errors.Is(err, jobregistry.ErrJobNotFound) {
			return nil, exitError(foundry.ExitFileNotFound, "Job not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot resolve job", err)
	}
	rec, err := store.Get(id)
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot read job record", err)
	}
	return rec, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Options.SeparateRows = false
	t.AppendHeader(header)
	return t
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *code)
}

// Package lifecycle drives one experiment run through its phases:
// configuring, provisioning, instrumenting, launching, supervising,
// diagnosing and done.
//
// Phases run strictly in sequence on the caller's goroutine. Every failure
// ends in a Report; nothing is fatal to the orchestrator itself.
package lifecycle

import (
	"context"
	"time"

	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/instrument"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/provision"
)

// Phase is a lifecycle phase.
type Phase string

const (
	PhaseConfiguring   Phase = "configuring"
	PhaseProvisioning  Phase = "provisioning"
	PhaseInstrumenting Phase = "instrumenting"
	PhaseLaunching     Phase = "launching"
	PhaseSupervising   Phase = "supervising"
	PhaseDiagnosing    Phase = "diagnosing"
	PhaseDone          Phase = "done"
)

// Outcome is the run's final classification.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeFailed           Outcome = "failed"
	OutcomeKilled           Outcome = "killed"
	OutcomeUnknown          Outcome = "unknown"
	OutcomeSetupFailed      Outcome = "setup-failed"
	OutcomeLaunchFailed     Outcome = "launch-failed"
	OutcomeInstrumentFailed Outcome = "instrument-failed"
	// OutcomeLaunched means the job is running but this run stopped
	// supervising it (detached, or the caller's context ended).
	OutcomeLaunched Outcome = "launched"
)

// outcomeFor maps a terminal job state to an outcome.
func outcomeFor(s jobregistry.JobState) Outcome {
	switch s {
	case jobregistry.JobStateSucceeded:
		return OutcomeSucceeded
	case jobregistry.JobStateFailed:
		return OutcomeFailed
	case jobregistry.JobStateKilled:
		return OutcomeKilled
	case jobregistry.JobStateUnknown:
		return OutcomeUnknown
	default:
		return OutcomeLaunched
	}
}

// InstrumentResult describes what the instrumenting phase did.
type InstrumentResult struct {
	File     string           `json:"file,omitempty"`
	Plan     *instrument.Plan `json:"plan,omitempty"`
	Applied  bool             `json:"applied"`
	Backup   string           `json:"backup,omitempty"`
	Skipped  bool             `json:"skipped"`
	Reason   string           `json:"reason,omitempty"`
	Restored bool             `json:"restored,omitempty"`
}

// Report is the terminal result of a run or watch.
type Report struct {
	RunID      string  `json:"run_id"`
	Experiment string  `json:"experiment,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Phase      Phase   `json:"phase"`
	// HaltedIn is the phase whose failure ended the run early.
	HaltedIn Phase `json:"halted_in,omitempty"`

	Manifest        *deps.Manifest                `json:"manifest,omitempty"`
	Environment     *provision.Handle             `json:"environment,omitempty"`
	Install         *provision.InstallReport      `json:"install,omitempty"`
	Capabilities    []*provision.CapabilityReport `json:"capabilities,omitempty"`
	Instrumentation *InstrumentResult             `json:"instrumentation,omitempty"`
	Devices         []int                         `json:"devices,omitempty"`
	Job             *jobregistry.JobRecord        `json:"job,omitempty"`
	Diagnosis       *diagnosis.Diagnosis          `json:"diagnosis,omitempty"`

	Error string `json:"error,omitempty"`
	// ToolOutput is the verbatim output of a failed setup tool.
	ToolOutput string `json:"tool_output,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	Err error `json:"-"`
}

// Duration is the wall-clock time of the run.
func (r *Report) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Provisioner is the environment provisioner the orchestrator drives.
type Provisioner interface {
	Ensure(ctx context.Context, spec provision.Spec) (*provision.Handle, error)
	Install(ctx context.Context, h *provision.Handle, m *deps.Manifest) (*provision.InstallReport, error)
	Verify(ctx context.Context, h *provision.Handle, capability string) (*provision.CapabilityReport, error)
}

// Launcher starts a job detached from the orchestrator.
type Launcher interface {
	Launch(ctx context.Context, spec jobregistry.LaunchSpec) (*jobregistry.JobRecord, error)
}

// Metrics receives run metrics and persists them next to the job.
type Metrics interface {
	ObservePhase(phase, status string, d time.Duration)
	SetJobState(state string, all []string)
	SetExitCode(code int)
	ObserveSample(devs []devices.Device, logBytes int64)
	WriteTextfile(path string) error
}

var allStates = []string{
	string(jobregistry.JobStateStarting),
	string(jobregistry.JobStateRunning),
	string(jobregistry.JobStateSucceeded),
	string(jobregistry.JobStateFailed),
	string(jobregistry.JobStateKilled),
	string(jobregistry.JobStateUnknown),
}

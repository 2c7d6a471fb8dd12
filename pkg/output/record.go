// Package output provides JSONL output for experiment runs.
//
// Output is structured as typed record envelopes containing phase
// transitions, device samples, instrumentation results, diagnoses, errors
// and a final summary. Each line is a self-contained JSON object that can be
// parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: trainctl.<type>.v<version>
const (
	// TypePhase identifies lifecycle phase transition records.
	TypePhase = "trainctl.phase.v1"

	// TypeSample identifies throttled device/log sample records.
	TypeSample = "trainctl.sample.v1"

	// TypeInstrument identifies instrumentation plan/apply records.
	TypeInstrument = "trainctl.instrument.v1"

	// TypeDiagnosis identifies failure diagnosis records.
	TypeDiagnosis = "trainctl.diagnosis.v1"

	// TypeError identifies error records.
	TypeError = "trainctl.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "trainctl.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "trainctl.phase.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// RunID is the correlation ID for this orchestrator run.
	RunID string `json:"run_id"`

	// Experiment is the experiment name from the configuration.
	Experiment string `json:"experiment,omitempty"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Phase status values.
const (
	PhaseStarted   = "started"
	PhaseCompleted = "completed"
	PhaseSkipped   = "skipped"
	PhaseFailed    = "failed"
)

// PhaseRecord is the data payload for lifecycle phase transitions.
type PhaseRecord struct {
	// Phase is the lifecycle phase (e.g., "provisioning").
	Phase string `json:"phase"`

	// Status is one of started, completed, skipped or failed.
	Status string `json:"status"`

	// Detail is a short human-readable note (skip reason, environment name).
	Detail string `json:"detail,omitempty"`

	// JobID is set once a job has been launched.
	JobID string `json:"job_id,omitempty"`

	// Duration is how long the phase ran, set on completion.
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// DeviceSample is one device's state within a SampleRecord.
type DeviceSample struct {
	Index              int   `json:"index"`
	MemoryUsedMiB      int64 `json:"memory_used_mib"`
	MemoryTotalMiB     int64 `json:"memory_total_mib"`
	UtilizationPercent int   `json:"utilization_percent"`
}

// SampleRecord is the data payload for supervision samples.
//
// Samples are observability only; they never drive state transitions.
type SampleRecord struct {
	JobID            string         `json:"job_id"`
	State            string         `json:"state"`
	Devices          []DeviceSample `json:"devices,omitempty"`
	Utilization      float64        `json:"utilization"`
	UtilizationKnown bool           `json:"utilization_known"`
	LogBytes         int64          `json:"log_bytes"`
}

// InstrumentStep is one planned insertion within an InstrumentRecord.
type InstrumentStep struct {
	Intent string `json:"intent"`
	Mode   string `json:"mode"`
	Line   int    `json:"line,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// InstrumentRecord is the data payload for instrumentation results.
type InstrumentRecord struct {
	// File is the instrumented entry script.
	File string `json:"file"`

	// Telemetry is the effective telemetry mode.
	Telemetry string `json:"telemetry"`

	// Framework is set when a trainer abstraction was recognized.
	Framework string `json:"framework,omitempty"`

	// Distributed reports whether inserted calls are primary-rank guarded.
	Distributed bool `json:"distributed,omitempty"`

	Steps []InstrumentStep `json:"steps,omitempty"`

	// Applied reports whether the file was modified on disk.
	Applied bool `json:"applied"`

	// Backup is the path of the byte-for-byte backup, when applied.
	Backup string `json:"backup,omitempty"`

	// Env lists environment variables injected for a configuration-only plan.
	Env map[string]string `json:"env,omitempty"`
}

// DiagnosisRecord is the data payload for failure diagnoses.
type DiagnosisRecord struct {
	JobID        string   `json:"job_id,omitempty"`
	Category     string   `json:"category"`
	Summary      string   `json:"summary"`
	Remediations []string `json:"remediations,omitempty"`
	Evidence     []string `json:"evidence,omitempty"`
}

// ErrorRecord is the data payload for errors.
//
// Setup errors carry the captured tool output verbatim in Details.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Phase is the lifecycle phase in which the error occurred.
	Phase string `json:"phase,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeConfig          = "CONFIG"
	ErrCodePathNotFound    = "PATH_NOT_FOUND"
	ErrCodeEnvironment     = "ENVIRONMENT"
	ErrCodeDependency      = "DEPENDENCY_INSTALL"
	ErrCodeInstrumentation = "INSTRUMENTATION"
	ErrCodeSpawn           = "SPAWN"
	ErrCodeInternal        = "INTERNAL"
)

// SummaryRecord is the data payload for the final run report.
type SummaryRecord struct {
	// Outcome is the run's terminal outcome (succeeded, failed, setup-failed...).
	Outcome string `json:"outcome"`

	// JobID is empty when the run halted before launching.
	JobID string `json:"job_id,omitempty"`

	// State is the job's terminal state, when a job was launched.
	State string `json:"state,omitempty"`

	ExitCode    *int   `json:"exit_code,omitempty"`
	Environment string `json:"environment,omitempty"`
	LogPath     string `json:"log_path,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Diagnosis *DiagnosisRecord `json:"diagnosis,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

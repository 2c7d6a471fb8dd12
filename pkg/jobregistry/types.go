package jobregistry

import "time"

// JobState is the lifecycle state of a launched training job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateStarting  JobState = "starting"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateKilled    JobState = "killed"
	JobStateUnknown   JobState = "unknown"
)

// IsTerminal reports whether no further transition occurs from s without a
// new supervision cycle.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateKilled, JobStateUnknown:
		return true
	default:
		return false
	}
}

// JobRecord is the persistent record written to job.json. It doubles as the
// job handle handed from the launcher to the supervisor.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID   string   `json:"job_id"`
	Name    string   `json:"name,omitempty"`
	State   JobState `json:"state"`
	Command []string `json:"command"`
	// Env holds only the variables injected for this job, not the inherited
	// environment.
	Env         map[string]string `json:"env,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	LogPath     string            `json:"log_path"`
	ExitPath    string            `json:"exit_path,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Devices     []int             `json:"devices,omitempty"`
	PID         int               `json:"pid,omitempty"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	// TerminateRequested is set before a user-issued termination signal is
	// sent so that the resulting exit is classified as killed.
	TerminateRequested bool      `json:"terminate_requested,omitempty"`
	CreatedAt          time.Time `json:"created_at"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
}

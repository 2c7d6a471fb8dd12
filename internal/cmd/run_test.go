package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/lifecycle"
	"github.com/3leaps/trainctl/pkg/provision"
)

func TestOutcomeError(t *testing.T) {
	tests := []struct {
		name     string
		rep      *lifecycle.Report
		wantCode int
	}{
		{
			name:     "succeeded",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeSucceeded},
			wantCode: 0,
		},
		{
			name:     "launched",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeLaunched},
			wantCode: 0,
		},
		{
			name:     "failed",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeFailed},
			wantCode: exitGeneralFailure,
		},
		{
			name:     "unknown",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeUnknown},
			wantCode: exitGeneralFailure,
		},
		{
			name:     "killed",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeKilled},
			wantCode: foundry.ExitSignalInt,
		},
		{
			name:     "instrument failed",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeInstrumentFailed},
			wantCode: foundry.ExitFileWriteError,
		},
		{
			name: "launch failed on missing executable",
			rep: &lifecycle.Report{
				Outcome: lifecycle.OutcomeLaunchFailed,
				Err:     fmt.Errorf("spawn: %w", jobregistry.ErrExecutableNotFound),
			},
			wantCode: foundry.ExitFileNotFound,
		},
		{
			name:     "launch failed",
			rep:      &lifecycle.Report{Outcome: lifecycle.OutcomeLaunchFailed, Err: errors.New("fork failed")},
			wantCode: foundry.ExitExternalServiceUnavailable,
		},
		{
			name: "missing project",
			rep: &lifecycle.Report{
				Outcome:  lifecycle.OutcomeSetupFailed,
				HaltedIn: lifecycle.PhaseProvisioning,
				Err:      fmt.Errorf("detect: %w", deps.ErrPathNotFound),
			},
			wantCode: foundry.ExitFileNotFound,
		},
		{
			name: "bad device selection",
			rep: &lifecycle.Report{
				Outcome:  lifecycle.OutcomeSetupFailed,
				HaltedIn: lifecycle.PhaseConfiguring,
				Err:      errors.New("device 7 not available"),
			},
			wantCode: foundry.ExitInvalidArgument,
		},
		{
			name: "environment creation failed",
			rep: &lifecycle.Report{
				Outcome:  lifecycle.OutcomeSetupFailed,
				HaltedIn: lifecycle.PhaseProvisioning,
				Err:      &provision.EnvironmentCreationError{Name: "demo"},
			},
			wantCode: foundry.ExitExternalServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := outcomeError(tt.rep)
			if tt.wantCode == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, exitCodeOf(err))
		})
	}
}

func TestOutcomeError_NamesDiagnosis(t *testing.T) {
	err := outcomeError(&lifecycle.Report{
		Outcome:   lifecycle.OutcomeFailed,
		Diagnosis: &diagnosis.Diagnosis{Category: diagnosis.CategoryOOM},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Job failed (oom)")
}

func TestWriteReport(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := 1
	rep := &lifecycle.Report{
		RunID:       "run-1",
		Experiment:  "demo",
		Outcome:     lifecycle.OutcomeFailed,
		Phase:       lifecycle.PhaseDone,
		Manifest:    &deps.Manifest{Kind: deps.KindRequirementsList},
		Environment: &provision.Handle{Name: "demo-env", Python: "/envs/demo-env/bin/python"},
		Install:     &provision.InstallReport{Skipped: true, Reason: "fingerprint unchanged"},
		Capabilities: []*provision.CapabilityReport{
			{Capability: "cuda", Available: true, DeviceCount: 2},
		},
		Instrumentation: &lifecycle.InstrumentResult{File: "/p/train.py", Applied: true, Backup: "/p/train.py.trainctl.bak"},
		Devices:         []int{1, 0},
		Job: &jobregistry.JobRecord{
			JobID:    "job-abc",
			State:    jobregistry.JobStateFailed,
			PID:      4242,
			ExitCode: &code,
			LogPath:  "/data/jobs/job-abc/run.log",
		},
		Diagnosis: &diagnosis.Diagnosis{
			Category:     diagnosis.CategoryOOM,
			Summary:      "The job ran out of device memory.",
			Remediations: []string{"reduce batch size", "enable gradient checkpointing"},
			Evidence:     []string{"CUDA out of memory. Tried to allocate 2.00 GiB"},
		},
		ToolOutput: "ResolvePackageNotFound:\n  - torch==9.9\n",
		StartedAt:  start,
		EndedAt:    start.Add(90 * time.Second),
	}

	var buf bytes.Buffer
	writeReport(&buf, rep)
	out := buf.String()

	for _, want := range []string{
		"run_id=run-1\n",
		"outcome=failed\n",
		"manifest=requirements-list\n",
		"environment=demo-env\n",
		"install=skipped: fingerprint unchanged\n",
		"capability.cuda=available=true devices=2\n",
		"instrumented=/p/train.py\n",
		"backup=/p/train.py.trainctl.bak\n",
		"devices=1,0\n",
		"job_id=job-abc\n",
		"pid=4242\n",
		"exit_code=1\n",
		"duration=1m30s\n",
		"Diagnosis: oom\n",
		"  1. reduce batch size\n",
		"  | CUDA out of memory. Tried to allocate 2.00 GiB\n",
		"--- tool output ---\nResolvePackageNotFound:\n  - torch==9.9\n--- end tool output ---\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.NotContains(t, out, "halted_in=")
	assert.NotContains(t, out, "error=")
}

func TestOpenEventSink(t *testing.T) {
	w, closeFn, err := openEventSink("")
	require.NoError(t, err)
	assert.Nil(t, w)
	closeFn()

	w, closeFn, err = openEventSink("-")
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	closeFn()

	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, closeFn, err = openEventSink(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("{}\n"))
	require.NoError(t, err)
	closeFn()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	_, _, err = openEventSink(filepath.Join(t.TempDir(), "missing", "events.jsonl"))
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitFileWriteError), exitCodeOf(err))
}

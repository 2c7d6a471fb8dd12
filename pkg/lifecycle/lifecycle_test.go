package lifecycle

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/experiment"
	"github.com/3leaps/trainctl/pkg/instrument"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/output"
	"github.com/3leaps/trainctl/pkg/provision"
	"github.com/3leaps/trainctl/pkg/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const torchScript = `import torch

model = torch.nn.Linear(4, 1)
optimizer = torch.optim.SGD(model.parameters(), lr=0.1)
for step in range(10):
    optimizer.zero_grad()
    loss = model(torch.randn(8, 4)).sum()
    loss.backward()
    optimizer.step()
`

// fakeTable models one job process. aliveFor counts down Alive calls;
// negative keeps the process alive until it is signalled.
type fakeTable struct {
	mu       sync.Mutex
	aliveFor int
	code     int
	hasCode  bool
	signals  []unix.Signal
}

func (f *fakeTable) Alive(int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.aliveFor == 0 {
		return false
	}
	if f.aliveFor > 0 {
		f.aliveFor--
	}
	return true
}

func (f *fakeTable) ExitCode(int, string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code, f.hasCode
}

func (f *fakeTable) Signal(_ int, sig unix.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	f.aliveFor = 0
	f.code, f.hasCode = 128+int(sig), true
	return nil
}

type fakeProvisioner struct {
	ensureErr  error
	installErr error
	installed  []*deps.Manifest
	verified   []string
}

func (f *fakeProvisioner) Ensure(_ context.Context, spec provision.Spec) (*provision.Handle, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return &provision.Handle{Name: spec.Name, Backend: provision.BackendVenv, Prefix: "/envs/" + spec.Name, Python: "/envs/" + spec.Name + "/bin/python"}, nil
}

func (f *fakeProvisioner) Install(_ context.Context, _ *provision.Handle, m *deps.Manifest) (*provision.InstallReport, error) {
	f.installed = append(f.installed, m)
	if f.installErr != nil {
		return nil, f.installErr
	}
	return &provision.InstallReport{Manifest: m.Path}, nil
}

func (f *fakeProvisioner) Verify(_ context.Context, _ *provision.Handle, capability string) (*provision.CapabilityReport, error) {
	f.verified = append(f.verified, capability)
	return &provision.CapabilityReport{Capability: capability, Available: true}, nil
}

// fakeLauncher records a job the way the real launcher does, with a log
// that already holds logText.
type fakeLauncher struct {
	store   *jobregistry.Store
	logText string
	err     error
	specs   []jobregistry.LaunchSpec
}

func (f *fakeLauncher) Launch(_ context.Context, spec jobregistry.LaunchSpec) (*jobregistry.JobRecord, error) {
	f.specs = append(f.specs, spec)
	if f.err != nil {
		return nil, f.err
	}
	id := "job-" + strings.Repeat("a", 8)
	if err := os.MkdirAll(f.store.JobDir(id), 0755); err != nil {
		return nil, err
	}
	logPath := f.store.LogPath(id)
	if err := os.WriteFile(logPath, []byte(f.logText), 0644); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec := &jobregistry.JobRecord{
		JobID:       id,
		Name:        spec.Name,
		State:       jobregistry.JobStateStarting,
		Command:     spec.Command,
		Env:         spec.Env,
		WorkDir:     spec.WorkDir,
		LogPath:     logPath,
		ExitPath:    f.store.ExitPath(id),
		Environment: spec.Environment,
		Devices:     spec.Devices,
		PID:         4242,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	return rec, f.store.Write(rec)
}

type fakeEnumerator struct{ devs []devices.Device }

func (f *fakeEnumerator) Devices(context.Context) ([]devices.Device, error) { return f.devs, nil }

type fakeMetrics struct {
	mu      sync.Mutex
	phases  []string
	states  []string
	exit    *int
	written int
}

func (m *fakeMetrics) ObservePhase(phase, status string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phases = append(m.phases, phase+":"+status)
}

func (m *fakeMetrics) SetJobState(state string, _ []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
}

func (m *fakeMetrics) SetExitCode(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exit = &code
}

func (m *fakeMetrics) ObserveSample([]devices.Device, int64) {}

func (m *fakeMetrics) WriteTextfile(string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written++
	return nil
}

type harness struct {
	project  string
	store    *jobregistry.Store
	table    *fakeTable
	prov     *fakeProvisioner
	launcher *fakeLauncher
	metrics  *fakeMetrics
	events   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "requirements.txt"), []byte("torch\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "train.py"), []byte(torchScript), 0644))

	table := &fakeTable{hasCode: true}
	store := jobregistry.NewStore(t.TempDir()).WithProcessTable(table)
	return &harness{
		project:  project,
		store:    store,
		table:    table,
		prov:     &fakeProvisioner{},
		launcher: &fakeLauncher{store: store},
		metrics:  &fakeMetrics{},
		events:   &bytes.Buffer{},
	}
}

func (h *harness) orchestrator(t *testing.T, mutate func(*Options)) *Orchestrator {
	t.Helper()
	opts := Options{
		Provisioner: h.prov,
		Store:       h.store,
		Launcher:    h.launcher,
		Events:      h.events,
		NewMetrics:  func(string) Metrics { return h.metrics },
		Supervisor: supervisor.Options{
			PollInterval:     5 * time.Millisecond,
			GraceWindow:      time.Hour,
			TerminateTimeout: 200 * time.Millisecond,
		},
		StallThreshold: 15 * time.Minute,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func (h *harness) config(t *testing.T, yaml string) *experiment.Config {
	t.Helper()
	cfg, err := experiment.LoadFromBytes([]byte(yaml), "experiment.yaml", h.project)
	require.NoError(t, err)
	return cfg
}

const baseConfig = `version: "1.0"
name: demo
command: ["python", "train.py"]
environment:
  name: demo-env
  policy: create-new
`

func recordTypes(t *testing.T, data []byte) []string {
	t.Helper()
	var types []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var rec output.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		types = append(types, rec.Type)
	}
	return types
}

func TestRun_Succeeded(t *testing.T) {
	h := newHarness(t)
	h.table.code = 0
	o := h.orchestrator(t, func(o *Options) { o.Capabilities = []string{provision.CapabilityTorchCUDA} })

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	require.NoError(t, rep.Err)
	assert.Equal(t, OutcomeSucceeded, rep.Outcome)
	assert.Equal(t, PhaseDone, rep.Phase)
	assert.Nil(t, rep.Diagnosis)
	require.NotNil(t, rep.Job)
	assert.Equal(t, jobregistry.JobStateSucceeded, rep.Job.State)

	require.Len(t, h.prov.installed, 1)
	assert.Equal(t, deps.KindRequirementsList, h.prov.installed[0].Kind)
	assert.Equal(t, []string{provision.CapabilityTorchCUDA}, h.prov.verified)
	assert.True(t, rep.Instrumentation.Skipped)

	spec := h.launcher.specs[0]
	assert.Equal(t, []string{"python", "train.py"}, spec.Command)
	assert.Equal(t, "/envs/demo-env", spec.Env["VIRTUAL_ENV"])
	assert.True(t, strings.HasPrefix(spec.Env["PATH"], "/envs/demo-env/bin"))

	types := recordTypes(t, h.events.Bytes())
	assert.Equal(t, output.TypeSummary, types[len(types)-1])
	assert.NotContains(t, types, output.TypeDiagnosis)

	// Records from before the launch are replayed into the job's own log.
	persisted, err := os.ReadFile(h.store.EventsPath(rep.Job.JobID))
	require.NoError(t, err)
	assert.Equal(t, types, recordTypes(t, persisted))

	assert.Contains(t, h.metrics.phases, "provisioning:completed")
	assert.Contains(t, h.metrics.states, "succeeded")
	require.NotNil(t, h.metrics.exit)
	assert.Equal(t, 0, *h.metrics.exit)
}

func TestRun_FailedIsDiagnosed(t *testing.T) {
	h := newHarness(t)
	h.table.code = 1
	h.launcher.logText = "epoch 1\nRuntimeError: CUDA out of memory. Tried to allocate 2.00 GiB\n"
	o := h.orchestrator(t, nil)

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	assert.Equal(t, OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Diagnosis)
	assert.Equal(t, diagnosis.CategoryOOM, rep.Diagnosis.Category)
	require.NotNil(t, rep.Job.ExitCode)
	assert.Equal(t, 1, *rep.Job.ExitCode)
	assert.Contains(t, recordTypes(t, h.events.Bytes()), output.TypeDiagnosis)
}

func TestRun_SetupFailedCarriesToolOutput(t *testing.T) {
	h := newHarness(t)
	h.prov.ensureErr = &provision.EnvironmentCreationError{
		Name:     "demo-env",
		Backend:  provision.BackendConda,
		ExitCode: 1,
		Output:   "PackagesNotFoundError: python=9.9",
	}
	o := h.orchestrator(t, nil)

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	assert.Equal(t, OutcomeSetupFailed, rep.Outcome)
	assert.Equal(t, PhaseProvisioning, rep.HaltedIn)
	assert.Equal(t, "PackagesNotFoundError: python=9.9", rep.ToolOutput)
	assert.True(t, provision.IsEnvironmentCreationError(rep.Err))
	assert.Empty(t, h.launcher.specs)
	assert.Nil(t, rep.Job)
	assert.Contains(t, recordTypes(t, h.events.Bytes()), output.TypeError)
}

func TestRun_InstallFailureHalts(t *testing.T) {
	h := newHarness(t)
	h.prov.installErr = &provision.DependencyInstallError{Kind: deps.KindRequirementsList, Manifest: "requirements.txt", ExitCode: 1, Output: "No matching distribution"}
	o := h.orchestrator(t, nil)

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	assert.Equal(t, OutcomeSetupFailed, rep.Outcome)
	assert.Equal(t, "No matching distribution", rep.ToolOutput)
	assert.Empty(t, h.launcher.specs)
}

func TestRun_MissingProjectIsSetupFailure(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, nil)
	cfg := h.config(t, baseConfig)
	cfg.Project = filepath.Join(h.project, "missing")

	rep := o.Run(context.Background(), cfg)

	assert.Equal(t, OutcomeSetupFailed, rep.Outcome)
	assert.ErrorIs(t, rep.Err, deps.ErrPathNotFound)
}

func TestRun_LaunchFailed(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = &jobregistry.SpawnError{Command: []string{"python"}, Err: errors.New("executable not found")}
	o := h.orchestrator(t, nil)

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	assert.Equal(t, OutcomeLaunchFailed, rep.Outcome)
	assert.Equal(t, PhaseLaunching, rep.HaltedIn)
	assert.True(t, jobregistry.IsSpawnError(rep.Err))
	assert.Nil(t, rep.Diagnosis)
}

func TestRun_Detach(t *testing.T) {
	h := newHarness(t)
	h.table.aliveFor = -1
	o := h.orchestrator(t, func(o *Options) { o.Detach = true })

	rep := o.Run(context.Background(), h.config(t, baseConfig))

	assert.Equal(t, OutcomeLaunched, rep.Outcome)
	require.NotNil(t, rep.Job)
	assert.Equal(t, jobregistry.JobStateStarting, rep.Job.State)
	assert.Empty(t, h.table.signals)
}

func TestRun_CancelLeavesJobRunning(t *testing.T) {
	h := newHarness(t)
	h.table.aliveFor = -1
	o := h.orchestrator(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	rep := o.Run(ctx, h.config(t, baseConfig))

	assert.Equal(t, OutcomeLaunched, rep.Outcome)
	assert.False(t, rep.Job.State.IsTerminal())
	assert.Empty(t, h.table.signals)

	// The summary still lands after the caller's context ended.
	types := recordTypes(t, h.events.Bytes())
	assert.Equal(t, output.TypeSummary, types[len(types)-1])
}

func TestRun_MaxDurationTerminates(t *testing.T) {
	h := newHarness(t)
	h.table.aliveFor = -1
	o := h.orchestrator(t, nil)
	cfg := h.config(t, baseConfig+"limits:\n  max_duration: 20ms\n")

	rep := o.Run(context.Background(), cfg)

	assert.Equal(t, OutcomeKilled, rep.Outcome)
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, h.table.signals)
	assert.True(t, rep.Job.TerminateRequested)
	assert.Nil(t, rep.Diagnosis)
}

func TestRun_InstrumentsEntryScript(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, nil)
	cfg := h.config(t, baseConfig+"telemetry:\n  mode: enabled\n  project: demo-proj\n")

	rep := o.Run(context.Background(), cfg)

	require.Equal(t, OutcomeSucceeded, rep.Outcome)
	res := rep.Instrumentation
	require.NotNil(t, res)
	assert.True(t, res.Applied)
	assert.False(t, res.Skipped)
	assert.Equal(t, filepath.Join(h.project, "train.py"), res.File)
	assert.Equal(t, instrument.BackupPath(res.File), res.Backup)

	patched, err := os.ReadFile(res.File)
	require.NoError(t, err)
	assert.Contains(t, string(patched), "import wandb")
	backup, err := os.ReadFile(res.Backup)
	require.NoError(t, err)
	assert.Equal(t, torchScript, string(backup))

	assert.Equal(t, "demo-proj", h.launcher.specs[0].Env[EnvTelemetryProject])
	assert.Contains(t, recordTypes(t, h.events.Bytes()), output.TypeInstrument)
}

func TestRun_RestoreSource(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, func(o *Options) { o.RestoreSource = true })
	cfg := h.config(t, baseConfig+"telemetry:\n  mode: enabled\n  project: demo-proj\n")

	rep := o.Run(context.Background(), cfg)

	require.True(t, rep.Instrumentation.Applied)
	assert.True(t, rep.Instrumentation.Restored)
	src, err := os.ReadFile(filepath.Join(h.project, "train.py"))
	require.NoError(t, err)
	assert.Equal(t, torchScript, string(src))
	assert.False(t, instrument.HasBackup(filepath.Join(h.project, "train.py")))
}

func TestRun_NoAnchorsPolicy(t *testing.T) {
	const cfgText = baseConfig + "telemetry:\n  mode: enabled\n  project: demo-proj\n"

	t.Run("continues uninstrumented", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.WriteFile(filepath.Join(h.project, "train.py"), []byte("print('hi')\n"), 0644))
		o := h.orchestrator(t, nil)

		rep := o.Run(context.Background(), h.config(t, cfgText))

		assert.Equal(t, OutcomeSucceeded, rep.Outcome)
		assert.True(t, rep.Instrumentation.Skipped)
		assert.False(t, rep.Instrumentation.Applied)
		assert.Len(t, h.launcher.specs, 1)
	})

	t.Run("halts when required", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.WriteFile(filepath.Join(h.project, "train.py"), []byte("print('hi')\n"), 0644))
		o := h.orchestrator(t, func(o *Options) { o.RequireInstrumentation = true })

		rep := o.Run(context.Background(), h.config(t, cfgText))

		assert.Equal(t, OutcomeInstrumentFailed, rep.Outcome)
		assert.True(t, instrument.IsNoAnchors(rep.Err))
		assert.Empty(t, h.launcher.specs)
		src, err := os.ReadFile(filepath.Join(h.project, "train.py"))
		require.NoError(t, err)
		assert.Equal(t, "print('hi')\n", string(src))
	})
}

func TestRun_DevicesResolvedOnce(t *testing.T) {
	h := newHarness(t)
	enum := &fakeEnumerator{devs: []devices.Device{{Index: 0}, {Index: 1}, {Index: 2}}}
	o := h.orchestrator(t, func(o *Options) { o.Devices = enum })

	rep := o.Run(context.Background(), h.config(t, baseConfig+"devices: [2, 0]\n"))

	assert.Equal(t, OutcomeSucceeded, rep.Outcome)
	assert.Equal(t, []int{2, 0}, rep.Devices)
	assert.Equal(t, []int{2, 0}, rep.Job.Devices)
	assert.Equal(t, "2,0", h.launcher.specs[0].Env[EnvVisibleDevices])
}

func TestRun_InvalidDeviceSelection(t *testing.T) {
	h := newHarness(t)
	enum := &fakeEnumerator{devs: []devices.Device{{Index: 0}}}
	o := h.orchestrator(t, func(o *Options) { o.Devices = enum })

	rep := o.Run(context.Background(), h.config(t, baseConfig+"devices: [3]\n"))

	assert.Equal(t, OutcomeSetupFailed, rep.Outcome)
	assert.Equal(t, PhaseConfiguring, rep.HaltedIn)
	assert.ErrorIs(t, rep.Err, devices.ErrInvalidSelection)
}

func TestRun_NilConfig(t *testing.T) {
	h := newHarness(t)
	rep := h.orchestrator(t, nil).Run(context.Background(), nil)
	assert.Equal(t, OutcomeSetupFailed, rep.Outcome)
	assert.Error(t, rep.Err)
}

func TestBuildJobEnv(t *testing.T) {
	cfg := &experiment.Config{
		Env: map[string]string{
			"SEED":              "7",
			EnvVisibleDevices:   "9",
			EnvTelemetryProject: "stale",
		},
		Telemetry: experiment.TelemetryConfig{Mode: experiment.TelemetryAlreadyPresent, Project: "proj"},
	}
	h := &provision.Handle{Name: "exp", Backend: provision.BackendConda, Prefix: "/opt/conda/envs/exp"}

	env := buildJobEnv(cfg, h, nil, []int{1, 3})

	assert.Equal(t, "7", env["SEED"])
	assert.Equal(t, "1,3", env[EnvVisibleDevices])
	assert.Equal(t, "proj", env[EnvTelemetryProject])
	assert.Equal(t, "/opt/conda/envs/exp", env["CONDA_PREFIX"])
	assert.Equal(t, "exp", env["CONDA_DEFAULT_ENV"])
	assert.True(t, strings.HasPrefix(env["PATH"], "/opt/conda/envs/exp/bin"))

	cfg.Telemetry.Mode = experiment.TelemetryDisabled
	env = buildJobEnv(cfg, &provision.Handle{Name: "current", Backend: "current"}, nil, nil)
	assert.Equal(t, "stale", env[EnvTelemetryProject])
	assert.Equal(t, "9", env[EnvVisibleDevices])
	assert.NotContains(t, env, "PATH")
}

func TestWatch_ResumesUnknownJob(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	rec := &jobregistry.JobRecord{
		JobID:     "11111111-2222-3333-4444-555555555555",
		Name:      "demo",
		State:     jobregistry.JobStateUnknown,
		Command:   []string{"python", "train.py"},
		LogPath:   filepath.Join(t.TempDir(), "run.log"),
		PID:       4242,
		CreatedAt: now,
		StartedAt: &now,
		EndedAt:   &now,
	}
	require.NoError(t, os.WriteFile(rec.LogPath, []byte("step 10\n"), 0644))
	require.NoError(t, h.store.Write(rec))
	h.table.aliveFor = 2
	h.table.code = 0

	rep, err := h.orchestrator(t, nil).Watch(context.Background(), "11111111", 0)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSucceeded, rep.Outcome)
	got, err := h.store.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateSucceeded, got.State)

	events, err := os.ReadFile(h.store.EventsPath(rec.JobID))
	require.NoError(t, err)
	assert.Contains(t, recordTypes(t, events), output.TypeSummary)
}

func TestDiagnose_TerminalJob(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	code := 1
	rec := &jobregistry.JobRecord{
		JobID:     "abcdef00-0000-0000-0000-000000000000",
		State:     jobregistry.JobStateFailed,
		Command:   []string{"python", "train.py"},
		LogPath:   filepath.Join(t.TempDir(), "run.log"),
		ExitCode:  &code,
		CreatedAt: now,
		StartedAt: &now,
		EndedAt:   &now,
	}
	require.NoError(t, os.WriteFile(rec.LogPath, []byte("ModuleNotFoundError: No module named 'transformers'\n"), 0644))
	require.NoError(t, h.store.Write(rec))
	o := h.orchestrator(t, nil)

	rep, err := o.Diagnose("abcdef00")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	require.NotNil(t, rep.Diagnosis)
	assert.Equal(t, diagnosis.CategoryDependencyError, rep.Diagnosis.Category)

	_, err = o.Diagnose("no-such-job")
	assert.Error(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{Provisioner: &fakeProvisioner{}})
	assert.Error(t, err)
	_, err = New(Options{Store: jobregistry.NewStore(t.TempDir())})
	assert.Error(t, err)
}

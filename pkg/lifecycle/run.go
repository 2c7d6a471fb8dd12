package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
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

// Environment variables injected into every job.
const (
	EnvVisibleDevices   = "CUDA_VISIBLE_DEVICES"
	EnvTelemetryProject = instrument.EnvProject
)

// Phase record statuses.
const (
	statusStarted   = output.PhaseStarted
	statusCompleted = output.PhaseCompleted
	statusSkipped   = output.PhaseSkipped
	statusFailed    = output.PhaseFailed
)

// run is the state of one Run or Watch call.
type run struct {
	o       *Orchestrator
	cfg     *experiment.Config
	rep     *Report
	rec     *recorder
	metrics Metrics
	logger  *zap.Logger

	phaseStart time.Time
	jobEnv     map[string]string
}

func (o *Orchestrator) newRun(experimentName string) *run {
	runID := uuid.NewString()
	logger := o.opts.Logger.With(zap.String("run_id", runID))
	if experimentName != "" {
		logger = logger.With(zap.String("experiment", experimentName))
	}
	return &run{
		o:       o,
		rep:     &Report{RunID: runID, Experiment: experimentName, StartedAt: o.opts.Now().UTC()},
		rec:     newRecorder(o.opts.Events, runID, experimentName, logger),
		metrics: o.opts.NewMetrics(experimentName),
		logger:  logger,
		jobEnv:  map[string]string{},
	}
}

// Run takes cfg through every phase and returns the terminal report. It
// never returns nil and never panics on a phase failure; the report's
// Outcome and Err carry what went wrong.
//
// Cancelling ctx during supervision stops watching the job and leaves it
// running (outcome launched).
func (o *Orchestrator) Run(ctx context.Context, cfg *experiment.Config) *Report {
	name := ""
	if cfg != nil {
		name = cfg.Name
	}
	r := o.newRun(name)
	r.cfg = cfg
	defer r.finish()

	if !r.configure(ctx) || !r.provisionEnv(ctx) || !r.instrumentSource(ctx) {
		return r.rep
	}
	job, ok := r.launch(ctx)
	if !ok {
		return r.rep
	}
	if o.opts.Detach {
		r.rep.Outcome = OutcomeLaunched
		return r.rep
	}

	var maxDuration time.Duration
	if cfg.Limits.MaxDuration > 0 {
		maxDuration = cfg.Limits.MaxDuration.Std()
	}
	r.superviseAndDiagnose(ctx, job, maxDuration)
	return r.rep
}

func (r *run) begin(p Phase) {
	r.rep.Phase = p
	r.phaseStart = r.o.opts.Now()
	r.logger.Debug("Phase started", zap.String("phase", string(p)))
	r.rec.phase(p, statusStarted, "", r.jobID(), 0)
}

func (r *run) end(p Phase, status, detail string) {
	d := r.o.opts.Now().Sub(r.phaseStart)
	r.metrics.ObservePhase(string(p), status, d)
	r.logger.Debug("Phase ended", zap.String("phase", string(p)), zap.String("status", status), zap.Duration("duration", d))
	r.rec.phase(p, status, detail, r.jobID(), d)
}

// halt ends the run in phase p.
func (r *run) halt(p Phase, outcome Outcome, code string, err error) bool {
	r.rep.Outcome = outcome
	r.rep.HaltedIn = p
	r.rep.Err = err
	r.rep.Error = err.Error()
	if out := provision.ToolOutput(err); out != "" {
		r.rep.ToolOutput = out
	}

	var details any
	if r.rep.ToolOutput != "" {
		details = map[string]string{"tool_output": r.rep.ToolOutput}
	}
	r.logger.Error("Run halted", zap.String("phase", string(p)), zap.String("outcome", string(outcome)), zap.Error(err))
	r.rec.failure(code, p, err, details)
	r.end(p, statusFailed, err.Error())
	return false
}

func (r *run) jobID() string {
	if r.rep.Job == nil {
		return ""
	}
	return r.rep.Job.JobID
}

func (r *run) configure(ctx context.Context) bool {
	r.begin(PhaseConfiguring)
	if r.cfg == nil {
		return r.halt(PhaseConfiguring, OutcomeSetupFailed, output.ErrCodeConfig, errors.New("no experiment configuration"))
	}

	var available []devices.Device
	if enum := r.o.opts.Devices; enum != nil {
		devs, err := enum.Devices(ctx)
		if err != nil {
			r.logger.Info("Device enumeration unavailable, continuing without devices", zap.Error(err))
		} else {
			available = devs
		}
	}

	resolved, err := r.cfg.ResolveDevices(available)
	if err != nil {
		return r.halt(PhaseConfiguring, OutcomeSetupFailed, output.ErrCodeConfig, err)
	}
	r.rep.Devices = resolved

	detail := "devices: none"
	if len(resolved) > 0 {
		detail = "devices: " + devices.FormatIndices(resolved)
	}
	r.end(PhaseConfiguring, statusCompleted, detail)
	return true
}

func (r *run) provisionEnv(ctx context.Context) bool {
	r.begin(PhaseProvisioning)
	p := r.o.opts.Provisioner

	manifest, err := deps.Detect(r.cfg.Project)
	if err != nil {
		code := output.ErrCodeEnvironment
		if errors.Is(err, deps.ErrPathNotFound) {
			code = output.ErrCodePathNotFound
		}
		return r.halt(PhaseProvisioning, OutcomeSetupFailed, code, err)
	}
	r.rep.Manifest = manifest
	for _, w := range manifest.Warnings {
		r.logger.Warn("Manifest warning", zap.String("manifest", manifest.Path), zap.String("warning", w))
	}

	handle, err := p.Ensure(ctx, r.cfg.ProvisionSpec())
	if err != nil {
		return r.halt(PhaseProvisioning, OutcomeSetupFailed, output.ErrCodeEnvironment, err)
	}
	r.rep.Environment = handle
	r.logger.Info("Environment ready",
		zap.String("environment", handle.Name),
		zap.String("backend", handle.Backend),
		zap.Bool("created", handle.Created),
	)

	if r.cfg.InstallDependencies() && !manifest.None() {
		report, err := p.Install(ctx, handle, manifest)
		if err != nil {
			return r.halt(PhaseProvisioning, OutcomeSetupFailed, output.ErrCodeDependency, err)
		}
		r.rep.Install = report
	}

	for _, capability := range r.o.opts.Capabilities {
		report, err := p.Verify(ctx, handle, capability)
		if err != nil {
			return r.halt(PhaseProvisioning, OutcomeSetupFailed, output.ErrCodeEnvironment, err)
		}
		if !report.Available {
			r.logger.Warn("Capability not available", zap.String("capability", capability), zap.String("environment", handle.Name))
		}
		r.rep.Capabilities = append(r.rep.Capabilities, report)
	}

	detail := fmt.Sprintf("environment %s (%s), manifest %s", handle.Name, handle.Backend, manifest.Kind)
	r.end(PhaseProvisioning, statusCompleted, detail)
	return true
}

func (r *run) instrumentSource(ctx context.Context) bool {
	mode := r.cfg.Telemetry.Mode
	res := &InstrumentResult{}
	r.rep.Instrumentation = res

	if !mode.Instruments() {
		res.Skipped = true
		res.Reason = fmt.Sprintf("telemetry is %s", mode)
		r.rec.phase(PhaseInstrumenting, statusSkipped, res.Reason, "", 0)
		return true
	}

	r.begin(PhaseInstrumenting)
	res.File = r.cfg.EntryScript()
	if res.File == "" {
		return r.instrumentMiss(res, errors.New("no entry script to instrument"))
	}

	src, err := os.ReadFile(res.File)
	if err != nil {
		return r.instrumentMiss(res, fmt.Errorf("read entry script: %w", err))
	}

	plan, err := instrument.Analyze(ctx, src, instrument.Options{Project: r.cfg.Telemetry.Project})
	switch {
	case errors.Is(err, instrument.ErrAlreadyInstrumented):
		res.Skipped = true
		res.Reason = err.Error()
		r.rec.instrumentation(string(mode), res)
		r.end(PhaseInstrumenting, statusSkipped, res.Reason)
		return true
	case instrument.IsNoAnchors(err):
		res.Plan = plan
		return r.instrumentMiss(res, err)
	case err != nil:
		return r.instrumentMiss(res, err)
	}
	res.Plan = plan
	for k, v := range plan.Env {
		r.jobEnv[k] = v
	}

	if plan.ConfigurationOnly() {
		r.rec.instrumentation(string(mode), res)
		r.end(PhaseInstrumenting, statusCompleted, fmt.Sprintf("%s integration configured through environment", plan.Framework))
		return true
	}

	patch, err := instrument.Apply(src, plan)
	if err != nil {
		return r.instrumentMiss(res, err)
	}
	if err := instrument.WriteFile(res.File, patch); err != nil {
		return r.instrumentMiss(res, err)
	}
	res.Applied = patch.Changed()
	if res.Applied {
		res.Backup = instrument.BackupPath(res.File)
	}

	detail := fmt.Sprintf("%d edits", len(patch.Edits))
	if unresolved := plan.Unresolved(); len(unresolved) > 0 {
		parts := make([]string, len(unresolved))
		for i, u := range unresolved {
			parts[i] = string(u)
		}
		detail += ", unresolved: " + strings.Join(parts, ", ")
	}
	if fallbacks := plan.Fallbacks(); len(fallbacks) > 0 {
		parts := make([]string, len(fallbacks))
		for i, f := range fallbacks {
			parts[i] = string(f)
		}
		detail += ", fallback: " + strings.Join(parts, ", ")
	}
	r.logger.Info("Instrumented entry script", zap.String("file", res.File), zap.String("detail", detail))
	r.rec.instrumentation(string(mode), res)
	r.end(PhaseInstrumenting, statusCompleted, detail)
	return true
}

// instrumentMiss applies the no-anchor policy: continue uninstrumented, or
// halt when instrumentation is required. The source is untouched either way.
func (r *run) instrumentMiss(res *InstrumentResult, err error) bool {
	res.Skipped = true
	res.Reason = err.Error()
	r.rec.instrumentation(string(r.cfg.Telemetry.Mode), res)
	if r.o.opts.RequireInstrumentation {
		return r.halt(PhaseInstrumenting, OutcomeInstrumentFailed, output.ErrCodeInstrumentation, err)
	}
	r.logger.Warn("Continuing without instrumentation", zap.String("file", res.File), zap.Error(err))
	r.end(PhaseInstrumenting, statusSkipped, res.Reason)
	return true
}

func (r *run) launch(ctx context.Context) (*jobregistry.JobRecord, bool) {
	r.begin(PhaseLaunching)

	env := buildJobEnv(r.cfg, r.rep.Environment, r.jobEnv, r.rep.Devices)
	spec := jobregistry.LaunchSpec{
		Name:    r.cfg.Name,
		Command: r.cfg.Command,
		Env:     env,
		WorkDir: r.cfg.Project,
		Devices: r.rep.Devices,
	}
	if r.rep.Environment != nil {
		spec.Environment = r.rep.Environment.Name
	}

	job, err := r.o.opts.Launcher.Launch(ctx, spec)
	if job == nil {
		if err == nil {
			err = errors.New("launcher returned no job")
		}
		r.halt(PhaseLaunching, OutcomeLaunchFailed, output.ErrCodeSpawn, err)
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Job launched but its record was not saved", zap.String("job_id", job.JobID), zap.Error(err))
	}
	r.rep.Job = job
	r.rec.attach(r.o.opts.Store.EventsPath(job.JobID))
	r.metrics.SetJobState(string(job.State), allStates)

	r.logger.Info("Job launched",
		zap.String("job_id", job.JobID),
		zap.Int("pid", job.PID),
		zap.String("log", job.LogPath),
	)
	r.end(PhaseLaunching, statusCompleted, fmt.Sprintf("pid %d", job.PID))
	return job, true
}

// buildJobEnv computes the variables injected into the job. Computed values
// win over the experiment's own env map.
func buildJobEnv(cfg *experiment.Config, h *provision.Handle, planEnv map[string]string, resolved []int) map[string]string {
	env := make(map[string]string, len(cfg.Env)+4)
	for k, v := range cfg.Env {
		env[k] = v
	}

	if h != nil && h.Prefix != "" {
		bin := filepath.Join(h.Prefix, "bin")
		if path := os.Getenv("PATH"); path != "" {
			env["PATH"] = bin + string(os.PathListSeparator) + path
		} else {
			env["PATH"] = bin
		}
		switch h.Backend {
		case provision.BackendConda:
			env["CONDA_PREFIX"] = h.Prefix
			env["CONDA_DEFAULT_ENV"] = h.Name
		case provision.BackendVenv:
			env["VIRTUAL_ENV"] = h.Prefix
		}
	}

	if cfg.Telemetry.Mode != experiment.TelemetryDisabled && cfg.Telemetry.Project != "" {
		env[EnvTelemetryProject] = cfg.Telemetry.Project
	}
	for k, v := range planEnv {
		env[k] = v
	}

	if len(resolved) > 0 {
		env[EnvVisibleDevices] = devices.FormatIndices(resolved)
	}
	return env
}

// superviseAndDiagnose owns the job until it is terminal, then diagnoses
// failed and unknown outcomes.
func (r *run) superviseAndDiagnose(ctx context.Context, job *jobregistry.JobRecord, maxDuration time.Duration) {
	sup, ok := r.supervise(ctx, job, maxDuration)
	if !ok {
		return
	}
	state := sup.Status()
	if state == jobregistry.JobStateFailed || state == jobregistry.JobStateUnknown {
		r.diagnose(sup)
	}
}

func (r *run) supervise(ctx context.Context, job *jobregistry.JobRecord, maxDuration time.Duration) (*supervisor.Supervisor, bool) {
	r.begin(PhaseSupervising)
	store := r.o.opts.Store

	sopts := r.o.opts.Supervisor
	if sopts.Devices == nil {
		sopts.Devices = r.o.opts.Devices
	}
	sopts.Logger = r.logger
	sopts.Now = r.o.opts.Now
	if r.cfg != nil && r.cfg.Limits.GraceWindow > 0 {
		sopts.GraceWindow = r.cfg.Limits.GraceWindow.Std()
	}
	// Both callbacks run inside a poll; they must not call back into the
	// supervisor.
	sopts.OnSample = func(s supervisor.Sample) {
		r.metrics.ObserveSample(s.Devices, s.LogBytes)
		r.rec.sample(job.JobID, string(s.State), s)
	}
	sopts.OnTransition = func(rec jobregistry.JobRecord, from jobregistry.JobState) {
		r.metrics.SetJobState(string(rec.State), allStates)
		if rec.ExitCode != nil {
			r.metrics.SetExitCode(*rec.ExitCode)
		}
		if err := r.metrics.WriteTextfile(store.MetricsPath(rec.JobID)); err != nil {
			r.logger.Debug("Failed to write job metrics", zap.String("job_id", rec.JobID), zap.Error(err))
		}
	}

	sup, err := supervisor.New(store, job, sopts)
	if err != nil {
		r.halt(PhaseSupervising, OutcomeUnknown, output.ErrCodeInternal, err)
		return nil, false
	}

	runCtx := ctx
	if maxDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, maxDuration)
		defer cancel()
	}

	final, err := sup.Run(runCtx)
	detail := ""
	if err != nil {
		if ctx.Err() != nil {
			r.rep.Job = jobPtr(sup.Job())
			r.rep.Outcome = OutcomeLaunched
			r.logger.Info("Supervision stopped, job left running", zap.String("job_id", job.JobID))
			r.end(PhaseSupervising, statusSkipped, "supervision cancelled; job left running")
			return nil, false
		}
		r.logger.Warn("Maximum duration exceeded, terminating job",
			zap.String("job_id", job.JobID),
			zap.Duration("max_duration", maxDuration),
		)
		detail = fmt.Sprintf("terminated after max duration %s", maxDuration)
		final, err = sup.Terminate(ctx, unix.SIGTERM)
		if err != nil {
			r.logger.Error("Failed to terminate job", zap.String("job_id", job.JobID), zap.Error(err))
		}
		if !final.IsTerminal() {
			final, _ = sup.Poll(ctx)
		}
	}

	r.rep.Job = jobPtr(sup.Job())
	r.rep.Outcome = outcomeFor(final)
	if detail == "" {
		detail = "job " + string(final)
	}
	r.end(PhaseSupervising, statusCompleted, detail)
	return sup, true
}

func (r *run) diagnose(sup *supervisor.Supervisor) {
	r.begin(PhaseDiagnosing)
	job := sup.Job()

	tail, err := sup.Tail(r.o.opts.TailLines)
	if err != nil {
		r.logger.Warn("Cannot read job log", zap.String("log", job.LogPath), zap.Error(err))
	}

	progress := sup.Progress()
	since := progress.SinceLastOutput
	if progress.LastOutputAt.IsZero() && job.StartedAt != nil {
		since = r.o.opts.Now().Sub(*job.StartedAt)
	}

	stall := r.o.opts.StallThreshold
	if r.cfg != nil && r.cfg.Limits.StallThreshold > 0 {
		stall = r.cfg.Limits.StallThreshold.Std()
	}

	d, err := diagnosis.Diagnose(diagnosis.Input{
		Tail:  tail,
		State: job.State,
		Activity: diagnosis.Activity{
			SinceLastOutput:  since,
			StallThreshold:   stall,
			Utilization:      progress.Utilization,
			UtilizationKnown: progress.UtilizationKnown,
		},
	})
	if err != nil {
		r.end(PhaseDiagnosing, statusSkipped, err.Error())
		return
	}
	r.rep.Diagnosis = &d
	r.rec.diagnosis(job.JobID, &d)
	r.logger.Info("Job diagnosed", zap.String("job_id", job.JobID), zap.String("category", string(d.Category)))
	r.end(PhaseDiagnosing, statusCompleted, string(d.Category))
}

// finish restores the source when asked, writes the summary and metrics,
// and closes the event streams.
func (r *run) finish() {
	rep := r.rep
	if res := rep.Instrumentation; r.o.opts.RestoreSource && res != nil && res.Applied &&
		(rep.Job == nil || rep.Job.State.IsTerminal()) {
		if err := instrument.Restore(res.File); err != nil {
			r.logger.Warn("Failed to restore instrumented source", zap.String("file", res.File), zap.Error(err))
		} else {
			res.Restored = true
			res.Backup = ""
		}
	}

	rep.Phase = PhaseDone
	rep.EndedAt = r.o.opts.Now().UTC()
	r.rec.phase(PhaseDone, statusCompleted, string(rep.Outcome), r.jobID(), 0)
	r.rec.summary(rep)

	if rep.Job != nil {
		if err := r.metrics.WriteTextfile(r.o.opts.Store.MetricsPath(rep.Job.JobID)); err != nil {
			r.logger.Debug("Failed to write job metrics", zap.Error(err))
		}
	}
	r.rec.close()

	r.logger.Info("Run finished",
		zap.String("outcome", string(rep.Outcome)),
		zap.String("job_id", r.jobID()),
		zap.Duration("duration", rep.Duration()),
	)
}

func jobPtr(j jobregistry.JobRecord) *jobregistry.JobRecord {
	return &j
}

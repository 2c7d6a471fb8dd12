// Package supervisor watches one launched job until it reaches a terminal
// state.
//
// The supervisor polls on a fixed interval from the calling goroutine. It
// starts no goroutines of its own and never caches process-table or device
// answers beyond the poll that produced them.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/jobregistry"
)

const (
	DefaultPollInterval     = 5 * time.Second
	DefaultGraceWindow      = 20 * time.Second
	DefaultSampleInterval   = 30 * time.Second
	DefaultTerminateTimeout = 30 * time.Second

	terminateCheckInterval = 250 * time.Millisecond
	killTimeout            = 5 * time.Second
)

// Sample is one throttled observation of the job's devices and log.
type Sample struct {
	At time.Time `json:"at"`
	// State is the job state as of the poll that took the sample.
	State            jobregistry.JobState `json:"state"`
	Devices          []devices.Device `json:"devices,omitempty"`
	Utilization      float64          `json:"utilization"`
	UtilizationKnown bool             `json:"utilization_known"`
	LogBytes         int64            `json:"log_bytes"`
}

// Progress summarizes recent activity for diagnosis.
type Progress struct {
	LastOutputAt     time.Time
	SinceLastOutput  time.Duration
	Utilization      float64
	UtilizationKnown bool
}

// Options configures a Supervisor. Zero durations take the defaults.
type Options struct {
	PollInterval     time.Duration
	GraceWindow      time.Duration
	SampleInterval   time.Duration
	TerminateTimeout time.Duration

	// Devices is optional; without it no device samples are taken.
	Devices devices.Enumerator
	Logger  *zap.Logger

	// OnTransition is called after every persisted state change.
	OnTransition func(rec jobregistry.JobRecord, from jobregistry.JobState)
	// OnSample is called for every device sample.
	OnSample func(Sample)

	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.GraceWindow <= 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = DefaultSampleInterval
	}
	if o.TerminateTimeout <= 0 {
		o.TerminateTimeout = DefaultTerminateTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Supervisor owns a job handle once the launcher returns it.
type Supervisor struct {
	store *jobregistry.Store
	table jobregistry.ProcessTable
	opts  Options

	mu  sync.Mutex
	job jobregistry.JobRecord

	sometimes    rate.Sometimes
	logBytes     int64
	lastOutputAt time.Time
	lastSample   *Sample
}

// New supervises job. The record is copied; the store receives every change.
func New(store *jobregistry.Store, job *jobregistry.JobRecord, opts Options) (*Supervisor, error) {
	if store == nil || job == nil {
		return nil, errors.New("supervisor: store and job are required")
	}
	if job.PID <= 0 && !job.State.IsTerminal() {
		return nil, fmt.Errorf("supervisor: job %s has no pid", job.JobID)
	}
	opts.applyDefaults()

	s := &Supervisor{
		store:     store,
		table:     store.ProcessTable(),
		opts:      opts,
		job:       *job,
		sometimes: rate.Sometimes{Interval: opts.SampleInterval},
	}
	s.lastOutputAt = s.startedAt()
	if info, err := os.Stat(job.LogPath); err == nil {
		s.logBytes = info.Size()
		if info.Size() > 0 {
			s.lastOutputAt = info.ModTime()
		}
	}
	return s, nil
}

func (s *Supervisor) startedAt() time.Time {
	if s.job.StartedAt != nil {
		return *s.job.StartedAt
	}
	return s.job.CreatedAt
}

// Status returns the current state without polling.
func (s *Supervisor) Status() jobregistry.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.State
}

// Job returns a copy of the current record.
func (s *Supervisor) Job() jobregistry.JobRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// LastSample returns the most recent device sample, if any.
func (s *Supervisor) LastSample() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSample == nil {
		return Sample{}, false
	}
	return *s.lastSample, true
}

// Progress reports output recency and the last known utilization.
func (s *Supervisor) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{LastOutputAt: s.lastOutputAt, SinceLastOutput: s.opts.Now().Sub(s.lastOutputAt)}
	if s.lastSample != nil {
		p.Utilization = s.lastSample.Utilization
		p.UtilizationKnown = s.lastSample.UtilizationKnown
	}
	return p
}

// Tail returns a snapshot of the last n log lines.
func (s *Supervisor) Tail(n int) ([]string, error) {
	return jobregistry.TailFile(s.Job().LogPath, n)
}

// Poll performs one tick: liveness, exit classification, grace window and
// an optional throttled device sample. The returned error reports a failed
// record write; the state is still valid.
func (s *Supervisor) Poll(ctx context.Context) (jobregistry.JobState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.job.State.IsTerminal() {
		return s.job.State, nil
	}

	now := s.opts.Now().UTC()
	s.observeLog()

	if !s.table.Alive(s.job.PID) {
		from := s.job.State
		jobregistry.Settle(&s.job, s.table, now)
		return s.job.State, s.persist(from)
	}

	from := s.job.State
	if s.job.State == jobregistry.JobStateStarting && now.Sub(s.startedAt()) >= s.opts.GraceWindow {
		s.job.State = jobregistry.JobStateRunning
	}
	s.job.LastPollAt = &now

	if s.opts.Devices != nil {
		s.sometimes.Do(func() { s.sample(ctx, now) })
	}
	return s.job.State, s.persist(from)
}

// observeLog records log growth. Must hold mu.
func (s *Supervisor) observeLog() {
	info, err := os.Stat(s.job.LogPath)
	if err != nil {
		return
	}
	if info.Size() != s.logBytes {
		s.logBytes = info.Size()
		s.lastOutputAt = info.ModTime()
	}
}

// sample queries devices once. Must hold mu.
func (s *Supervisor) sample(ctx context.Context, now time.Time) {
	devs, err := s.opts.Devices.Devices(ctx)
	if err != nil {
		s.opts.Logger.Debug("Device sample failed", zap.String("job_id", s.job.JobID), zap.Error(err))
		return
	}
	smp := Sample{At: now, State: s.job.State, Devices: devs, LogBytes: s.logBytes}
	smp.Utilization, smp.UtilizationKnown = devices.MeanUtilization(devs, s.job.Devices)
	s.lastSample = &smp
	if s.opts.OnSample != nil {
		s.opts.OnSample(smp)
	}
}

// persist writes the record and reports a transition when the state moved
// away from from. Must hold mu.
func (s *Supervisor) persist(from jobregistry.JobState) error {
	err := s.store.Write(&s.job)
	if err != nil {
		s.opts.Logger.Warn("Failed to persist job record", zap.String("job_id", s.job.JobID), zap.Error(err))
	}
	if s.job.State != from {
		s.opts.Logger.Info("Job state changed",
			zap.String("job_id", s.job.JobID),
			zap.String("from", string(from)),
			zap.String("to", string(s.job.State)),
		)
		if s.opts.OnTransition != nil {
			s.opts.OnTransition(s.job, from)
		}
	}
	return err
}

// Run polls until the job is terminal. Cancelling ctx stops supervision and
// leaves the job running.
func (s *Supervisor) Run(ctx context.Context) (jobregistry.JobState, error) {
	state, _ := s.Poll(ctx)
	if state.IsTerminal() {
		return state, nil
	}

	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Status(), ctx.Err()
		case <-t.C:
			state, _ = s.Poll(ctx)
			if state.IsTerminal() {
				return state, nil
			}
		}
	}
}

// Terminate signals the job's process group, waits a bounded time for the
// pid to stop resolving, escalates to SIGKILL, and settles the job as
// killed.
func (s *Supervisor) Terminate(ctx context.Context, sig unix.Signal) (jobregistry.JobState, error) {
	s.mu.Lock()
	if s.job.State.IsTerminal() {
		st := s.job.State
		s.mu.Unlock()
		return st, nil
	}
	s.job.TerminateRequested = true
	_ = s.store.Write(&s.job)
	pid := s.job.PID
	jobID := s.job.JobID
	s.mu.Unlock()

	if sig == 0 {
		sig = unix.SIGTERM
	}
	s.opts.Logger.Info("Terminating job", zap.String("job_id", jobID), zap.Int("pid", pid), zap.String("signal", unix.SignalName(sig)))

	if err := s.table.Signal(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		// Nothing was delivered, so a later exit is the job's own.
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.job.State.IsTerminal() {
			s.job.TerminateRequested = false
			if werr := s.store.Write(&s.job); werr != nil {
				s.opts.Logger.Warn("Failed to persist job record", zap.String("job_id", jobID), zap.Error(werr))
			}
		}
		return s.job.State, fmt.Errorf("signal %s: %w", unix.SignalName(sig), err)
	}

	if !s.waitGone(ctx, pid, s.opts.TerminateTimeout) && sig != unix.SIGKILL {
		s.opts.Logger.Warn("Job did not exit, sending SIGKILL", zap.Int("pid", pid))
		_ = s.table.Signal(pid, unix.SIGKILL)
		if !s.waitGone(ctx, pid, killTimeout) {
			return s.Status(), fmt.Errorf("process %d still running after SIGKILL", pid)
		}
	}

	state, err := s.Poll(ctx)
	return state, err
}

func (s *Supervisor) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !s.table.Alive(pid) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !s.table.Alive(pid)
		case <-time.After(terminateCheckInterval):
		}
	}
}

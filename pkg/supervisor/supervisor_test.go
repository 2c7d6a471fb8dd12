package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/jobregistry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTable struct {
	mu        sync.Mutex
	alive     bool
	code      int
	hasCode   bool
	aliveFor  int // remaining Alive calls answering true; <0 means forever
	ignoreSig map[unix.Signal]bool
	signalErr error
	signals   []unix.Signal
}

func (f *fakeTable) Alive(int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.alive {
		return false
	}
	if f.aliveFor == 0 {
		f.alive = false
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
	if f.signalErr != nil {
		return f.signalErr
	}
	if !f.alive {
		return unix.ESRCH
	}
	if f.ignoreSig[sig] {
		return nil
	}
	f.alive = false
	f.code = 128 + int(sig)
	f.hasCode = true
	return nil
}

type fakeDevices struct {
	mu    sync.Mutex
	calls int
	devs  []devices.Device
	err   error
}

func (f *fakeDevices) Devices(context.Context) ([]devices.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.devs, f.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newJob(t *testing.T, table *fakeTable, started time.Time) (*jobregistry.Store, *jobregistry.JobRecord) {
	t.Helper()
	store := jobregistry.NewStore(t.TempDir()).WithProcessTable(table)
	rec := &jobregistry.JobRecord{
		JobID:     "job-1",
		State:     jobregistry.JobStateStarting,
		Command:   []string{"python", "train.py"},
		PID:       4242,
		Devices:   []int{0},
		CreatedAt: started,
		StartedAt: &started,
	}
	rec.LogPath = store.LogPath(rec.JobID)
	rec.ExitPath = store.ExitPath(rec.JobID)
	require.NoError(t, os.MkdirAll(filepath.Dir(rec.LogPath), 0o755))
	require.NoError(t, os.WriteFile(rec.LogPath, []byte("epoch 1\n"), 0o644))
	require.NoError(t, store.Write(rec))
	return store, rec
}

func TestPoll_GraceWindowPromotesToRunning(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start}
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, start)

	var transitions []jobregistry.JobState
	s, err := New(store, rec, Options{
		GraceWindow: 20 * time.Second,
		Now:         clk.Now,
		OnTransition: func(r jobregistry.JobRecord, _ jobregistry.JobState) {
			transitions = append(transitions, r.State)
		},
	})
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	state, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateStarting, state)

	clk.Advance(20 * time.Second)
	state, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateRunning, state)
	assert.Equal(t, []jobregistry.JobState{jobregistry.JobStateRunning}, transitions)

	persisted, err := store.Get(rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateRunning, persisted.State)
	require.NotNil(t, persisted.LastPollAt)
}

func TestPoll_ClassifiesExit(t *testing.T) {
	cases := []struct {
		name    string
		code    int
		hasCode bool
		want    jobregistry.JobState
	}{
		{name: "zero", code: 0, hasCode: true, want: jobregistry.JobStateSucceeded},
		{name: "nonzero", code: 3, hasCode: true, want: jobregistry.JobStateFailed},
		{name: "undeterminable", hasCode: false, want: jobregistry.JobStateUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now().UTC()
			table := &fakeTable{alive: false, code: tc.code, hasCode: tc.hasCode}
			store, rec := newJob(t, table, start)

			s, err := New(store, rec, Options{})
			require.NoError(t, err)

			state, err := s.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)

			job := s.Job()
			require.NotNil(t, job.EndedAt)
			if tc.hasCode {
				require.NotNil(t, job.ExitCode)
				assert.Equal(t, tc.code, *job.ExitCode)
			} else {
				assert.Nil(t, job.ExitCode)
			}

			// Terminal states are sticky for this cycle.
			state, err = s.Poll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, state)
		})
	}
}

func TestRun_UntilExit(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: 3, code: 0, hasCode: true}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateSucceeded, state)
}

func TestRun_CancelLeavesJobRunning(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	state, err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, state.IsTerminal())
	assert.Empty(t, table.signals)
}

func TestTerminate_ClassifiesKilled(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{TerminateTimeout: time.Second})
	require.NoError(t, err)

	state, err := s.Terminate(context.Background(), unix.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateKilled, state)
	assert.Equal(t, []unix.Signal{unix.SIGTERM}, table.signals)

	job := s.Job()
	assert.True(t, job.TerminateRequested)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 128+int(unix.SIGTERM), *job.ExitCode)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1, ignoreSig: map[unix.Signal]bool{unix.SIGTERM: true}}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{TerminateTimeout: 300 * time.Millisecond})
	require.NoError(t, err)

	state, err := s.Terminate(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateKilled, state)
	assert.Equal(t, []unix.Signal{unix.SIGTERM, unix.SIGKILL}, table.signals)
}

func TestTerminate_SignalFailureKeepsOwnExit(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1, signalErr: unix.EPERM}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{TerminateTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	state, err := s.Terminate(context.Background(), unix.SIGTERM)
	require.ErrorIs(t, err, unix.EPERM)
	assert.False(t, state.IsTerminal())
	assert.False(t, s.Job().TerminateRequested)

	persisted, err := store.Get(rec.JobID)
	require.NoError(t, err)
	assert.False(t, persisted.TerminateRequested)

	// The job later exits on its own with a failure.
	table.mu.Lock()
	table.alive = false
	table.code, table.hasCode = 1, true
	table.mu.Unlock()

	state, err = s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateFailed, state)
}

func TestTerminate_AlreadyTerminal(t *testing.T) {
	table := &fakeTable{alive: false, code: 0, hasCode: true}
	store, rec := newJob(t, table, time.Now().UTC())

	s, err := New(store, rec, Options{})
	require.NoError(t, err)
	_, err = s.Poll(context.Background())
	require.NoError(t, err)

	state, err := s.Terminate(context.Background(), unix.SIGTERM)
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateSucceeded, state)
	assert.Empty(t, table.signals)
}

func TestPoll_SamplesDevicesThrottled(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, time.Now().UTC())
	devs := &fakeDevices{devs: []devices.Device{
		{Index: 0, Name: "A100", UtilizationPercent: 80},
		{Index: 1, Name: "A100", UtilizationPercent: 0},
	}}

	var samples []Sample
	s, err := New(store, rec, Options{
		SampleInterval: time.Hour,
		Devices:        devs,
		OnSample:       func(smp Sample) { samples = append(samples, smp) },
	})
	require.NoError(t, err)

	for range 3 {
		_, err := s.Poll(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 1, devs.calls)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].UtilizationKnown)
	assert.InDelta(t, 80.0, samples[0].Utilization, 0.001)

	p := s.Progress()
	assert.True(t, p.UtilizationKnown)
	assert.InDelta(t, 80.0, p.Utilization, 0.001)
}

func TestPoll_SampleCarriesPromotedState(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := &clock{now: start.Add(30 * time.Second)}
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, start)
	devs := &fakeDevices{devs: []devices.Device{{Index: 0, Name: "A100", UtilizationPercent: 55}}}

	var samples []Sample
	s, err := New(store, rec, Options{
		GraceWindow:    20 * time.Second,
		SampleInterval: time.Hour,
		Devices:        devs,
		Now:            clk.Now,
		OnSample:       func(smp Sample) { samples = append(samples, smp) },
	})
	require.NoError(t, err)

	// The poll that promotes starting to running also takes the first sample.
	state, err := s.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobregistry.JobStateRunning, state)
	require.Len(t, samples, 1)
	assert.Equal(t, jobregistry.JobStateRunning, samples[0].State)

	last, ok := s.LastSample()
	require.True(t, ok)
	assert.Equal(t, jobregistry.JobStateRunning, last.State)
}

func TestPoll_DeviceErrorLeavesUtilizationUnknown(t *testing.T) {
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, time.Now().UTC())
	devs := &fakeDevices{err: errors.New("nvidia-smi missing")}

	s, err := New(store, rec, Options{Devices: devs})
	require.NoError(t, err)

	_, err = s.Poll(context.Background())
	require.NoError(t, err)

	_, ok := s.LastSample()
	assert.False(t, ok)
	assert.False(t, s.Progress().UtilizationKnown)
}

func TestProgress_TracksLogGrowth(t *testing.T) {
	start := time.Now().UTC()
	clk := &clock{now: start}
	table := &fakeTable{alive: true, aliveFor: -1}
	store, rec := newJob(t, table, start)

	s, err := New(store, rec, Options{Now: clk.Now})
	require.NoError(t, err)

	stamp := start.Add(time.Minute).Truncate(time.Second)
	f, err := os.OpenFile(rec.LogPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("epoch 2\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Chtimes(rec.LogPath, stamp, stamp))

	clk.Advance(2 * time.Minute)
	_, err = s.Poll(context.Background())
	require.NoError(t, err)

	p := s.Progress()
	assert.Equal(t, stamp.Unix(), p.LastOutputAt.Unix())

	lines, err := s.Tail(10)
	require.NoError(t, err)
	assert.Equal(t, []string{"epoch 1", "epoch 2"}, lines)
}

func TestNew_RequiresPID(t *testing.T) {
	store := jobregistry.NewStore(t.TempDir())
	_, err := New(store, &jobregistry.JobRecord{JobID: "x", State: jobregistry.JobStateStarting}, Options{})
	require.Error(t, err)
}

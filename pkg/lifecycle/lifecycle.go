package lifecycle

import (
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/jobregistry"
	"github.com/3leaps/trainctl/pkg/supervisor"
)

// DefaultTailLines is how much of the log a diagnosis looks at.
const DefaultTailLines = 200

// Options configures an Orchestrator.
type Options struct {
	Provisioner Provisioner
	Store       *jobregistry.Store
	// Launcher defaults to a jobregistry.Launcher on Store.
	Launcher Launcher
	// Devices is optional; without it device selection trusts explicit
	// indices and no samples are taken.
	Devices devices.Enumerator

	// Events receives the run's JSONL records. The job's events.jsonl gets
	// a copy regardless.
	Events     io.Writer
	NewMetrics func(experiment string) Metrics
	Logger     *zap.Logger

	Supervisor     supervisor.Options
	StallThreshold time.Duration
	// Capabilities are verified after provisioning. A missing capability is
	// reported, not fatal.
	Capabilities []string

	// Detach stops the run once the job is launched.
	Detach bool
	// RequireInstrumentation turns an instrumentation miss into an
	// instrument-failed outcome instead of an uninstrumented launch.
	RequireInstrumentation bool
	// RestoreSource puts the original source back once the job is terminal.
	RestoreSource bool
	TailLines     int

	Now func() time.Time
}

// Orchestrator runs experiments. It holds no per-run state, so one value can
// serve successive runs.
type Orchestrator struct {
	opts Options
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: job store is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("lifecycle: provisioner is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = jobregistry.NewLauncher(opts.Store)
	}
	if opts.NewMetrics == nil {
		opts.NewMetrics = func(string) Metrics { return noopMetrics{} }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TailLines <= 0 {
		opts.TailLines = DefaultTailLines
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{opts: opts}, nil
}

type noopMetrics struct{}

func (noopMetrics) ObservePhase(string, string, time.Duration) {}
func (noopMetrics) SetJobState(string, []string) {}
func (noopMetrics) SetExitCode(int) {}
func (noopMetrics) ObserveSample([]devices.Device, int64) {}
func (noopMetrics) WriteTextfile(string) error { return nil }

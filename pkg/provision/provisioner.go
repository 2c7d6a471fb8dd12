package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/runner"
)

// Options configures a Provisioner.
type Options struct {
	// Backend is "conda" or "venv".
	Backend string
	// CondaBin is the conda executable (conda, mamba, micromamba).
	CondaBin string
	// PythonBin is the ambient interpreter for use-current and for creating
	// venvs when no version is requested.
	PythonBin string
	// DataDir holds venv environments and install stamps.
	DataDir string
	Runner  runner.Runner
	Logger  *zap.Logger
}

// Provisioner implements Ensure, Install and Verify over a backend. Every
// operation is idempotent.
type Provisioner struct {
	backend   string
	condaBin  string
	pythonBin string
	dataDir   string
	run       runner.Runner
	log       *zap.Logger
	now       func() time.Time
}

func New(opts Options) (*Provisioner, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	if backend == "" {
		backend = BackendConda
	}
	if backend != BackendConda && backend != BackendVenv {
		return nil, fmt.Errorf("unsupported provision backend %q", opts.Backend)
	}
	p := &Provisioner{
		backend:   backend,
		condaBin:  opts.CondaBin,
		pythonBin: opts.PythonBin,
		dataDir:   opts.DataDir,
		run:       opts.Runner,
		log:       opts.Logger,
		now:       time.Now,
	}
	if p.condaBin == "" {
		p.condaBin = "conda"
	}
	if p.pythonBin == "" {
		p.pythonBin = "python3"
	}
	if p.run == nil {
		p.run = runner.Exec{}
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p, nil
}

// Backend returns the configured backend name.
func (p *Provisioner) Backend() string { return p.backend }

// Ensure returns a handle for spec, creating the environment when the policy
// asks for it.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (*Handle, error) {
	policy := spec.Policy
	if policy == "" {
		policy = PolicyCreateNew
	}
	if policy == PolicyUseCurrent {
		return &Handle{Name: "current", Backend: "current", Python: p.pythonBin}, nil
	}

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("environment name is required for policy %s", policy)
	}

	existing, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}

	switch policy {
	case PolicyUseExisting:
		if existing == nil {
			return nil, fmt.Errorf("%w: %s (%s)", ErrEnvironmentNotFound, name, p.backend)
		}
		return existing, nil
	case PolicyCreateNew:
		if existing != nil {
			if spec.AllowReuse {
				p.log.Info("Reusing existing environment", zap.String("name", name), zap.String("prefix", existing.Prefix))
				return existing, nil
			}
			return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Err: ErrEnvironmentExists}
		}
		return p.create(ctx, name, spec.PythonVersion)
	default:
		return nil, fmt.Errorf("unknown environment policy %q", policy)
	}
}

func (p *Provisioner) lookup(ctx context.Context, name string) (*Handle, error) {
	if p.backend == BackendVenv {
		prefix := p.venvPrefix(name)
		py := filepath.Join(prefix, "bin", "python")
		if _, err := os.Stat(py); err != nil {
			return nil, nil
		}
		return &Handle{Name: name, Backend: BackendVenv, Prefix: prefix, Python: py}, nil
	}

	res, err := p.run.Run(ctx, runner.Command{Name: p.condaBin, Args: []string{"env", "list", "--json"}})
	if err != nil {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	prefix, ok, err := findCondaEnv(res.Output, name)
	if err != nil {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Output: string(res.Output), Err: err}
	}
	if !ok {
		return nil, nil
	}
	return &Handle{Name: name, Backend: BackendConda, Prefix: prefix, Python: filepath.Join(prefix, "bin", "python")}, nil
}

func findCondaEnv(out []byte, name string) (string, bool, error) {
	var doc struct {
		Envs []string `json:"envs"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return "", false, fmt.Errorf("parse conda env list: %w", err)
	}
	for _, prefix := range doc.Envs {
		if filepath.Base(prefix) == name && filepath.Base(filepath.Dir(prefix)) == "envs" {
			return prefix, true, nil
		}
	}
	return "", false, nil
}

func (p *Provisioner) create(ctx context.Context, name, pythonVersion string) (*Handle, error) {
	start := p.now()
	var cmd runner.Command
	switch p.backend {
	case BackendVenv:
		interpreter := p.pythonBin
		if pythonVersion != "" {
			interpreter = "python" + pythonVersion
		}
		if err := os.MkdirAll(filepath.Dir(p.venvPrefix(name)), 0o755); err != nil {
			return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Err: err}
		}
		cmd = runner.Command{Name: interpreter, Args: []string{"-m", "venv", p.venvPrefix(name)}}
	default:
		args := []string{"create", "--yes", "--name", name}
		if pythonVersion != "" {
			args = append(args, "python="+pythonVersion)
		} else {
			args = append(args, "python")
		}
		cmd = runner.Command{Name: p.condaBin, Args: args}
	}

	p.log.Info("Creating environment", zap.String("name", name), zap.String("backend", p.backend), zap.String("command", cmd.String()))
	res, err := p.run.Run(ctx, cmd)
	if err != nil {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	h, err := p.lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, &EnvironmentCreationError{Name: name, Backend: p.backend, Output: string(res.Output), Err: errors.New("environment missing after create")}
	}
	h.Created = true
	if err := p.clearStamp(h); err != nil {
		p.log.Warn("Failed to clear install stamp", zap.String("name", name), zap.Error(err))
	}
	p.log.Info("Environment created", zap.String("name", name), zap.Duration("duration", p.now().Sub(start)))
	return h, nil
}

func (p *Provisioner) venvPrefix(name string) string {
	return filepath.Join(p.dataDir, "envs", name)
}

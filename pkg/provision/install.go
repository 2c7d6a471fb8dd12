package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/deps"
	"github.com/3leaps/trainctl/pkg/runner"
)

type installStamp struct {
	Fingerprint string    `json:"fingerprint"`
	Manifest    string    `json:"manifest"`
	Prefix      string    `json:"prefix,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// Install installs the packages a manifest declares into h. An unchanged
// manifest (same fingerprint as the last successful install into h) is a
// no-op reported as Skipped.
func (p *Provisioner) Install(ctx context.Context, h *Handle, m *deps.Manifest) (*InstallReport, error) {
	if h == nil {
		return nil, errors.New("install: nil environment handle")
	}
	if m.None() {
		return &InstallReport{Skipped: true, Reason: "no dependency manifest"}, nil
	}

	fp, err := m.Fingerprint()
	if err != nil {
		return nil, &DependencyInstallError{Kind: m.Kind, Manifest: m.Path, ExitCode: -1, Err: err}
	}
	report := &InstallReport{Manifest: m.Path, Fingerprint: fp}

	if stamp, ok := p.readStamp(h); ok && stamp.Fingerprint == fp && stamp.Prefix == h.Prefix {
		report.Skipped = true
		report.Reason = "manifest unchanged since " + stamp.InstalledAt.Format(time.RFC3339)
		return report, nil
	}

	cmd, err := p.installCommand(h, m)
	if err != nil {
		return nil, &DependencyInstallError{Kind: m.Kind, Manifest: m.Path, ExitCode: -1, Err: err}
	}
	report.Command = cmd.String()

	p.log.Info("Installing dependencies", zap.String("manifest", m.Path), zap.String("kind", string(m.Kind)), zap.String("command", cmd.String()))
	start := p.now()
	res, err := p.run.Run(ctx, cmd)
	report.Duration = p.now().Sub(start)
	if err != nil {
		return nil, &DependencyInstallError{Kind: m.Kind, Manifest: m.Path, ExitCode: -1, Err: err}
	}
	report.Output = string(res.Output)
	if res.ExitCode != 0 {
		return nil, &DependencyInstallError{Kind: m.Kind, Manifest: m.Path, ExitCode: res.ExitCode, Output: string(res.Output)}
	}

	if err := p.writeStamp(h, installStamp{Fingerprint: fp, Manifest: m.Path, Prefix: h.Prefix, InstalledAt: p.now().UTC()}); err != nil {
		p.log.Warn("Failed to write install stamp", zap.Error(err))
	}
	return report, nil
}

func (p *Provisioner) installCommand(h *Handle, m *deps.Manifest) (runner.Command, error) {
	dir := filepath.Dir(m.Path)
	switch m.Kind {
	case deps.KindRequirementsList:
		return runner.Command{Name: h.Python, Args: []string{"-m", "pip", "install", "-r", m.Path}, Dir: dir}, nil
	case deps.KindProjectMetadata, deps.KindLegacySetupScript:
		return runner.Command{Name: h.Python, Args: []string{"-m", "pip", "install", "-e", dir}, Dir: dir}, nil
	case deps.KindEnvironmentDefinition:
		if h.Backend != BackendConda {
			return runner.Command{}, fmt.Errorf("%w: %s needs the conda backend", ErrUnsupportedManifest, m.Kind)
		}
		return runner.Command{Name: p.condaBin, Args: []string{"env", "update", "--name", h.Name, "--file", m.Path}, Dir: dir}, nil
	default:
		return runner.Command{}, fmt.Errorf("%w: %s", ErrUnsupportedManifest, m.Kind)
	}
}

func (p *Provisioner) stampPath(h *Handle) string {
	return filepath.Join(p.dataDir, "stamps", h.Backend+"-"+h.Name+".json")
}

func (p *Provisioner) readStamp(h *Handle) (installStamp, bool) {
	var s installStamp
	b, err := os.ReadFile(p.stampPath(h))
	if err != nil {
		return s, false
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, false
	}
	return s, true
}

// clearStamp forgets previous installs into h. A freshly created
// environment starts empty whatever the stamp says.
func (p *Provisioner) clearStamp(h *Handle) error {
	err := os.Remove(p.stampPath(h))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (p *Provisioner) writeStamp(h *Handle, s installStamp) error {
	path := p.stampPath(h)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

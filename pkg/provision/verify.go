package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/probe"
	"github.com/3leaps/trainctl/pkg/runner"
)

// Capabilities with a built-in probe program.
const (
	CapabilityTorchCUDA     = "torch-cuda"
	CapabilityTensorFlowGPU = "tensorflow-gpu"
	CapabilityJAXGPU        = "jax-gpu"
	CapabilityWandb         = "wandb"
)

// Probe programs print `key: value` lines. Import failures propagate as a
// nonzero exit with no parsable lines, which reads as "not available".
var probePrograms = map[string]string{
	CapabilityTorchCUDA: `import torch
print("available:", torch.cuda.is_available())
print("device_count:", torch.cuda.device_count())
print("version:", torch.__version__)
print("cuda_version:", torch.version.cuda)
`,
	CapabilityTensorFlowGPU: `import tensorflow as tf
gpus = tf.config.list_physical_devices("GPU")
print("available:", len(gpus) > 0)
print("device_count:", len(gpus))
print("version:", tf.__version__)
`,
	CapabilityJAXGPU: `import jax
gpus = [d for d in jax.devices() if d.platform == "gpu"]
print("available:", len(gpus) > 0)
print("device_count:", len(gpus))
print("version:", jax.__version__)
`,
	CapabilityWandb: `import wandb
print("available:", True)
print("device_count:", 0)
print("version:", wandb.__version__)
`,
}

var reportProbe = func() *probe.Prober {
	p, err := probe.New(probe.Config{Extract: []probe.ExtractorConfig{
		{Name: "available", Type: probe.TypeKeyValue},
		{Name: "device_count", Type: probe.TypeKeyValue},
		{Name: "version", Type: probe.TypeKeyValue},
	}})
	if err != nil {
		panic(err)
	}
	return p
}()

// Capabilities lists the capability names Verify understands.
func Capabilities() []string {
	out := make([]string, 0, len(probePrograms))
	for k := range probePrograms {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Verify runs the capability's probe program inside h. A probe that cannot
// start, exits nonzero, or prints nothing parsable yields Available=false.
func (p *Provisioner) Verify(ctx context.Context, h *Handle, capability string) (*CapabilityReport, error) {
	if h == nil {
		return nil, errors.New("verify: nil environment handle")
	}
	script, ok := probePrograms[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %s)", ErrUnknownCapability, capability, strings.Join(Capabilities(), ", "))
	}

	report := &CapabilityReport{Capability: capability, Facts: map[string]string{}}
	res, err := p.run.Run(ctx, runner.Command{Name: h.Python, Args: []string{"-c", script}})
	if err != nil {
		p.log.Debug("Capability probe did not start", zap.String("capability", capability), zap.Error(err))
		report.Facts["error"] = err.Error()
		return report, nil
	}

	report.Facts = probe.ParseKeyValues(res.Output)
	if res.ExitCode != 0 {
		report.Facts["exit_code"] = strconv.Itoa(res.ExitCode)
		return report, nil
	}

	fields, err := reportProbe.Probe(res.Output)
	if err != nil {
		return report, nil
	}
	report.Available = parseBool(fields["available"])
	report.DeviceCount, _ = strconv.Atoi(fields["device_count"])
	report.Version = fields["version"]
	return report, nil
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
	return err == nil && b
}

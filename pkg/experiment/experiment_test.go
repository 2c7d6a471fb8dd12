package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/provision"
)

func minimalYAML() string {
	return `version: "1.0"
command: ["python", "train.py"]
`
}

func fullYAML() string {
	return `$schema: https://schemas.3leaps.dev/trainctl/v1.0.0/experiment.schema.json
version: "1.0"
name: resnet-baseline
project: proj
command: ["python", "train.py", "--epochs", "10"]
env:
  OMP_NUM_THREADS: "4"
environment:
  name: resnet
  python: "3.11"
  policy: create-new
  allow_reuse: true
telemetry:
  mode: enabled
  project: resnet-sweeps
devices: [0, 1]
limits:
  max_duration: 12h
  grace_window: 45s
  stall_threshold: 20m
`
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, "experiment.yaml", minimalYAML())

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1.0", cfg.Version)
	assert.Equal(t, filepath.Dir(path), cfg.Project)
	assert.Equal(t, filepath.Base(filepath.Dir(path)), cfg.Name)
	assert.Equal(t, []string{"python", "train.py"}, cfg.Command)
	assert.Equal(t, provision.PolicyUseCurrent, cfg.Environment.Policy)
	assert.Equal(t, TelemetryDisabled, cfg.Telemetry.Mode)
	assert.True(t, cfg.Devices.All)
	assert.Zero(t, cfg.Limits.MaxDuration)
	assert.False(t, cfg.InstallDependencies())
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, "experiment.yml", fullYAML())

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "resnet-baseline", cfg.Name)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "proj"), cfg.Project)
	assert.Equal(t, "4", cfg.Env["OMP_NUM_THREADS"])
	assert.Equal(t, provision.Spec{Name: "resnet", PythonVersion: "3.11", Policy: provision.PolicyCreateNew, AllowReuse: true}, cfg.ProvisionSpec())
	assert.True(t, cfg.InstallDependencies())
	assert.True(t, cfg.Telemetry.Mode.Instruments())
	assert.Equal(t, "resnet-sweeps", cfg.Telemetry.Project)
	assert.Equal(t, []int{0, 1}, cfg.Devices.Indices)
	assert.Equal(t, 12*time.Hour, cfg.Limits.MaxDuration.Std())
	assert.Equal(t, 45*time.Second, cfg.Limits.GraceWindow.Std())
	assert.Equal(t, 20*time.Minute, cfg.Limits.StallThreshold.Std())
	assert.Equal(t, filepath.Join(cfg.Project, "train.py"), cfg.EntryScript())
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "experiment.json", `{
  "version": "1.0",
  "command": ["python", "-m", "trainer.main"],
  "environment": {"name": "base", "policy": "use-existing", "install": false},
  "devices": "all",
  "limits": {"max_duration": "90m"}
}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, provision.PolicyUseExisting, cfg.Environment.Policy)
	assert.False(t, cfg.InstallDependencies())
	assert.True(t, cfg.Devices.All)
	assert.Equal(t, 90*time.Minute, cfg.Limits.MaxDuration.Std())
	assert.Empty(t, cfg.EntryScript(), "module launches have no entry script")
}

func TestLoad_NamedEnvironmentDefaultsToCreateNew(t *testing.T) {
	path := writeConfig(t, "experiment.yaml", minimalYAML()+"environment:\n  name: fresh\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, provision.PolicyCreateNew, cfg.Environment.Policy)
	assert.True(t, cfg.InstallDependencies())
}

func TestLoad_SchemaRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{name: "missing command", content: "version: \"1.0\"\n"},
		{name: "empty command", content: "version: \"1.0\"\ncommand: []\n"},
		{name: "unknown field", content: minimalYAML() + "bogus: 1\n"},
		{name: "bad version", content: "version: \"2.0\"\ncommand: [python]\n"},
		{name: "bad policy", content: minimalYAML() + "environment:\n  name: x\n  policy: recreate\n"},
		{name: "bad telemetry mode", content: minimalYAML() + "telemetry:\n  mode: auto\n"},
		{name: "enabled without project", content: minimalYAML() + "telemetry:\n  mode: enabled\n"},
		{name: "bad duration", content: minimalYAML() + "limits:\n  max_duration: forever\n"},
		{name: "negative device", content: minimalYAML() + "devices: [-1]\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.content), "experiment.yaml", t.TempDir())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.NotEmpty(t, verrs)
		})
	}
}

func TestLoad_SemanticRejections(t *testing.T) {
	content := minimalYAML() + "environment:\n  policy: use-existing\n"
	_, err := LoadFromBytes([]byte(content), "experiment.yaml", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = LoadFromBytes([]byte("  \n"), "experiment.yaml", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")

	_, err = LoadFromBytes([]byte("{not json"), "experiment.json", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")
}

func TestLoadFromReader_UnknownExtension(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML()), "experiment.conf", "/work/proj")
	require.NoError(t, err)
	assert.Equal(t, "/work/proj", cfg.Project)
	assert.Equal(t, "proj", cfg.Name)
}

func TestEntryScript(t *testing.T) {
	cfg := &Config{Project: "/p", Command: []string{"torchrun", "--nproc_per_node=2", "src/train.py"}}
	assert.Equal(t, "/p/src/train.py", cfg.EntryScript())

	cfg.Entry = "/abs/main.py"
	assert.Equal(t, "/abs/main.py", cfg.EntryScript())

	cfg = &Config{Project: "/p", Command: []string{"./run.sh"}}
	assert.Empty(t, cfg.EntryScript())
}

func TestResolveDevices(t *testing.T) {
	avail := []devices.Device{{Index: 0}, {Index: 1}, {Index: 2}}

	cfg := &Config{Devices: devices.AllDevices()}
	got, err := cfg.ResolveDevices(avail)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got)

	cfg = &Config{Devices: devices.Selection{Indices: []int{2}}}
	got, err = cfg.ResolveDevices(avail)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, got)
}

func TestDuration_RoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1h30m"`)))
	assert.Equal(t, 90*time.Minute, d.Std())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1h30m0s"`, string(b))

	assert.Error(t, d.UnmarshalJSON([]byte(`90`)))
}

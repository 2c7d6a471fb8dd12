// Package experiment loads and validates trainctl experiment configurations.
//
// An experiment configuration is a YAML or JSON file describing one training
// run: where the project lives, the command that starts training, the
// environment it runs in, telemetry and device selection.
//
// Configurations are validated against an embedded JSON Schema before they
// are parsed. The schema disallows unknown properties.
//
// Example (YAML):
//
//	version: "1.0"
//	name: resnet-baseline
//	project: .
//	command: ["python", "train.py", "--epochs", "10"]
//	environment:
//	  name: resnet
//	  python: "3.11"
//	  policy: create-new
//	  allow_reuse: true
//	telemetry:
//	  mode: enabled
//	  project: resnet-sweeps
//	devices: [0, 1]
//	limits:
//	  max_duration: 12h
package experiment

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/trainctl/pkg/devices"
	"github.com/3leaps/trainctl/pkg/provision"
)

// TelemetryMode selects how run telemetry is handled.
type TelemetryMode string

const (
	TelemetryDisabled       TelemetryMode = "disabled"
	TelemetryEnabled        TelemetryMode = "enabled"
	TelemetryAlreadyPresent TelemetryMode = "already-present"
)

// Instruments reports whether the instrumentation phase runs for m.
func (m TelemetryMode) Instruments() bool {
	return m == TelemetryEnabled
}

// Config is a validated experiment configuration. Treat it as immutable once
// loaded.
type Config struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the configuration schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the run. Defaults to the project directory's base name.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Project is the project root. Load makes it absolute.
	Project string `json:"project,omitempty" yaml:"project,omitempty"`

	// Command is the launch argument vector.
	Command []string `json:"command" yaml:"command"`

	// Entry is the source file to instrument, relative to Project.
	Entry string `json:"entry,omitempty" yaml:"entry,omitempty"`

	// Env holds extra variables for the job's environment only.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	Environment EnvironmentConfig `json:"environment,omitempty" yaml:"environment,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
	Devices     devices.Selection `json:"devices,omitempty" yaml:"devices,omitempty"`
	Limits      LimitsConfig      `json:"limits,omitempty" yaml:"limits,omitempty"`
}

// EnvironmentConfig describes the isolated runtime the job runs in.
type EnvironmentConfig struct {
	Name       string                   `json:"name,omitempty" yaml:"name,omitempty"`
	Python     string                   `json:"python,omitempty" yaml:"python,omitempty"`
	Policy     provision.CreationPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	AllowReuse bool                     `json:"allow_reuse,omitempty" yaml:"allow_reuse,omitempty"`

	// Install controls dependency installation. Nil means true.
	Install *bool `json:"install,omitempty" yaml:"install,omitempty"`
}

// TelemetryConfig selects the telemetry preference.
type TelemetryConfig struct {
	Mode    TelemetryMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Project string        `json:"project,omitempty" yaml:"project,omitempty"`
}

// LimitsConfig bounds the run. Zero values mean "use the tool default".
type LimitsConfig struct {
	// MaxDuration is enforced by terminating the job. Zero means unbounded.
	MaxDuration    Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	GraceWindow    Duration `json:"grace_window,omitempty" yaml:"grace_window,omitempty"`
	StallThreshold Duration `json:"stall_threshold,omitempty" yaml:"stall_threshold,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s", "12h").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Defaults.
const (
	DefaultVersion = "1.0"
)

// ApplyDefaults normalizes optional fields.
//
// Without an environment name the ambient interpreter is used; with one the
// default policy is create-new.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Project == "" {
		c.Project = "."
	}
	if c.Environment.Policy == "" {
		if c.Environment.Name == "" {
			c.Environment.Policy = provision.PolicyUseCurrent
		} else {
			c.Environment.Policy = provision.PolicyCreateNew
		}
	}
	if c.Telemetry.Mode == "" {
		c.Telemetry.Mode = TelemetryDisabled
	}
	if !c.Devices.All && len(c.Devices.Indices) == 0 {
		c.Devices = devices.AllDevices()
	}
	if c.Name == "" {
		c.Name = filepath.Base(filepath.Clean(c.Project))
	}
}

// ProvisionSpec returns the provisioner request for this experiment.
func (c *Config) ProvisionSpec() provision.Spec {
	return provision.Spec{
		Name:          c.Environment.Name,
		PythonVersion: c.Environment.Python,
		Policy:        c.Environment.Policy,
		AllowReuse:    c.Environment.AllowReuse,
	}
}

// InstallDependencies reports whether the detected manifest should be installed.
func (c *Config) InstallDependencies() bool {
	if c.Environment.Policy == provision.PolicyUseCurrent && c.Environment.Install == nil {
		return false
	}
	return c.Environment.Install == nil || *c.Environment.Install
}

// ResolveDevices fixes the device selection against the available devices.
// The result is computed once per run and never changes afterwards.
func (c *Config) ResolveDevices(available []devices.Device) ([]int, error) {
	return devices.Resolve(c.Devices, available)
}

// EntryScript returns the absolute path of the source file to instrument,
// or "" when none can be determined (for example `python -m pkg`).
func (c *Config) EntryScript() string {
	if c.Entry != "" {
		return c.abs(c.Entry)
	}
	for i, arg := range c.Command {
		if i > 0 && c.Command[i-1] == "-m" {
			return ""
		}
		if strings.HasSuffix(arg, ".py") {
			return c.abs(arg)
		}
	}
	return ""
}

func (c *Config) abs(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Project, p)
}

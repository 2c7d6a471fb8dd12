// Package provision creates, reuses and inspects the isolated Python
// runtimes training jobs run in.
package provision

import "time"

// CreationPolicy controls how Ensure treats the named environment.
type CreationPolicy string

const (
	PolicyCreateNew   CreationPolicy = "create-new"
	PolicyUseExisting CreationPolicy = "use-existing"
	PolicyUseCurrent  CreationPolicy = "use-current"
)

// Backend names.
const (
	BackendConda = "conda"
	BackendVenv  = "venv"
)

// Spec describes the environment a run needs.
type Spec struct {
	Name          string         `json:"name" yaml:"name"`
	PythonVersion string         `json:"python_version,omitempty" yaml:"python_version,omitempty"`
	Policy        CreationPolicy `json:"policy" yaml:"policy"`
	// AllowReuse lets create-new adopt an environment that already exists
	// instead of failing on the name collision.
	AllowReuse bool `json:"allow_reuse,omitempty" yaml:"allow_reuse,omitempty"`
}

// Handle names a usable environment. Handles are never deleted implicitly.
type Handle struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	// Prefix is the environment root; empty for the ambient interpreter.
	Prefix string `json:"prefix,omitempty"`
	// Python is the interpreter used for installs and probes.
	Python  string `json:"python"`
	Created bool   `json:"created"`
}

// InstallReport describes one Install call.
type InstallReport struct {
	Manifest    string        `json:"manifest,omitempty"`
	Command     string        `json:"command,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Skipped     bool          `json:"skipped"`
	Reason      string        `json:"reason,omitempty"`
	Output      string        `json:"output,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// CapabilityReport is the parsed result of a capability probe. Absence of a
// capability is a report value, never an error.
type CapabilityReport struct {
	Capability  string            `json:"capability"`
	Available   bool              `json:"available"`
	DeviceCount int               `json:"device_count"`
	Version     string            `json:"version,omitempty"`
	Facts       map[string]string `json:"facts,omitempty"`
}

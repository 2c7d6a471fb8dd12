package provision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/trainctl/pkg/deps"
)

// Sentinel errors for provisioning operations.
var (
	// ErrEnvironmentNotFound indicates a use-existing environment is absent.
	ErrEnvironmentNotFound = errors.New("environment not found")

	// ErrEnvironmentExists indicates a create-new environment name collides
	// with an existing environment.
	ErrEnvironmentExists = errors.New("environment already exists")

	// ErrUnsupportedManifest indicates the backend cannot install from the
	// given manifest kind.
	ErrUnsupportedManifest = errors.New("manifest not supported by backend")

	// ErrUnknownCapability indicates Verify was asked about a capability it
	// has no probe program for.
	ErrUnknownCapability = errors.New("unknown capability")
)

// EnvironmentCreationError reports a failed environment creation together
// with the tool output, which is surfaced to the user verbatim.
type EnvironmentCreationError struct {
	Name     string
	Backend  string
	ExitCode int
	Output   string
	Err      error
}

func (e *EnvironmentCreationError) Error() string {
	msg := fmt.Sprintf("%s: create environment %q", e.Backend, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else {
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *EnvironmentCreationError) Unwrap() error {
	return e.Err
}

// DependencyInstallError reports a failed package installation. The
// environment handle remains usable after it.
type DependencyInstallError struct {
	Kind     deps.Kind
	Manifest string
	ExitCode int
	Output   string
	Err      error
}

func (e *DependencyInstallError) Error() string {
	msg := fmt.Sprintf("install %s (%s)", e.Manifest, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	} else {
		msg += fmt.Sprintf(": exit code %d", e.ExitCode)
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DependencyInstallError) Unwrap() error {
	return e.Err
}

// IsEnvironmentNotFound returns true if the named environment does not exist.
func IsEnvironmentNotFound(err error) bool {
	return errors.Is(err, ErrEnvironmentNotFound)
}

// IsEnvironmentCreationError returns true if environment creation failed.
func IsEnvironmentCreationError(err error) bool {
	var e *EnvironmentCreationError
	return errors.As(err, &e)
}

// IsDependencyInstallError returns true if package installation failed.
func IsDependencyInstallError(err error) bool {
	var e *DependencyInstallError
	return errors.As(err, &e)
}

// ToolOutput returns the captured tool output carried by a provisioning
// error, or "".
func ToolOutput(err error) string {
	var ce *EnvironmentCreationError
	if errors.As(err, &ce) {
		return ce.Output
	}
	var ie *DependencyInstallError
	if errors.As(err, &ie) {
		return ie.Output
	}
	return ""
}

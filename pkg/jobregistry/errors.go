package jobregistry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrJobNotFound indicates no job record matches the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrEmptyCommand indicates a launch was requested without a command.
	ErrEmptyCommand = errors.New("launch command is empty")

	// ErrExecutableNotFound indicates the command's executable could not be
	// resolved in the child's PATH.
	ErrExecutableNotFound = errors.New("executable not found")
)

// SpawnError reports that the job process could not be started at all. It is
// distinct from a process that starts and then fails.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsSpawnError reports whether err is (or wraps) a SpawnError.
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}

// Package runner executes short-lived external tools (conda, pip, probe
// programs, nvidia-smi) and captures their combined output.
//
// It is the seam through which provisioning and device enumeration reach the
// host; tests substitute a Func.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"strings"
)

// Command is one invocation of an external tool.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is added on top of the caller's environment for this invocation
	// only.
	Env map[string]string
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a command that started. ExitCode is -1 when the
// process was terminated by a signal.
type Result struct {
	ExitCode int
	Output   []byte
}

// Runner executes commands. A non-nil error means the command could not be
// started (or the context ended); a nonzero exit is reported in Result.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, cmd Command) (*Result, error)

func (f Func) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// Exec runs commands on the host.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Command) (*Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = withEnv(os.Environ(), c.Env)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return &Result{ExitCode: 0, Output: out.Bytes()}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return &Result{ExitCode: exitErr.ExitCode(), Output: out.Bytes()}, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, err
}

func withEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := extra[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

var _ Runner = Exec{}

package jobregistry

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// EnvExitFile names the variable through which the trampoline learns where to
// record the job's exit status.
const EnvExitFile = "TRAINCTL_EXIT_FILE"

// trampoline runs the job's argument vector unchanged ("$@") and records its
// exit status so that a later supervision cycle, possibly from a different
// controlling process, can still read it.
const trampoline = `"$@"; code=$?; printf '%s\n' "$code" > "$` + EnvExitFile + `"; exit "$code"`

// LaunchSpec describes one job launch.
type LaunchSpec struct {
	Name    string
	Command []string
	// Env is injected into the child only; the caller's environment is
	// never modified.
	Env     map[string]string
	WorkDir string
	// LogPath overrides the default <job dir>/run.log location.
	LogPath     string
	Environment string
	Devices     []int
}

// Launcher spawns jobs fully detached from the calling process and records
// them in the store.
type Launcher struct {
	store *Store
	shell string
	now   func() time.Time
}

func NewLauncher(store *Store) *Launcher {
	return &Launcher{store: store, shell: "/bin/sh", now: time.Now}
}

func (l *Launcher) Store() *Store {
	return l.store
}

// Launch starts spec.Command in a new session with stdout and stderr appended
// to a single log file, and returns as soon as the process exists. The pid is
// taken from the spawn call itself; a process that exits immediately is left
// for the supervisor to classify.
func (l *Launcher) Launch(ctx context.Context, spec LaunchSpec) (*JobRecord, error) {
	if l == nil || l.store == nil {
		return nil, fmt.Errorf("launcher is not initialized")
	}
	if len(spec.Command) == 0 || strings.TrimSpace(spec.Command[0]) == "" {
		return nil, &SpawnError{Command: spec.Command, Err: ErrEmptyCommand}
	}
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	workDir := spec.WorkDir
	if workDir != "" {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("resolve work dir: %w", err)}
		}
		workDir = abs
	}

	childEnv := mergeEnv(os.Environ(), spec.Env)
	if _, err := resolveExecutable(spec.Command[0], envValue(childEnv, "PATH"), workDir); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	jobID := uuid.New().String()
	jobDir := l.store.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("create job dir: %w", err)}
	}

	logPath := spec.LogPath
	if strings.TrimSpace(logPath) == "" {
		logPath = l.store.LogPath(jobID)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: fmt.Errorf("open log: %w", err)}
	}
	defer func() { _ = logFile.Close() }()

	exitPath := l.store.ExitPath(jobID)
	_ = os.Remove(exitPath)

	args := append([]string{"-c", trampoline, "trainctl-job"}, spec.Command...)
	cmd := exec.Command(l.shell, args...)
	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(childEnv, EnvExitFile+"="+exitPath)

	// Detach from our session so the job outlives us.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Command: spec.Command, Err: err}
	}

	now := l.now().UTC()
	rec := &JobRecord{
		JobID:       jobID,
		Name:        strings.TrimSpace(spec.Name),
		State:       JobStateStarting,
		Command:     append([]string(nil), spec.Command...),
		Env:         copyEnv(spec.Env),
		WorkDir:     workDir,
		LogPath:     logPath,
		ExitPath:    exitPath,
		Environment: spec.Environment,
		Devices:     append([]int(nil), spec.Devices...),
		PID:         cmd.Process.Pid,
		CreatedAt:   now,
		StartedAt:   &now,
	}
	if err := l.store.Write(rec); err != nil {
		// The process is running; the record is what failed. Report it but
		// hand back the handle so the caller can still supervise.
		return rec, fmt.Errorf("persist job record: %w", err)
	}

	return rec, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return append([]string(nil), base...)
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[key]; overridden {
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

func envValue(env []string, key string) string {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}

func copyEnv(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// resolveExecutable finds name the way the child's shell will: names with a
// slash are taken relative to dir, bare names are searched in pathEnv.
// exec.LookPath cannot be used because it only consults our own PATH.
func resolveExecutable(name, pathEnv, dir string) (string, error) {
	if strings.Contains(name, "/") {
		p := name
		if !filepath.IsAbs(p) && dir != "" {
			p = filepath.Join(dir, p)
		}
		if isExecutable(p) {
			return p, nil
		}
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
	}
	for _, d := range filepath.SplitList(pathEnv) {
		if d == "" {
			d = "."
		}
		p := filepath.Join(d, name)
		if isExecutable(p) {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, name)
}

func isExecutable(path string) bool {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return false
	}
	return st.Mode().Perm()&0111 != 0
}

package jobregistry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForExit(t *testing.T, table ProcessTable, pid int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !table.Alive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("process %d did not exit", pid)
}

func TestLauncher_RecordsExitCodeAndLog(t *testing.T) {
	table := NewOSProcessTable()
	store := NewStore(t.TempDir()).WithProcessTable(table)
	l := NewLauncher(store)

	rec, err := l.Launch(context.Background(), LaunchSpec{
		Name:    "exit-three",
		Command: []string{"sh", "-c", `echo "hello from $TRAINCTL_TEST_VAR"; echo oops >&2; exit 3`},
		Env:     map[string]string{"TRAINCTL_TEST_VAR": "child"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, JobStateStarting, rec.State)
	assert.Greater(t, rec.PID, 0)
	assert.Equal(t, "child", rec.Env["TRAINCTL_TEST_VAR"])

	// Injected variables never leak into our own environment.
	_, present := os.LookupEnv("TRAINCTL_TEST_VAR")
	assert.False(t, present)

	waitForExit(t, table, rec.PID)

	code, ok := table.ExitCode(rec.PID, rec.ExitPath)
	require.True(t, ok)
	assert.Equal(t, 3, code)

	b, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello from child")
	assert.Contains(t, string(b), "oops")
}

func TestLauncher_PreservesArgumentVector(t *testing.T) {
	table := NewOSProcessTable()
	store := NewStore(t.TempDir()).WithProcessTable(table)
	l := NewLauncher(store)

	rec, err := l.Launch(context.Background(), LaunchSpec{
		Command: []string{"printf", "%s|", "a b", "$HOME", "c;d"},
	})
	require.NoError(t, err)
	waitForExit(t, table, rec.PID)

	b, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	assert.Equal(t, "a b|$HOME|c;d|", strings.TrimSpace(string(b)))
}

func TestLauncher_SpawnErrors(t *testing.T) {
	store := NewStore(t.TempDir())
	l := NewLauncher(store)

	_, err := l.Launch(context.Background(), LaunchSpec{})
	require.Error(t, err)
	assert.True(t, IsSpawnError(err))
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = l.Launch(context.Background(), LaunchSpec{Command: []string{"definitely-not-a-real-binary-xyz"}})
	require.Error(t, err)
	assert.True(t, IsSpawnError(err))
	assert.ErrorIs(t, err, ErrExecutableNotFound)

	_, err = l.Launch(context.Background(), LaunchSpec{Command: []string{"./missing.sh"}, WorkDir: t.TempDir()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestLauncher_CustomLogPath(t *testing.T) {
	table := NewOSProcessTable()
	store := NewStore(t.TempDir()).WithProcessTable(table)
	l := NewLauncher(store)

	logPath := filepath.Join(t.TempDir(), "custom.log")
	require.NoError(t, os.WriteFile(logPath, []byte("previous line\n"), 0644))

	rec, err := l.Launch(context.Background(), LaunchSpec{
		Command: []string{"echo", "appended"},
		LogPath: logPath,
	})
	require.NoError(t, err)
	waitForExit(t, table, rec.PID)

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "previous line\nappended\n", string(b))
}

func TestMergeEnvOverrides(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
	assert.Equal(t, "3", envValue(got, "B"))
}

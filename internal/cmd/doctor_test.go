package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainctl/internal/config"
	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/pkg/runner"
)

func fakeRunner(results map[string]*runner.Result) runner.Runner {
	return runner.Func(func(_ context.Context, cmd runner.Command) (*runner.Result, error) {
		res, ok := results[cmd.Name]
		if !ok {
			return nil, errors.New("executable file not found in $PATH")
		}
		return res, nil
	})
}

func TestProbeTool(t *testing.T) {
	r := fakeRunner(map[string]*runner.Result{
		"conda":   {Output: []byte("\nconda 24.7.1\n")},
		"python3": {ExitCode: 1, Output: []byte("No module named venv\n")},
		"silent":  {},
	})

	got, err := probeTool(t.Context(), r, "conda", "--version")
	require.NoError(t, err)
	assert.Equal(t, "conda 24.7.1", got)

	_, err = probeTool(t.Context(), r, "python3", "-c", "import venv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 1: No module named venv")

	_, err = probeTool(t.Context(), r, "mamba", "--version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mamba")

	got, err = probeTool(t.Context(), r, "silent")
	require.NoError(t, err)
	assert.Equal(t, "silent", got)

	_, err = probeTool(t.Context(), r, "  ")
	assert.Error(t, err)
}

func TestCheckBackend(t *testing.T) {
	r := fakeRunner(map[string]*runner.Result{
		"conda":   {Output: []byte("conda 24.7.1\n")},
		"python3": {},
	})

	cfg := &config.Config{Provision: config.ProvisionConfig{Backend: "conda", CondaBin: "conda", PythonBin: "python3"}}
	label, version, err := checkBackend(t.Context(), r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "conda backend", label)
	assert.Equal(t, "conda 24.7.1", version)

	cfg.Provision.Backend = "venv"
	label, _, err = checkBackend(t.Context(), r, cfg)
	require.NoError(t, err)
	assert.Equal(t, "venv backend", label)

	cfg.Provision.Backend = "conda"
	cfg.Provision.CondaBin = "micromamba"
	_, _, err = checkBackend(t.Context(), r, cfg)
	assert.Error(t, err)
}

func TestCheckWritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	require.NoError(t, checkWritableDir(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file must be removed")

	assert.Error(t, checkWritableDir(""))
}

func TestFirstOutputLine(t *testing.T) {
	assert.Equal(t, "Python 3.11.9", firstOutputLine([]byte("\n  Python 3.11.9  \nmore\n")))
	assert.Equal(t, "", firstOutputLine(nil))
}

func TestPrintBackendHelp(t *testing.T) {
	observability.InitCLILogger("test", false)

	for _, backend := range []string{"conda", "venv"} {
		t.Run(backend, func(t *testing.T) {
			assert.NotPanics(t, func() { printBackendHelp(backend) })
		})
	}
}

package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExec_CapturesOutputAndExitCode(t *testing.T) {
	res, err := Exec{}.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", `echo "$RUNNER_TEST"; echo err >&2; exit 4`},
		Env:  map[string]string{"RUNNER_TEST": "visible"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.Contains(t, string(res.Output), "visible")
	assert.Contains(t, string(res.Output), "err")
}

func TestExec_StartFailureIsError(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{Name: "no-such-tool-for-runner-test"})
	assert.Error(t, err)
}

func TestFuncAdapter(t *testing.T) {
	var seen Command
	r := Func(func(_ context.Context, c Command) (*Result, error) {
		seen = c
		return &Result{ExitCode: 0, Output: []byte("ok")}, nil
	})

	res, err := r.Run(context.Background(), Command{Name: "conda", Args: []string{"env", "list"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Output))
	assert.Equal(t, "conda env list", seen.String())
}

package devices

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainctl/pkg/runner"
)

const smiOutput = `0, NVIDIA A100-SXM4-80GB, 81920, 1024, 97
1, NVIDIA A100-SXM4-80GB, 81920, 0, [N/A]
`

func TestNvidiaSMI_Devices(t *testing.T) {
	var got runner.Command
	smi := NewNvidiaSMI(runner.Func(func(_ context.Context, cmd runner.Command) (*runner.Result, error) {
		got = cmd
		return &runner.Result{Output: []byte(smiOutput)}, nil
	}))

	devs, err := smi.Devices(context.Background())
	require.NoError(t, err)
	require.Len(t, devs, 2)

	assert.Equal(t, "nvidia-smi", got.Name)
	assert.Contains(t, got.Args, "--format=csv,noheader,nounits")

	assert.Equal(t, Device{Index: 0, Name: "NVIDIA A100-SXM4-80GB", MemoryTotalMiB: 81920, MemoryUsedMiB: 1024, UtilizationPercent: 97}, devs[0])
	assert.Equal(t, 0, devs[1].UtilizationPercent)
}

func TestNvidiaSMI_Unavailable(t *testing.T) {
	t.Run("start failure", func(t *testing.T) {
		smi := NewNvidiaSMI(runner.Func(func(context.Context, runner.Command) (*runner.Result, error) {
			return nil, errors.New("exec: \"nvidia-smi\": executable file not found in $PATH")
		}))
		_, err := smi.Devices(context.Background())
		assert.ErrorIs(t, err, ErrEnumerationUnavailable)
	})

	t.Run("nonzero exit", func(t *testing.T) {
		smi := NewNvidiaSMI(runner.Func(func(context.Context, runner.Command) (*runner.Result, error) {
			return &runner.Result{ExitCode: 9, Output: []byte("NVIDIA-SMI has failed")}, nil
		}))
		_, err := smi.Devices(context.Background())
		assert.ErrorIs(t, err, ErrEnumerationUnavailable)
		assert.Contains(t, err.Error(), "NVIDIA-SMI has failed")
	})
}

func TestParseCSV_Malformed(t *testing.T) {
	_, err := ParseCSV([]byte("0, name, 1\n"))
	assert.Error(t, err)

	_, err = ParseCSV([]byte("x, name, 1, 2, 3\n"))
	assert.Error(t, err)

	devs, err := ParseCSV(nil)
	require.NoError(t, err)
	assert.Empty(t, devs)
}

func TestResolve(t *testing.T) {
	avail := []Device{{Index: 0}, {Index: 1}, {Index: 2}}

	tests := []struct {
		name    string
		sel     Selection
		avail   []Device
		want    []int
		wantErr bool
	}{
		{name: "all", sel: AllDevices(), avail: avail, want: []int{0, 1, 2}},
		{name: "all on cpu host", sel: AllDevices(), avail: []Device{}, want: []int{}},
		{name: "subset keeps order", sel: Selection{Indices: []int{2, 0}}, avail: avail, want: []int{2, 0}},
		{name: "missing device", sel: Selection{Indices: []int{5}}, avail: avail, wantErr: true},
		{name: "duplicate", sel: Selection{Indices: []int{1, 1}}, avail: avail, wantErr: true},
		{name: "enumeration unavailable trusts indices", sel: Selection{Indices: []int{3}}, avail: nil, want: []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.sel, tt.avail)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSelection)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelection_Parse(t *testing.T) {
	sel, err := ParseSelection("all")
	require.NoError(t, err)
	assert.True(t, sel.All)

	sel, err = ParseSelection("0, 3")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, sel.Indices)
	assert.Equal(t, "0,3", sel.String())

	_, err = ParseSelection("gpu0")
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestSelection_UnmarshalJSON(t *testing.T) {
	var sel Selection
	require.NoError(t, sel.UnmarshalJSON([]byte(`"all"`)))
	assert.True(t, sel.All)

	sel = Selection{}
	require.NoError(t, sel.UnmarshalJSON([]byte(`[1,0]`)))
	assert.Equal(t, []int{1, 0}, sel.Indices)

	assert.Error(t, sel.UnmarshalJSON([]byte(`{"a":1}`)))
}

func TestMeanUtilization(t *testing.T) {
	devs := []Device{{Index: 0, UtilizationPercent: 90}, {Index: 1, UtilizationPercent: 10}}

	m, ok := MeanUtilization(devs, nil)
	require.True(t, ok)
	assert.InDelta(t, 50.0, m, 0.001)

	m, ok = MeanUtilization(devs, []int{1})
	require.True(t, ok)
	assert.InDelta(t, 10.0, m, 0.001)

	_, ok = MeanUtilization(devs, []int{7})
	assert.False(t, ok)
}

package diagnosis

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/trainctl/pkg/jobregistry"
)

func lines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

func TestDiagnose_Categories(t *testing.T) {
	tests := []struct {
		name  string
		tail  string
		state jobregistry.JobState
		act   Activity
		want  Category
	}{
		{
			name:  "cuda oom",
			tail:  "epoch 1\ntorch.cuda.OutOfMemoryError: CUDA out of memory. Tried to allocate 2.00 GiB",
			state: jobregistry.JobStateFailed,
			want:  CategoryOOM,
		},
		{
			name:  "tensorflow oom",
			tail:  "ResourceExhaustedError: OOM when allocating tensor with shape[64,512]",
			state: jobregistry.JobStateFailed,
			want:  CategoryOOM,
		},
		{
			name:  "nan loss",
			tail:  "step 10 loss 2.31\nstep 20 loss nan",
			state: jobregistry.JobStateFailed,
			want:  CategoryNaNDivergence,
		},
		{
			name:  "non-finite",
			tail:  "RuntimeError: Function 'MulBackward0' returned non-finite values",
			state: jobregistry.JobStateFailed,
			want:  CategoryNaNDivergence,
		},
		{
			name:  "cuda error",
			tail:  "RuntimeError: CUDA error: an illegal memory access was encountered",
			state: jobregistry.JobStateFailed,
			want:  CategoryAcceleratorError,
		},
		{
			name:  "nccl",
			tail:  "torch.distributed.DistBackendError: NCCL error in: ProcessGroupNCCL.cpp:1275, unhandled system error",
			state: jobregistry.JobStateUnknown,
			want:  CategoryAcceleratorError,
		},
		{
			name:  "missing module",
			tail:  "Traceback (most recent call last):\n  File \"train.py\", line 3, in <module>\nModuleNotFoundError: No module named 'timm'",
			state: jobregistry.JobStateFailed,
			want:  CategoryDependencyError,
		},
		{
			name:  "stall",
			tail:  "epoch 3 step 100",
			state: jobregistry.JobStateUnknown,
			act:   Activity{SinceLastOutput: time.Hour, StallThreshold: 15 * time.Minute, Utilization: 0, UtilizationKnown: true},
			want:  CategoryStall,
		},
		{
			name:  "silent but busy is not a stall",
			tail:  "epoch 3 step 100",
			state: jobregistry.JobStateUnknown,
			act:   Activity{SinceLastOutput: time.Hour, StallThreshold: 15 * time.Minute, Utilization: 98, UtilizationKnown: true},
			want:  CategoryUnknown,
		},
		{
			name:  "unknown",
			tail:  "Segmentation fault (core dumped)",
			state: jobregistry.JobStateFailed,
			want:  CategoryUnknown,
		},
		{
			name:  "empty tail",
			tail:  "",
			state: jobregistry.JobStateFailed,
			want:  CategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Diagnose(Input{Tail: lines(tt.tail), State: tt.state, Activity: tt.act})
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Category)
			assert.NotEmpty(t, d.Remediations)
			assert.NotEmpty(t, d.Summary)
		})
	}
}

func TestDiagnose_OOMRemediationAndEvidence(t *testing.T) {
	tail := []string{"loading data", "CUDA out of memory. Tried to allocate 2.00 GiB"}
	d, err := Diagnose(Input{Tail: tail, State: jobregistry.JobStateFailed})
	require.NoError(t, err)
	assert.Equal(t, CategoryOOM, d.Category)
	assert.Equal(t, "reduce batch size", d.Remediations[0])
	assert.Equal(t, []string{"CUDA out of memory. Tried to allocate 2.00 GiB"}, d.Evidence)
}

func TestDiagnose_PriorityOOMOverNaN(t *testing.T) {
	tail := []string{"step 5 loss nan", "CUDA out of memory. Tried to allocate 1.00 GiB"}
	d, err := Diagnose(Input{Tail: tail, State: jobregistry.JobStateFailed})
	require.NoError(t, err)
	assert.Equal(t, CategoryOOM, d.Category)
}

func TestDiagnose_EvidenceKeepsLastMatches(t *testing.T) {
	var tail []string
	for i := 0; i < 8; i++ {
		tail = append(tail, "ImportError: attempt "+string(rune('0'+i)))
	}
	d, err := Diagnose(Input{Tail: tail, State: jobregistry.JobStateFailed})
	require.NoError(t, err)
	require.Len(t, d.Evidence, maxEvidence)
	assert.Equal(t, "ImportError: attempt 7", d.Evidence[maxEvidence-1])
}

func TestDiagnose_NotDiagnosable(t *testing.T) {
	for _, s := range []jobregistry.JobState{
		jobregistry.JobStateStarting,
		jobregistry.JobStateRunning,
		jobregistry.JobStateSucceeded,
		jobregistry.JobStateKilled,
	} {
		_, err := Diagnose(Input{State: s})
		assert.ErrorIs(t, err, ErrNotDiagnosable, "state %s", s)
	}
}

func TestDiagnose_Deterministic(t *testing.T) {
	in := Input{Tail: []string{"NCCL error", "No module named x"}, State: jobregistry.JobStateFailed}
	a, err := Diagnose(in)
	require.NoError(t, err)
	b, err := Diagnose(in)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

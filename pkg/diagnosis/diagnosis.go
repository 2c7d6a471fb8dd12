// Package diagnosis classifies a failed or lost training job from its log
// tail and recent activity.
package diagnosis

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/3leaps/trainctl/pkg/jobregistry"
)

// Category is a failure class.
type Category string

const (
	CategoryOOM              Category = "oom"
	CategoryNaNDivergence    Category = "nan-divergence"
	CategoryAcceleratorError Category = "accelerator-error"
	CategoryDependencyError  Category = "dependency-error"
	CategoryStall            Category = "stall"
	CategoryUnknown          Category = "unknown"
)

// ErrNotDiagnosable is returned for states other than failed and unknown.
var ErrNotDiagnosable = errors.New("job state is not diagnosable")

// IdleUtilizationPercent is the mean device utilization at or below which a
// silent job counts as stalled.
const IdleUtilizationPercent = 5.0

// maxEvidence caps the excerpt carried in a diagnosis.
const maxEvidence = 5

// Activity is what the supervisor observed about the job's progress.
type Activity struct {
	// SinceLastOutput is the time since the log last grew.
	SinceLastOutput time.Duration
	// StallThreshold is the silence after which a job may be stalled. Zero
	// disables stall detection.
	StallThreshold time.Duration
	// Utilization is the mean utilization of the job's devices, valid when
	// UtilizationKnown is set.
	Utilization      float64
	UtilizationKnown bool
}

// Input is everything Diagnose looks at.
type Input struct {
	Tail     []string
	State    jobregistry.JobState
	Activity Activity
}

// Diagnosis is a classification plus ordered remediations and the log lines
// that support it.
type Diagnosis struct {
	Category     Category `json:"category"`
	Summary      string   `json:"summary"`
	Remediations []string `json:"remediations"`
	Evidence     []string `json:"evidence,omitempty"`
}

type rule struct {
	category     Category
	summary      string
	patterns     []*regexp.Regexp
	remediations []string
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// logRules are evaluated in priority order; stall and unknown follow them.
var logRules = []rule{
	{
		category: CategoryOOM,
		summary:  "the job ran out of memory",
		patterns: patterns(
			`CUDA out of memory`,
			`OutOfMemoryError`,
			`(?i)\bout of memory\b`,
			`OOM when allocating`,
			`RESOURCE_EXHAUSTED`,
			`CUBLAS_STATUS_ALLOC_FAILED`,
			`\bMemoryError\b`,
		),
		remediations: []string{
			"reduce batch size",
			"use gradient accumulation to keep the effective batch size",
			"enable mixed precision (bf16 or fp16)",
			"enable gradient checkpointing",
			"select devices with more free memory",
		},
	},
	{
		category: CategoryNaNDivergence,
		summary:  "training diverged to NaN or Inf",
		patterns: patterns(
			`(?i)\bloss\b[^\n]{0,40}\b(nan|-?inf)\b`,
			`(?i)\b(nan|inf)\b[^\n]{0,40}\b(loss|grad|gradient)s?\b`,
			`(?i)non-finite`,
			`FloatingPointError`,
			`(?i)detected (nan|inf)`,
		),
		remediations: []string{
			"lower the learning rate",
			"enable gradient clipping",
			"use bf16 instead of fp16, or enable loss scaling",
			"check the input data for NaN or Inf values",
		},
	},
	{
		category: CategoryAcceleratorError,
		summary:  "the accelerator or its runtime reported an error",
		patterns: patterns(
			`CUDA error`,
			`CUBLAS_STATUS_`,
			`(?i)cudnn(_status_| error)`,
			`(?i)\bNCCL (error|WARN)`,
			`nccl(Internal|System|Unhandled|Invalid)\w*Error`,
			`device-side assert`,
			`(?i)illegal memory access`,
			`(?i)no CUDA GPUs are available`,
			`(?i)CUDA driver version is insufficient`,
			`(?i)\bECC error`,
			`\bXid\b`,
		),
		remediations: []string{
			"rerun with CUDA_LAUNCH_BLOCKING=1 to locate the failing kernel",
			"check driver and CUDA runtime compatibility with nvidia-smi",
			"check that CUDA_VISIBLE_DEVICES selects healthy devices",
			"for NCCL failures rerun with NCCL_DEBUG=INFO",
		},
	},
	{
		category: CategoryDependencyError,
		summary:  "a Python dependency is missing or incompatible",
		patterns: patterns(
			`ModuleNotFoundError`,
			`\bImportError\b`,
			`No module named`,
			`cannot import name`,
			`undefined symbol`,
			`DistributionNotFound`,
			`(?i)version conflict`,
			`(?i)requires [^\n]+ but you have`,
		),
		remediations: []string{
			"install the missing package into the environment",
			"re-run dependency installation with trainctl env install",
			"check installed versions against the dependency manifest",
		},
	},
}

var stallRemediations = []string{
	"check data loading for deadlocks (num_workers, pin_memory)",
	"check distributed ranks for a hung collective (NCCL_DEBUG=INFO)",
	"add periodic progress logging",
}

var unknownRemediations = []string{
	"inspect the full job log",
	"rerun with more verbose logging",
}

// Diagnose classifies a failed or unknown job. The first matching rule wins:
// oom, nan-divergence, accelerator-error, dependency-error, stall, unknown.
// It is deterministic and never cached.
func Diagnose(in Input) (Diagnosis, error) {
	if in.State != jobregistry.JobStateFailed && in.State != jobregistry.JobStateUnknown {
		return Diagnosis{}, fmt.Errorf("%w: %s", ErrNotDiagnosable, in.State)
	}

	for _, r := range logRules {
		if ev := matchLines(in.Tail, r.patterns); len(ev) > 0 {
			return Diagnosis{
				Category:     r.category,
				Summary:      r.summary,
				Remediations: append([]string(nil), r.remediations...),
				Evidence:     ev,
			}, nil
		}
	}

	if stalled(in.Activity) {
		return Diagnosis{
			Category: CategoryStall,
			Summary: fmt.Sprintf("no output for %s with idle devices",
				in.Activity.SinceLastOutput.Truncate(time.Second)),
			Remediations: append([]string(nil), stallRemediations...),
			Evidence:     lastNonEmpty(in.Tail, maxEvidence),
		}, nil
	}

	return Diagnosis{
		Category:     CategoryUnknown,
		Summary:      "no known failure signature in the log tail",
		Remediations: append([]string(nil), unknownRemediations...),
		Evidence:     lastNonEmpty(in.Tail, maxEvidence),
	}, nil
}

func stalled(a Activity) bool {
	if a.StallThreshold <= 0 || a.SinceLastOutput <= a.StallThreshold {
		return false
	}
	// Without a device sample there is no evidence of work, so silence alone
	// decides.
	return !a.UtilizationKnown || a.Utilization <= IdleUtilizationPercent
}

// matchLines returns up to maxEvidence matching lines, keeping the last ones
// since tracebacks end with the error.
func matchLines(lines []string, pats []*regexp.Regexp) []string {
	var out []string
	for _, l := range lines {
		for _, p := range pats {
			if p.MatchString(l) {
				out = append(out, strings.TrimRight(l, "\r"))
				break
			}
		}
	}
	if len(out) > maxEvidence {
		out = out[len(out)-maxEvidence:]
	}
	return out
}

func lastNonEmpty(lines []string, n int) []string {
	var out []string
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" {
			out = append([]string{strings.TrimRight(lines[i], "\r")}, out...)
		}
	}
	return out
}

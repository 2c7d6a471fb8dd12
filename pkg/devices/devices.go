// Package devices enumerates accelerator devices and resolves a device
// selection into the fixed index list a run uses for its whole lifetime.
package devices

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/3leaps/trainctl/pkg/runner"
)

// Device is one accelerator as reported by the enumeration query.
type Device struct {
	Index              int    `json:"index"`
	Name               string `json:"name"`
	MemoryTotalMiB     int64  `json:"memory_total_mib"`
	MemoryUsedMiB      int64  `json:"memory_used_mib"`
	UtilizationPercent int    `json:"utilization_percent"`
}

// Enumerator returns the ordered device table. Results must not be cached by
// implementations; every call reflects the host at call time.
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// ErrEnumerationUnavailable indicates the device query tool is missing or
// failed. Callers treat it as "no devices", not as a run failure.
var ErrEnumerationUnavailable = errors.New("device enumeration unavailable")

// NvidiaSMI enumerates NVIDIA GPUs through nvidia-smi's CSV query mode.
type NvidiaSMI struct {
	Runner runner.Runner
	Binary string
}

func NewNvidiaSMI(r runner.Runner) *NvidiaSMI {
	return &NvidiaSMI{Runner: r, Binary: "nvidia-smi"}
}

func (n *NvidiaSMI) Devices(ctx context.Context) ([]Device, error) {
	bin := n.Binary
	if bin == "" {
		bin = "nvidia-smi"
	}
	res, err := n.Runner.Run(ctx, runner.Command{
		Name: bin,
		Args: []string{
			"--query-gpu=index,name,memory.total,memory.used,utilization.gpu",
			"--format=csv,noheader,nounits",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnumerationUnavailable, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: %s exited %d: %s", ErrEnumerationUnavailable, bin, res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return ParseCSV(res.Output)
}

// ParseCSV parses nvidia-smi "csv,noheader,nounits" output. Fields reported
// as "[N/A]" (common for utilization on some boards) parse as zero.
func ParseCSV(out []byte) ([]Device, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var devs []Device
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse device table: %w", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		if len(rec) < 5 {
			return nil, fmt.Errorf("parse device table: expected 5 fields, got %d", len(rec))
		}

		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, fmt.Errorf("parse device index %q: %w", rec[0], err)
		}
		devs = append(devs, Device{
			Index:              idx,
			Name:               strings.TrimSpace(rec[1]),
			MemoryTotalMiB:     parseNumber(rec[2]),
			MemoryUsedMiB:      parseNumber(rec[3]),
			UtilizationPercent: int(parseNumber(rec[4])),
		})
	}
	return devs, nil
}

func parseNumber(s string) int64 {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int64(v)
}

// MeanUtilization returns the average utilization over the devices whose
// index is in indices, or over all devices when indices is empty. ok is
// false when no device matched.
func MeanUtilization(devs []Device, indices []int) (float64, bool) {
	want := map[int]bool{}
	for _, i := range indices {
		want[i] = true
	}
	total, n := 0, 0
	for _, d := range devs {
		if len(want) > 0 && !want[d.Index] {
			continue
		}
		total += d.UtilizationPercent
		n++
	}
	if n == 0 {
		return 0, false
	}
	return float64(total) / float64(n), true
}

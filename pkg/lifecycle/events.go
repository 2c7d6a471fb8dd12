package lifecycle

import (
	"context"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/instrument"
	"github.com/3leaps/trainctl/pkg/output"
	"github.com/3leaps/trainctl/pkg/supervisor"
)

type emitFunc func(ctx context.Context, w output.Writer) error

// recorder fans run records out to the caller's stream and, once a job
// exists, to the job's events.jsonl. Records emitted before launch are held
// and replayed into the job file when it is attached.
type recorder struct {
	runID      string
	experiment string
	logger     *zap.Logger

	live    output.Writer
	file    output.Writer
	closer  io.Closer
	pending []emitFunc
}

func newRecorder(w io.Writer, runID, experiment string, logger *zap.Logger) *recorder {
	var live output.Writer = output.Discard()
	if w != nil {
		live = output.NewJSONLWriter(w, runID, experiment)
	}
	return &recorder{runID: runID, experiment: experiment, logger: logger, live: live}
}

// attach starts mirroring records into path, appending to what an earlier
// cycle wrote there.
func (r *recorder) attach(path string) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		r.logger.Warn("Cannot open job event log", zap.String("path", path), zap.Error(err))
		r.pending = nil
		return
	}
	r.file = output.NewJSONLWriter(f, r.runID, r.experiment)
	r.closer = f
	for _, fn := range r.pending {
		r.write(r.file, fn)
	}
	r.pending = nil
}

func (r *recorder) emit(fn emitFunc) {
	r.write(r.live, fn)
	if r.file != nil {
		r.write(r.file, fn)
		return
	}
	r.pending = append(r.pending, fn)
}

func (r *recorder) write(w output.Writer, fn emitFunc) {
	// Records must still land after the caller's context has ended.
	if err := fn(context.Background(), w); err != nil {
		r.logger.Warn("Failed to write run record", zap.Error(err))
	}
}

func (r *recorder) close() {
	_ = r.live.Close()
	if r.file != nil {
		_ = r.file.Close()
		_ = r.closer.Close()
	}
}

func (r *recorder) phase(p Phase, status, detail, jobID string, d time.Duration) {
	rec := &output.PhaseRecord{Phase: string(p), Status: status, Detail: detail, JobID: jobID, Duration: d}
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WritePhase(ctx, rec) })
}

func (r *recorder) sample(jobID, state string, s supervisor.Sample) {
	rec := &output.SampleRecord{
		JobID:            jobID,
		State:            state,
		Utilization:      s.Utilization,
		UtilizationKnown: s.UtilizationKnown,
		LogBytes:         s.LogBytes,
	}
	for _, d := range s.Devices {
		rec.Devices = append(rec.Devices, output.DeviceSample{
			Index:              d.Index,
			MemoryUsedMiB:      d.MemoryUsedMiB,
			MemoryTotalMiB:     d.MemoryTotalMiB,
			UtilizationPercent: d.UtilizationPercent,
		})
	}
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WriteSample(ctx, rec) })
}

func (r *recorder) instrumentation(telemetry string, res *InstrumentResult) {
	rec := &output.InstrumentRecord{
		File:      res.File,
		Telemetry: telemetry,
		Applied:   res.Applied,
		Backup:    res.Backup,
	}
	if p := res.Plan; p != nil {
		rec.Framework = string(p.Framework)
		rec.Distributed = p.Distributed
		rec.Env = p.Env
		for _, s := range p.Steps {
			step := output.InstrumentStep{Intent: string(s.Intent), Mode: string(s.Mode), Reason: s.Reason}
			if s.Mode == instrument.ModeInsert {
				step.Line = s.After
			}
			rec.Steps = append(rec.Steps, step)
		}
	}
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WriteInstrument(ctx, rec) })
}

func diagnosisRecord(jobID string, d *diagnosis.Diagnosis) *output.DiagnosisRecord {
	if d == nil {
		return nil
	}
	return &output.DiagnosisRecord{
		JobID:        jobID,
		Category:     string(d.Category),
		Summary:      d.Summary,
		Remediations: d.Remediations,
		Evidence:     d.Evidence,
	}
}

func (r *recorder) diagnosis(jobID string, d *diagnosis.Diagnosis) {
	rec := diagnosisRecord(jobID, d)
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WriteDiagnosis(ctx, rec) })
}

func (r *recorder) failure(code string, p Phase, err error, details any) {
	rec := &output.ErrorRecord{Code: code, Message: err.Error(), Phase: string(p), Details: details}
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WriteError(ctx, rec) })
}

func (r *recorder) summary(rep *Report) {
	rec := &output.SummaryRecord{
		Outcome:       string(rep.Outcome),
		Duration:      rep.Duration(),
		DurationHuman: rep.Duration().Round(time.Millisecond).String(),
	}
	if rep.Environment != nil {
		rec.Environment = rep.Environment.Name
	}
	if j := rep.Job; j != nil {
		rec.JobID = j.JobID
		rec.State = string(j.State)
		rec.ExitCode = j.ExitCode
		rec.LogPath = j.LogPath
		rec.Diagnosis = diagnosisRecord(j.JobID, rep.Diagnosis)
	}
	r.emit(func(ctx context.Context, w output.Writer) error { return w.WriteSummary(ctx, rec) })
}

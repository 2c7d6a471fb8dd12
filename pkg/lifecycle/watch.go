package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/jobregistry"
)

// Watch starts a new supervision cycle for an existing job and diagnoses it
// if it ends failed or unknown. An unknown job whose process is still alive
// goes back to running; this is the only way out of unknown.
//
// The returned error covers lookup only; everything after that lands in the
// report.
func (o *Orchestrator) Watch(ctx context.Context, jobID string, maxDuration time.Duration) (*Report, error) {
	return o.watch(ctx, jobID, maxDuration, true)
}

func (o *Orchestrator) watch(ctx context.Context, jobID string, maxDuration time.Duration, resume bool) (*Report, error) {
	store := o.opts.Store
	id, err := store.Resolve(jobID)
	if err != nil {
		return nil, err
	}
	job, err := store.Get(id)
	if err != nil {
		return nil, err
	}

	r := o.newRun(job.Name)
	defer r.finish()
	r.rep.Job = job
	r.rec.attach(store.EventsPath(job.JobID))

	if resume && job.State == jobregistry.JobStateUnknown && job.PID > 0 && store.ProcessTable().Alive(job.PID) {
		job.State = jobregistry.JobStateRunning
		job.EndedAt = nil
		job.ExitCode = nil
		if err := store.Write(job); err != nil {
			r.logger.Warn("Failed to persist resumed job", zap.String("job_id", job.JobID), zap.Error(err))
		}
		r.logger.Info("Resuming supervision of job", zap.String("job_id", job.JobID), zap.Int("pid", job.PID))
	}

	r.superviseAndDiagnose(ctx, job, maxDuration)
	return r.rep, nil
}

// Diagnose classifies a terminal job from its persisted log without
// supervising it.
func (o *Orchestrator) Diagnose(jobID string) (*Report, error) {
	store := o.opts.Store
	id, err := store.Resolve(jobID)
	if err != nil {
		return nil, err
	}
	job, err := store.Get(id)
	if err != nil {
		return nil, err
	}
	if !job.State.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", diagnosis.ErrNotDiagnosable, job.JobID, job.State)
	}
	return o.watch(context.Background(), job.JobID, 0, false)
}

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/trainctl/internal/errors"
	"github.com/3leaps/trainctl/pkg/diagnosis"
	"github.com/3leaps/trainctl/pkg/jobregistry"
)

const (
	defaultTailLines = 100
	maxTailLines     = 5000
)

// JobsHandler serves read-only views of the job registry.
type JobsHandler struct {
	store *jobregistry.Store
}

func NewJobsHandler(store *jobregistry.Store) *JobsHandler {
	return &JobsHandler{store: store}
}

// Routes mounts the job endpoints on r.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	r.Get("/jobs/{id}/tail", h.Tail)
	r.Get("/jobs/{id}/diagnosis", h.Diagnosis)
}

// JobList is the body of GET /jobs.
type JobList struct {
	Jobs  []jobregistry.JobRecord `json:"jobs"`
	Count int                     `json:"count"`
}

// TailResponse is the body of GET /jobs/{id}/tail.
type TailResponse struct {
	JobID string   `json:"job_id"`
	State string   `json:"state"`
	Lines []string `json:"lines"`
}

func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.List()
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal(err))
		return
	}
	if state := r.URL.Query().Get("state"); state != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.State) == state {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if jobs == nil {
		jobs = []jobregistry.JobRecord{}
	}
	apperrors.WriteJSON(w, http.StatusOK, JobList{Jobs: jobs, Count: len(jobs)})
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) Tail(w http.ResponseWriter, r *http.Request) {
	n := defaultTailLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			apperrors.RespondWithError(w, r, apperrors.BadRequest("n must be a positive integer"))
			return
		}
		n = min(v, maxTailLines)
	}

	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	lines, err := jobregistry.TailFile(job.LogPath, n)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal(err))
		return
	}
	if lines == nil {
		lines = []string{}
	}
	apperrors.WriteJSON(w, http.StatusOK, TailResponse{JobID: job.JobID, State: string(job.State), Lines: lines})
}

// Diagnosis classifies a failed or unknown job from its log. Stall
// detection needs live activity data and does not apply here.
func (h *JobsHandler) Diagnosis(w http.ResponseWriter, r *http.Request) {
	job, ok := h.lookup(w, r)
	if !ok {
		return
	}
	tail, err := jobregistry.TailFile(job.LogPath, 200)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal(err))
		return
	}
	d, err := diagnosis.Diagnose(diagnosis.Input{Tail: tail, State: job.State})
	if errors.Is(err, diagnosis.ErrNotDiagnosable) {
		apperrors.RespondWithError(w, r, apperrors.Conflict("job "+job.JobID+" is "+string(job.State)+"; only failed and unknown jobs are diagnosed"))
		return
	}
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal(err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, d)
}

func (h *JobsHandler) lookup(w http.ResponseWriter, r *http.Request) (*jobregistry.JobRecord, bool) {
	input := chi.URLParam(r, "id")
	id, err := h.store.Resolve(input)
	if err != nil {
		if errors.Is(err, jobregistry.ErrJobNotFound) {
			apperrors.RespondWithError(w, r, apperrors.NotFound("job not found: "+input))
		} else {
			apperrors.RespondWithError(w, r, apperrors.BadRequest(err.Error()))
		}
		return nil, false
	}
	job, err := h.store.Get(id)
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.Internal(err))
		return nil, false
	}
	return job, true
}

// StoreChecker reports whether the job registry can be read.
type StoreChecker struct {
	Store *jobregistry.Store
}

func (c StoreChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.Store.List()
	return err
}

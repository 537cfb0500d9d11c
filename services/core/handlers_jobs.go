package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"fleetmaint/services/orchestrator"
)

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobType    string                   `json:"job_type"`
		Target     orchestrator.TargetScope `json:"target"`
		Details    orchestrator.Details     `json:"details"`
		Priority   int                      `json:"priority"`
		ScheduleAt *time.Time               `json:"schedule_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.CreateJob(ctx, orchestrator.CreateJobRequest{
		JobType:    orchestrator.JobType(req.JobType),
		Target:     req.Target,
		Details:    req.Details,
		Priority:   req.Priority,
		ScheduleAt: req.ScheduleAt,
		CreatedBy:  a.actor(r),
	})
	if err != nil {
		var conflict *orchestrator.ClusterConflictError
		if errors.As(err, &conflict) {
			respondDomainError(w, err)
			return
		}
		if errors.Is(err, orchestrator.ErrTargetNotFound) {
			respondDomainError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	jobsCreated.WithLabelValues(string(job.JobType)).Inc()
	respondJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	filter := orchestrator.JobFilter{
		Status:  orchestrator.Status(r.URL.Query().Get("status")),
		JobType: orchestrator.JobType(r.URL.Query().Get("job_type")),
	}
	if v := r.URL.Query().Get("parent"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("parent: %w", err))
			return
		}
		filter.Parent = &id
	}

	jobs, err := a.store.Engine.ListJobs(ctx, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.GetJob(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.CancelJob(ctx, id, a.actor(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.RetryJob(ctx, id, a.actor(r))
	if err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			respondDomainError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	jobsCreated.WithLabelValues(string(job.JobType)).Inc()
	respondJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	tasks, err := a.store.Engine.ListTasks(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *API) handleListSteps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	steps, err := a.store.Engine.ListSteps(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

func (a *API) handleStaleJobs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	stale, err := a.store.Engine.StaleJobs(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"stale": stale, "count": len(stale)})
}

// handleJobLogArchive streams the job's log as a zstd-compressed download.
// Rollout logs for large clusters grow into the megabytes.
func (a *API) handleJobLogArchive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.GetJob(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+id.String()+".log.zst"))
	w.WriteHeader(http.StatusOK)

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return
	}
	defer enc.Close()
	_, _ = enc.Write([]byte(job.Logs))
}

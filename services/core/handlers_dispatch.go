package core

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetmaint/services/orchestrator"
)

func (a *API) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecutorID string `json:"executor_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ExecutorID == "" {
		respondError(w, http.StatusBadRequest, errors.New("executor_id is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.ClaimNextJob(ctx, req.ExecutorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	jobsClaimed.WithLabelValues(string(job.JobType)).Inc()
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		ExecutorID string `json:"executor_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.store.Engine.ClaimNextTask(ctx, jobID, req.ExecutorID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (a *API) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Percent int    `json:"percent"`
		Log     string `json:"log"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.store.Engine.ReportProgress(ctx, jobID, taskID, req.Percent, req.Log)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (a *API) handleTaskFinish(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	task, err := a.store.Engine.ReportTaskTerminal(ctx, jobID, taskID, orchestrator.Status(req.Status), req.Error)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (a *API) handleJobFinish(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.ReportJobTerminal(ctx, jobID, orchestrator.Status(req.Status), req.Error)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	jobsFinished.WithLabelValues(string(job.Status)).Inc()
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExecutorID    string         `json:"executor_id"`
		JobsProcessed int64          `json:"jobs_processed"`
		Capabilities  map[string]any `json:"capabilities"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Engine.Heartbeat(ctx, req.ExecutorID, req.JobsProcessed, req.Capabilities); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"interval": orchestrator.HeartbeatInterval.String()})
}

func (a *API) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	executors, err := a.store.Engine.ListExecutors(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"executors": executors})
}

package core

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetmaint/services/orchestrator"
)

func (a *API) handleCreateWindow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title           string                       `json:"title"`
		MaintenanceType string                       `json:"maintenance_type"`
		PlannedStart    time.Time                    `json:"planned_start"`
		PlannedEnd      *time.Time                   `json:"planned_end"`
		Recurrence      *orchestrator.RecurrenceSpec `json:"recurrence"`
		AutoExecute     bool                         `json:"auto_execute"`
		Target          orchestrator.TargetScope     `json:"target"`
		Details         orchestrator.Details         `json:"details"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	window, err := a.store.Engine.CreateWindow(ctx, orchestrator.CreateWindowRequest{
		Title:           req.Title,
		MaintenanceType: orchestrator.JobType(req.MaintenanceType),
		PlannedStart:    req.PlannedStart,
		PlannedEnd:      req.PlannedEnd,
		Recurrence:      req.Recurrence,
		AutoExecute:     req.AutoExecute,
		Target:          req.Target,
		Details:         req.Details,
		CreatedBy:       a.actor(r),
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{"window": window})
}

func (a *API) handleListWindows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	windows, err := a.store.Engine.ListWindows(ctx, orchestrator.WindowStatus(r.URL.Query().Get("status")))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"windows": windows})
}

func (a *API) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	window, err := a.store.Engine.GetWindow(ctx, id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"window": window})
}

func (a *API) handlePreviewWindow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	n := 5
	if v := r.URL.Query().Get("count"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		n = parsed
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	occurrences, err := a.store.Engine.PreviewWindow(ctx, id, n)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"occurrences": occurrences})
}

func (a *API) handleWindowJobs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	jobs, err := a.store.Engine.WindowJobs(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleExecuteWindow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	job, err := a.store.Engine.ExecuteWindow(ctx, id, a.actor(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	jobsCreated.WithLabelValues(string(job.JobType)).Inc()
	respondJSON(w, http.StatusCreated, map[string]any{"job": job})
}

func (a *API) handleSkipWindow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "windowID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	window, err := a.store.Engine.SkipWindow(ctx, id, a.actor(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"window": window})
}

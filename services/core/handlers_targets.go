package core

import (
	"errors"
	"net/http"

	"fleetmaint/services/orchestrator"
)

func (a *API) handleResolveTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target orchestrator.TargetScope `json:"target"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	resolution, err := a.store.Engine.ResolveTarget(ctx, req.Target)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"resolution": resolution})
}

// handleAcknowledgeConflict records the operator's acceptance of a
// cluster-expansion conflict and returns the expanded cluster scope to use
// in place of the partial server selection.
func (a *API) handleAcknowledgeConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target      orchestrator.TargetScope `json:"target"`
		ClusterName string                   `json:"cluster_name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.ClusterName == "" {
		respondError(w, http.StatusBadRequest, errors.New("cluster_name is required"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	expanded, err := a.store.Engine.AcknowledgeConflict(ctx, req.Target, req.ClusterName, a.actor(r))
	if err != nil {
		respondDomainError(w, err)
		return
	}

	resolution, err := a.store.Engine.ResolveTarget(ctx, expanded)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"target": expanded, "resolution": resolution})
}

func (a *API) handleCheckSafety(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target     orchestrator.TargetScope `json:"target"`
		MinHealthy int                      `json:"min_healthy_hosts"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	result, err := a.store.Engine.CheckSafety(ctx, req.Target, req.MinHealthy)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	if !result.Safe {
		safetyCheckUnsafe.Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{"safety": result})
}

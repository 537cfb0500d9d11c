package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"fleetmaint/services/orchestrator"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondDomainError maps engine sentinel and typed errors onto HTTP status
// codes. Cluster-expansion conflicts carry a structured body so clients can
// render the acknowledgement prompt.
func respondDomainError(w http.ResponseWriter, err error) {
	var conflict *orchestrator.ClusterConflictError
	if errors.As(err, &conflict) {
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":        conflict.Error(),
			"conflict":     true,
			"cluster_name": conflict.ClusterName,
			"members":      conflict.Members,
			"selected":     conflict.Selected,
		})
		return
	}

	var notSafe *orchestrator.NotSafeError
	if errors.As(err, &notSafe) {
		respondJSON(w, http.StatusPreconditionFailed, map[string]any{
			"error":         notSafe.Error(),
			"safe":          false,
			"healthy_count": notSafe.HealthyCount,
			"total_count":   notSafe.TotalCount,
			"min_required":  notSafe.MinRequired,
		})
		return
	}

	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound),
		errors.Is(err, orchestrator.ErrWindowNotFound),
		errors.Is(err, orchestrator.ErrHostNotFound),
		errors.Is(err, orchestrator.ErrTargetNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, orchestrator.ErrTerminalState):
		respondError(w, http.StatusConflict, err)
	case errors.Is(err, orchestrator.ErrNoPendingJobs):
		respondJSON(w, http.StatusNoContent, nil)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}

// actor extracts the requesting identity for audit attribution.
func (a *API) actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return a.config.DefaultActor
}

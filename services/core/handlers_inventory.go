package core

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fleetmaint/pkg/blob"
	"fleetmaint/services/orchestrator"
)

func (a *API) handleUpsertCluster(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string         `json:"name"`
		EVCMode string         `json:"evc_mode"`
		Meta    map[string]any `json:"meta"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	id, err := a.store.Engine.UpsertCluster(ctx, orchestrator.UpsertClusterRequest{
		Name:    req.Name,
		EVCMode: req.EVCMode,
		Meta:    req.Meta,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"cluster_id": id})
}

func (a *API) handleListClusters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	clusters, err := a.store.Engine.ListClusters(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

func (a *API) handleUpsertHost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Hostname        string         `json:"hostname"`
		ClusterName     string         `json:"cluster_name"`
		GroupID         *uuid.UUID     `json:"group_id"`
		ConnectionState string         `json:"connection_state"`
		Model           string         `json:"model"`
		FirmwareInfo    map[string]any `json:"firmware_info"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	host, err := a.store.Engine.UpsertHost(ctx, orchestrator.UpsertHostRequest{
		Hostname:        req.Hostname,
		ClusterName:     req.ClusterName,
		GroupID:         req.GroupID,
		ConnectionState: req.ConnectionState,
		Model:           req.Model,
		FirmwareInfo:    req.FirmwareInfo,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrTargetNotFound) {
			respondDomainError(w, err)
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"host": host})
}

func (a *API) handleListHosts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	hosts, err := a.store.Engine.ListHosts(ctx, r.URL.Query().Get("cluster"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
}

func (a *API) handleSyncVMs(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		VMs []orchestrator.VMSync `json:"vms"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Engine.SyncVMs(ctx, hostID, req.VMs); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"synced": len(req.VMs)})
}

func (a *API) handleHostBlockers(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	analysis, err := a.store.Engine.AnalyzeHost(ctx, hostID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"analysis": analysis})
}

func (a *API) handleRequestPowerOff(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	vmID, err := uuid.Parse(chi.URLParam(r, "vmID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	var req struct {
		AddToAutoList bool `json:"add_to_auto_list"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	resolution, err := a.store.Engine.RequestPowerOff(ctx, hostID, vmID, a.actor(r), req.AddToAutoList)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"resolution": resolution})
}

// handleBackupURL returns a presigned download URL for a stored host
// configuration backup.
func (a *API) handleBackupURL(w http.ResponseWriter, r *http.Request) {
	if a.store.Backups == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("backup store is not configured"))
		return
	}

	hostID, err := uuid.Parse(chi.URLParam(r, "hostID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	jobID := r.URL.Query().Get("job_id")
	takenAtRaw := r.URL.Query().Get("taken_at")
	if jobID == "" || takenAtRaw == "" {
		respondError(w, http.StatusBadRequest, errors.New("job_id and taken_at are required"))
		return
	}
	takenAt, err := time.Parse(time.RFC3339, takenAtRaw)
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("taken_at must be RFC3339"))
		return
	}

	key := blob.BackupKey(jobID, hostID.String(), takenAt)

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.store.Backups.PresignGet(ctx, key, presignURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"url": url, "expires_in": presignURLExpiry.String()})
}

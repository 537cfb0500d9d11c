package core

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetmaint/pkg/blob"
	"fleetmaint/pkg/bus"
	"fleetmaint/pkg/secrets"
	"fleetmaint/services/orchestrator"
)

const presignURLExpiry = 15 * time.Minute

// Store holds the external dependencies required by the API layer.
type Store struct {
	DB      *pgxpool.Pool
	Engine  *orchestrator.Engine
	Bus     *bus.Bus
	Backups *blob.Store
	Sealer  *secrets.Sealer
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	// DefaultActor attributes unauthenticated requests in the audit trail.
	DefaultActor string
}

// API wires dependencies and configuration for HTTP handlers.
type API struct {
	store  *Store
	config Config
}

// New initialises the API layer with sane defaults applied to the provided
// configuration.
func New(store *Store, cfg Config) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.Engine == nil {
		return nil, errors.New("store engine is required")
	}
	if cfg.DefaultActor == "" {
		cfg.DefaultActor = "anonymous"
	}

	return &API{store: store, config: cfg}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", a.handleCreateJob)
			r.Get("/", a.handleListJobs)
			r.Get("/stale", a.handleStaleJobs)
			r.Get("/{jobID}", a.handleGetJob)
			r.Post("/{jobID}/cancel", a.handleCancelJob)
			r.Post("/{jobID}/retry", a.handleRetryJob)
			r.Get("/{jobID}/tasks", a.handleListTasks)
			r.Get("/{jobID}/steps", a.handleListSteps)
			r.Get("/{jobID}/logs/archive", a.handleJobLogArchive)
		})

		r.Route("/windows", func(r chi.Router) {
			r.Post("/", a.handleCreateWindow)
			r.Get("/", a.handleListWindows)
			r.Get("/{windowID}", a.handleGetWindow)
			r.Get("/{windowID}/preview", a.handlePreviewWindow)
			r.Get("/{windowID}/jobs", a.handleWindowJobs)
			r.Post("/{windowID}/execute", a.handleExecuteWindow)
			r.Post("/{windowID}/skip", a.handleSkipWindow)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Post("/resolve", a.handleResolveTarget)
			r.Post("/acknowledge", a.handleAcknowledgeConflict)
			r.Post("/safety", a.handleCheckSafety)
		})

		r.Route("/hosts", func(r chi.Router) {
			r.Put("/", a.handleUpsertHost)
			r.Get("/", a.handleListHosts)
			r.Get("/{hostID}/blockers", a.handleHostBlockers)
			r.Post("/{hostID}/vms/{vmID}/power-off", a.handleRequestPowerOff)
			r.Put("/{hostID}/vms", a.handleSyncVMs)
			r.Get("/{hostID}/backup-url", a.handleBackupURL)
		})

		r.Route("/clusters", func(r chi.Router) {
			r.Put("/", a.handleUpsertCluster)
			r.Get("/", a.handleListClusters)
		})

		r.Route("/dispatch", func(r chi.Router) {
			r.Post("/claim", a.handleClaimJob)
			r.Post("/jobs/{jobID}/tasks/claim", a.handleClaimTask)
			r.Post("/jobs/{jobID}/tasks/{taskID}/progress", a.handleTaskProgress)
			r.Post("/jobs/{jobID}/tasks/{taskID}/finish", a.handleTaskFinish)
			r.Post("/jobs/{jobID}/finish", a.handleJobFinish)
			r.Post("/heartbeat", a.handleHeartbeat)
			r.Get("/executors", a.handleListExecutors)
		})

		r.Post("/credentials", a.handleSealCredential)
	})

	return r, nil
}

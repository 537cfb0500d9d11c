package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"fleetmaint/pkg/blob"
	"fleetmaint/pkg/bus"
)

// Engine is the maintenance orchestrator core: target resolution, safety
// gating, the job/task state machine, workflow rollouts, and scheduling all
// hang off it.
type Engine struct {
	orm     *gorm.DB
	pool    *pgxpool.Pool
	bus     *bus.Bus
	backups *blob.Store
	logger  *log.Logger
	now     Clock

	// runner performs the actual per-host operation of a workflow step.
	// Production wiring dispatches to the external executor; tests inject
	// fakes.
	runner StepRunner

	stepTimeout  time.Duration
	pollInterval time.Duration

	// stepMu serializes step-number allocation across the host workers of
	// a rollout; a job's workflow runs entirely in the claiming process.
	stepMu sync.Mutex

	staleThresholds map[JobType]time.Duration

	subsMu sync.Mutex
	subs   []io.Closer
}

// Options configures optional Engine collaborators.
type Options struct {
	// Pool enables the pgx-based dispatch queries. Tests that run on an
	// in-memory database leave it nil and exercise the gorm paths.
	Pool *pgxpool.Pool
	// Bus enables lifecycle event publication and composite-job chaining.
	Bus *bus.Bus
	// Backups enables the pre-update configuration backup step.
	Backups *blob.Store
	// Runner overrides the per-host step runner.
	Runner StepRunner
	// Logger defaults to a discard logger.
	Logger *log.Logger
	// Now defaults to time.Now in UTC.
	Now Clock
	// StepTimeout bounds each per-host operation (default 45m).
	StepTimeout time.Duration
	// PollInterval is the wait between task status polls (default 2s).
	PollInterval time.Duration
}

// DefaultStaleThreshold applies to rolling update jobs: a pending job not
// claimed within this window means the dispatch loop is not functioning.
const DefaultStaleThreshold = 60 * time.Second

// longRunningStaleThreshold applies to operation types that legitimately sit
// queued for a long time.
const longRunningStaleThreshold = 4 * time.Hour

// NewEngine creates an engine bound to the provided database handle.
func NewEngine(orm *gorm.DB, opts Options) (*Engine, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}

	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	stepTimeout := opts.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 45 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	e := &Engine{
		orm:          orm,
		pool:         opts.Pool,
		bus:          opts.Bus,
		backups:      opts.Backups,
		logger:       logger,
		now:          now,
		runner:       opts.Runner,
		stepTimeout:  stepTimeout,
		pollInterval: pollInterval,
		staleThresholds: map[JobType]time.Duration{
			JobTypeRollingClusterUpdate: DefaultStaleThreshold,
			JobTypeHypervisorUpgrade:    DefaultStaleThreshold,
			JobTypeHypervisorThenFW:     DefaultStaleThreshold,
			JobTypeFirmwareThenHyp:      DefaultStaleThreshold,
			JobTypeInventoryScan:        longRunningStaleThreshold,
			JobTypeConfigBackup:         longRunningStaleThreshold,
		},
	}
	if e.runner == nil {
		e.runner = &dispatchRunner{engine: e}
	}
	return e, nil
}

// Start registers bus subscriptions for composite-job chaining and begins
// processing events. A nil bus leaves chaining to explicit FinalizeJob calls.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return errors.New("nil engine")
	}
	if e.bus == nil {
		return nil
	}

	specs := []struct {
		subject string
		durable string
		handler func(context.Context, []byte) error
	}{
		{bus.SubjectJobFinished, "orchestrator-jobs-finished", e.handleJobFinished},
		{bus.SubjectJobClaimed, "orchestrator-jobs-claimed", e.handleJobClaimed},
	}

	for _, spec := range specs {
		closer, err := e.bus.Subscribe(ctx, spec.subject, spec.durable, spec.handler)
		if err != nil {
			e.Close()
			return err
		}
		e.subsMu.Lock()
		e.subs = append(e.subs, closer)
		e.subsMu.Unlock()
	}

	return nil
}

// Close tears down active subscriptions.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()

	var firstErr error
	for _, sub := range e.subs {
		if sub == nil {
			continue
		}
		if err := sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.subs = nil
	return firstErr
}

func (e *Engine) publish(ctx context.Context, subject string, payload any) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, subject, payload); err != nil {
		e.logger.Printf("WARN publish %s failed: %v", subject, err)
	}
}

func (e *Engine) audit(ctx context.Context, actor, action, obj string, details map[string]any) {
	row := auditModel{Actor: actor, Action: action, Obj: obj, Details: toJSONMap(details)}
	if err := e.orm.WithContext(ctx).Create(&row).Error; err != nil {
		e.logger.Printf("WARN audit write failed: %v", err)
	}
}

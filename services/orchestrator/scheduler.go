package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"fleetmaint/pkg/bus"
)

// SchedulerInterval is the default cadence of the due-window sweep.
const SchedulerInterval = 30 * time.Second

// CreateWindowRequest is the validated operator input for a maintenance
// window.
type CreateWindowRequest struct {
	Title           string
	MaintenanceType JobType
	PlannedStart    time.Time
	PlannedEnd      *time.Time
	Recurrence      *RecurrenceSpec
	AutoExecute     bool
	Target          TargetScope
	Details         Details
	CreatedBy       string
}

// CreateWindow validates and persists a maintenance window. Recurring
// windows fire repeatedly from PlannedStart until PlannedEnd (if set);
// one-shot windows fire once at PlannedStart.
func (e *Engine) CreateWindow(ctx context.Context, req CreateWindowRequest) (MaintenanceWindow, error) {
	if req.Title == "" {
		return MaintenanceWindow{}, errors.New("window title is required")
	}
	jt, err := ParseJobType(string(req.MaintenanceType))
	if err != nil {
		return MaintenanceWindow{}, err
	}
	if err := req.Target.Validate(); err != nil {
		return MaintenanceWindow{}, err
	}
	if err := req.Details.Validate(jt); err != nil {
		return MaintenanceWindow{}, err
	}
	if req.PlannedStart.IsZero() {
		return MaintenanceWindow{}, errors.New("planned_start is required")
	}
	if req.PlannedEnd != nil && !req.PlannedEnd.After(req.PlannedStart) {
		return MaintenanceWindow{}, errors.New("planned_end must be after planned_start")
	}
	if req.Recurrence != nil {
		if err := req.Recurrence.Validate(); err != nil {
			return MaintenanceWindow{}, err
		}
	}

	model := windowModel{
		ID:                uuid.New(),
		Title:             req.Title,
		MaintenanceType:   string(jt),
		PlannedStart:      req.PlannedStart,
		PlannedEnd:        req.PlannedEnd,
		RecurrenceEnabled: req.Recurrence != nil,
		AutoExecute:       req.AutoExecute,
		Target:            toJSONMap(req.Target),
		Details:           toJSONMap(req.Details),
		Status:            string(WindowPlanned),
		CreatedBy:         req.CreatedBy,
		CreatedAt:         e.now(),
	}
	if req.Recurrence != nil {
		model.Recurrence = toJSONMap(req.Recurrence)
	}

	if err := e.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return MaintenanceWindow{}, err
	}

	e.audit(ctx, req.CreatedBy, "window.create", model.ID.String(), map[string]any{
		"maintenance_type": jt, "planned_start": req.PlannedStart, "recurring": req.Recurrence != nil,
	})
	return model.toAPI(), nil
}

// GetWindow loads a single maintenance window.
func (e *Engine) GetWindow(ctx context.Context, id uuid.UUID) (MaintenanceWindow, error) {
	var model windowModel
	if err := e.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MaintenanceWindow{}, fmt.Errorf("window %s: %w", id, ErrWindowNotFound)
		}
		return MaintenanceWindow{}, err
	}
	return model.toAPI(), nil
}

// ListWindows returns maintenance windows, optionally filtered by status,
// soonest planned start first.
func (e *Engine) ListWindows(ctx context.Context, status WindowStatus) ([]MaintenanceWindow, error) {
	q := e.orm.WithContext(ctx).Model(&windowModel{}).Order("planned_start")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}

	var models []windowModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]MaintenanceWindow, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// SkipWindow marks a planned window skipped so the scheduler never fires it.
func (e *Engine) SkipWindow(ctx context.Context, id uuid.UUID, actor string) (MaintenanceWindow, error) {
	window, err := e.GetWindow(ctx, id)
	if err != nil {
		return MaintenanceWindow{}, err
	}
	if window.Status != WindowPlanned && window.Status != WindowActive {
		return MaintenanceWindow{}, fmt.Errorf("window %s is %s and cannot be skipped", id, window.Status)
	}

	err = e.orm.WithContext(ctx).Model(&windowModel{}).
		Where("id = ?", id).
		Update("status", string(WindowSkipped)).Error
	if err != nil {
		return MaintenanceWindow{}, err
	}

	e.audit(ctx, actor, "window.skip", id.String(), nil)
	window.Status = WindowSkipped
	return window, nil
}

// PreviewWindow returns the window's next n planned firing times without
// mutating anything.
func (e *Engine) PreviewWindow(ctx context.Context, id uuid.UUID, n int) ([]time.Time, error) {
	window, err := e.GetWindow(ctx, id)
	if err != nil {
		return nil, err
	}

	if !window.RecurrenceEnabled || window.Recurrence == nil {
		if window.Status == WindowPlanned {
			return []time.Time{window.PlannedStart}, nil
		}
		return nil, nil
	}

	from := e.now()
	if window.PlannedStart.After(from) {
		from = window.PlannedStart.Add(-time.Second)
	}
	occs := NextExecutions(*window.Recurrence, from, n)
	if window.PlannedEnd != nil {
		trimmed := occs[:0]
		for _, occ := range occs {
			if occ.After(*window.PlannedEnd) {
				break
			}
			trimmed = append(trimmed, occ)
		}
		occs = trimmed
	}
	return occs, nil
}

// ExecuteWindow fires a window immediately, regardless of its schedule.
// Used by operators on windows created without auto_execute.
func (e *Engine) ExecuteWindow(ctx context.Context, id uuid.UUID, actor string) (Job, error) {
	window, err := e.GetWindow(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if window.Status == WindowSkipped || window.Status == WindowCompleted {
		return Job{}, fmt.Errorf("window %s is %s", id, window.Status)
	}
	return e.fireWindow(ctx, window, actor, e.now())
}

// WindowJobs lists the jobs a window has materialized, newest first.
func (e *Engine) WindowJobs(ctx context.Context, windowID uuid.UUID) ([]Job, error) {
	var links []windowJobModel
	err := e.orm.WithContext(ctx).
		Where("window_id = ?", windowID).
		Order("fired_at DESC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(links))
	for _, link := range links {
		job, err := e.GetJob(ctx, link.JobID)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RunDueWindows performs one sweep: every due planned window is fired (when
// auto_execute is set) or marked active for operator attention. Returns the
// number of jobs materialized.
func (e *Engine) RunDueWindows(ctx context.Context) (int, error) {
	now := e.now()

	var models []windowModel
	err := e.orm.WithContext(ctx).
		Where("status IN ?", []string{string(WindowPlanned), string(WindowActive)}).
		Where("planned_start <= ?", now).
		Order("planned_start").
		Find(&models).Error
	if err != nil {
		return 0, err
	}

	fired := 0
	for _, model := range models {
		window := model.toAPI()

		if window.RecurrenceEnabled && window.Recurrence != nil {
			n, err := e.sweepRecurring(ctx, window, now)
			if err != nil {
				e.logger.Printf("WARN window %s sweep: %v", window.ID, err)
				continue
			}
			fired += n
			continue
		}

		didFire, err := e.sweepOneShot(ctx, window, now)
		if err != nil {
			e.logger.Printf("WARN window %s sweep: %v", window.ID, err)
			continue
		}
		if didFire {
			fired++
		}
	}
	return fired, nil
}

// sweepOneShot fires a one-shot window once its start has passed.
func (e *Engine) sweepOneShot(ctx context.Context, window MaintenanceWindow, now time.Time) (bool, error) {
	if !window.AutoExecute {
		// Surfaced for operators; it never fires on its own.
		if window.Status == WindowPlanned {
			err := e.orm.WithContext(ctx).Model(&windowModel{}).
				Where("id = ?", window.ID).
				Update("status", string(WindowActive)).Error
			if err != nil {
				return false, err
			}
		}
		return false, nil
	}

	if _, err := e.fireWindow(ctx, window, "scheduler", now); err != nil {
		// A window whose target no longer resolves is skipped, not retried
		// forever.
		_ = e.orm.WithContext(ctx).Model(&windowModel{}).
			Where("id = ?", window.ID).
			Update("status", string(WindowSkipped)).Error
		return false, err
	}
	return true, nil
}

// sweepRecurring fires every occurrence that has come due since the last
// sweep and advances the recurrence cursor past missed occurrences.
func (e *Engine) sweepRecurring(ctx context.Context, window MaintenanceWindow, now time.Time) (int, error) {
	cursor := window.PlannedStart.Add(-time.Second)
	if window.LastExecutedAt != nil {
		cursor = *window.LastExecutedAt
	}

	if window.PlannedEnd != nil && now.After(*window.PlannedEnd) {
		err := e.orm.WithContext(ctx).Model(&windowModel{}).
			Where("id = ?", window.ID).
			Update("status", string(WindowCompleted)).Error
		return 0, err
	}

	fired := 0
	for {
		occs := NextExecutions(*window.Recurrence, cursor, 1)
		if len(occs) == 0 {
			break
		}
		occ := occs[0]
		if occ.After(now) {
			break
		}
		if window.PlannedEnd != nil && occ.After(*window.PlannedEnd) {
			break
		}
		cursor = occ

		if !window.AutoExecute {
			continue
		}
		if _, err := e.fireWindow(ctx, window, "scheduler", occ); err != nil {
			e.logger.Printf("WARN window %s occurrence %s: %v", window.ID, occ.Format(time.RFC3339), err)
			continue
		}
		fired++
	}

	if cursor.After(window.PlannedStart.Add(-time.Second)) {
		err := e.orm.WithContext(ctx).Model(&windowModel{}).
			Where("id = ?", window.ID).
			Updates(map[string]any{
				"status":           string(WindowActive),
				"last_executed_at": cursor,
			}).Error
		if err != nil {
			return fired, err
		}
	}
	return fired, nil
}

// fireWindow materializes one job from a window and records the linkage.
func (e *Engine) fireWindow(ctx context.Context, window MaintenanceWindow, actor string, firedAt time.Time) (Job, error) {
	job, err := e.CreateJob(ctx, CreateJobRequest{
		JobType:   window.MaintenanceType,
		Target:    window.Target,
		Details:   window.Details,
		CreatedBy: actor,
	})
	if err != nil {
		return Job{}, fmt.Errorf("window %q: %w", window.Title, err)
	}

	link := windowJobModel{WindowID: window.ID, JobID: job.ID, FiredAt: firedAt}
	if err := e.orm.WithContext(ctx).Create(&link).Error; err != nil {
		return Job{}, err
	}

	if !window.RecurrenceEnabled {
		err := e.orm.WithContext(ctx).Model(&windowModel{}).
			Where("id = ?", window.ID).
			Updates(map[string]any{
				"status":           string(WindowCompleted),
				"last_executed_at": firedAt,
			}).Error
		if err != nil {
			return Job{}, err
		}
	}

	_ = e.AppendJobLog(ctx, job.ID, fmt.Sprintf("materialized from window %q", window.Title))
	e.publish(ctx, bus.SubjectWindowFired, map[string]any{
		"window_id": window.ID,
		"job_id":    job.ID,
		"title":     window.Title,
		"fired_at":  firedAt,
	})
	e.audit(ctx, actor, "window.fire", window.ID.String(), map[string]any{"job_id": job.ID})

	return job, nil
}

// Scheduler periodically sweeps due maintenance windows. One instance runs
// per control plane deployment.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
}

// NewScheduler wraps an engine with a sweep loop. A non-positive interval
// uses SchedulerInterval.
func NewScheduler(engine *Engine, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = SchedulerInterval
	}
	return &Scheduler{engine: engine, interval: interval}
}

// Run sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.engine.RunDueWindows(ctx); err != nil {
			s.engine.logger.Printf("ERROR window sweep: %v", err)
		} else if n > 0 {
			s.engine.logger.Printf("INFO window sweep materialized %d job(s)", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

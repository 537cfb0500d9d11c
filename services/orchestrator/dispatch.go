package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"

	"fleetmaint/pkg/bus"
	"fleetmaint/pkg/db"
)

// HeartbeatInterval is the cadence executors are expected to report at. An
// executor silent for three intervals is considered dead.
const HeartbeatInterval = 15 * time.Second

const claimQuery = `
UPDATE jobs SET status = 'running', started_at = now(), claimed_by = $1
WHERE id = (
    SELECT id FROM jobs
    WHERE status = 'pending'
      AND (schedule_at IS NULL OR schedule_at <= now())
      AND job_type NOT IN ('hypervisor_then_firmware', 'firmware_then_hypervisor')
    ORDER BY priority DESC, created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING id, parent_job_id`

const markParentQuery = `
UPDATE jobs SET status = 'running', started_at = now()
WHERE id = $1 AND status = 'pending'`

// ClaimNextJob atomically claims the highest-priority eligible pending job
// for an executor. At most one executor wins a given job; composite parents
// are never claimable (their phase children are). Returns ErrNoPendingJobs
// when the queue is empty.
func (e *Engine) ClaimNextJob(ctx context.Context, executorID string) (Job, error) {
	if executorID == "" {
		return Job{}, errors.New("executor id is required")
	}

	var id uuid.UUID
	if e.pool != nil {
		// The claim and a composite parent's pending->running move commit
		// together: no executor ever observes a running phase child under
		// a still-pending parent.
		err := db.InTx(ctx, e.pool, func(tx pgx.Tx) error {
			var parentID *uuid.UUID
			if err := tx.QueryRow(ctx, claimQuery, executorID).Scan(&id, &parentID); err != nil {
				return err
			}
			if parentID == nil {
				return nil
			}
			_, err := tx.Exec(ctx, markParentQuery, *parentID)
			return err
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Job{}, ErrNoPendingJobs
			}
			return Job{}, err
		}
	} else {
		claimed, err := e.claimViaORM(ctx, executorID)
		if err != nil {
			return Job{}, err
		}
		id = claimed
	}

	job, err := e.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}

	// The ORM claim path moves the composite parent separately.
	if e.pool == nil && job.ParentJobID != nil {
		e.markParentRunning(ctx, *job.ParentJobID)
	}

	e.publish(ctx, bus.SubjectJobClaimed, jobEvent(job))
	return job, nil
}

// claimViaORM is the portable claim path used when no pgx pool is wired
// (in-memory test databases). The guarded UPDATE keeps it safe under
// concurrent claimers on a single writer connection.
func (e *Engine) claimViaORM(ctx context.Context, executorID string) (uuid.UUID, error) {
	now := e.now()
	composite := []string{string(JobTypeHypervisorThenFW), string(JobTypeFirmwareThenHyp)}

	for attempts := 0; attempts < 5; attempts++ {
		var candidate jobModel
		err := e.orm.WithContext(ctx).
			Where("status = ?", string(StatusPending)).
			Where("schedule_at IS NULL OR schedule_at <= ?", now).
			Where("job_type NOT IN ?", composite).
			Order("priority DESC, created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, ErrNoPendingJobs
		}
		if err != nil {
			return uuid.Nil, err
		}

		res := e.orm.WithContext(ctx).Model(&jobModel{}).
			Where("id = ? AND status = ?", candidate.ID, string(StatusPending)).
			Updates(map[string]any{
				"status":     string(StatusRunning),
				"started_at": now,
				"claimed_by": executorID,
			})
		if res.Error != nil {
			return uuid.Nil, res.Error
		}
		if res.RowsAffected == 1 {
			return candidate.ID, nil
		}
		// lost the race; try the next candidate
	}
	return uuid.Nil, ErrNoPendingJobs
}

func (e *Engine) markParentRunning(ctx context.Context, parentID uuid.UUID) {
	now := e.now()
	err := e.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status = ?", parentID, string(StatusPending)).
		Updates(map[string]any{"status": string(StatusRunning), "started_at": now}).Error
	if err != nil {
		e.logger.Printf("WARN mark parent %s running: %v", parentID, err)
	}
}

// ClaimNextTask hands the executor the next pending host task of a job it
// holds. Tasks only exist once the workflow engine has admitted the host
// through the safety gate, so any pending task is runnable.
func (e *Engine) ClaimNextTask(ctx context.Context, jobID uuid.UUID, executorID string) (JobTask, error) {
	now := e.now()

	for attempts := 0; attempts < 5; attempts++ {
		var candidate jobTaskModel
		err := e.orm.WithContext(ctx).
			Where("job_id = ? AND status = ?", jobID, string(StatusPending)).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobTask{}, ErrNoPendingJobs
		}
		if err != nil {
			return JobTask{}, err
		}

		res := e.orm.WithContext(ctx).Model(&jobTaskModel{}).
			Where("id = ? AND status = ?", candidate.ID, string(StatusPending)).
			Updates(map[string]any{"status": string(StatusRunning), "started_at": now})
		if res.Error != nil {
			return JobTask{}, res.Error
		}
		if res.RowsAffected == 1 {
			candidate.Status = string(StatusRunning)
			candidate.StartedAt = &now
			return candidate.toAPI(), nil
		}
	}
	return JobTask{}, ErrNoPendingJobs
}

// ReportProgress records executor progress on a running task. Progress is
// monotonic and capped below 100; only a terminal completed report may set
// 100.
func (e *Engine) ReportProgress(ctx context.Context, jobID, taskID uuid.UUID, percent int, logLine string) (JobTask, error) {
	orm := e.orm.WithContext(ctx)

	var model jobTaskModel
	if err := orm.First(&model, "id = ? AND job_id = ?", taskID, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobTask{}, fmt.Errorf("task %s of job %s: %w", taskID, jobID, ErrJobNotFound)
		}
		return JobTask{}, err
	}
	if Status(model.Status).Terminal() {
		return JobTask{}, fmt.Errorf("task %s: %w", taskID, ErrTerminalState)
	}

	if percent < 0 {
		percent = 0
	}
	if percent > 99 {
		percent = 99
	}
	if percent > model.Progress {
		model.Progress = percent
	}
	if logLine != "" {
		model.Logs += logLine + "\n"
	}
	if err := orm.Save(&model).Error; err != nil {
		return JobTask{}, err
	}
	return model.toAPI(), nil
}

// ReportTaskTerminal finalizes a host task. A completed task always reads
// progress 100; a task can never be completed at partial progress.
func (e *Engine) ReportTaskTerminal(ctx context.Context, jobID, taskID uuid.UUID, final Status, errText string) (JobTask, error) {
	if !final.Terminal() {
		return JobTask{}, fmt.Errorf("status %q is not terminal", final)
	}

	orm := e.orm.WithContext(ctx)

	var model jobTaskModel
	if err := orm.First(&model, "id = ? AND job_id = ?", taskID, jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return JobTask{}, fmt.Errorf("task %s of job %s: %w", taskID, jobID, ErrJobNotFound)
		}
		return JobTask{}, err
	}

	current := Status(model.Status)
	if current.Terminal() {
		return JobTask{}, fmt.Errorf("task %s: %w", taskID, ErrTerminalState)
	}
	if !current.CanTransition(final) {
		return JobTask{}, fmt.Errorf("task %s: illegal transition %s -> %s", taskID, current, final)
	}

	now := e.now()
	model.Status = string(final)
	model.CompletedAt = &now
	if final == StatusCompleted {
		model.Progress = 100
	}
	if errText != "" {
		model.Logs += errText + "\n"
	}
	if err := orm.Save(&model).Error; err != nil {
		return JobTask{}, err
	}

	return model.toAPI(), nil
}

// ReportJobTerminal finalizes a single-purpose job the executor ran
// directly, outside the workflow engine.
func (e *Engine) ReportJobTerminal(ctx context.Context, jobID uuid.UUID, final Status, errText string) (Job, error) {
	if !final.Terminal() {
		return Job{}, fmt.Errorf("status %q is not terminal", final)
	}
	return e.finishJob(ctx, jobID, final, errText)
}

// Heartbeat upserts an executor's liveness record.
func (e *Engine) Heartbeat(ctx context.Context, executorID string, jobsProcessed int64, capabilities map[string]any) error {
	if executorID == "" {
		return errors.New("executor id is required")
	}

	row := heartbeatModel{
		ExecutorID:    executorID,
		LastSeen:      e.now(),
		JobsProcessed: jobsProcessed,
		Capabilities:  toJSONMap(capabilities),
	}

	orm := e.orm.WithContext(ctx)
	res := orm.Model(&heartbeatModel{}).Where("executor_id = ?", executorID).Updates(map[string]any{
		"last_seen":      row.LastSeen,
		"jobs_processed": jobsProcessed,
		"capabilities":   row.Capabilities,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return orm.Create(&row).Error
	}
	return nil
}

// ListExecutors returns known executors with their liveness verdict.
func (e *Engine) ListExecutors(ctx context.Context) ([]ExecutorInfo, error) {
	var rows []heartbeatModel
	if err := e.orm.WithContext(ctx).Order("executor_id").Find(&rows).Error; err != nil {
		return nil, err
	}

	cutoff := e.now().Add(-3 * HeartbeatInterval)
	out := make([]ExecutorInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, ExecutorInfo{
			ExecutorID:    r.ExecutorID,
			LastSeen:      r.LastSeen,
			JobsProcessed: r.JobsProcessed,
			Capabilities:  r.Capabilities,
			Alive:         r.LastSeen.After(cutoff),
		})
	}
	return out, nil
}

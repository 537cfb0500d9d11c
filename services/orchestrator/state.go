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

// CreateJobRequest is the validated operator input for a new job.
type CreateJobRequest struct {
	JobType    JobType
	Target     TargetScope
	Details    Details
	Priority   int
	ScheduleAt *time.Time
	CreatedBy  string
}

// CreateJob validates the request, runs target resolution (including
// cluster-expansion conflict detection), and persists the job. Composite
// types additionally create their first-phase child; later phases are
// chained as earlier ones finish.
func (e *Engine) CreateJob(ctx context.Context, req CreateJobRequest) (Job, error) {
	jt, err := ParseJobType(string(req.JobType))
	if err != nil {
		return Job{}, err
	}
	if err := req.Target.Validate(); err != nil {
		return Job{}, err
	}
	if err := req.Details.Validate(jt); err != nil {
		return Job{}, err
	}
	if req.ScheduleAt != nil && req.ScheduleAt.Before(e.now()) {
		return Job{}, errors.New("schedule_at must be in the future")
	}

	// Resolution failures (unknown target, unacknowledged cluster expansion)
	// are blocking errors: no job is created.
	if _, err := e.ResolveTarget(ctx, req.Target); err != nil {
		return Job{}, err
	}

	model := jobModel{
		ID:         uuid.New(),
		JobType:    string(jt),
		Status:     string(StatusPending),
		Target:     toJSONMap(req.Target),
		Details:    toJSONMap(req.Details),
		Priority:   req.Priority,
		ScheduleAt: req.ScheduleAt,
		CreatedBy:  req.CreatedBy,
		CreatedAt:  e.now(),
	}

	orm := e.orm.WithContext(ctx)
	if err := orm.Create(&model).Error; err != nil {
		return Job{}, err
	}

	job := model.toAPI()

	if phases := jt.Phases(); len(phases) > 0 {
		if _, err := e.createPhaseChild(ctx, job, 0); err != nil {
			return Job{}, err
		}
	}

	e.audit(ctx, req.CreatedBy, "job.create", job.ID.String(), map[string]any{
		"job_type": jt, "target": req.Target,
	})
	e.publish(ctx, bus.SubjectJobCreated, jobEvent(job))

	return job, nil
}

// createPhaseChild materializes the child job for one phase of a composite
// parent. The child inherits target, details, and priority.
func (e *Engine) createPhaseChild(ctx context.Context, parent Job, phase int) (Job, error) {
	phases := parent.JobType.Phases()
	if phase < 0 || phase >= len(phases) {
		return Job{}, fmt.Errorf("job %s has no phase %d", parent.ID, phase)
	}

	parentID := parent.ID
	model := jobModel{
		ID:          uuid.New(),
		JobType:     string(phases[phase]),
		Status:      string(StatusPending),
		Target:      toJSONMap(parent.Target),
		Details:     toJSONMap(parent.Details),
		Priority:    parent.Priority,
		ParentJobID: &parentID,
		Phase:       phase,
		ScheduleAt:  parent.ScheduleAt,
		CreatedBy:   parent.CreatedBy,
		CreatedAt:   e.now(),
	}
	if err := e.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return Job{}, err
	}

	child := model.toAPI()
	e.publish(ctx, bus.SubjectJobCreated, jobEvent(child))
	return child, nil
}

// GetJob loads a single job.
func (e *Engine) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	var model jobModel
	if err := e.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return Job{}, err
	}
	return model.toAPI(), nil
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Status  Status
	JobType JobType
	Parent  *uuid.UUID
	Limit   int
}

// ListJobs returns jobs newest first.
func (e *Engine) ListJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	q := e.orm.WithContext(ctx).Model(&jobModel{}).Order("created_at DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.JobType != "" {
		q = q.Where("job_type = ?", string(filter.JobType))
	}
	if filter.Parent != nil {
		q = q.Where("parent_job_id = ?", *filter.Parent)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var models []jobModel
	if err := q.Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, m.toAPI())
	}
	return jobs, nil
}

// ListTasks returns the host-scoped tasks of a job.
func (e *Engine) ListTasks(ctx context.Context, jobID uuid.UUID) ([]JobTask, error) {
	var models []jobTaskModel
	if err := e.orm.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at").Find(&models).Error; err != nil {
		return nil, err
	}
	tasks := make([]JobTask, 0, len(models))
	for _, m := range models {
		tasks = append(tasks, m.toAPI())
	}
	return tasks, nil
}

// ListSteps returns a job's workflow execution records in authoritative
// step order.
func (e *Engine) ListSteps(ctx context.Context, jobID uuid.UUID) ([]WorkflowStep, error) {
	var models []workflowStepModel
	if err := e.orm.WithContext(ctx).Where("job_id = ?", jobID).Order("step_number").Find(&models).Error; err != nil {
		return nil, err
	}
	steps := make([]WorkflowStep, 0, len(models))
	for _, m := range models {
		steps = append(steps, m.toAPI())
	}
	return steps, nil
}

// CancelJob cancels a job and propagates to its non-terminal tasks, pending
// steps, and non-terminal children. Cancelling an already-terminal job is a
// no-op, not an error.
func (e *Engine) CancelJob(ctx context.Context, id uuid.UUID, actor string) (Job, error) {
	orm := e.orm.WithContext(ctx)

	var model jobModel
	if err := orm.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return Job{}, err
	}

	if Status(model.Status).Terminal() {
		return model.toAPI(), nil
	}

	now := e.now()
	model.Status = string(StatusCancelled)
	model.CompletedAt = &now
	if err := orm.Save(&model).Error; err != nil {
		return Job{}, err
	}

	// Tasks already terminal keep their recorded outcome.
	if err := orm.Model(&jobTaskModel{}).
		Where("job_id = ? AND status IN ?", id, []string{string(StatusPending), string(StatusRunning)}).
		Updates(map[string]any{"status": string(StatusCancelled), "completed_at": now}).Error; err != nil {
		return Job{}, err
	}
	if err := orm.Model(&workflowStepModel{}).
		Where("job_id = ? AND step_status IN ?", id, []string{string(StepPending), string(StepRunning)}).
		Updates(map[string]any{"step_status": string(StepSkipped), "completed_at": now}).Error; err != nil {
		return Job{}, err
	}

	var children []jobModel
	if err := orm.Where("parent_job_id = ?", id).Find(&children).Error; err != nil {
		return Job{}, err
	}
	for _, child := range children {
		if Status(child.Status).Terminal() {
			continue
		}
		if _, err := e.CancelJob(ctx, child.ID, actor); err != nil {
			return Job{}, err
		}
	}

	job := model.toAPI()
	e.audit(ctx, actor, "job.cancel", id.String(), nil)
	e.publish(ctx, bus.SubjectJobFinished, jobEvent(job))
	return job, nil
}

// RetryJob creates a new job with the failed job's target and details. The
// failed job is never mutated; the audit history stays intact.
func (e *Engine) RetryJob(ctx context.Context, id uuid.UUID, actor string) (Job, error) {
	prev, err := e.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if prev.Status != StatusFailed {
		return Job{}, fmt.Errorf("job %s is %s; only failed jobs can be retried", id, prev.Status)
	}
	if prev.ParentJobID != nil {
		return Job{}, fmt.Errorf("job %s is a phase of %s; retry the parent", id, *prev.ParentJobID)
	}

	return e.CreateJob(ctx, CreateJobRequest{
		JobType:   prev.JobType,
		Target:    prev.Target,
		Details:   prev.Details,
		Priority:  prev.Priority,
		CreatedBy: actor,
	})
}

// AppendJobLog appends a line to the job's log. Logs stay append-only even
// after the job is terminal.
func (e *Engine) AppendJobLog(ctx context.Context, id uuid.UUID, line string) error {
	return e.orm.WithContext(ctx).Model(&jobModel{}).
		Where("id = ?", id).
		Update("logs", gorm.Expr("logs || ?", line+"\n")).Error
}

// FinalizeJob aggregates task outcomes into the job status once every task
// is terminal. With continue_on_failure the job completes with per-task
// failures on record; otherwise any failed task fails the job.
func (e *Engine) FinalizeJob(ctx context.Context, id uuid.UUID) (Job, error) {
	job, err := e.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	tasks, err := e.ListTasks(ctx, id)
	if err != nil {
		return Job{}, err
	}

	failed := 0
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return job, nil // not done yet
		}
		if t.Status == StatusFailed {
			failed++
		}
	}

	final := StatusCompleted
	if failed > 0 && !job.Details.ContinueOnFailure {
		final = StatusFailed
	}
	if failed == len(tasks) && len(tasks) > 0 {
		final = StatusFailed
	}

	return e.finishJob(ctx, id, final, fmt.Sprintf("%d/%d host tasks failed", failed, len(tasks)))
}

// finishJob moves a running job to a terminal state, enforcing transition
// legality, and publishes the lifecycle event.
func (e *Engine) finishJob(ctx context.Context, id uuid.UUID, final Status, note string) (Job, error) {
	orm := e.orm.WithContext(ctx)

	var model jobModel
	if err := orm.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
		}
		return Job{}, err
	}

	current := Status(model.Status)
	if current.Terminal() {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrTerminalState)
	}
	if !current.CanTransition(final) {
		return Job{}, fmt.Errorf("job %s: illegal transition %s -> %s", id, current, final)
	}

	now := e.now()
	model.Status = string(final)
	model.CompletedAt = &now
	if note != "" {
		model.Logs = model.Logs + note + "\n"
	}
	if err := orm.Save(&model).Error; err != nil {
		return Job{}, err
	}

	job := model.toAPI()
	e.publish(ctx, bus.SubjectJobFinished, jobEvent(job))
	return job, nil
}

// StaleJob pairs a job with how long it has sat unclaimed.
type StaleJob struct {
	Job           Job        `json:"job"`
	PendingFor    string     `json:"pending_for"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
}

// StaleJobs lists pending jobs that have outlived their claim threshold.
// Staleness signals the dispatch loop is not functioning; it is a
// monitoring condition, never a terminal job state. Scheduled jobs are not
// stale before their scheduled time.
func (e *Engine) StaleJobs(ctx context.Context) ([]StaleJob, error) {
	now := e.now()

	var models []jobModel
	if err := e.orm.WithContext(ctx).
		Where("status = ?", string(StatusPending)).
		Where("schedule_at IS NULL OR schedule_at <= ?", now).
		Find(&models).Error; err != nil {
		return nil, err
	}

	lastSeen, err := e.latestHeartbeat(ctx)
	if err != nil {
		return nil, err
	}

	var out []StaleJob
	for _, m := range models {
		threshold, ok := e.staleThresholds[JobType(m.JobType)]
		if !ok {
			threshold = DefaultStaleThreshold
		}

		// The staleness clock starts when the job becomes claimable.
		since := m.CreatedAt
		if m.ScheduleAt != nil && m.ScheduleAt.After(since) {
			since = *m.ScheduleAt
		}
		pending := now.Sub(since)
		if pending < threshold {
			continue
		}

		stale := StaleJob{Job: m.toAPI(), PendingFor: pending.Truncate(time.Second).String()}
		if lastSeen != nil {
			stale.LastHeartbeat = lastSeen
		}
		out = append(out, stale)
	}
	return out, nil
}

func (e *Engine) latestHeartbeat(ctx context.Context) (*time.Time, error) {
	var hb heartbeatModel
	err := e.orm.WithContext(ctx).Order("last_seen DESC").First(&hb).Error
	switch {
	case err == nil:
		return &hb.LastSeen, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

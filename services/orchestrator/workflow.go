package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"fleetmaint/pkg/blob"
)

// Step names recorded per host within a rollout phase.
const (
	stepSafetyCheck  = "safety_check"
	stepBlockerScan  = "blocker_analysis"
	stepConfigBackup = "config_backup"
	stepVerify       = "verify"
)

// perUpdateMinutes is the display-only planning constant for one host-level
// update operation.
const perUpdateMinutes = 25

// StepRunner performs the delegated portions of a per-host rollout step.
// The production runner hands work to the external executor through job
// tasks; tests substitute fakes.
type StepRunner interface {
	// RunHostOperation performs the phase's host operation and blocks until
	// it reaches a terminal outcome.
	RunHostOperation(ctx context.Context, job Job, host Host) error
	// BackupHost captures the host's configuration before the operation and
	// returns a storage location.
	BackupHost(ctx context.Context, job Job, host Host) (string, error)
	// VerifyHost runs the post-step health verification.
	VerifyHost(ctx context.Context, job Job, host Host) error
}

// slotGate enforces the shared min-healthy-hosts constraint across
// concurrently starting host workers. Reservation is a single
// check-and-increment under the mutex, so two workers can never both
// consume the last safe slot.
type slotGate struct {
	mu      sync.Mutex
	offline int
}

// EstimateMinutes is the display-only duration estimate for a rollout.
func EstimateMinutes(healthyHosts, maxParallel, phaseCount int) int {
	if healthyHosts <= 0 || phaseCount <= 0 {
		return 0
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	waves := (healthyHosts + maxParallel - 1) / maxParallel
	return waves * phaseCount * perUpdateMinutes
}

// RunWorkflow drives a claimed rolling update job across its host set:
// bounded-parallel host workers, a safety re-check and blocker scan before
// each host goes offline, optional config backup and post-step
// verification, and continue-vs-halt handling on failure. It is resumable:
// hosts that already carry a terminal operation step are not reprocessed,
// so a paused rollout picks up where it stopped.
func (e *Engine) RunWorkflow(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return fmt.Errorf("job %s is %s; workflows only run on claimed jobs", jobID, job.Status)
	}
	if !job.JobType.RollingUpdate() {
		return fmt.Errorf("job type %s does not use the workflow engine", job.JobType)
	}

	models, err := e.resolveHosts(ctx, job.Target)
	if err != nil {
		return err
	}
	hosts := make([]Host, 0, len(models))
	for _, m := range models {
		hosts = append(hosts, m.toAPI())
	}

	done, err := e.hostsAlreadyProcessed(ctx, jobID)
	if err != nil {
		return err
	}

	var (
		gate     slotGate
		wg       sync.WaitGroup
		sem      = make(chan struct{}, job.Details.EffectiveMaxParallel())
		mu       sync.Mutex
		merr     *multierror.Error
		halted   bool
		pauseErr *PausedError
	)

	setPause := func(p *PausedError) {
		mu.Lock()
		defer mu.Unlock()
		if pauseErr == nil {
			pauseErr = p
		}
	}
	stopNow := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return halted || pauseErr != nil
	}

	for _, host := range hosts {
		if done[host.ID] {
			continue
		}

		wg.Add(1)
		go func(host Host) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if stopNow() {
				return
			}

			if err := e.admitHost(ctx, job, &gate); err != nil {
				var notSafe *NotSafeError
				if errors.As(err, &notSafe) {
					setPause(&PausedError{Reason: "safety gate failed mid-rollout", Cause: err})
					_ = e.AppendJobLog(ctx, jobID, "paused: "+err.Error())
					return
				}
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
				return
			}
			defer func() {
				gate.mu.Lock()
				gate.offline--
				gate.mu.Unlock()
			}()

			if err := e.runHostPhase(ctx, job, host); err != nil {
				var paused *PausedError
				if errors.As(err, &paused) {
					setPause(paused)
					return
				}
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("host %s: %w", host.Hostname, err))
				if !job.Details.ContinueOnFailure {
					halted = true
				}
				mu.Unlock()
			}
		}(host)
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()

	if pauseErr != nil {
		// Job stays running; the operator resumes once the gate clears.
		return pauseErr
	}
	if halted {
		if err := e.skipRemainingSteps(ctx, jobID); err != nil {
			return err
		}
		if _, err := e.finishJob(ctx, jobID, StatusFailed, "rollout halted: "+merr.Error()); err != nil {
			return err
		}
		return merr.ErrorOrNil()
	}

	if _, err := e.FinalizeJob(ctx, jobID); err != nil {
		return err
	}
	return merr.ErrorOrNil()
}

// admitHost reserves a host-offline slot. The safety gate is re-evaluated
// under the reservation lock immediately before the host goes offline; a
// new reservation is refused whenever taking one more host down would drop
// the healthy count below the floor.
func (e *Engine) admitHost(ctx context.Context, job Job, gate *slotGate) error {
	deadline := e.now().Add(e.stepTimeout)

	for {
		gate.mu.Lock()
		result, err := e.CheckSafety(ctx, job.Target, job.Details.MinHealthyHosts)
		if err != nil {
			gate.mu.Unlock()
			return err
		}
		if !result.Safe {
			gate.mu.Unlock()
			return &NotSafeError{
				Target:       result.Target,
				HealthyCount: result.HealthyCount,
				TotalCount:   result.TotalCount,
				MinRequired:  job.Details.MinHealthyHosts,
			}
		}
		if result.HealthyCount-(gate.offline+1) >= job.Details.MinHealthyHosts {
			gate.offline++
			gate.mu.Unlock()
			return nil
		}
		gate.mu.Unlock()

		// Healthy headroom is consumed by in-flight hosts; wait for a slot.
		if e.now().After(deadline) {
			return fmt.Errorf("timed out waiting for safety headroom on %s", result.Target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

// runHostPhase executes the ordered per-host step sequence for one phase.
func (e *Engine) runHostPhase(ctx context.Context, job Job, host Host) error {
	// 1. Safety was just re-checked by admitHost; record it.
	step, err := e.createStep(ctx, job, &host, stepSafetyCheck)
	if err != nil {
		return err
	}
	if err := e.completeStep(ctx, step, nil); err != nil {
		return err
	}

	// 2. Maintenance blockers: unresolved criticals pause the rollout.
	step, err = e.createStep(ctx, job, &host, stepBlockerScan)
	if err != nil {
		return err
	}
	analysis, err := e.AnalyzeHost(ctx, host.ID)
	if err != nil {
		_ = e.completeStep(ctx, step, err)
		return err
	}
	if !analysis.CanEnterMaintenance {
		blockErr := fmt.Errorf("%w: %s", ErrBlockedByCritical, summarizeBlockers(analysis.Blockers))
		_ = e.completeStep(ctx, step, blockErr)
		return &PausedError{Reason: "host " + host.Hostname + " cannot enter maintenance", Cause: blockErr}
	}
	if err := e.completeStep(ctx, step, nil); err != nil {
		return err
	}

	// 3. Optional configuration backup.
	if job.Details.BackupEnabled {
		step, err = e.createStep(ctx, job, &host, stepConfigBackup)
		if err != nil {
			return err
		}
		location, backupErr := e.runner.BackupHost(ctx, job, host)
		if backupErr == nil && location != "" {
			_ = e.orm.WithContext(ctx).Model(&workflowStepModel{}).
				Where("id = ?", step.ID).
				Update("details", toJSONMap(map[string]any{"location": location})).Error
		}
		if err := e.completeStep(ctx, step, backupErr); err != nil {
			return err
		}
		if backupErr != nil {
			return fmt.Errorf("config backup: %w", backupErr)
		}
	}

	// 4. The phase's host operation, delegated to the executor.
	step, err = e.createStep(ctx, job, &host, string(job.JobType))
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	opErr := e.runner.RunHostOperation(opCtx, job, host)
	cancel()
	if errors.Is(opErr, context.DeadlineExceeded) {
		opErr = fmt.Errorf("operation timed out after %s", e.stepTimeout)
	}
	if err := e.completeStep(ctx, step, opErr); err != nil {
		return err
	}
	if opErr != nil {
		return opErr
	}

	// 5. Optional post-step verification.
	if job.Details.VerifyAfterEach {
		step, err = e.createStep(ctx, job, &host, stepVerify)
		if err != nil {
			return err
		}
		verifyErr := e.runner.VerifyHost(ctx, job, host)
		if err := e.completeStep(ctx, step, verifyErr); err != nil {
			return err
		}
		if verifyErr != nil {
			return fmt.Errorf("verification: %w", verifyErr)
		}
	}

	return nil
}

// createStep appends a workflow execution record with the next step number.
// Numbers are allocated in admission order and are authoritative for
// execution ordering. Allocation holds stepMu so concurrent host workers
// cannot read the same MAX and collide; the unique (job_id, step_number)
// index catches anything that slips past.
func (e *Engine) createStep(ctx context.Context, job Job, host *Host, name string) (WorkflowStep, error) {
	e.stepMu.Lock()
	defer e.stepMu.Unlock()

	orm := e.orm.WithContext(ctx)

	var maxStep int
	row := orm.Model(&workflowStepModel{}).
		Where("job_id = ?", job.ID).
		Select("COALESCE(MAX(step_number), 0)")
	if err := row.Scan(&maxStep).Error; err != nil {
		return WorkflowStep{}, err
	}

	now := e.now()
	model := workflowStepModel{
		ID:          uuid.New(),
		JobID:       job.ID,
		ClusterName: job.Target.ClusterName,
		StepNumber:  maxStep + 1,
		StepName:    name,
		StepStatus:  string(StepRunning),
		StartedAt:   &now,
	}
	if host != nil {
		id := host.ID
		model.HostID = &id
	}
	if err := orm.Create(&model).Error; err != nil {
		return WorkflowStep{}, err
	}
	return model.toAPI(), nil
}

// completeStep finalizes a step record with the outcome of its work.
func (e *Engine) completeStep(ctx context.Context, step WorkflowStep, stepErr error) error {
	now := e.now()
	updates := map[string]any{
		"step_status":  string(StepSucceeded),
		"completed_at": now,
	}
	if stepErr != nil {
		updates["step_status"] = string(StepFailed)
		updates["error"] = stepErr.Error()
	}
	return e.orm.WithContext(ctx).Model(&workflowStepModel{}).
		Where("id = ?", step.ID).
		Updates(updates).Error
}

// skipRemainingSteps marks non-terminal steps skipped after a halted
// rollout so the record shows which hosts never started.
func (e *Engine) skipRemainingSteps(ctx context.Context, jobID uuid.UUID) error {
	now := e.now()
	return e.orm.WithContext(ctx).Model(&workflowStepModel{}).
		Where("job_id = ? AND step_status IN ?", jobID, []string{string(StepPending), string(StepRunning)}).
		Updates(map[string]any{"step_status": string(StepSkipped), "completed_at": now}).Error
}

// hostsAlreadyProcessed returns hosts whose operation step reached a
// terminal state in an earlier (paused) run of this job.
func (e *Engine) hostsAlreadyProcessed(ctx context.Context, jobID uuid.UUID) (map[uuid.UUID]bool, error) {
	var models []workflowStepModel
	err := e.orm.WithContext(ctx).
		Where("job_id = ? AND host_id IS NOT NULL", jobID).
		Where("step_name NOT IN ?", []string{stepSafetyCheck, stepBlockerScan, stepConfigBackup, stepVerify}).
		Where("step_status IN ?", []string{string(StepSucceeded), string(StepFailed)}).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(models))
	for _, m := range models {
		if m.HostID != nil {
			out[*m.HostID] = true
		}
	}
	return out, nil
}

func summarizeBlockers(blockers []Blocker) string {
	count := 0
	first := ""
	for _, b := range blockers {
		if b.Severity == SeverityCritical && !b.Resolved {
			count++
			if first == "" {
				first = fmt.Sprintf("%s (%s)", b.VMName, b.Reason)
			}
		}
	}
	if count <= 1 {
		return first
	}
	return fmt.Sprintf("%s and %d more", first, count-1)
}

// dispatchRunner is the production StepRunner: each host operation becomes
// a job task the claiming executor polls, executes against the hardware or
// hypervisor control plane, and reports back on.
type dispatchRunner struct {
	engine *Engine
}

func (r *dispatchRunner) RunHostOperation(ctx context.Context, job Job, host Host) error {
	e := r.engine

	task := jobTaskModel{
		ID:        uuid.New(),
		JobID:     job.ID,
		HostID:    host.ID,
		Status:    string(StatusPending),
		CreatedAt: e.now(),
	}
	if err := e.orm.WithContext(ctx).Create(&task).Error; err != nil {
		return err
	}

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var current jobTaskModel
		if err := e.orm.WithContext(ctx).First(&current, "id = ?", task.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s disappeared", task.ID)
			}
			return err
		}

		switch Status(current.Status) {
		case StatusCompleted:
			return nil
		case StatusFailed:
			return fmt.Errorf("executor reported failure: %s", lastLogLine(current.Logs))
		case StatusCancelled:
			return errors.New("task cancelled")
		}
	}
}

func (r *dispatchRunner) BackupHost(ctx context.Context, job Job, host Host) (string, error) {
	e := r.engine
	if e.backups == nil {
		return "", errors.New("backup requested but no backup store configured")
	}

	var model hostModel
	if err := e.orm.WithContext(ctx).First(&model, "id = ?", host.ID).Error; err != nil {
		return "", err
	}

	snapshot := map[string]any{
		"hostname":         model.Hostname,
		"model":            model.Model,
		"connection_state": model.ConnectionState,
		"firmware":         map[string]any(model.FirmwareInfo),
		"taken_at":         e.now(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}

	key := blob.BackupKey(job.ID.String(), host.ID.String(), e.now())
	if err := e.backups.PutBackup(ctx, key, payload); err != nil {
		return "", err
	}
	return key, nil
}

func (r *dispatchRunner) VerifyHost(ctx context.Context, job Job, host Host) error {
	e := r.engine

	var model hostModel
	if err := e.orm.WithContext(ctx).First(&model, "id = ?", host.ID).Error; err != nil {
		return err
	}
	if !model.toAPI().Online() {
		return fmt.Errorf("host %s did not return to a connected state", model.Hostname)
	}
	return nil
}

func lastLogLine(logs string) string {
	if logs == "" {
		return "no log output"
	}
	lines := []byte(logs)
	end := len(lines)
	for end > 0 && lines[end-1] == '\n' {
		end--
	}
	start := end
	for start > 0 && lines[start-1] != '\n' {
		start--
	}
	return string(lines[start:end])
}

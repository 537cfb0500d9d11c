package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// JobEvent is the lifecycle payload published on the bus for created,
// claimed, and finished jobs.
type JobEvent struct {
	JobID       uuid.UUID  `json:"job_id"`
	JobType     JobType    `json:"job_type"`
	Status      Status     `json:"status"`
	ParentJobID *uuid.UUID `json:"parent_job_id,omitempty"`
	Phase       int        `json:"phase"`
	ClaimedBy   string     `json:"claimed_by,omitempty"`
}

func jobEvent(job Job) JobEvent {
	return JobEvent{
		JobID:       job.ID,
		JobType:     job.JobType,
		Status:      job.Status,
		ParentJobID: job.ParentJobID,
		Phase:       job.Phase,
		ClaimedBy:   job.ClaimedBy,
	}
}

// handleJobClaimed starts the workflow engine for rolling update jobs once
// an executor holds them. Single-purpose operation types are executed by
// the claimer directly and need no rollout driver.
func (e *Engine) handleJobClaimed(ctx context.Context, data []byte) error {
	var evt JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.JobID == uuid.Nil {
		return errors.New("job_id missing from claim event")
	}
	if !evt.JobType.RollingUpdate() {
		return nil
	}

	go func() {
		if err := e.RunWorkflow(ctx, evt.JobID); err != nil {
			var paused *PausedError
			if errors.As(err, &paused) {
				e.logger.Printf("WARN job %s paused: %v", evt.JobID, err)
				return
			}
			e.logger.Printf("ERROR workflow for job %s: %v", evt.JobID, err)
		}
	}()
	return nil
}

// handleJobFinished chains composite jobs: when a phase child reaches a
// terminal state, either the next phase child is materialized or the parent
// is finalized.
func (e *Engine) handleJobFinished(ctx context.Context, data []byte) error {
	var evt JobEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return err
	}
	if evt.JobID == uuid.Nil || evt.ParentJobID == nil {
		return nil
	}

	parent, err := e.GetJob(ctx, *evt.ParentJobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}

	switch evt.Status {
	case StatusCompleted:
		phases := parent.JobType.Phases()
		next := evt.Phase + 1
		if next < len(phases) {
			_, err := e.createPhaseChild(ctx, parent, next)
			return err
		}
		_, err := e.finishJob(ctx, parent.ID, StatusCompleted, "all phases completed")
		return err

	case StatusFailed:
		_, err := e.finishJob(ctx, parent.ID, StatusFailed, fmt.Sprintf("phase %d failed", evt.Phase))
		return err

	case StatusCancelled:
		_, err := e.CancelJob(ctx, parent.ID, "system")
		return err
	}

	return nil
}

package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Job is a unit of orchestrated maintenance work.
type Job struct {
	ID          uuid.UUID   `json:"id"`
	JobType     JobType     `json:"job_type"`
	Status      Status      `json:"status"`
	Target      TargetScope `json:"target"`
	Details     Details     `json:"details"`
	Priority    int         `json:"priority"`
	ParentJobID *uuid.UUID  `json:"parent_job_id,omitempty"`
	Phase       int         `json:"phase"`
	ScheduleAt  *time.Time  `json:"schedule_at,omitempty"`
	ClaimedBy   string      `json:"claimed_by,omitempty"`
	CreatedBy   string      `json:"created_by,omitempty"`
	Logs        string      `json:"logs,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// JobTask is one host-scoped unit within a job.
type JobTask struct {
	ID          uuid.UUID  `json:"id"`
	JobID       uuid.UUID  `json:"job_id"`
	HostID      uuid.UUID  `json:"host_id"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	Logs        string     `json:"logs,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WorkflowStep is an ordered step record within a job's rollout. StepNumber
// is authoritative for execution order.
type WorkflowStep struct {
	ID          uuid.UUID  `json:"id"`
	JobID       uuid.UUID  `json:"job_id"`
	ClusterName string     `json:"cluster_name,omitempty"`
	HostID      *uuid.UUID `json:"host_id,omitempty"`
	StepNumber  int        `json:"step_number"`
	StepName    string     `json:"step_name"`
	StepStatus  StepStatus `json:"step_status"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MaintenanceWindow is a scheduled or recurring intent to run a job.
type MaintenanceWindow struct {
	ID                uuid.UUID       `json:"id"`
	Title             string          `json:"title"`
	MaintenanceType   JobType         `json:"maintenance_type"`
	PlannedStart      time.Time       `json:"planned_start"`
	PlannedEnd        *time.Time      `json:"planned_end,omitempty"`
	RecurrenceEnabled bool            `json:"recurrence_enabled"`
	Recurrence        *RecurrenceSpec `json:"recurrence,omitempty"`
	AutoExecute       bool            `json:"auto_execute"`
	Target            TargetScope     `json:"target"`
	Details           Details         `json:"details"`
	Status            WindowStatus    `json:"status"`
	LastExecutedAt    *time.Time      `json:"last_executed_at,omitempty"`
	CreatedBy         string          `json:"created_by,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Host is a physical server known to the inventory.
type Host struct {
	ID              uuid.UUID  `json:"id"`
	Hostname        string     `json:"hostname"`
	ClusterID       *uuid.UUID `json:"cluster_id,omitempty"`
	GroupID         *uuid.UUID `json:"group_id,omitempty"`
	ConnectionState string     `json:"connection_state"`
	Model           string     `json:"model,omitempty"`
}

// Online reports whether the host counts toward the healthy total.
func (h Host) Online() bool {
	switch h.ConnectionState {
	case "connected", "online", "ok":
		return true
	default:
		return false
	}
}

// SafetyResult is the outcome of a minimum-healthy-hosts gate evaluation.
type SafetyResult struct {
	Target        string    `json:"target"`
	Safe          bool      `json:"safe"`
	HealthyCount  int       `json:"healthy_count"`
	TotalCount    int       `json:"total_count"`
	MinRequired   int       `json:"min_required"`
	StatusChanged bool      `json:"status_changed"`
	CheckedAt     time.Time `json:"checked_at"`
}

// BlockerResolution records an operator decision about a maintenance
// blocker.
type BlockerResolution struct {
	HostID         uuid.UUID `json:"host_id"`
	VMID           uuid.UUID `json:"vm_id"`
	VMName         string    `json:"vm_name"`
	Reason         string    `json:"reason"`
	ResolutionType string    `json:"resolution_type"`
	ResolvedBy     string    `json:"resolved_by"`
	Result         string    `json:"result,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExecutorInfo summarises an executor's reported liveness.
type ExecutorInfo struct {
	ExecutorID    string         `json:"executor_id"`
	LastSeen      time.Time      `json:"last_seen"`
	JobsProcessed int64          `json:"jobs_processed"`
	Capabilities  map[string]any `json:"capabilities,omitempty"`
	Alive         bool           `json:"alive"`
}

package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type clusterModel struct {
	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name      string            `gorm:"type:text;uniqueIndex;not null"`
	EVCMode   string            `gorm:"type:text"`
	Meta      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"not null;autoUpdateTime"`
}

func (clusterModel) TableName() string { return "clusters" }

type serverGroupModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`
}

func (serverGroupModel) TableName() string { return "server_groups" }

type hostModel struct {
	ID              uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Hostname        string            `gorm:"type:text;uniqueIndex;not null"`
	ClusterID       *uuid.UUID        `gorm:"type:uuid;index"`
	GroupID         *uuid.UUID        `gorm:"type:uuid;index"`
	ConnectionState string            `gorm:"type:text;not null;default:'unknown'"`
	Model           string            `gorm:"type:text"`
	FirmwareInfo    datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time         `gorm:"not null;autoUpdateTime"`
}

func (hostModel) TableName() string { return "hosts" }

func (m hostModel) toAPI() Host {
	return Host{
		ID:              m.ID,
		Hostname:        m.Hostname,
		ClusterID:       m.ClusterID,
		GroupID:         m.GroupID,
		ConnectionState: m.ConnectionState,
		Model:           m.Model,
	}
}

type vmModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	HostID     uuid.UUID         `gorm:"type:uuid;not null;index"`
	Name       string            `gorm:"type:text;not null"`
	PowerState string            `gorm:"type:text;not null;default:'poweredOn'"`
	Placement  datatypes.JSONMap `gorm:"type:jsonb"`
	UpdatedAt  time.Time         `gorm:"not null;autoUpdateTime"`
}

func (vmModel) TableName() string { return "vms" }

type jobModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	JobType     string            `gorm:"type:text;not null;index"`
	Status      string            `gorm:"type:text;not null;default:'pending';index"`
	Target      datatypes.JSONMap `gorm:"type:jsonb"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
	Priority    int               `gorm:"type:int;not null;default:0"`
	ParentJobID *uuid.UUID        `gorm:"type:uuid;index"`
	Phase       int               `gorm:"type:int;not null;default:0"`
	ScheduleAt  *time.Time        `gorm:"index"`
	ClaimedBy   string            `gorm:"type:text"`
	CreatedBy   string            `gorm:"type:text"`
	Logs        string            `gorm:"type:text"`
	CreatedAt   time.Time         `gorm:"not null;autoCreateTime"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (jobModel) TableName() string { return "jobs" }

func (m jobModel) toAPI() Job {
	return Job{
		ID:          m.ID,
		JobType:     JobType(m.JobType),
		Status:      Status(m.Status),
		Target:      scopeFromJSONMap(m.Target),
		Details:     detailsFromJSONMap(m.Details),
		Priority:    m.Priority,
		ParentJobID: m.ParentJobID,
		Phase:       m.Phase,
		ScheduleAt:  m.ScheduleAt,
		ClaimedBy:   m.ClaimedBy,
		CreatedBy:   m.CreatedBy,
		Logs:        m.Logs,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type jobTaskModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID `gorm:"type:uuid;not null;index"`
	HostID      uuid.UUID `gorm:"type:uuid;not null;index"`
	Status      string    `gorm:"type:text;not null;default:'pending'"`
	Progress    int       `gorm:"type:int;not null;default:0"`
	Logs        string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (jobTaskModel) TableName() string { return "job_tasks" }

func (m jobTaskModel) toAPI() JobTask {
	return JobTask{
		ID:          m.ID,
		JobID:       m.JobID,
		HostID:      m.HostID,
		Status:      Status(m.Status),
		Progress:    m.Progress,
		Logs:        m.Logs,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type workflowStepModel struct {
	ID          uuid.UUID         `gorm:"type:uuid;primaryKey"`
	JobID       uuid.UUID         `gorm:"type:uuid;not null;index;uniqueIndex:ux_workflow_job_step"`
	ClusterName string            `gorm:"type:text"`
	HostID      *uuid.UUID        `gorm:"type:uuid;index"`
	StepNumber  int               `gorm:"type:int;not null;uniqueIndex:ux_workflow_job_step"`
	StepName    string            `gorm:"type:text;not null"`
	StepStatus  string            `gorm:"type:text;not null;default:'pending'"`
	Details     datatypes.JSONMap `gorm:"type:jsonb"`
	Error       string            `gorm:"type:text"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (workflowStepModel) TableName() string { return "workflow_executions" }

func (m workflowStepModel) toAPI() WorkflowStep {
	return WorkflowStep{
		ID:          m.ID,
		JobID:       m.JobID,
		ClusterName: m.ClusterName,
		HostID:      m.HostID,
		StepNumber:  m.StepNumber,
		StepName:    m.StepName,
		StepStatus:  StepStatus(m.StepStatus),
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

type windowModel struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Title             string    `gorm:"type:text;not null"`
	MaintenanceType   string    `gorm:"type:text;not null"`
	PlannedStart      time.Time `gorm:"not null;index"`
	PlannedEnd        *time.Time
	RecurrenceEnabled bool              `gorm:"type:bool;not null;default:false"`
	Recurrence        datatypes.JSONMap `gorm:"type:jsonb"`
	AutoExecute       bool              `gorm:"type:bool;not null;default:false"`
	Target            datatypes.JSONMap `gorm:"type:jsonb"`
	Details           datatypes.JSONMap `gorm:"type:jsonb"`
	Status            string            `gorm:"type:text;not null;default:'planned';index"`
	LastExecutedAt    *time.Time
	CreatedBy         string    `gorm:"type:text"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"not null;autoUpdateTime"`
}

func (windowModel) TableName() string { return "maintenance_windows" }

func (m windowModel) toAPI() MaintenanceWindow {
	w := MaintenanceWindow{
		ID:                m.ID,
		Title:             m.Title,
		MaintenanceType:   JobType(m.MaintenanceType),
		PlannedStart:      m.PlannedStart,
		PlannedEnd:        m.PlannedEnd,
		RecurrenceEnabled: m.RecurrenceEnabled,
		AutoExecute:       m.AutoExecute,
		Target:            scopeFromJSONMap(m.Target),
		Details:           detailsFromJSONMap(m.Details),
		Status:            WindowStatus(m.Status),
		LastExecutedAt:    m.LastExecutedAt,
		CreatedBy:         m.CreatedBy,
		CreatedAt:         m.CreatedAt,
	}
	if m.RecurrenceEnabled {
		w.Recurrence = recurrenceFromJSONMap(m.Recurrence)
	}
	return w
}

type windowJobModel struct {
	ID       int64     `gorm:"primaryKey;autoIncrement"`
	WindowID uuid.UUID `gorm:"type:uuid;not null;index"`
	JobID    uuid.UUID `gorm:"type:uuid;not null"`
	FiredAt  time.Time `gorm:"not null;autoCreateTime"`
}

func (windowJobModel) TableName() string { return "window_jobs" }

type safetyCheckModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	TargetKind     string    `gorm:"type:text;not null"`
	TargetName     string    `gorm:"type:text;not null;index"`
	HealthyCount   int       `gorm:"type:int;not null"`
	TotalCount     int       `gorm:"type:int;not null"`
	MinRequired    int       `gorm:"type:int;not null"`
	Safe           bool      `gorm:"type:bool;not null"`
	PreviousStatus *bool     `gorm:"type:bool"`
	StatusChanged  bool      `gorm:"type:bool;not null;default:false"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}

func (safetyCheckModel) TableName() string { return "safety_checks" }

type blockerResolutionModel struct {
	ID             int64     `gorm:"primaryKey;autoIncrement"`
	HostID         uuid.UUID `gorm:"type:uuid;not null;index"`
	VMID           uuid.UUID `gorm:"type:uuid;not null"`
	VMName         string    `gorm:"type:text;not null"`
	Reason         string    `gorm:"type:text;not null"`
	ResolutionType string    `gorm:"type:text;not null"`
	ResolvedBy     string    `gorm:"type:text;not null"`
	Result         string    `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
}

func (blockerResolutionModel) TableName() string { return "blocker_resolutions" }

type heartbeatModel struct {
	ExecutorID    string            `gorm:"type:text;primaryKey"`
	LastSeen      time.Time         `gorm:"not null"`
	JobsProcessed int64             `gorm:"type:bigint;not null;default:0"`
	Capabilities  datatypes.JSONMap `gorm:"type:jsonb"`
}

func (heartbeatModel) TableName() string { return "executor_heartbeats" }

type auditModel struct {
	ID      int64             `gorm:"primaryKey;autoIncrement"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"not null;autoCreateTime"`
}

func (auditModel) TableName() string { return "audit" }

// JSONMap round-trips. Scopes, details, and recurrence specs are stored as
// JSONB but validated at creation time, never at read time.

func toJSONMap(v any) datatypes.JSONMap {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSONMap{}
	}
	out := datatypes.JSONMap{}
	if err := json.Unmarshal(data, &out); err != nil {
		return datatypes.JSONMap{}
	}
	return out
}

func fromJSONMap(src datatypes.JSONMap, dest any) {
	data, err := json.Marshal(src)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, dest)
}

func scopeFromJSONMap(src datatypes.JSONMap) TargetScope {
	var s TargetScope
	fromJSONMap(src, &s)
	return s
}

func detailsFromJSONMap(src datatypes.JSONMap) Details {
	var d Details
	fromJSONMap(src, &d)
	return d
}

func recurrenceFromJSONMap(src datatypes.JSONMap) *RecurrenceSpec {
	var r RecurrenceSpec
	fromJSONMap(src, &r)
	if r.Interval == 0 {
		return nil
	}
	return &r
}

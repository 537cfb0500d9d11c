package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state shared by jobs and job tasks. Transitions
// are monotonic: pending -> running -> {completed, failed, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal step.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case StatusRunning:
		return s == StatusPending
	case StatusCompleted, StatusFailed:
		return s == StatusRunning
	case StatusCancelled:
		return true
	default:
		return false
	}
}

// JobType identifies the operation a job performs. Composite types decompose
// into ordered child jobs, one per phase.
type JobType string

const (
	JobTypeRollingClusterUpdate JobType = "rolling_cluster_update"
	JobTypeHypervisorUpgrade    JobType = "hypervisor_upgrade"
	JobTypeHypervisorThenFW     JobType = "hypervisor_then_firmware"
	JobTypeFirmwareThenHyp      JobType = "firmware_then_hypervisor"

	// Single-purpose operation types consumed by the executor. Opaque to the
	// orchestrator beyond status tracking.
	JobTypeInventoryScan JobType = "inventory_scan"
	JobTypePowerAction   JobType = "power_action"
	JobTypeConfigRead    JobType = "config_read"
	JobTypeConfigWrite   JobType = "config_write"
	JobTypeConfigBackup  JobType = "config_backup"
)

// aliases accepted from operators and mapped to internal types.
var jobTypeAliases = map[string]JobType{
	"firmware_only":   JobTypeRollingClusterUpdate,
	"hypervisor_only": JobTypeHypervisorUpgrade,
}

// ParseJobType normalises an operator-supplied job type string.
func ParseJobType(s string) (JobType, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := jobTypeAliases[v]; ok {
		return mapped, nil
	}
	switch jt := JobType(v); jt {
	case JobTypeRollingClusterUpdate, JobTypeHypervisorUpgrade,
		JobTypeHypervisorThenFW, JobTypeFirmwareThenHyp,
		JobTypeInventoryScan, JobTypePowerAction,
		JobTypeConfigRead, JobTypeConfigWrite, JobTypeConfigBackup:
		return jt, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// Phases returns the ordered per-phase job types for composite jobs, or nil
// for single-phase types.
func (t JobType) Phases() []JobType {
	switch t {
	case JobTypeHypervisorThenFW:
		return []JobType{JobTypeHypervisorUpgrade, JobTypeRollingClusterUpdate}
	case JobTypeFirmwareThenHyp:
		return []JobType{JobTypeRollingClusterUpdate, JobTypeHypervisorUpgrade}
	default:
		return nil
	}
}

// Composite reports whether the type decomposes into child jobs.
func (t JobType) Composite() bool { return len(t.Phases()) > 0 }

// RollingUpdate reports whether the type takes hosts offline one at a time
// and therefore passes through the workflow engine and its safety gating.
func (t JobType) RollingUpdate() bool {
	switch t {
	case JobTypeRollingClusterUpdate, JobTypeHypervisorUpgrade:
		return true
	default:
		return false
	}
}

// TargetKind discriminates the target scope union.
type TargetKind string

const (
	TargetCluster TargetKind = "cluster"
	TargetGroup   TargetKind = "group"
	TargetServers TargetKind = "servers"
)

// TargetScope names the hosts an operation applies to: a whole cluster, a
// server group, or an explicit host set.
type TargetScope struct {
	Kind        TargetKind  `json:"type"`
	ClusterName string      `json:"cluster_name,omitempty"`
	GroupID     uuid.UUID   `json:"group_id,omitempty"`
	ServerIDs   []uuid.UUID `json:"server_ids,omitempty"`
}

// Validate rejects malformed scopes before any job is created.
func (s TargetScope) Validate() error {
	switch s.Kind {
	case TargetCluster:
		if strings.TrimSpace(s.ClusterName) == "" {
			return errors.New("cluster target requires cluster_name")
		}
	case TargetGroup:
		if s.GroupID == uuid.Nil {
			return errors.New("group target requires group_id")
		}
	case TargetServers:
		if len(s.ServerIDs) == 0 {
			return errors.New("servers target requires at least one server id")
		}
		seen := make(map[uuid.UUID]struct{}, len(s.ServerIDs))
		for _, id := range s.ServerIDs {
			if id == uuid.Nil {
				return errors.New("servers target contains a nil id")
			}
			if _, dup := seen[id]; dup {
				return fmt.Errorf("servers target lists %s twice", id)
			}
			seen[id] = struct{}{}
		}
	default:
		return fmt.Errorf("unknown target type %q", s.Kind)
	}
	return nil
}

// Details carries the operation-specific configuration validated at job
// creation time.
type Details struct {
	BackupEnabled       bool      `json:"backup_enabled"`
	MinHealthyHosts     int       `json:"min_healthy_hosts"`
	MaxParallel         int       `json:"max_parallel"`
	VerifyAfterEach     bool      `json:"verify_after_each"`
	ContinueOnFailure   bool      `json:"continue_on_failure"`
	FirmwareSource      string    `json:"firmware_source,omitempty"`
	ComponentFilter     []string  `json:"component_filter,omitempty"`
	HypervisorProfileID uuid.UUID `json:"hypervisor_profile_id,omitempty"`
	CredentialReference string    `json:"credential_reference,omitempty"`
}

// Validate checks details against the requirements of the given job type.
func (d Details) Validate(jt JobType) error {
	if d.MinHealthyHosts < 0 {
		return errors.New("min_healthy_hosts must not be negative")
	}
	if d.MaxParallel < 0 {
		return errors.New("max_parallel must not be negative")
	}
	if jt == JobTypeRollingClusterUpdate || jt == JobTypeFirmwareThenHyp || jt == JobTypeHypervisorThenFW {
		if d.FirmwareSource == "" {
			return errors.New("firmware update requires firmware_source")
		}
	}
	if jt == JobTypeHypervisorUpgrade || jt == JobTypeFirmwareThenHyp || jt == JobTypeHypervisorThenFW {
		if d.HypervisorProfileID == uuid.Nil {
			return errors.New("hypervisor upgrade requires hypervisor_profile_id")
		}
	}
	return nil
}

// EffectiveMaxParallel applies the default parallelism bound.
func (d Details) EffectiveMaxParallel() int {
	if d.MaxParallel <= 0 {
		return 1
	}
	return d.MaxParallel
}

// StepStatus is the lifecycle state of a workflow execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// WindowStatus is the lifecycle state of a maintenance window.
type WindowStatus string

const (
	WindowPlanned   WindowStatus = "planned"
	WindowActive    WindowStatus = "active"
	WindowCompleted WindowStatus = "completed"
	WindowSkipped   WindowStatus = "skipped"
)

// Sentinel errors surfaced to API callers.
var (
	ErrTargetNotFound    = errors.New("target not found")
	ErrTerminalState     = errors.New("job already in a terminal state")
	ErrNoPendingJobs     = errors.New("no pending jobs")
	ErrJobNotFound       = errors.New("job not found")
	ErrWindowNotFound    = errors.New("maintenance window not found")
	ErrHostNotFound      = errors.New("host not found")
	ErrBlockedByCritical = errors.New("host has unresolved critical maintenance blockers")
)

// NotSafeError is returned when a target fails the minimum-healthy-hosts
// gate. It is retryable: cluster health may recover.
type NotSafeError struct {
	Target       string
	HealthyCount int
	TotalCount   int
	MinRequired  int
}

func (e *NotSafeError) Error() string {
	return fmt.Sprintf("target %s is not safe to proceed: %d of %d hosts healthy, %d required",
		e.Target, e.HealthyCount, e.TotalCount, e.MinRequired)
}

// ClusterConflictError reports a cluster-expansion conflict: an explicit
// server selection covers only part of a cluster. It never auto-resolves;
// the operator must acknowledge expansion to the full cluster.
type ClusterConflictError struct {
	ClusterName string
	Members     []uuid.UUID
	Selected    []uuid.UUID
}

func (e *ClusterConflictError) Error() string {
	return fmt.Sprintf("selection covers %d of %d hosts in cluster %q; acknowledge to expand to the full cluster",
		len(e.Selected), len(e.Members), e.ClusterName)
}

// PausedError signals a mid-rollout gating failure. The rollout stops
// without marking the job terminal so an operator can resume it once the
// condition clears.
type PausedError struct {
	Reason string
	Cause  error
}

func (e *PausedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rollout paused: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("rollout paused: %s", e.Reason)
}

func (e *PausedError) Unwrap() error { return e.Cause }

// Clock abstracts wall-clock access so scheduling logic stays testable.
type Clock func() time.Time

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCancelled, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseJobTypeAliases(t *testing.T) {
	jt, err := ParseJobType("firmware_only")
	require.NoError(t, err)
	assert.Equal(t, JobTypeRollingClusterUpdate, jt)

	jt, err = ParseJobType("HYPERVISOR_ONLY")
	require.NoError(t, err)
	assert.Equal(t, JobTypeHypervisorUpgrade, jt)

	_, err = ParseJobType("defrag")
	require.Error(t, err)
}

func TestCreateJobValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	ctx := context.Background()

	// Firmware updates need a firmware source.
	_, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
	})
	require.Error(t, err)

	// Unknown targets are blocking, no job row appears.
	_, err = e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("ghost"),
		Details: firmwareDetails(1, 1),
	})
	require.ErrorIs(t, err, ErrTargetNotFound)

	var count int64
	require.NoError(t, e.orm.Model(&jobModel{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreateJobRejectsPastSchedule(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	past := clock.Now().Add(-time.Hour)
	_, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType:    JobTypeRollingClusterUpdate,
		Target:     clusterTarget("prod-a"),
		Details:    firmwareDetails(1, 1),
		ScheduleAt: &past,
	})
	require.Error(t, err)
}

func TestCreateJobBlocksOnClusterConflict(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	hosts := seedClusterWithHosts(t, e, "prod-a", 4)

	_, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  TargetScope{Kind: TargetServers, ServerIDs: []uuid.UUID{hosts[0].ID, hosts[1].ID}},
		Details: firmwareDetails(1, 1),
	})

	var conflict *ClusterConflictError
	require.ErrorAs(t, err, &conflict)

	var count int64
	require.NoError(t, e.orm.Model(&jobModel{}).Count(&count).Error)
	assert.Zero(t, count, "conflicted jobs are never persisted")
}

func TestCompositeJobCreatesFirstPhaseChild(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)

	details := firmwareDetails(1, 1)
	details.HypervisorProfileID = uuid.New()

	parent, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType: JobTypeHypervisorThenFW,
		Target:  clusterTarget("prod-a"),
		Details: details,
	})
	require.NoError(t, err)

	children, err := e.ListJobs(context.Background(), JobFilter{Parent: &parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1, "only the first phase is materialized up front")

	child := children[0]
	assert.Equal(t, JobTypeHypervisorUpgrade, child.JobType)
	assert.Equal(t, 0, child.Phase)
	assert.Equal(t, parent.Target, child.Target)
	assert.Equal(t, StatusPending, child.Status)
}

func TestCancelJobIdempotentAndRecursive(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	ctx := context.Background()

	details := firmwareDetails(1, 1)
	details.HypervisorProfileID = uuid.New()

	parent, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeFirmwareThenHyp,
		Target:  clusterTarget("prod-a"),
		Details: details,
	})
	require.NoError(t, err)

	cancelled, err := e.CancelJob(ctx, parent.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	children, err := e.ListJobs(ctx, JobFilter{Parent: &parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, StatusCancelled, children[0].Status)

	// Cancelling again is a no-op, not an error.
	again, err := e.CancelJob(ctx, parent.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)
	ctx := context.Background()

	job, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: firmwareDetails(1, 1),
	})
	require.NoError(t, err)

	_, err = e.CancelJob(ctx, job.ID, "alice")
	require.NoError(t, err)

	_, err = e.finishJob(ctx, job.ID, StatusCompleted, "")
	require.ErrorIs(t, err, ErrTerminalState)

	_, err = e.ReportJobTerminal(ctx, job.ID, StatusFailed, "late report")
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestRetryJobCreatesFreshJob(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)
	ctx := context.Background()

	job, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: firmwareDetails(1, 1),
	})
	require.NoError(t, err)

	// Only failed jobs can be retried.
	_, err = e.RetryJob(ctx, job.ID, "alice")
	require.Error(t, err)

	claimed, err := e.ClaimNextJob(ctx, "exec-1")
	require.NoError(t, err)
	_, err = e.ReportJobTerminal(ctx, claimed.ID, StatusFailed, "flash error")
	require.NoError(t, err)

	retried, err := e.RetryJob(ctx, job.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, retried.ID, "retry never mutates the failed job")
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, job.Target, retried.Target)

	original, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, original.Status)
}

func TestAppendJobLogAfterTerminal(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)
	ctx := context.Background()

	job, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: firmwareDetails(1, 1),
	})
	require.NoError(t, err)

	_, err = e.CancelJob(ctx, job.ID, "alice")
	require.NoError(t, err)

	require.NoError(t, e.AppendJobLog(ctx, job.ID, "post-mortem note"))

	got, err := e.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Logs, "post-mortem note")
}

func TestStaleJobs(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)
	ctx := context.Background()

	_, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: firmwareDetails(1, 1),
	})
	require.NoError(t, err)

	future := clock.Now().Add(2 * time.Hour)
	_, err = e.CreateJob(ctx, CreateJobRequest{
		JobType:    JobTypeRollingClusterUpdate,
		Target:     clusterTarget("prod-a"),
		Details:    firmwareDetails(1, 1),
		ScheduleAt: &future,
	})
	require.NoError(t, err)

	stale, err := e.StaleJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "nothing is stale inside the threshold")

	clock.Advance(90 * time.Second)
	stale, err = e.StaleJobs(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1, "scheduled job is not yet claimable, so not stale")
	assert.Equal(t, "1m30s", stale[0].PendingFor)

	// Once claimed, a job can never be stale.
	_, err = e.ClaimNextJob(ctx, "exec-1")
	require.NoError(t, err)
	stale, err = e.StaleJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestStaleJobsLongRunningThreshold(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 1)
	ctx := context.Background()

	_, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeInventoryScan,
		Target:  clusterTarget("prod-a"),
	})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	stale, err := e.StaleJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale, "long-running types tolerate hours in queue")

	clock.Advance(4 * time.Hour)
	stale, err = e.StaleJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestFinalizeJobAggregation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	hosts := seedClusterWithHosts(t, e, "prod-a", 2)
	ctx := context.Background()

	details := firmwareDetails(0, 2)
	details.ContinueOnFailure = true

	job, err := e.CreateJob(ctx, CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: details,
	})
	require.NoError(t, err)
	claimed, err := e.ClaimNextJob(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	for _, h := range hosts {
		model := jobTaskModel{ID: uuid.New(), JobID: job.ID, HostID: h.ID, Status: string(StatusRunning)}
		require.NoError(t, e.orm.Create(&model).Error)
	}

	tasks, err := e.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	_, err = e.ReportTaskTerminal(ctx, job.ID, tasks[0].ID, StatusCompleted, "")
	require.NoError(t, err)

	// One task still running: finalize is a no-op.
	mid, err := e.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, mid.Status)

	_, err = e.ReportTaskTerminal(ctx, job.ID, tasks[1].ID, StatusFailed, "flash timeout")
	require.NoError(t, err)

	final, err := e.FinalizeJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status, "continue_on_failure completes with failures on record")
}

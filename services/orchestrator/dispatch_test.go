package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createPendingJob(t *testing.T, e *Engine, priority int) Job {
	t.Helper()
	job, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType:   JobTypeRollingClusterUpdate,
		Target:    clusterTarget("prod-a"),
		Details:   firmwareDetails(1, 1),
		Priority:  priority,
		CreatedBy: "alice",
	})
	require.NoError(t, err)
	return job
}

func TestClaimNextJobExactlyOnce(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)

	claimed, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	assert.Equal(t, "exec-1", claimed.ClaimedBy)
	require.NotNil(t, claimed.StartedAt)

	_, err = e.ClaimNextJob(context.Background(), "exec-2")
	require.ErrorIs(t, err, ErrNoPendingJobs)
}

func TestClaimNextJobPriorityThenAge(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)

	low := createPendingJob(t, e, 0)
	clock.Advance(time.Second)
	high := createPendingJob(t, e, 10)
	clock.Advance(time.Second)
	lowLater := createPendingJob(t, e, 0)

	first, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID, "highest priority wins")

	second, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID, "oldest of equal priority wins")

	third, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, lowLater.ID, third.ID)
}

func TestClaimNextJobRequiresExecutorID(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	_, err := e.ClaimNextJob(context.Background(), "")
	require.Error(t, err)
}

func TestClaimNextJobSkipsCompositeParents(t *testing.T) {
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

	claimed, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, JobTypeHypervisorUpgrade, claimed.JobType, "first phase child is claimed, not the parent")
	require.NotNil(t, claimed.ParentJobID)
	assert.Equal(t, parent.ID, *claimed.ParentJobID)

	// Claiming the phase child moves the composite parent to running.
	got, err := e.GetJob(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	_, err = e.ClaimNextJob(context.Background(), "exec-1")
	require.ErrorIs(t, err, ErrNoPendingJobs, "the parent itself never enters the queue")
}

func TestClaimNextJobHonorsScheduleAt(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)

	at := testEpoch.Add(time.Hour)
	job, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType:    JobTypeRollingClusterUpdate,
		Target:     clusterTarget("prod-a"),
		Details:    firmwareDetails(1, 1),
		ScheduleAt: &at,
	})
	require.NoError(t, err)

	_, err = e.ClaimNextJob(context.Background(), "exec-1")
	require.ErrorIs(t, err, ErrNoPendingJobs, "scheduled jobs are invisible before their time")

	clock.Advance(2 * time.Hour)
	claimed, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func seedTask(t *testing.T, e *Engine, jobID uuid.UUID, status Status, createdAt time.Time) uuid.UUID {
	t.Helper()
	model := jobTaskModel{
		ID:        uuid.New(),
		JobID:     jobID,
		HostID:    uuid.New(),
		Status:    string(status),
		CreatedAt: createdAt,
	}
	require.NoError(t, e.orm.Create(&model).Error)
	return model.ID
}

func TestClaimNextTaskDrainsInOrder(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)

	first := seedTask(t, e, job.ID, StatusPending, testEpoch)
	second := seedTask(t, e, job.ID, StatusPending, testEpoch.Add(time.Second))

	a, err := e.ClaimNextTask(context.Background(), job.ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, first, a.ID)
	assert.Equal(t, StatusRunning, a.Status)
	require.NotNil(t, a.StartedAt)

	b, err := e.ClaimNextTask(context.Background(), job.ID, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, second, b.ID)

	_, err = e.ClaimNextTask(context.Background(), job.ID, "exec-1")
	require.ErrorIs(t, err, ErrNoPendingJobs)
}

func TestReportProgressMonotonicAndCapped(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)
	taskID := seedTask(t, e, job.ID, StatusRunning, testEpoch)

	task, err := e.ReportProgress(context.Background(), job.ID, taskID, 40, "applying bundle")
	require.NoError(t, err)
	assert.Equal(t, 40, task.Progress)
	assert.Contains(t, task.Logs, "applying bundle")

	// Progress never regresses and never reaches 100 from a progress report.
	task, err = e.ReportProgress(context.Background(), job.ID, taskID, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 40, task.Progress)

	task, err = e.ReportProgress(context.Background(), job.ID, taskID, 250, "")
	require.NoError(t, err)
	assert.Equal(t, 99, task.Progress)
}

func TestReportProgressRejectsTerminalTask(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)
	taskID := seedTask(t, e, job.ID, StatusCompleted, testEpoch)

	_, err := e.ReportProgress(context.Background(), job.ID, taskID, 50, "")
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestReportProgressUnknownTask(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)

	_, err := e.ReportProgress(context.Background(), job.ID, uuid.New(), 50, "")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestReportTaskTerminal(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)
	taskID := seedTask(t, e, job.ID, StatusRunning, testEpoch)

	task, err := e.ReportTaskTerminal(context.Background(), job.ID, taskID, StatusCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, 100, task.Progress, "a completed task always reads 100")
	require.NotNil(t, task.CompletedAt)

	_, err = e.ReportTaskTerminal(context.Background(), job.ID, taskID, StatusFailed, "boom")
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestReportTaskTerminalRejectsIllegalTransitions(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	job := createPendingJob(t, e, 0)

	pending := seedTask(t, e, job.ID, StatusPending, testEpoch)
	_, err := e.ReportTaskTerminal(context.Background(), job.ID, pending, StatusCompleted, "")
	require.Error(t, err, "a task cannot complete without ever running")

	running := seedTask(t, e, job.ID, StatusRunning, testEpoch)
	_, err = e.ReportTaskTerminal(context.Background(), job.ID, running, StatusRunning, "")
	require.Error(t, err, "running is not a terminal status")
}

func TestHeartbeatUpsertAndLiveness(t *testing.T) {
	e, clock := newTestEngine(t, Options{})

	require.NoError(t, e.Heartbeat(context.Background(), "exec-1", 3, map[string]any{"firmware": true}))
	require.NoError(t, e.Heartbeat(context.Background(), "exec-1", 4, nil))

	clock.Advance(2 * HeartbeatInterval)
	require.NoError(t, e.Heartbeat(context.Background(), "exec-2", 0, nil))

	execs, err := e.ListExecutors(context.Background())
	require.NoError(t, err)
	require.Len(t, execs, 2, "repeat heartbeats update in place")

	assert.Equal(t, "exec-1", execs[0].ExecutorID)
	assert.EqualValues(t, 4, execs[0].JobsProcessed)
	assert.True(t, execs[0].Alive)
	assert.True(t, execs[1].Alive)

	// exec-1 goes silent past three intervals; exec-2 keeps reporting.
	clock.Advance(2 * HeartbeatInterval)
	require.NoError(t, e.Heartbeat(context.Background(), "exec-2", 1, nil))

	execs, err = e.ListExecutors(context.Background())
	require.NoError(t, err)
	assert.False(t, execs[0].Alive, "silent for more than three intervals")
	assert.True(t, execs[1].Alive)

	require.Error(t, e.Heartbeat(context.Background(), "", 0, nil))
}

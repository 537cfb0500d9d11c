package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func finishedPayload(t *testing.T, job Job) []byte {
	t.Helper()
	data, err := json.Marshal(jobEvent(job))
	require.NoError(t, err)
	return data
}

func createCompositeJob(t *testing.T, e *Engine) Job {
	t.Helper()
	details := firmwareDetails(1, 1)
	details.HypervisorProfileID = uuid.New()
	parent, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType: JobTypeHypervisorThenFW,
		Target:  clusterTarget("prod-a"),
		Details: details,
	})
	require.NoError(t, err)
	return parent
}

func TestCompositePhaseChainToCompletion(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	parent := createCompositeJob(t, e)

	// Phase 0: hypervisor upgrade.
	first, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, JobTypeHypervisorUpgrade, first.JobType)
	assert.Equal(t, 0, first.Phase)

	first, err = e.ReportJobTerminal(context.Background(), first.ID, StatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, first)))

	// Completion of phase 0 materializes phase 1: the firmware rollout.
	second, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, JobTypeRollingClusterUpdate, second.JobType)
	assert.Equal(t, 1, second.Phase)
	require.NotNil(t, second.ParentJobID)
	assert.Equal(t, parent.ID, *second.ParentJobID)

	second, err = e.ReportJobTerminal(context.Background(), second.ID, StatusCompleted, "")
	require.NoError(t, err)
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, second)))

	got, err := e.GetJob(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Contains(t, got.Logs, "all phases completed")
}

func TestCompositePhaseFailureFailsParent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	parent := createCompositeJob(t, e)

	child, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)

	child, err = e.ReportJobTerminal(context.Background(), child.ID, StatusFailed, "flash failed")
	require.NoError(t, err)
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, child)))

	got, err := e.GetJob(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.Logs, "phase 0 failed")

	// The second phase is never materialized.
	children, err := e.ListJobs(context.Background(), JobFilter{Parent: &parent.ID})
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestCompositePhaseCancellationCancelsParent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)
	parent := createCompositeJob(t, e)

	child, err := e.ClaimNextJob(context.Background(), "exec-1")
	require.NoError(t, err)

	child, err = e.CancelJob(context.Background(), child.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, child)))

	got, err := e.GetJob(context.Background(), parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestHandleJobFinishedIgnoresIrrelevantEvents(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 3)

	// Jobs without a parent have nothing to chain.
	job, err := e.CreateJob(context.Background(), CreateJobRequest{
		JobType: JobTypeRollingClusterUpdate,
		Target:  clusterTarget("prod-a"),
		Details: firmwareDetails(1, 1),
	})
	require.NoError(t, err)
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, job)))

	// A parent that no longer exists is not an error; the event is stale.
	ghost := uuid.New()
	stale := job
	stale.ParentJobID = &ghost
	stale.Status = StatusCompleted
	require.NoError(t, e.handleJobFinished(context.Background(), finishedPayload(t, stale)))

	require.Error(t, e.handleJobFinished(context.Background(), []byte("not json")))
}

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func windowRequest(start time.Time) CreateWindowRequest {
	return CreateWindowRequest{
		Title:           "monthly firmware",
		MaintenanceType: JobTypeRollingClusterUpdate,
		PlannedStart:    start,
		Target:          clusterTarget("prod-a"),
		Details:         firmwareDetails(1, 1),
		CreatedBy:       "alice",
	}
}

func TestCreateWindowValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	end := testEpoch.Add(-time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateWindowRequest)
	}{
		{"missing title", func(r *CreateWindowRequest) { r.Title = "" }},
		{"unknown job type", func(r *CreateWindowRequest) { r.MaintenanceType = "defrag" }},
		{"bad target", func(r *CreateWindowRequest) { r.Target = TargetScope{Kind: TargetCluster} }},
		{"bad details", func(r *CreateWindowRequest) { r.Details.FirmwareSource = "" }},
		{"zero planned start", func(r *CreateWindowRequest) { r.PlannedStart = time.Time{} }},
		{"end before start", func(r *CreateWindowRequest) { r.PlannedEnd = &end }},
		{"bad recurrence", func(r *CreateWindowRequest) {
			r.Recurrence = &RecurrenceSpec{Interval: 0, Unit: UnitDays}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := windowRequest(testEpoch.Add(time.Hour))
			tt.mutate(&req)
			_, err := e.CreateWindow(context.Background(), req)
			require.Error(t, err)
		})
	}

	window, err := e.CreateWindow(context.Background(), windowRequest(testEpoch.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, WindowPlanned, window.Status)
}

func TestSweepFiresAutoExecuteOneShot(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	req := windowRequest(testEpoch.Add(time.Hour))
	req.AutoExecute = true
	window, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	// Not due yet.
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	clock.Advance(2 * time.Hour)
	fired, err = e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowCompleted, got.Status, "a fired one-shot never fires again")
	require.NotNil(t, got.LastExecutedAt)

	jobs, err := e.WindowJobs(context.Background(), window.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusPending, jobs[0].Status)
	assert.Equal(t, "scheduler", jobs[0].CreatedBy)
	assert.Contains(t, jobs[0].Logs, "materialized from window")

	// A completed window is invisible to further sweeps.
	clock.Advance(time.Hour)
	fired, err = e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestSweepSurfacesManualWindowAsActive(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	window, err := e.CreateWindow(context.Background(), windowRequest(testEpoch.Add(time.Hour)))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired, "windows without auto_execute never fire on their own")

	got, err := e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowActive, got.Status)

	jobs, err := e.WindowJobs(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// The operator fires it explicitly.
	job, err := e.ExecuteWindow(context.Background(), window.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	got, err = e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowCompleted, got.Status)
}

func TestSweepRecurringFiresAndAdvancesCursor(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	req := windowRequest(testEpoch)
	req.AutoExecute = true
	req.Recurrence = &RecurrenceSpec{Interval: 1, Unit: UnitHours, Minute: 0}
	window, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	// Three occurrences (12:00, 13:00, 14:00) have come due, including the
	// missed ones.
	clock.Advance(2*time.Hour + time.Minute)
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, fired, "missed occurrences are caught up")

	got, err := e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowActive, got.Status)
	require.NotNil(t, got.LastExecutedAt)
	assert.Equal(t, testEpoch.Add(2*time.Hour), got.LastExecutedAt.UTC(), "cursor sits on the last fired occurrence")

	// Nothing new is due; the sweep is idempotent.
	fired, err = e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	clock.Advance(time.Hour)
	fired, err = e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	jobs, err := e.WindowJobs(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
}

func TestSweepRecurringCompletesPastPlannedEnd(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	end := testEpoch.Add(time.Hour)
	req := windowRequest(testEpoch)
	req.AutoExecute = true
	req.PlannedEnd = &end
	req.Recurrence = &RecurrenceSpec{Interval: 1, Unit: UnitHours, Minute: 0}
	window, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	clock.Advance(3 * time.Hour)
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	got, err := e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowCompleted, got.Status, "the recurrence series has ended")
}

func TestSweepSkipsWindowWhoseTargetVanished(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	req := windowRequest(testEpoch.Add(time.Minute))
	req.AutoExecute = true
	req.Target = clusterTarget("decommissioned")
	window, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	clock.Advance(time.Hour)
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	got, err := e.GetWindow(context.Background(), window.ID)
	require.NoError(t, err)
	assert.Equal(t, WindowSkipped, got.Status, "an unresolvable window is not retried forever")
}

func TestPreviewWindow(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	oneShot, err := e.CreateWindow(context.Background(), windowRequest(testEpoch.Add(time.Hour)))
	require.NoError(t, err)

	occs, err := e.PreviewWindow(context.Background(), oneShot.ID, 5)
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, testEpoch.Add(time.Hour), occs[0].UTC())

	end := testEpoch.Add(26 * time.Hour)
	req := windowRequest(testEpoch.Add(time.Hour))
	req.PlannedEnd = &end
	req.Recurrence = &RecurrenceSpec{Interval: 12, Unit: UnitHours, Minute: 0}
	recurring, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	occs, err = e.PreviewWindow(context.Background(), recurring.ID, 5)
	require.NoError(t, err)
	require.Len(t, occs, 2, "planned_end trims the series")
	for i := 1; i < len(occs); i++ {
		assert.True(t, occs[i].After(occs[i-1]))
	}

	_, err = e.PreviewWindow(context.Background(), oneShot.ID, 0)
	require.NoError(t, err)
}

func TestSkipWindow(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)

	req := windowRequest(testEpoch.Add(time.Hour))
	req.AutoExecute = true
	window, err := e.CreateWindow(context.Background(), req)
	require.NoError(t, err)

	skipped, err := e.SkipWindow(context.Background(), window.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, WindowSkipped, skipped.Status)

	// A skipped window never fires.
	clock.Advance(2 * time.Hour)
	fired, err := e.RunDueWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, fired)

	_, err = e.SkipWindow(context.Background(), window.ID, "alice")
	require.Error(t, err, "only planned or active windows can be skipped")

	_, err = e.ExecuteWindow(context.Background(), window.ID, "alice")
	require.Error(t, err, "a skipped window cannot be fired manually")
}

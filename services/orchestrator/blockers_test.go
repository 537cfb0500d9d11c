package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzeHostNoVMs(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)

	assert.True(t, analysis.CanEnterMaintenance)
	assert.Empty(t, analysis.Blockers)
}

func TestAnalyzeHostCriticalBlockerStopsMaintenance(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	seedVM(t, e, host.ID, "db-primary", "poweredOn", map[string]any{"local_storage": true})

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)

	assert.False(t, analysis.CanEnterMaintenance)
	require.Len(t, analysis.Blockers, 1)
	b := analysis.Blockers[0]
	assert.Equal(t, ReasonLocalStorage, b.Reason)
	assert.Equal(t, SeverityCritical, b.Severity)
	assert.True(t, b.PowerOffEligible)
	assert.False(t, b.Resolved)
}

func TestAnalyzeHostWarningsDoNotBlock(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	seedVM(t, e, host.ID, "build-agent", "poweredOn", map[string]any{
		"connected_media":         true,
		"drs_resource_constraint": true,
	})

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)

	assert.True(t, analysis.CanEnterMaintenance)
	assert.Len(t, analysis.Blockers, 2)
	for _, b := range analysis.Blockers {
		assert.Equal(t, SeverityWarning, b.Severity)
	}
}

func TestAnalyzeHostSkipsPoweredOffVMs(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	seedVM(t, e, host.ID, "retired", "poweredOff", map[string]any{"local_storage": true})

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)
	assert.True(t, analysis.CanEnterMaintenance)
	assert.Empty(t, analysis.Blockers)
}

func TestBlockerPolicyClassification(t *testing.T) {
	tests := []struct {
		reason   BlockerReason
		severity Severity
		powerOff bool
		autoFix  bool
	}{
		{ReasonLocalStorage, SeverityCritical, true, false},
		{ReasonPassthroughDevice, SeverityCritical, true, false},
		{ReasonAffinityRule, SeverityCritical, false, false},
		{ReasonConnectedMedia, SeverityWarning, false, true},
		{ReasonCriticalInfra, SeverityCritical, false, false},
		{ReasonDRSNoDestination, SeverityCritical, true, false},
		{ReasonDRSResourceLimit, SeverityWarning, true, false},
		{ReasonDRSAntiAffinity, SeverityWarning, true, false},
		{ReasonDRSEVCIncompatible, SeverityCritical, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			policy, ok := blockerPolicy[tt.reason]
			require.True(t, ok)
			assert.Equal(t, tt.severity, policy.severity)
			assert.Equal(t, tt.powerOff, policy.powerOffEligible)
			assert.Equal(t, tt.autoFix, policy.autoFixable)
			assert.NotEmpty(t, policy.remediation)
		})
	}
}

func TestRequestPowerOffResolvesEligibleBlocker(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	vmID := seedVM(t, e, host.ID, "db-primary", "poweredOn", map[string]any{"local_storage": true})

	var res BlockerResolution
	res, err := e.RequestPowerOff(context.Background(), host.ID, vmID, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, ResolutionPowerOff, res.ResolutionType)
	assert.Equal(t, "alice", res.ResolvedBy)

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)
	assert.True(t, analysis.CanEnterMaintenance, "resolved critical no longer blocks")
	require.Len(t, analysis.Blockers, 1)
	assert.True(t, analysis.Blockers[0].Resolved)
}

func TestRequestPowerOffAutoListPersistsAcrossRuns(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	vmID := seedVM(t, e, host.ID, "batch-worker", "poweredOn", map[string]any{"passthrough_device": true})

	res, err := e.RequestPowerOff(context.Background(), host.ID, vmID, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, ResolutionAutoPowerOff, res.ResolutionType)

	analysis, err := e.AnalyzeHost(context.Background(), host.ID)
	require.NoError(t, err)
	assert.True(t, analysis.CanEnterMaintenance)
}

func TestRequestPowerOffIneligibleBlocker(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "h1", "prod-a", "connected")
	vmID := seedVM(t, e, host.ID, "vcenter", "poweredOn", map[string]any{"critical_infrastructure": true})

	_, err := e.RequestPowerOff(context.Background(), host.ID, vmID, "alice", false)
	require.Error(t, err, "critical infrastructure VMs must not be powered off")
}

package orchestrator

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertClusterKeyedByName(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	id, err := e.UpsertCluster(context.Background(), UpsertClusterRequest{Name: "prod-a", EVCMode: "intel-broadwell"})
	require.NoError(t, err)

	again, err := e.UpsertCluster(context.Background(), UpsertClusterRequest{Name: "prod-a", EVCMode: "intel-skylake"})
	require.NoError(t, err)
	assert.Equal(t, id, again, "re-syncing a cluster updates in place")

	_, err = e.UpsertCluster(context.Background(), UpsertClusterRequest{Name: "  "})
	require.Error(t, err)

	clusters, err := e.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "intel-skylake", clusters[0].EVCMode)
}

func TestUpsertHostKeyedByHostname(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")

	host, err := e.UpsertHost(context.Background(), UpsertHostRequest{
		Hostname:    "esx-01",
		ClusterName: "prod-a",
		Model:       "PowerEdge R750",
	})
	require.NoError(t, err)
	assert.Equal(t, "unknown", host.ConnectionState, "connection state defaults when unreported")

	updated, err := e.UpsertHost(context.Background(), UpsertHostRequest{
		Hostname:        "esx-01",
		ClusterName:     "prod-a",
		ConnectionState: "connected",
	})
	require.NoError(t, err)
	assert.Equal(t, host.ID, updated.ID)
	assert.Equal(t, "connected", updated.ConnectionState)

	_, err = e.UpsertHost(context.Background(), UpsertHostRequest{Hostname: "esx-02", ClusterName: "ghost"})
	require.ErrorIs(t, err, ErrTargetNotFound, "clusters sync before their members")
}

func TestListHostsClusterFilter(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedClusterWithHosts(t, e, "prod-a", 2)
	seedClusterWithHosts(t, e, "prod-b", 3)
	seedHost(t, e, "standalone", "", "connected")

	all, err := e.ListHosts(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	bOnly, err := e.ListHosts(context.Background(), "prod-b")
	require.NoError(t, err)
	assert.Len(t, bOnly, 3)

	_, err = e.ListHosts(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrTargetNotFound)

	clusters, err := e.ListClusters(context.Background())
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, 2, clusters[0].HostCount)
	assert.Equal(t, 3, clusters[1].HostCount)
}

func TestSyncVMsReplacesInventory(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedCluster(t, e, "prod-a")
	host := seedHost(t, e, "esx-01", "prod-a", "connected")

	first := []VMSync{
		{ID: uuid.New(), Name: "web-01", Placement: map[string]any{"connected_media": true}},
		{ID: uuid.New(), Name: "web-02", PowerState: "poweredOff"},
	}
	require.NoError(t, e.SyncVMs(context.Background(), host.ID, first))

	var vms []vmModel
	require.NoError(t, e.orm.Where("host_id = ?", host.ID).Order("name").Find(&vms).Error)
	require.Len(t, vms, 2)
	assert.Equal(t, "poweredOn", vms[0].PowerState, "power state defaults to on")
	assert.Equal(t, "poweredOff", vms[1].PowerState)

	// The next sync replaces the set wholesale.
	second := []VMSync{{ID: uuid.New(), Name: "db-01"}}
	require.NoError(t, e.SyncVMs(context.Background(), host.ID, second))

	require.NoError(t, e.orm.Where("host_id = ?", host.ID).Find(&vms).Error)
	require.Len(t, vms, 1)
	assert.Equal(t, "db-01", vms[0].Name)

	// A malformed entry rolls the whole sync back.
	bad := []VMSync{{ID: uuid.Nil, Name: "nameless"}}
	require.Error(t, e.SyncVMs(context.Background(), host.ID, bad))
	require.NoError(t, e.orm.Where("host_id = ?", host.ID).Find(&vms).Error)
	assert.Len(t, vms, 1, "the previous inventory survives a failed sync")

	require.ErrorIs(t, e.SyncVMs(context.Background(), uuid.New(), nil), ErrHostNotFound)
}

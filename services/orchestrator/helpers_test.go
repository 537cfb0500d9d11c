package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testClock is a controllable clock shared by an engine under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	orm, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// One writer connection keeps the in-memory database alive and makes
	// concurrent workers serialize instead of hitting table locks.
	sqlDB, err := orm.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, orm.AutoMigrate(
		&clusterModel{}, &serverGroupModel{}, &hostModel{}, &vmModel{},
		&jobModel{}, &jobTaskModel{}, &workflowStepModel{},
		&windowModel{}, &windowJobModel{},
		&safetyCheckModel{}, &blockerResolutionModel{},
		&heartbeatModel{}, &auditModel{},
	))

	return orm
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *testClock) {
	t.Helper()

	clock := newTestClock(testEpoch)
	opts.Now = clock.Now
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}

	engine, err := NewEngine(newTestDB(t), opts)
	require.NoError(t, err)
	return engine, clock
}

func seedCluster(t *testing.T, e *Engine, name string) uuid.UUID {
	t.Helper()
	id, err := e.UpsertCluster(context.Background(), UpsertClusterRequest{Name: name})
	require.NoError(t, err)
	return id
}

func seedHost(t *testing.T, e *Engine, hostname, clusterName, state string) Host {
	t.Helper()
	host, err := e.UpsertHost(context.Background(), UpsertHostRequest{
		Hostname:        hostname,
		ClusterName:     clusterName,
		ConnectionState: state,
	})
	require.NoError(t, err)
	return host
}

func seedClusterWithHosts(t *testing.T, e *Engine, name string, count int) []Host {
	t.Helper()
	seedCluster(t, e, name)

	hosts := make([]Host, 0, count)
	for i := 0; i < count; i++ {
		hosts = append(hosts, seedHost(t, e, fmt.Sprintf("%s-host-%02d", name, i), name, "connected"))
	}
	return hosts
}

func seedVM(t *testing.T, e *Engine, hostID uuid.UUID, name, powerState string, placement map[string]any) uuid.UUID {
	t.Helper()
	model := vmModel{
		ID:         uuid.New(),
		HostID:     hostID,
		Name:       name,
		PowerState: powerState,
		Placement:  toJSONMap(placement),
	}
	require.NoError(t, e.orm.Create(&model).Error)
	return model.ID
}

// firmwareDetails returns valid details for a rolling firmware update.
func firmwareDetails(minHealthy, maxParallel int) Details {
	return Details{
		MinHealthyHosts: minHealthy,
		MaxParallel:     maxParallel,
		FirmwareSource:  "catalog://dell/r750/2025-05",
	}
}

func clusterTarget(name string) TargetScope {
	return TargetScope{Kind: TargetCluster, ClusterName: name}
}

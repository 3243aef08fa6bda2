package dao

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"nic-router/internal/config"
	"nic-router/internal/database"
	"nic-router/internal/logging"
	"nic-router/internal/report"
)

// newTestDAOManager 打开临时数据库，返回的函数关闭数据库
// 调用方在 goleak.VerifyNone 之后 defer 它，使连接相关的 goroutine 先退出
func newTestDAOManager(t *testing.T) (DAOManager, func()) {
	t.Helper()
	dbm := database.NewManager(database.FromRouterConfig(config.DatabaseConfig{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "router.db"),
	}))
	require.NoError(t, dbm.Initialize(context.Background(), Models()...))
	mgr := NewDAOManager(dbm.GetDatabase())
	return mgr, func() { assert.NoError(t, mgr.Close()) }
}

func quietLogger() *logging.Logger {
	return logging.NewWriterLogger(logging.LogLevelDebug, io.Discard)
}

func TestRecorderWritesLeasesAndSnapshots(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, closeDB := newTestDAOManager(t)
	defer closeDB()
	rec := NewRecorder(mgr, WithRecorderLogger(quietLogger()))
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec.RecordLease(report.LeaseEvent{Kind: report.LeaseOffered, Domain: "lan", Interface: "lan0", MAC: "02:00:00:00:00:01", IP: "10.0.1.100", At: at})
	rec.RecordLease(report.LeaseEvent{Kind: report.LeaseBound, Domain: "lan", Interface: "lan0", MAC: "02:00:00:00:00:01", IP: "10.0.1.100", At: at.Add(time.Second)})
	rec.RecordSnapshots([]report.LinkSnapshot{
		{Interface: "lan0", Domain: "lan", Protocol: "tcp", Counters: map[string]uint64{"open": 2, "destroyed": 5}, At: at},
		{Interface: "lan0", Domain: "lan", Protocol: "udp", Counters: map[string]uint64{"open": 1}, At: at},
	})
	rec.RecordSnapshots(nil)
	require.NoError(t, rec.Close())

	assert.Equal(t, uint64(0), rec.Dropped())
	assert.Equal(t, uint64(3), rec.Written())

	ctx := context.Background()
	leases, err := mgr.Leases().FindRecent(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, leases, 2)
	assert.Equal(t, string(report.LeaseBound), leases[0].Kind)
	assert.Equal(t, "10.0.1.100", leases[0].IP)

	n, err := mgr.Leases().Count(ctx, &LeaseRecord{Kind: string(report.LeaseOffered)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	snaps, err := mgr.Snapshots().FindRecent(ctx, &StatsSnapshot{Protocol: "tcp"}, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, map[string]uint64{"open": 2, "destroyed": 5}, snaps[0].Counters)
}

func TestRecorderRetention(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, closeDB := newTestDAOManager(t)
	defer closeDB()
	rec := NewRecorder(mgr, WithRecorderLogger(quietLogger()), WithRetention(time.Hour))
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rec.RecordLease(report.LeaseEvent{Kind: report.LeaseBound, MAC: "a", At: at})
	rec.RecordLease(report.LeaseEvent{Kind: report.LeaseExpired, MAC: "a", At: at.Add(2 * time.Hour)})
	require.NoError(t, rec.Close())

	leases, err := mgr.Leases().FindRecent(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, string(report.LeaseExpired), leases[0].Kind)
}

func TestRecorderDropsAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	mgr, closeDB := newTestDAOManager(t)
	defer closeDB()
	rec := NewRecorder(mgr, WithRecorderLogger(quietLogger()), WithQueueSize(1))
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())

	rec.RecordLease(report.LeaseEvent{Kind: report.LeaseBound, At: time.Now()})
	assert.Equal(t, uint64(1), rec.Dropped())

	n, err := mgr.Leases().Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

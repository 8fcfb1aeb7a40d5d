package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/common/coordination"
	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

func newTestRPCServer(t *testing.T) *RPCServer {
	reg := coordination.NewFakeRegistry()
	coord := coordination.NewFake(reg)
	m, _ := newTestMaster(t, coord)
	m.Nodes.Register(context.Background(), "ts-1", "sess-1")
	return NewRPCServer(m)
}

func TestRPCCreateTableSeedsAndLoadsInitialTablet(t *testing.T) {
	s := newTestRPCServer(t)

	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	tm, tablets, err := s.ShowTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TableEnable, tm.Status)
	require.Len(t, tablets, 1)

	// Load drives the tablet to Ready asynchronously.
	waitUntil(t, time.Second, func() bool {
		_, ts, err := s.ShowTable("orders")
		return err == nil && len(ts) == 1 && ts[0].Status == meta.TabletReady
	})
	_, tablets, err = s.ShowTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TabletReady, tablets[0].Status)
	assert.Equal(t, "ts-1", tablets[0].ServerAddr)
}

func TestRPCCreateTableRejectsDuplicate(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	err := s.CreateTable(context.Background(), "orders", meta.Schema{}, nil)
	assert.ErrorIs(t, err, terrors.ErrTableExist)
}

func TestRPCDisableThenEnableRoundTrips(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	require.NoError(t, s.DisableTable(context.Background(), "orders"))
	tm, _, err := s.ShowTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TableDisable, tm.Status)

	require.NoError(t, s.EnableTable(context.Background(), "orders"))
	tm, _, err = s.ShowTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TableEnable, tm.Status)
}

func TestRPCDropTableMarksDeleting(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	require.NoError(t, s.DropTable(context.Background(), "orders"))
	tm, _, err := s.ShowTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TableDeleting, tm.Status)
}

func TestRPCSnapshotAndDeleteSnapshot(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	id, err := s.Snapshot(context.Background(), "orders")
	require.NoError(t, err)

	tm, _, err := s.ShowTable("orders")
	require.NoError(t, err)
	assert.Contains(t, tm.Snapshots, id)

	require.NoError(t, s.DeleteSnapshot(context.Background(), "orders", id))
	tm, _, err = s.ShowTable("orders")
	require.NoError(t, err)
	assert.NotContains(t, tm.Snapshots, id)
}

func TestRPCRollbackRejectsUnknownSnapshot(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	err := s.Rollback(context.Background(), "orders", 999)
	assert.ErrorIs(t, err, terrors.ErrSnapshotNotExist)
}

func TestRPCRenameTableMovesTabletRows(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	require.NoError(t, s.RenameTable(context.Background(), "orders", "purchases"))

	_, _, err := s.ShowTable("orders")
	assert.Error(t, err)

	tm, tablets, err := s.ShowTable("purchases")
	require.NoError(t, err)
	assert.Equal(t, "purchases", tm.Name)
	require.Len(t, tablets, 1)
	assert.Equal(t, "purchases", tablets[0].TableName)
}

func TestRPCUserLifecycle(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateUser(context.Background(), "alice", "pw1"))

	u, err := s.ShowUser("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)

	require.NoError(t, s.AddToGroup(context.Background(), "alice", "admins"))
	u, err = s.ShowUser("alice")
	require.NoError(t, err)
	assert.Contains(t, u.Groups, "admins")

	require.NoError(t, s.DeleteUser(context.Background(), "alice"))
	_, err = s.ShowUser("alice")
	assert.Error(t, err)
}

func TestRPCSafeModeEnterLeave(t *testing.T) {
	s := newTestRPCServer(t)

	require.NoError(t, s.SafeModeEnter(context.Background()))
	assert.True(t, s.master.InSafeMode())

	require.NoError(t, s.SafeModeLeave(context.Background()))
	assert.False(t, s.master.InSafeMode())
}

func TestRPCCompactDispatchesToServingNode(t *testing.T) {
	s := newTestRPCServer(t)
	require.NoError(t, s.CreateTable(context.Background(), "orders", meta.Schema{}, nil))

	require.NoError(t, s.Compact(context.Background(), "orders", 0))
}

func TestRPCHeartbeatUpdatesNodeStats(t *testing.T) {
	s := newTestRPCServer(t)

	s.Heartbeat(context.Background(), "ts-1", "sess-1", 1024, 3, meta.Counters{ReadQPS: 5})

	nodes := s.ShowTabletServers()
	require.Len(t, nodes, 1)
	assert.Equal(t, int64(1024), nodes[0].DataSize)
	assert.Equal(t, 3, nodes[0].TabletCount)
}

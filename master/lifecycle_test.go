package master

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/meta"
)

type controllableTSClient struct {
	loadErr    error
	unloadErr  error
	splitKey   []byte
	splitOK    bool
	splitErr   error
	compactErr error
}

func (c *controllableTSClient) LoadTablet(ctx context.Context, req LoadTabletRequest) error {
	return c.loadErr
}
func (c *controllableTSClient) UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error {
	return c.unloadErr
}
func (c *controllableTSClient) ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) ([]byte, bool, error) {
	return c.splitKey, c.splitOK, c.splitErr
}
func (c *controllableTSClient) Compact(ctx context.Context, table string, tabletNumber uint64) error {
	return c.compactErr
}

type controllableDialer struct {
	client *controllableTSClient
	dialErr error
}

func (d *controllableDialer) Dial(addr string) (TabletServerClient, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	return d.client, nil
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func newTestLifecycle() (*TabletLifecycle, *TabletManager, *TabletNodeManager, *controllableDialer) {
	catalog := NewTabletManager()
	nodes := NewTabletNodeManager()
	pipeline, _ := newTestPipeline()
	dialer := &controllableDialer{client: &controllableTSClient{}}
	return NewTabletLifecycle(catalog, nodes, pipeline, dialer), catalog, nodes, dialer
}

func TestLifecycleLoadDrivesTabletToReady(t *testing.T) {
	l, catalog, nodes, _ := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletWaitLoad},
	})
	nodes.Register(context.Background(), "ts-1", "sess-1")

	l.Load(context.Background(), "orders", 1, "ts-1")

	waitUntil(t, time.Second, func() bool {
		tm, err := catalog.FindTabletByNumber("orders", 1)
		return err == nil && tm.Status == meta.TabletReady
	})

	tm, err := catalog.FindTabletByNumber("orders", 1)
	require.NoError(t, err)
	assert.Equal(t, "ts-1", tm.ServerAddr)
	assert.False(t, tm.ReadyTime.IsZero())
}

func TestLifecycleLoadGivesUpWithNoCandidateServer(t *testing.T) {
	l, catalog, nodes, dialer := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletWaitLoad},
	})
	// only one candidate server, and it always refuses the load, so
	// pickAnotherServer can never find a different target to fail over to.
	nodes.Register(context.Background(), "ts-1", "sess-1")
	dialer.client.loadErr = errors.New("load refused")

	l.Load(context.Background(), "orders", 1, "ts-1")

	waitUntil(t, 3*time.Second, func() bool {
		tm, err := catalog.FindTabletByNumber("orders", 1)
		return err == nil && tm.Status == meta.TabletPending
	})
}

func TestLifecycleUnloadTransitionsToUnloaded(t *testing.T) {
	l, catalog, nodes, _ := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady, ServerAddr: "ts-1"},
	})
	nodes.Register(context.Background(), "ts-1", "sess-1")

	done := make(chan error, 1)
	l.Unload(context.Background(), "orders", 1, func(err error) { done <- err })
	require.NoError(t, <-done)

	tm, err := catalog.FindTabletByNumber("orders", 1)
	require.NoError(t, err)
	assert.Equal(t, meta.TabletUnloaded, tm.Status)
}

func TestLifecycleSplitProducesTwoAdjacentChildren(t *testing.T) {
	l, catalog, nodes, dialer := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady, ServerAddr: "ts-1", StartKey: []byte(""), EndKey: []byte("")},
	})
	nodes.Register(context.Background(), "ts-1", "sess-1")
	dialer.client.splitKey = []byte("m")
	dialer.client.splitOK = true

	require.NoError(t, l.Split(context.Background(), "orders", 1))

	tablets, err := catalog.ListTablets("orders")
	require.NoError(t, err)
	require.Len(t, tablets, 2)
	assert.Equal(t, []byte("m"), tablets[0].EndKey)
	assert.Equal(t, []byte("m"), tablets[1].StartKey)
	require.NoError(t, catalog.CheckCoverage("orders"))
}

func TestLifecycleMergeCombinesAdjacentTablets(t *testing.T) {
	l, catalog, nodes, _ := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady, ServerAddr: "ts-1", StartKey: []byte(""), EndKey: []byte("m")},
		{TableName: "orders", TabletNumber: 2, Status: meta.TabletReady, ServerAddr: "ts-1", StartKey: []byte("m"), EndKey: []byte("")},
	})
	nodes.Register(context.Background(), "ts-1", "sess-1")

	require.NoError(t, l.Merge(context.Background(), "orders", 1, 2))

	tablets, err := catalog.ListTablets("orders")
	require.NoError(t, err)
	require.Len(t, tablets, 1)
	assert.Empty(t, tablets[0].StartKey)
	assert.Empty(t, tablets[0].EndKey)
}

func TestLifecycleMergeRejectsNonAdjacentTablets(t *testing.T) {
	l, catalog, nodes, _ := newTestLifecycle()
	catalog.LoadTable(meta.TableMeta{Name: "orders"}, []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady, ServerAddr: "ts-1", StartKey: []byte(""), EndKey: []byte("m")},
		{TableName: "orders", TabletNumber: 2, Status: meta.TabletReady, ServerAddr: "ts-1", StartKey: []byte("n"), EndKey: []byte("")},
	})
	nodes.Register(context.Background(), "ts-1", "sess-1")

	err := l.Merge(context.Background(), "orders", 1, 2)
	assert.Error(t, err)
}


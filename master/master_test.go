package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/common/coordination"
	"github.com/tera-db/tera/meta"
)

type fakeTSClient struct{}

func (fakeTSClient) LoadTablet(ctx context.Context, req LoadTabletRequest) error { return nil }
func (fakeTSClient) UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error {
	return nil
}
func (fakeTSClient) ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) ([]byte, bool, error) {
	return nil, false, nil
}
func (fakeTSClient) Compact(ctx context.Context, table string, tabletNumber uint64) error { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(addr string) (TabletServerClient, error) { return fakeTSClient{}, nil }

type fakeNotifier struct{}

func (fakeNotifier) NotifySchemaUpdate(ctx context.Context, server, table string, tabletNumber uint64, schema meta.Schema) error {
	return nil
}

type noopLister struct{}

func (noopLister) ListTabletDirectories(ctx context.Context, table string) ([]uint64, error) {
	return nil, nil
}
func (noopLister) ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) {
	return nil, nil
}
func (noopLister) DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error {
	return nil
}
func (noopLister) PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error {
	return nil
}

type noopQuerier struct{}

func (noopQuerier) QueryInheritedFiles(ctx context.Context, nodes []NodeInfo) (InheritanceReport, error) {
	return InheritanceReport{}, nil
}

func newTestMaster(t *testing.T, coord coordination.Adapter) (*Master, *memMetaTabletClient) {
	client := newMemMetaTabletClient()
	locator := &staticLocator{client: client}

	m := NewMaster(
		Config{ClusterName: "test", ListenAddr: "127.0.0.1:1"},
		coord,
		locator,
		fakeDialer{},
		fakeNotifier{},
		noopLister{},
		noopQuerier{},
	)
	return m, client
}

func TestMasterCampaignAcquiresLockWhenFree(t *testing.T) {
	reg := coordination.NewFakeRegistry()
	coord := coordination.NewFake(reg)
	m, _ := newTestMaster(t, coord)

	require.NoError(t, m.campaign(context.Background()))
}

func TestMasterLoadFromMetaSeedsCatalogAndUsers(t *testing.T) {
	reg := coordination.NewFakeRegistry()
	coord := coordination.NewFake(reg)
	m, client := newTestMaster(t, coord)

	tm := meta.TableMeta{Name: "orders", Status: meta.TableEnable}
	data, err := meta.EncodeTableMeta(&tm)
	require.NoError(t, err)
	client.rows[string(meta.EncodeTableKey("orders"))] = data

	tablet := meta.TabletMeta{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady}
	tdata, err := meta.EncodeTabletMeta(&tablet)
	require.NoError(t, err)
	client.rows[string(meta.EncodeTabletKey("orders", tablet.StartKey))] = tdata

	u := meta.User{Name: "alice"}
	udata, err := meta.EncodeUser(&u)
	require.NoError(t, err)
	client.rows[string(meta.EncodeUserKey("alice"))] = udata

	require.NoError(t, m.loadFromMeta(context.Background()))

	got, err := m.Catalog.GetTable("orders")
	require.NoError(t, err)
	assert.Equal(t, meta.TableEnable, got.Status)

	_, err = m.Users.ShowUser("alice")
	assert.NoError(t, err)
}

func TestMasterKickNodeReassignsHostedTablets(t *testing.T) {
	reg := coordination.NewFakeRegistry()
	coord := coordination.NewFake(reg)
	m, _ := newTestMaster(t, coord)

	tm := meta.TableMeta{Name: "orders", Status: meta.TableEnable}
	tablet := meta.TabletMeta{
		TableName: "orders", TabletNumber: 1, Status: meta.TabletReady, ServerAddr: "ts-1",
	}
	m.Catalog.LoadTable(tm, []meta.TabletMeta{tablet})

	m.Nodes.Register(context.Background(), "ts-1", "sess-1")
	m.Nodes.Register(context.Background(), "ts-2", "sess-2")

	m.KickNode(context.Background(), "ts-1")

	// give the async lifecycle goroutines a moment to settle on the
	// synchronous in-memory fakes above.
	time.Sleep(20 * time.Millisecond)

	got, err := m.Catalog.FindTabletByNumber("orders", 1)
	require.NoError(t, err)
	assert.NotEqual(t, "ts-1", got.ServerAddr)

	_, ok := m.Nodes.Get("ts-1")
	assert.False(t, ok)
}

func TestMasterSafeModeRoundTrip(t *testing.T) {
	reg := coordination.NewFakeRegistry()
	coord := coordination.NewFake(reg)
	m, _ := newTestMaster(t, coord)

	assert.False(t, m.InSafeMode())
	require.NoError(t, m.EnterSafeMode(context.Background()))
	assert.True(t, m.InSafeMode())
	require.NoError(t, m.ExitSafeMode(context.Background()))
	assert.False(t, m.InSafeMode())
}

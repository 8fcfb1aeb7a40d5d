package rpcutil

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/client"
	"github.com/tera-db/tera/common/coordination"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/tabletserver"
)

type fakeMaster struct{}

func (fakeMaster) Heartbeat(ctx context.Context, addr string, stats master.NodeInfo) error { return nil }

func newBoundTabletServer(t *testing.T) *tabletserver.Server {
	dir, err := os.MkdirTemp("", "tera-rpcutil-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	reg := tabletserver.NewTabletRegistry(dir)
	coord := coordination.NewFake(coordination.NewFakeRegistry())
	return tabletserver.NewServer("ts-1", reg, coord, fakeMaster{})
}

func TestTabletServerBindingWriteAndReadRowsRoundTrip(t *testing.T) {
	srv := newBoundTabletServer(t)
	ctx := context.Background()
	require.NoError(t, srv.LoadTablet(ctx, master.LoadTabletRequest{Table: "orders", TabletNumber: 1}))

	registry := NewRegistry()
	BindTabletServer(registry, srv)
	c := startTestServer(t, registry)

	data := NewTabletDataProxy(c)
	statuses, err := data.WriteBatch(ctx, []client.RowMutation{
		{Table: "orders", RowKey: []byte("row1"), Column: "cf", Qualifier: []byte("q"), Value: []byte("v1")},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.NoError(t, statuses[0])

	results, err := data.ReadRows(ctx, "orders", []client.RowLookup{{RowKey: []byte("row1"), Column: "cf", Qualifier: []byte("q")}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Found)
	assert.Equal(t, []byte("v1"), results[0].Value)
}

func TestTabletServerBindingLoadAndComputeSplitKeyRoundTrip(t *testing.T) {
	srv := newBoundTabletServer(t)
	ctx := context.Background()

	registry := NewRegistry()
	BindTabletServer(registry, srv)
	c := startTestServer(t, registry)
	proxy := NewTabletServerProxy(c)

	require.NoError(t, proxy.LoadTablet(ctx, master.LoadTabletRequest{Table: "orders", TabletNumber: 2}))

	key, ok, err := proxy.ComputeSplitKey(ctx, "orders", []byte("00000000000"), []byte("00000000100"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, key)

	require.NoError(t, proxy.Compact(ctx, "orders", 2))

	nums, err := proxy.ListTabletDirectories(ctx, "orders")
	require.NoError(t, err)
	assert.Contains(t, nums, uint64(2))
}

func TestTabletServerBindingMetaWriteAndScanRoundTrip(t *testing.T) {
	srv := newBoundTabletServer(t)
	ctx := context.Background()
	require.NoError(t, srv.LoadTablet(ctx, master.LoadTabletRequest{Table: "@meta", TabletNumber: 0}))

	registry := NewRegistry()
	BindTabletServer(registry, srv)
	c := startTestServer(t, registry)
	proxy := NewTabletServerProxy(c)

	require.NoError(t, proxy.WriteBatch(ctx, []master.MetaRecord{{Key: []byte("@orders"), Value: []byte("v")}}))

	records, err := proxy.Scan(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte("@orders"), records[0].Key)
}

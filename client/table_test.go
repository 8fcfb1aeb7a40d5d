package client

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRoot struct {
	addr string
}

func (f *fakeRoot) RootTabletAddr(ctx context.Context) (string, error) {
	return f.addr, nil
}

type tableTestClient struct {
	store map[string]RowResult // rowKey -> cell
}

func (c *tableTestClient) WriteBatch(ctx context.Context, muts []RowMutation) ([]error, error) {
	statuses := make([]error, len(muts))
	for _, m := range muts {
		if m.Delete {
			delete(c.store, string(m.RowKey))
			continue
		}
		c.store[string(m.RowKey)] = RowResult{RowKey: m.RowKey, Column: m.Column, Qualifier: m.Qualifier, Timestamp: m.Timestamp, Value: m.Value, Found: true}
	}
	return statuses, nil
}

func (c *tableTestClient) ReadRows(ctx context.Context, table string, lookups []RowLookup) ([]RowResult, error) {
	out := make([]RowResult, len(lookups))
	for i, l := range lookups {
		if r, ok := c.store[string(l.RowKey)]; ok {
			out[i] = r
		}
	}
	return out, nil
}

func (c *tableTestClient) ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]RowResult, error) {
	var out []RowResult
	for k, r := range c.store {
		if k < string(startKey) {
			continue
		}
		if len(endKey) > 0 && k >= string(endKey) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

type tableTestDialer struct {
	client *tableTestClient
}

func (d *tableTestDialer) Dial(addr string) (TabletDataClient, error) {
	return d.client, nil
}

func newTestTable(t *testing.T) *Table {
	client := &tableTestClient{store: map[string]RowResult{}}
	dialer := &tableTestDialer{client: client}
	cfg := DefaultConfig()
	cfg.CommitDelay = 5 * time.Millisecond
	return OpenTable("orders", &fakeRoot{addr: "ts-1"}, dialer, cfg)
}

func TestTablePutThenGetRoundTrips(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Put(ctx, []byte("row1"), "cf", []byte("q"), []byte("v1")))
	require.NoError(t, tbl.Flush(ctx, []byte("row1")))

	result, err := tbl.Get(ctx, []byte("row1"), "cf", []byte("q"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), result.Value)
}

func TestTableDeleteRemovesCell(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.Put(ctx, []byte("row1"), "cf", []byte("q"), []byte("v1")))
	require.NoError(t, tbl.Flush(ctx, []byte("row1")))
	require.NoError(t, tbl.Delete(ctx, []byte("row1"), "cf", []byte("q")))
	require.NoError(t, tbl.Flush(ctx, []byte("row1")))

	result, err := tbl.Get(ctx, []byte("row1"), "cf", []byte("q"))
	require.NoError(t, err)
	assert.False(t, result.Found)
}

func TestTableScanReturnsAllMatchingRows(t *testing.T) {
	tbl := newTestTable(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, tbl.Put(ctx, []byte(k), "cf", []byte("q"), []byte(k)))
	}
	require.NoError(t, tbl.Flush(ctx, []byte("c")))

	rows, err := tbl.Scan(ctx, []byte("a"), []byte("c"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestCookieSaveAndLoadRoundTrips(t *testing.T) {
	dir, err := os.MkdirTemp("", "tera-cookie-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	created := time.Unix(1700000000, 0)
	cache := NewClientMetaCache(&fakeResolver{}, 4)
	cache.mergeLocked("orders", TabletLocation{Table: "orders", StartKey: []byte("a"), EndKey: []byte("m"), ServerAddr: "ts-1"})

	require.NoError(t, cache.SaveCookie(dir, "orders", created, "cluster-1"))

	loaded := NewClientMetaCache(&fakeResolver{}, 4)
	require.NoError(t, loaded.LoadCookie(dir, "orders", created, "cluster-1"))

	n := loaded.findLocked("orders", []byte("b"))
	require.NotNil(t, n)
	assert.Equal(t, "ts-1", n.loc.ServerAddr)
	assert.Equal(t, NodeDelayUpdate, n.status)
}

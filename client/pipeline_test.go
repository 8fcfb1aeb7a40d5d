package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedBatch struct {
	addr string
	muts []RowMutation
}

type fakeDataClient struct {
	addr    string
	mu      *sync.Mutex
	batches *[]recordedBatch
	rowErr  map[string]error
}

func (f *fakeDataClient) WriteBatch(ctx context.Context, muts []RowMutation) ([]error, error) {
	f.mu.Lock()
	*f.batches = append(*f.batches, recordedBatch{addr: f.addr, muts: muts})
	f.mu.Unlock()

	statuses := make([]error, len(muts))
	for i, m := range muts {
		statuses[i] = f.rowErr[string(m.RowKey)]
	}
	return statuses, nil
}

func (f *fakeDataClient) ReadRows(ctx context.Context, table string, lookups []RowLookup) ([]RowResult, error) {
	return nil, nil
}

func (f *fakeDataClient) ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]RowResult, error) {
	return nil, nil
}

type fakeDialer struct {
	mu      sync.Mutex
	batches []recordedBatch
	rowErr  map[string]error
}

func (d *fakeDialer) Dial(addr string) (TabletDataClient, error) {
	return &fakeDataClient{addr: addr, mu: &d.mu, batches: &d.batches, rowErr: d.rowErr}, nil
}

func newTestPipeline(t *testing.T, maxRows int, delay time.Duration) (*ClientRequestPipeline, *fakeDialer) {
	resolver := &fakeResolver{results: map[string]TabletLocation{
		"a": {Table: "orders", StartKey: []byte("a"), EndKey: []byte("m"), ServerAddr: "ts-1"},
		"m": {Table: "orders", StartKey: []byte("m"), EndKey: nil, ServerAddr: "ts-2"},
	}}
	cache := NewClientMetaCache(resolver, 4)
	dialer := &fakeDialer{rowErr: map[string]error{}}
	p := NewClientRequestPipeline(cache, dialer, 1<<20, maxRows, delay, 1<<30)
	return p, dialer
}

func TestPipelineCommitsOnRowCountThreshold(t *testing.T) {
	p, dialer := newTestPipeline(t, 2, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, k := range [][]byte{[]byte("b"), []byte("c")} {
		wg.Add(1)
		go func(k []byte) {
			defer wg.Done()
			assert.NoError(t, p.Submit(ctx, RowMutation{Table: "orders", RowKey: k, Value: []byte("v")}))
		}(k)
	}
	wg.Wait()

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.batches, 1)
	assert.Equal(t, "ts-1", dialer.batches[0].addr)
	assert.Len(t, dialer.batches[0].muts, 2)
}

func TestPipelineGroupsByResolvedServerAddress(t *testing.T) {
	p, dialer := newTestPipeline(t, 10, 5*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, p.Submit(ctx, RowMutation{Table: "orders", RowKey: []byte("b"), Value: []byte("v")}))
	require.NoError(t, p.Submit(ctx, RowMutation{Table: "orders", RowKey: []byte("z"), Value: []byte("v")}))

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	addrs := map[string]bool{}
	for _, b := range dialer.batches {
		addrs[b.addr] = true
	}
	assert.True(t, addrs["ts-1"])
	assert.True(t, addrs["ts-2"])
}

func TestPipelineSyncMutationFlushesImmediately(t *testing.T) {
	p, dialer := newTestPipeline(t, 1000, time.Hour)
	ctx := context.Background()

	err := p.Submit(ctx, RowMutation{Table: "orders", RowKey: []byte("b"), Value: []byte("v"), Sync: true})
	require.NoError(t, err)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	require.Len(t, dialer.batches, 1)
}

func TestPipelineRowErrorInvalidatesOnlyThatRoute(t *testing.T) {
	p, dialer := newTestPipeline(t, 1, time.Hour)
	ctx := context.Background()
	dialer.rowErr["b"] = assert.AnError

	err := p.Submit(ctx, RowMutation{Table: "orders", RowKey: []byte("b"), Value: []byte("v")})
	assert.Error(t, err)

	n := p.cache.findLocked("orders", []byte("b"))
	require.NotNil(t, n)
	assert.Equal(t, NodeWaitUpdate, n.status)
}

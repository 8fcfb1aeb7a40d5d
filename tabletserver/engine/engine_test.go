package engine

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, start, end []byte) Engine {
	dir, err := os.MkdirTemp("", "tera-engine-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	e := NewPebbleEngine(dir, start, end)
	require.NoError(t, e.Load(context.Background()))
	t.Cleanup(func() { e.Unload(context.Background()) })
	return e
}

func TestEngineWriteAndRead(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v1")},
	}))

	cell, ok, err := e.Read(ctx, []byte("row"), "cf", []byte("q"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), cell.Value)
}

func TestEngineDeleteThenWriteSurvives(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Delete: true},
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 2, Value: []byte("v2")},
	}))

	cells, err := e.LowLevelScan(ctx, []byte("row"), []byte("row\x00"))
	require.NoError(t, err)
	require.Len(t, cells, 1)
	assert.Equal(t, []byte("v2"), cells[0].Value)
}

func TestEngineWriteThenDeleteMasksIt(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v1")},
	}))
	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 2, Delete: true},
	}))

	cells, err := e.LowLevelScan(ctx, []byte("row"), []byte("row\x00"))
	require.NoError(t, err)
	assert.Len(t, cells, 0)
}

func TestEngineWriteOutsideRangeRejected(t *testing.T) {
	e := newTestEngine(t, []byte("b"), []byte("d"))
	ctx := context.Background()

	err := e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("a"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v")},
	})
	assert.Error(t, err)
}

func TestEngineCompactSubrangeDropsOutOfRangeKeys(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	var muts []Mutation
	for i := 0; i < 100; i++ {
		row := []byte{byte('0' + i/10), byte('0' + i%10)}
		muts = append(muts, Mutation{RowKey: row, Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v")})
	}
	require.NoError(t, e.WriteBatch(ctx, muts))

	require.NoError(t, e.Compact(ctx, []byte("05"), []byte("50")))

	cells, err := e.LowLevelScan(ctx, nil, nil)
	require.NoError(t, err)
	for _, c := range cells {
		assert.True(t, string(c.RowKey) >= "05" && string(c.RowKey) < "50")
	}
}

func TestEngineSplitProducesTwoRangedViews(t *testing.T) {
	e := newTestEngine(t, []byte("a"), []byte("z"))
	ctx := context.Background()

	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("b"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v")},
		{RowKey: []byte("y"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v")},
	}))

	left, right, err := e.Split(ctx, []byte("m"))
	require.NoError(t, err)

	leftCells, err := left.LowLevelScan(ctx, nil, nil)
	require.NoError(t, err)
	rightCells, err := right.LowLevelScan(ctx, nil, nil)
	require.NoError(t, err)

	assert.Len(t, leftCells, 1)
	assert.Equal(t, []byte("b"), leftCells[0].RowKey)
	assert.Len(t, rightCells, 1)
	assert.Equal(t, []byte("y"), rightCells[0].RowKey)
}

func TestEngineGetDataSize(t *testing.T) {
	e := newTestEngine(t, nil, nil)
	ctx := context.Background()

	require.NoError(t, e.WriteBatch(ctx, []Mutation{
		{RowKey: []byte("row"), Column: "cf", Qualifier: []byte("q"), Timestamp: 1, Value: []byte("v")},
	}))

	size, err := e.GetDataSize(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(0))
}

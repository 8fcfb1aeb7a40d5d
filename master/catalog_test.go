package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

func TestCreateTableSeedsSingleSpanningTablet(t *testing.T) {
	m := NewTabletManager()
	require.NoError(t, m.CreateTable(context.Background(), meta.TableMeta{Name: "orders"}))

	tablets, err := m.ListTablets("orders")
	require.NoError(t, err)
	require.Len(t, tablets, 1)
	assert.Empty(t, tablets[0].StartKey)
	assert.Empty(t, tablets[0].EndKey)
	assert.Equal(t, meta.TabletNotInit, tablets[0].Status)

	tm, err := m.GetTable("orders")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tm.NextTabletNumber)
}

func TestCreateTableRejectsDuplicate(t *testing.T) {
	m := NewTabletManager()
	require.NoError(t, m.CreateTable(context.Background(), meta.TableMeta{Name: "orders"}))
	err := m.CreateTable(context.Background(), meta.TableMeta{Name: "orders"})
	assert.ErrorIs(t, err, terrors.ErrTableExist)
}

func TestRemoveTableRequiresAllTabletsDeleted(t *testing.T) {
	m := NewTabletManager()
	require.NoError(t, m.CreateTable(context.Background(), meta.TableMeta{Name: "orders"}))
	require.NoError(t, m.DropTable(context.Background(), "orders"))

	err := m.RemoveTable("orders")
	assert.Error(t, err)

	tablets, _ := m.ListTablets("orders")
	_, err = m.MutateTablet("orders", tablets[0].TabletNumber, func(tm *meta.TabletMeta) error {
		tm.Status = meta.TabletDeleted
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, m.RemoveTable("orders"))
}

func TestFindTabletBinarySearch(t *testing.T) {
	m := NewTabletManager()
	tm := meta.TableMeta{Name: "orders"}
	tablets := []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, StartKey: []byte(""), EndKey: []byte("m")},
		{TableName: "orders", TabletNumber: 2, StartKey: []byte("m"), EndKey: []byte("")},
	}
	m.LoadTable(tm, tablets)

	got, err := m.FindTablet("orders", []byte("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.TabletNumber)

	got, err = m.FindTablet("orders", []byte("z"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.TabletNumber)
}

func TestFindTabletReturnsNotFoundBeyondCoverage(t *testing.T) {
	m := NewTabletManager()
	tm := meta.TableMeta{Name: "orders"}
	tablets := []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, StartKey: []byte("a"), EndKey: []byte("m")},
	}
	m.LoadTable(tm, tablets)

	_, err := m.FindTablet("orders", []byte("z"))
	assert.Error(t, err)
}

func TestAllocateTabletNumberIsMonotonicAndUnique(t *testing.T) {
	m := NewTabletManager()
	require.NoError(t, m.CreateTable(context.Background(), meta.TableMeta{Name: "orders"}))

	first, err := m.AllocateTabletNumber("orders")
	require.NoError(t, err)
	second, err := m.AllocateTabletNumber("orders")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestReplaceTabletsSwapsAtomically(t *testing.T) {
	m := NewTabletManager()
	tm := meta.TableMeta{Name: "orders"}
	parent := meta.TabletMeta{TableName: "orders", TabletNumber: 1, StartKey: []byte(""), EndKey: []byte("")}
	m.LoadTable(tm, []meta.TabletMeta{parent})

	childA := meta.TabletMeta{TableName: "orders", TabletNumber: 2, StartKey: []byte(""), EndKey: []byte("m")}
	childB := meta.TabletMeta{TableName: "orders", TabletNumber: 3, StartKey: []byte("m"), EndKey: []byte("")}
	require.NoError(t, m.ReplaceTablets("orders", []uint64{1}, []meta.TabletMeta{childA, childB}))

	tablets, err := m.ListTablets("orders")
	require.NoError(t, err)
	require.Len(t, tablets, 2)
	require.NoError(t, m.CheckCoverage("orders"))
}

func TestCheckCoverageDetectsGap(t *testing.T) {
	m := NewTabletManager()
	tm := meta.TableMeta{Name: "orders", Status: meta.TableEnable}
	tablets := []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, StartKey: []byte(""), EndKey: []byte("m")},
		{TableName: "orders", TabletNumber: 2, StartKey: []byte("n"), EndKey: []byte("")},
	}
	m.LoadTable(tm, tablets)
	assert.Error(t, m.CheckCoverage("orders"))
}

func TestLiveTabletNumbersExcludesDeleted(t *testing.T) {
	m := NewTabletManager()
	tm := meta.TableMeta{Name: "orders"}
	tablets := []meta.TabletMeta{
		{TableName: "orders", TabletNumber: 1, Status: meta.TabletReady},
		{TableName: "orders", TabletNumber: 2, Status: meta.TabletDeleted},
	}
	m.LoadTable(tm, tablets)

	live := m.LiveTabletNumbers("orders")
	assert.True(t, live[1])
	assert.False(t, live[2])
}

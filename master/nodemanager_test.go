package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/meta"
)

func TestTabletNodeManagerRegisterAndGet(t *testing.T) {
	m := NewTabletNodeManager()
	m.Register(context.Background(), "ts-1", "sess-1")

	n, ok := m.Get("ts-1")
	require.True(t, ok)
	assert.Equal(t, NodeOnline, n.Status)
	assert.Equal(t, "sess-1", n.SessionID)
}

func TestTabletNodeManagerRegisterRefreshesExisting(t *testing.T) {
	m := NewTabletNodeManager()
	m.Register(context.Background(), "ts-1", "sess-1")
	m.Register(context.Background(), "ts-1", "sess-2")

	n, ok := m.Get("ts-1")
	require.True(t, ok)
	assert.Equal(t, "sess-2", n.SessionID)
}

func TestTabletNodeManagerUnregisterRemoves(t *testing.T) {
	m := NewTabletNodeManager()
	m.Register(context.Background(), "ts-1", "sess-1")
	m.Unregister("ts-1")

	_, ok := m.Get("ts-1")
	assert.False(t, ok)
}

func TestTabletNodeManagerListOnlineExcludesWaitKick(t *testing.T) {
	m := NewTabletNodeManager()
	m.Register(context.Background(), "ts-1", "sess-1")
	m.Register(context.Background(), "ts-2", "sess-2")
	m.MarkWaitKick("ts-1")

	online := m.ListOnline()
	require.Len(t, online, 1)
	assert.Equal(t, "ts-2", online[0].Addr)

	all := m.List()
	assert.Len(t, all, 2)
}

func TestTabletNodeManagerUpdateStats(t *testing.T) {
	m := NewTabletNodeManager()
	m.Register(context.Background(), "ts-1", "sess-1")
	m.UpdateStats("ts-1", 1024, 7, meta.Counters{})

	n, ok := m.Get("ts-1")
	require.True(t, ok)
	assert.EqualValues(t, 1024, n.DataSize)
	assert.Equal(t, 7, n.TabletCount)
}

func TestTabletNodeManagerUpdateStatsIgnoresUnknownAddr(t *testing.T) {
	m := NewTabletNodeManager()
	m.UpdateStats("ghost", 1, 1, meta.Counters{})
	_, ok := m.Get("ghost")
	assert.False(t, ok)
}

package rpcutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
)

type recordingMaster struct {
	addr        string
	sessionID   string
	dataSize    int64
	tabletCount int
	counters    meta.Counters
}

func (m *recordingMaster) Heartbeat(ctx context.Context, addr, sessionID string, dataSize int64, tabletCount int, counters meta.Counters) {
	m.addr = addr
	m.sessionID = sessionID
	m.dataSize = dataSize
	m.tabletCount = tabletCount
	m.counters = counters
}

func TestMasterBindingHeartbeatDeliversStats(t *testing.T) {
	impl := &recordingMaster{}
	registry := NewRegistry()
	BindMaster(registry, impl)
	c := startTestServer(t, registry)

	proxy := NewMasterProxy(c)
	err := proxy.Heartbeat(context.Background(), "ts-1:9090", master.NodeInfo{
		SessionID:   "sess-1",
		DataSize:    4096,
		TabletCount: 3,
		Counters:    meta.Counters{ReadQPS: 10},
	})
	require.NoError(t, err)

	assert.Equal(t, "ts-1:9090", impl.addr)
	assert.Equal(t, "sess-1", impl.sessionID)
	assert.Equal(t, int64(4096), impl.dataSize)
	assert.Equal(t, 3, impl.tabletCount)
	assert.Equal(t, float64(10), impl.counters.ReadQPS)
}

package rpcutil

import (
	"context"

	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
)

// MasterImpl is the subset of master.RPCServer's exported surface a
// tablet server's outbound MasterClient.Heartbeat call dials.
type MasterImpl interface {
	Heartbeat(ctx context.Context, addr, sessionID string, dataSize int64, tabletCount int, counters meta.Counters)
}

type heartbeatArg struct {
	Addr        string
	SessionID   string
	DataSize    int64
	TabletCount int
	Counters    meta.Counters
}

// BindMaster registers the master's inbound Heartbeat handler.
func BindMaster(registry *Registry, impl MasterImpl) {
	registry.Register("Master.Heartbeat", func(ctx context.Context, req []byte) ([]byte, error) {
		var a heartbeatArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		impl.Heartbeat(ctx, a.Addr, a.SessionID, a.DataSize, a.TabletCount, a.Counters)
		return nil, nil
	})
}

// MasterProxy is the tablet server's client-side stub implementing
// tabletserver.MasterClient.
type MasterProxy struct {
	client *Client
}

func NewMasterProxy(c *Client) *MasterProxy {
	return &MasterProxy{client: c}
}

// Heartbeat satisfies tabletserver.MasterClient.
func (p *MasterProxy) Heartbeat(ctx context.Context, addr string, stats master.NodeInfo) error {
	return p.client.Call(ctx, "Master.Heartbeat", heartbeatArg{
		Addr: addr, SessionID: stats.SessionID, DataSize: stats.DataSize,
		TabletCount: stats.TabletCount, Counters: stats.Counters,
	}, nil)
}

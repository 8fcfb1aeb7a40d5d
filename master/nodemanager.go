package master

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/tera-db/tera/meta"
)

// NodeStatus is a tablet server's liveness as observed by the master.
type NodeStatus uint8

const (
	NodeOnline NodeStatus = iota
	NodeOffline
	NodeWaitKick
)

// NodeInfo is a snapshot of a registered tablet server.
type NodeInfo struct {
	Addr         string
	SessionID    string
	Status       NodeStatus
	DataSize     int64
	TabletCount  int
	Counters     meta.Counters
	LastHeartbeat time.Time
}

type tsNode struct {
	mu   sync.RWMutex
	info NodeInfo
}

// TabletNodeManager is the live server registry the master consults to
// place, move, and health-check tablets (spec.md §4: "TabletNodeManager —
// Live server registry, load and QPS stats").
type TabletNodeManager struct {
	nodes sync.Map // addr string -> *tsNode
}

func NewTabletNodeManager() *TabletNodeManager {
	return &TabletNodeManager{}
}

// Register adds or refreshes a tablet server learned from a coordination
// event on /ts/<session#seq> (spec.md §4.1).
func (m *TabletNodeManager) Register(ctx context.Context, addr, sessionID string) {
	span := trace.SpanFromContextSafe(ctx)
	value, loaded := m.nodes.LoadOrStore(addr, &tsNode{info: NodeInfo{
		Addr:          addr,
		SessionID:     sessionID,
		Status:        NodeOnline,
		LastHeartbeat: time.Now(),
	}})
	if loaded {
		n := value.(*tsNode)
		n.mu.Lock()
		n.info.SessionID = sessionID
		n.info.Status = NodeOnline
		n.info.LastHeartbeat = time.Now()
		n.mu.Unlock()
	}
	span.Infof("tablet server[%s] registered, session[%s]", addr, sessionID)
}

// Unregister drops a server whose ephemeral node disappeared (session
// loss, graceful shutdown, or kick).
func (m *TabletNodeManager) Unregister(addr string) {
	m.nodes.Delete(addr)
}

// Get returns the current snapshot for addr.
func (m *TabletNodeManager) Get(addr string) (NodeInfo, bool) {
	value, ok := m.nodes.Load(addr)
	if !ok {
		return NodeInfo{}, false
	}
	n := value.(*tsNode)
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info, true
}

// List returns every registered server, online or not.
func (m *TabletNodeManager) List() []NodeInfo {
	var res []NodeInfo
	m.nodes.Range(func(_, value interface{}) bool {
		n := value.(*tsNode)
		n.mu.RLock()
		res = append(res, n.info)
		n.mu.RUnlock()
		return true
	})
	return res
}

// ListOnline returns only servers currently believed reachable, the
// candidate pool LoadBalancer and TabletLifecycle place new tablets on.
func (m *TabletNodeManager) ListOnline() []NodeInfo {
	var res []NodeInfo
	m.nodes.Range(func(_, value interface{}) bool {
		n := value.(*tsNode)
		n.mu.RLock()
		if n.info.Status == NodeOnline {
			res = append(res, n.info)
		}
		n.mu.RUnlock()
		return true
	})
	return res
}

// UpdateStats folds a heartbeat's reported load into the node's snapshot.
func (m *TabletNodeManager) UpdateStats(addr string, dataSize int64, tabletCount int, counters meta.Counters) {
	value, ok := m.nodes.Load(addr)
	if !ok {
		return
	}
	n := value.(*tsNode)
	n.mu.Lock()
	n.info.DataSize = dataSize
	n.info.TabletCount = tabletCount
	n.info.Counters = counters
	n.info.LastHeartbeat = time.Now()
	n.mu.Unlock()
}

// MarkWaitKick flags a server as scheduled for eviction; TabletLifecycle
// stops assigning new tablets to it, but existing Ready tablets are left
// alone until the kick path actually fires.
func (m *TabletNodeManager) MarkWaitKick(addr string) {
	value, ok := m.nodes.Load(addr)
	if !ok {
		return
	}
	n := value.(*tsNode)
	n.mu.Lock()
	n.info.Status = NodeWaitKick
	n.mu.Unlock()
}

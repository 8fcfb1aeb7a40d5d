package master

import (
	"context"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/tera-db/tera/meta"
)

// Scheduler picks which tablet to move off an overloaded node and which
// node should receive it (spec.md §4.4). Two built-ins are provided:
// size-based (balances total data size) and load-based (balances QPS).
type Scheduler interface {
	NeedMove(node NodeInfo, tablets []meta.TabletMeta) bool
	PickMoveOut(node NodeInfo, tablets []meta.TabletMeta, candidates []NodeInfo) (meta.TabletMeta, bool)
	PickMoveIn(tablet meta.TabletMeta, nodes []NodeInfo) (NodeInfo, bool)
}

// SizeBasedScheduler balances total on-disk data size across nodes.
type SizeBasedScheduler struct {
	ImbalanceThreshold float64 // e.g. 1.2: a move triggers when the node's DataSize is over 1.2x the mean DataSize of its own eligible tablets
}

func (s SizeBasedScheduler) NeedMove(node NodeInfo, tablets []meta.TabletMeta) bool {
	if len(tablets) == 0 {
		return false
	}
	avg := averageLoad(tablets, func(t meta.TabletMeta) float64 { return float64(t.DataSize) })
	return float64(node.DataSize) > avg*s.ImbalanceThreshold
}

func (s SizeBasedScheduler) PickMoveOut(node NodeInfo, tablets []meta.TabletMeta, candidates []NodeInfo) (meta.TabletMeta, bool) {
	return largest(tablets, func(t meta.TabletMeta) float64 { return float64(t.DataSize) })
}

func (s SizeBasedScheduler) PickMoveIn(tablet meta.TabletMeta, nodes []NodeInfo) (NodeInfo, bool) {
	return lightestNode(nodes, func(n NodeInfo) float64 { return float64(n.DataSize) })
}

// LoadBasedScheduler balances aggregate QPS (read+write+scan) across nodes.
type LoadBasedScheduler struct {
	ImbalanceThreshold float64
}

func (s LoadBasedScheduler) NeedMove(node NodeInfo, tablets []meta.TabletMeta) bool {
	if len(tablets) == 0 {
		return false
	}
	avg := averageLoad(tablets, tabletQPS)
	return totalQPS(node.Counters) > avg*s.ImbalanceThreshold
}

func (s LoadBasedScheduler) PickMoveOut(node NodeInfo, tablets []meta.TabletMeta, candidates []NodeInfo) (meta.TabletMeta, bool) {
	return largest(tablets, tabletQPS)
}

func (s LoadBasedScheduler) PickMoveIn(tablet meta.TabletMeta, nodes []NodeInfo) (NodeInfo, bool) {
	return lightestNode(nodes, func(n NodeInfo) float64 { return totalQPS(n.Counters) })
}

func tabletQPS(t meta.TabletMeta) float64 {
	return t.Counters.ReadQPS + t.Counters.WriteQPS + t.Counters.ScanQPS
}

func totalQPS(c meta.Counters) float64 {
	return c.ReadQPS + c.WriteQPS + c.ScanQPS
}

func averageLoad(tablets []meta.TabletMeta, metric func(meta.TabletMeta) float64) float64 {
	var sum float64
	for _, t := range tablets {
		sum += metric(t)
	}
	return sum / float64(len(tablets))
}

func largest(tablets []meta.TabletMeta, metric func(meta.TabletMeta) float64) (meta.TabletMeta, bool) {
	if len(tablets) == 0 {
		return meta.TabletMeta{}, false
	}
	best := tablets[0]
	for _, t := range tablets[1:] {
		if metric(t) > metric(best) {
			best = t
		}
	}
	return best, true
}

func lightestNode(nodes []NodeInfo, metric func(NodeInfo) float64) (NodeInfo, bool) {
	if len(nodes) == 0 {
		return NodeInfo{}, false
	}
	sorted := make([]NodeInfo, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return metric(sorted[i]) < metric(sorted[j]) })
	return sorted[0], true
}

// LoadBalancer runs periodic placement rounds, moving tablets off
// overloaded nodes per the configured Scheduler (spec.md §4.4). Moves per
// round and rounds per tick are both capped to keep disruption bounded;
// tablets not in Ready status, or moved within MoveCooldown, are excluded.
type LoadBalancer struct {
	catalog   *TabletManager
	nodes     *TabletNodeManager
	lifecycle *TabletLifecycle
	scheduler Scheduler

	MaxMovesPerRound int
	MaxRoundsPerTick int
	MoveCooldown     time.Duration
}

func NewLoadBalancer(catalog *TabletManager, nodes *TabletNodeManager, lifecycle *TabletLifecycle, scheduler Scheduler) *LoadBalancer {
	return &LoadBalancer{
		catalog:          catalog,
		nodes:            nodes,
		lifecycle:        lifecycle,
		scheduler:        scheduler,
		MaxMovesPerRound: 4,
		MaxRoundsPerTick: 1,
		MoveCooldown:     5 * time.Minute,
	}
}

// Tick runs up to MaxRoundsPerTick placement rounds.
func (b *LoadBalancer) Tick(ctx context.Context, tables []string) {
	for round := 0; round < b.MaxRoundsPerTick; round++ {
		moved := b.round(ctx, tables)
		if moved == 0 {
			return
		}
	}
}

func (b *LoadBalancer) round(ctx context.Context, tables []string) int {
	span := trace.SpanFromContextSafe(ctx)
	nodes := b.nodes.ListOnline()
	moves := 0

	for _, table := range tables {
		tablets, err := b.catalog.ListTablets(table)
		if err != nil {
			continue
		}
		byServer := eligibleByServer(tablets, b.MoveCooldown)

		for _, node := range nodes {
			owned := byServer[node.Addr]
			if !b.scheduler.NeedMove(node, owned) {
				continue
			}
			victim, ok := b.scheduler.PickMoveOut(node, owned, nodes)
			if !ok {
				continue
			}
			target, ok := b.scheduler.PickMoveIn(victim, nodes)
			if !ok || target.Addr == node.Addr {
				continue
			}
			span.Infof("load balance: moving %s/%d from %s to %s", table, victim.TabletNumber, node.Addr, target.Addr)
			if err := b.lifecycle.Move(ctx, table, victim.TabletNumber, target.Addr); err != nil {
				span.Warnf("load balance move failed: %s", err)
				continue
			}
			moves++
			if moves >= b.MaxMovesPerRound {
				return moves
			}
		}
	}
	return moves
}

func eligibleByServer(tablets []meta.TabletMeta, cooldown time.Duration) map[string][]meta.TabletMeta {
	out := make(map[string][]meta.TabletMeta)
	now := time.Now()
	for _, t := range tablets {
		if t.Status != meta.TabletReady {
			continue
		}
		if !t.LastMoveTime.IsZero() && now.Sub(t.LastMoveTime) < cooldown {
			continue
		}
		out[t.ServerAddr] = append(out[t.ServerAddr], t)
	}
	return out
}

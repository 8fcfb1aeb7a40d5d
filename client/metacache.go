// Package client implements the row-key routing and batching layer an
// application links against to talk to a cluster: resolving which
// tablet server serves a given row, and folding many small mutations
// into per-server batches before dispatch.
package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tera-db/tera/util/limiter"
)

// NodeStatus tracks the freshness of a cached tablet location.
type NodeStatus uint8

const (
	// NodeNormal entries serve lookups directly.
	NodeNormal NodeStatus = iota
	// NodeWaitUpdate entries were invalidated by a routing fault and
	// must be refreshed before they serve another lookup.
	NodeWaitUpdate
	// NodeUpdating entries have a refresh scan in flight.
	NodeUpdating
	// NodeDelayUpdate entries were loaded from a cookie file and may be
	// stale; they serve lookups like NodeNormal entries until a routing
	// fault invalidates them.
	NodeDelayUpdate
)

// TabletLocation is the resolved mapping from a key range to the
// tablet server currently serving it.
type TabletLocation struct {
	Table      string
	StartKey   []byte
	EndKey     []byte
	ServerAddr string
}

// contains reports whether key falls within [StartKey, EndKey), treating
// an empty EndKey as +infinity.
func (l TabletLocation) contains(key []byte) bool {
	if string(key) < string(l.StartKey) {
		return false
	}
	if len(l.EndKey) > 0 && string(key) >= string(l.EndKey) {
		return false
	}
	return true
}

func rangesOverlap(a, b TabletLocation) bool {
	if len(b.EndKey) > 0 && string(a.StartKey) >= string(b.EndKey) {
		return false
	}
	if len(a.EndKey) > 0 && string(b.StartKey) >= string(a.EndKey) {
		return false
	}
	return true
}

type metaNode struct {
	loc        TabletLocation
	status     NodeStatus
	updateTime time.Time
}

// MetaResolver performs the three-level root -> meta -> user tablet
// lookup a cache miss falls back to. The root and meta tables are
// themselves ordinary tables served through the same tabletserver.Server
// meta-tablet path (metaTableName), so a single implementation of this
// interface chains all three levels; it is kept as an interface here so
// tests substitute a fake without dialing real tablet servers.
type MetaResolver interface {
	ResolveTablet(ctx context.Context, table string, key []byte) (TabletLocation, error)
}

// ClientMetaCache is the per-process cache of row-key -> tablet-server
// routing. It maintains, per table, an ordered list of TabletMetaNode
// entries keyed by range start, looked up by upper_bound(row)-1, and
// coalesces concurrent cache-miss refreshes for the same key so that a
// burst of requests against a freshly split range triggers one scan, not
// one per caller.
type ClientMetaCache struct {
	resolver MetaResolver
	scanCap  limiter.CountLimit

	mu      sync.Mutex
	nodes   map[string][]*metaNode         // table -> sorted by StartKey
	pending map[string][]chan locateResult // "table\x00key" -> waiters on an in-flight scan
}

type locateResult struct {
	loc TabletLocation
	err error
}

// NewClientMetaCache builds a cache that resolves misses through
// resolver, allowing at most maxConcurrentScans refresh scans in flight
// at once (spec.md's meta_updating_count_ < max_concurrency guard).
func NewClientMetaCache(resolver MetaResolver, maxConcurrentScans int) *ClientMetaCache {
	return &ClientMetaCache{
		resolver: resolver,
		scanCap:  limiter.NewCountLimit(maxConcurrentScans),
		nodes:    make(map[string][]*metaNode),
		pending:  make(map[string][]chan locateResult),
	}
}

// Locate resolves the tablet server currently serving key in table,
// using the cached entry when it is fresh or joining (and, if none is
// in flight, triggering) a coalesced refresh scan otherwise.
func (c *ClientMetaCache) Locate(ctx context.Context, table string, key []byte) (TabletLocation, error) {
	c.mu.Lock()
	if n := c.findLocked(table, key); n != nil && (n.status == NodeNormal || n.status == NodeDelayUpdate) {
		loc := n.loc
		c.mu.Unlock()
		return loc, nil
	}
	c.mu.Unlock()

	return c.refresh(ctx, table, key)
}

// Invalidate marks the cache entry covering key as stale, so the next
// Locate call forces a fresh scan instead of reusing a mapping a
// routing fault (KeyNotInRange, tablet not serving) has just proven
// wrong.
func (c *ClientMetaCache) Invalidate(table string, key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := c.findLocked(table, key); n != nil {
		n.status = NodeWaitUpdate
	}
}

func (c *ClientMetaCache) findLocked(table string, key []byte) *metaNode {
	list := c.nodes[table]
	idx := sort.Search(len(list), func(i int) bool {
		return string(list[i].loc.StartKey) > string(key)
	}) - 1
	if idx < 0 {
		return nil
	}
	n := list[idx]
	if !n.loc.contains(key) {
		return nil
	}
	return n
}

func (c *ClientMetaCache) refresh(ctx context.Context, table string, key []byte) (TabletLocation, error) {
	pendingKey := table + "\x00" + string(key)

	c.mu.Lock()
	waiters, inFlight := c.pending[pendingKey]
	ch := make(chan locateResult, 1)
	c.pending[pendingKey] = append(waiters, ch)
	c.mu.Unlock()

	if !inFlight {
		if err := c.scanCap.Acquire(); err != nil {
			c.mu.Lock()
			delete(c.pending, pendingKey)
			c.mu.Unlock()
			return TabletLocation{}, err
		}
		go c.scan(context.Background(), table, key, pendingKey)
	}

	select {
	case out := <-ch:
		return out.loc, out.err
	case <-ctx.Done():
		return TabletLocation{}, ctx.Err()
	}
}

func (c *ClientMetaCache) scan(ctx context.Context, table string, key []byte, pendingKey string) {
	defer c.scanCap.Release()

	loc, err := c.resolver.ResolveTablet(ctx, table, key)

	c.mu.Lock()
	if err == nil {
		c.mergeLocked(table, loc)
	}
	waiters := c.pending[pendingKey]
	delete(c.pending, pendingKey)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- locateResult{loc: loc, err: err}
	}
}

// mergeLocked installs loc as the fresh truth for its range. Any existing
// node it overlaps is resolved by the 4-case rule: a node wholly inside
// loc is erased, a node wholly containing loc is split into the two
// remainder pieces flanking loc, and a node overlapping only one edge of
// loc is shrunk to the portion outside loc — never discarded wholesale
// when only part of its range is superseded. The table's node list is
// kept sorted by StartKey for findLocked's binary search.
func (c *ClientMetaCache) mergeLocked(table string, loc TabletLocation) {
	list := c.nodes[table]
	kept := make([]*metaNode, 0, len(list)+1)
	for _, n := range list {
		if !rangesOverlap(n.loc, loc) {
			kept = append(kept, n)
			continue
		}
		kept = append(kept, overlapRemainder(n, loc)...)
	}
	kept = append(kept, &metaNode{loc: loc, status: NodeNormal, updateTime: time.Now()})
	sort.Slice(kept, func(i, j int) bool {
		return string(kept[i].loc.StartKey) < string(kept[j].loc.StartKey)
	})
	c.nodes[table] = kept
}

// overlapRemainder returns the portion(s) of n's range left over once
// loc's range is carved out of it: none if loc covers n entirely (erase),
// one shrunk node if loc trims only one edge, or two if loc sits wholly
// inside n's range (split). Status and updateTime carry over unchanged
// since the surviving portion's data is exactly as fresh as it was.
func overlapRemainder(n *metaNode, loc TabletLocation) []*metaNode {
	var out []*metaNode
	if len(loc.StartKey) > 0 && string(n.loc.StartKey) < string(loc.StartKey) {
		left := *n
		left.loc.EndKey = loc.StartKey
		out = append(out, &left)
	}
	if len(loc.EndKey) > 0 && (len(n.loc.EndKey) == 0 || string(loc.EndKey) < string(n.loc.EndKey)) {
		right := *n
		right.loc.StartKey = loc.EndKey
		out = append(out, &right)
	}
	return out
}

// Forget drops every cached entry for table, used when a table is
// dropped or renamed out from under the cache.
func (c *ClientMetaCache) Forget(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.nodes, table)
}

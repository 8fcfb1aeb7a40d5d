package master

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/tera-db/tera/common/keyrange"
	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
	"github.com/tera-db/tera/util/limiter"
)

// TabletServerClient is the RPC boundary to one tablet server. The real
// transport lives outside this package (spec.md §1 keeps wire RPC out of
// scope); TabletLifecycle only needs these four verbs.
type TabletServerClient interface {
	LoadTablet(ctx context.Context, req LoadTabletRequest) error
	UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error
	ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) (splitKey []byte, ok bool, err error)
	Compact(ctx context.Context, table string, tabletNumber uint64) error
}

// LoadTabletRequest carries everything a tablet server needs to bring a
// tablet up, per spec.md §4.3.
type LoadTabletRequest struct {
	Table        string
	StartKey     []byte
	EndKey       []byte
	TabletNumber uint64
	Lineage      []uint64
	Snapshots    []uint64
	Schema       meta.Schema
}

// TabletServerDialer resolves a server address to a usable client; kept as
// an interface so tests can substitute an in-memory fake.
type TabletServerDialer interface {
	Dial(addr string) (TabletServerClient, error)
}

const (
	maxLoadRetries = 3
	// maxConcurrentSplits bounds how many tablets of a table can be mid-Split
	// at once; a Split that finds the bound saturated leaves the tablet
	// Ready and retries every waitSplitRetryDelay rather than piling on
	// unbounded concurrent unloads.
	maxConcurrentSplits = 4
	waitSplitRetryDelay = 200 * time.Millisecond
)

// TabletLifecycle drives the per-tablet state machine edges of spec.md
// §4.3: Load, Unload, Split, Merge, Move. Every step identifies itself by
// the tablet's expected current status before acting and again before
// committing the next transition, so a callback that arrives after the
// status has already advanced (the "stale callback" case of spec.md §5)
// is silently dropped instead of corrupting state.
type TabletLifecycle struct {
	catalog  *TabletManager
	nodes    *TabletNodeManager
	meta     *MetaOpsPipeline
	dialer   TabletServerDialer
	splitCap limiter.CountLimit
}

func NewTabletLifecycle(catalog *TabletManager, nodes *TabletNodeManager, ops *MetaOpsPipeline, dialer TabletServerDialer) *TabletLifecycle {
	return &TabletLifecycle{
		catalog:  catalog,
		nodes:    nodes,
		meta:     ops,
		dialer:   dialer,
		splitCap: limiter.NewCountLimit(maxConcurrentSplits),
	}
}

// Load assigns tablet to server and asynchronously drives it to Ready,
// retrying up to maxLoadRetries before falling back to Move or Pending.
func (l *TabletLifecycle) Load(ctx context.Context, table string, tabletNumber uint64, server string) {
	if _, err := l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletOnLoad)
	}); err != nil {
		trace.SpanFromContextSafe(ctx).Warnf("load: cannot enter OnLoad for %s/%d: %s", table, tabletNumber, err)
		return
	}
	go l.loadStep(ctx, table, tabletNumber, server, 0)
}

func (l *TabletLifecycle) loadStep(ctx context.Context, table string, tabletNumber uint64, server string, retryTimes int) {
	span := trace.SpanFromContextSafe(ctx)

	current, err := l.catalog.FindTabletByNumber(table, tabletNumber)
	if err != nil || current.Status != meta.TabletOnLoad {
		return // stale: status already moved on
	}

	client, err := l.dialer.Dial(server)
	if err != nil {
		l.loadFailed(ctx, table, tabletNumber, server, retryTimes, err)
		return
	}

	req := LoadTabletRequest{
		Table:        table,
		StartKey:     current.StartKey,
		EndKey:       current.EndKey,
		TabletNumber: tabletNumber,
		Lineage:      current.Lineage,
		Snapshots:    current.Snapshots,
	}
	if err := client.LoadTablet(ctx, req); err != nil {
		l.loadFailed(ctx, table, tabletNumber, server, retryTimes, err)
		return
	}

	l.meta.Write(ctx, func() ([]MetaRecord, error) {
		return l.encodeTabletWrite(table, tabletNumber, func(tm *meta.TabletMeta) error {
			tm.ServerAddr = server
			tm.ReadyTime = time.Now()
			return meta.Transition(&tm.Status, meta.TabletReady)
		})
	}, func(err error) {
		if err != nil {
			span.Warnf("load: commit Ready for %s/%d failed: %s", table, tabletNumber, err)
			return
		}
		l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
			tm.ServerAddr = server
			tm.ReadyTime = time.Now()
			return meta.Transition(&tm.Status, meta.TabletReady)
		})
	})
}

func (l *TabletLifecycle) loadFailed(ctx context.Context, table string, tabletNumber uint64, server string, retryTimes int, cause error) {
	span := trace.SpanFromContextSafe(ctx)
	l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletLoadFail)
	})

	if retryTimes < maxLoadRetries {
		delay := backoffDelay(retryTimes)
		time.AfterFunc(delay, func() {
			l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
				return meta.Transition(&tm.Status, meta.TabletOnLoad)
			})
			l.loadStep(ctx, table, tabletNumber, server, retryTimes+1)
		})
		return
	}

	if next := l.pickAnotherServer(server); next != "" {
		l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletWaitLoad)
		})
		l.Load(ctx, table, tabletNumber, next)
		return
	}

	span.Warnf("load: no candidate server for %s/%d after %s, marking Pending", table, tabletNumber, cause)
	l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletPending)
	})
}

// Unload asks the serving server to relinquish tablet, used by both a
// graceful Move and as the first half of Split/Merge preparation.
func (l *TabletLifecycle) Unload(ctx context.Context, table string, tabletNumber uint64, onUnloaded func(err error)) {
	current, err := l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletUnloading)
	})
	if err != nil {
		onUnloaded(err)
		return
	}
	go l.unloadStep(ctx, table, tabletNumber, current.ServerAddr, onUnloaded)
}

func (l *TabletLifecycle) unloadStep(ctx context.Context, table string, tabletNumber uint64, server string, onUnloaded func(err error)) {
	client, err := l.dialer.Dial(server)
	if err != nil {
		l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletUnLoadFail)
		})
		onUnloaded(err)
		return
	}
	if err := client.UnloadTablet(ctx, table, tabletNumber); err != nil {
		l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletUnLoadFail)
		})
		onUnloaded(err)
		return
	}
	l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletUnloaded)
	})
	onUnloaded(nil)
}

// Split asks the serving server for a split key, unloads the parent, marks
// it OnSplit, allocates two child tablet numbers, writes both child rows in
// one batched meta write (the left row lands on the parent's own key, so no
// separate delete is needed), transitions the parent to Splited, then loads
// both children (spec.md §4.3). The full status walk
// is Ready -> Unloading -> Unloaded -> OnSplit -> Splited, matching the
// "was unloaded in preparation for Split" edge in meta/statemachine.go;
// OnSplit has no edge back to Unloading, so the unload must happen first.
func (l *TabletLifecycle) Split(ctx context.Context, table string, tabletNumber uint64) error {
	parent, err := l.catalog.FindTabletByNumber(table, tabletNumber)
	if err != nil {
		return err
	}
	client, err := l.dialer.Dial(parent.ServerAddr)
	if err != nil {
		return err
	}
	splitKey, ok, err := client.ComputeSplitKey(ctx, table, parent.StartKey, parent.EndKey)
	if err != nil {
		return err
	}
	if !ok {
		// falls back to the local lexicographic midpoint if the server
		// declines (e.g. it has no data-aware hint to offer).
		k, ok2 := keyrange.FindAverageKey(parent.StartKey, parent.EndKey)
		if !ok2 {
			return terrors.Info(terrors.ErrBadParam, "tablet range has no valid split key")
		}
		splitKey = []byte(k)
	}

	if err := l.awaitSplitSlot(ctx, table, tabletNumber); err != nil {
		return err
	}
	defer l.splitCap.Release()

	unloaded := make(chan error, 1)
	l.Unload(ctx, table, tabletNumber, func(err error) { unloaded <- err })
	if err := <-unloaded; err != nil {
		return err
	}

	if _, err := l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletOnSplit)
	}); err != nil {
		return err
	}

	leftNum, rightNum, err := l.allocateTwoTabletNumbers(table)
	if err != nil {
		l.failSplit(ctx, table, tabletNumber)
		return err
	}
	lineage := append(append([]uint64{}, parent.Lineage...), parent.TabletNumber)
	left := meta.TabletMeta{
		TableName: table, StartKey: parent.StartKey, EndKey: splitKey,
		TabletNumber: leftNum, Lineage: lineage, Status: meta.TabletWaitLoad,
	}
	right := meta.TabletMeta{
		TableName: table, StartKey: splitKey, EndKey: parent.EndKey,
		TabletNumber: rightNum, Lineage: lineage, Status: meta.TabletWaitLoad,
	}

	committed := make(chan error, 1)
	l.meta.Write(ctx, func() ([]MetaRecord, error) {
		leftData, err := meta.EncodeTabletMeta(&left)
		if err != nil {
			return nil, err
		}
		rightData, err := meta.EncodeTabletMeta(&right)
		if err != nil {
			return nil, err
		}
		// left.StartKey == parent.StartKey, so the parent's row key is
		// overwritten by left's record in this same batch; no separate
		// delete record is needed or correct here.
		return []MetaRecord{
			{Key: metaKeyFor(table, left.StartKey), Value: leftData},
			{Key: metaKeyFor(table, right.StartKey), Value: rightData},
		}, nil
	}, func(err error) { committed <- err })
	if err := <-committed; err != nil {
		l.failSplit(ctx, table, tabletNumber)
		return err
	}

	if _, err := l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletSplited)
	}); err != nil {
		return err
	}

	if err := l.catalog.ReplaceTablets(table, []uint64{tabletNumber}, []meta.TabletMeta{left, right}); err != nil {
		return err
	}
	target := l.pickAnotherServer("")
	l.Load(ctx, table, leftNum, target)
	l.Load(ctx, table, rightNum, target)
	return nil
}

// awaitSplitSlot blocks the caller, without touching tabletNumber's status,
// until the split concurrency cap has room. The tablet is still fully
// Ready and serving at this point, so there is no status to advance yet:
// unloading (and from there OnSplit) only starts once a slot is held.
//
// TabletWaitSplit exists in meta/statemachine.go's graph (Ready -> WaitSplit
// -> OnSplit) but is intentionally never entered here: that edge leads
// straight to OnSplit, which has no edge back to Unloading, so taking it
// would commit to splitting without ever unloading the tablet first. Since
// spec.md's lifecycle text requires Split to unload the parent, the only
// graph-consistent path is Ready -> Unloading -> Unloaded -> OnSplit, and
// the cap wait has to happen before that, while still Ready.
func (l *TabletLifecycle) awaitSplitSlot(ctx context.Context, table string, tabletNumber uint64) error {
	if err := l.splitCap.Acquire(); err == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitSplitRetryDelay):
		}
		if err := l.splitCap.Acquire(); err == nil {
			return nil
		}
	}
}

func (l *TabletLifecycle) failSplit(ctx context.Context, table string, tabletNumber uint64) {
	l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletSplitFail)
	})
}

// Merge combines two adjacent tablets of the same table into one new
// tablet (spec.md §4.3). Each parent walks Ready -> OnMerge -> Unloading ->
// Unloaded -> OnMerge (the round trip meta/statemachine.go's comments
// describe: OnMerge is entered once to declare intent, the unload itself
// drops through the ordinary Unloading/Unloaded edges, then OnMerge is
// re-entered once actually offline), their rows are replaced by a single
// child row in a batched meta write, both parents are transitioned
// OnMerge -> Deleted, and finally the child is loaded.
func (l *TabletLifecycle) Merge(ctx context.Context, table string, a, b uint64) error {
	ta, err := l.catalog.FindTabletByNumber(table, a)
	if err != nil {
		return err
	}
	tb, err := l.catalog.FindTabletByNumber(table, b)
	if err != nil {
		return err
	}
	left, right := ta, tb
	if string(left.StartKey) > string(right.StartKey) {
		left, right = right, left
	}
	if string(left.EndKey) != string(right.StartKey) {
		return terrors.Info(terrors.ErrBadParam, "tablets are not adjacent")
	}

	for _, t := range []meta.TabletMeta{left, right} {
		if _, err := l.catalog.MutateTablet(table, t.TabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletOnMerge)
		}); err != nil {
			return err
		}

		unloaded := make(chan error, 1)
		l.Unload(ctx, table, t.TabletNumber, func(err error) { unloaded <- err })
		if err := <-unloaded; err != nil {
			return err
		}

		if _, err := l.catalog.MutateTablet(table, t.TabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletOnMerge)
		}); err != nil {
			return err
		}
	}

	childNum, err := l.allocateTabletNumber(table)
	if err != nil {
		return err
	}
	lineage := append(append(append([]uint64{}, left.Lineage...), right.Lineage...), left.TabletNumber, right.TabletNumber)
	child := meta.TabletMeta{
		TableName: table, StartKey: left.StartKey, EndKey: right.EndKey,
		TabletNumber: childNum, Lineage: lineage, Status: meta.TabletWaitLoad,
	}

	committed := make(chan error, 1)
	l.meta.Write(ctx, func() ([]MetaRecord, error) {
		data, err := meta.EncodeTabletMeta(&child)
		if err != nil {
			return nil, err
		}
		return []MetaRecord{
			{Key: metaKeyFor(table, child.StartKey), Value: data},
			{Key: metaKeyFor(table, right.StartKey), Delete: true},
		}, nil
	}, func(err error) { committed <- err })
	if err := <-committed; err != nil {
		return err
	}

	for _, t := range []meta.TabletMeta{left, right} {
		if _, err := l.catalog.MutateTablet(table, t.TabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, meta.TabletDeleted)
		}); err != nil {
			return err
		}
	}

	if err := l.catalog.ReplaceTablets(table, []uint64{left.TabletNumber, right.TabletNumber}, []meta.TabletMeta{child}); err != nil {
		return err
	}
	l.Load(ctx, table, childNum, l.pickAnotherServer(""))
	return nil
}

// Move relocates tablet to target, or a scheduler-chosen server if target
// is empty.
func (l *TabletLifecycle) Move(ctx context.Context, table string, tabletNumber uint64, target string) error {
	if target == "" {
		target = l.pickAnotherServer("")
		if target == "" {
			return terrors.Info(terrors.ErrServerUnavailable, "no candidate server to move to")
		}
	}
	unloaded := make(chan error, 1)
	l.Unload(ctx, table, tabletNumber, func(err error) { unloaded <- err })
	if err := <-unloaded; err != nil {
		return err
	}
	l.catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		tm.LastMoveTime = time.Now()
		return meta.Transition(&tm.Status, meta.TabletWaitLoad)
	})
	l.Load(ctx, table, tabletNumber, target)
	return nil
}

func (l *TabletLifecycle) pickAnotherServer(exclude string) string {
	for _, n := range l.nodes.ListOnline() {
		if n.Addr != exclude {
			return n.Addr
		}
	}
	return ""
}

func (l *TabletLifecycle) allocateTabletNumber(table string) (uint64, error) {
	return l.catalog.AllocateTabletNumber(table)
}

func (l *TabletLifecycle) allocateTwoTabletNumbers(table string) (uint64, uint64, error) {
	left, err := l.catalog.AllocateTabletNumber(table)
	if err != nil {
		return 0, 0, err
	}
	right, err := l.catalog.AllocateTabletNumber(table)
	if err != nil {
		return 0, 0, err
	}
	return left, right, nil
}

func (l *TabletLifecycle) encodeTabletWrite(table string, tabletNumber uint64, mutate func(*meta.TabletMeta) error) ([]MetaRecord, error) {
	current, err := l.catalog.FindTabletByNumber(table, tabletNumber)
	if err != nil {
		return nil, err
	}
	if err := mutate(&current); err != nil {
		return nil, err
	}
	data, err := meta.EncodeTabletMeta(&current)
	if err != nil {
		return nil, err
	}
	return []MetaRecord{{Key: metaKeyFor(table, current.StartKey), Value: data}}, nil
}

func metaKeyFor(table string, startKey []byte) []byte {
	return meta.EncodeTabletKey(table, startKey)
}

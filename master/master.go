package master

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/tera-db/tera/common/coordination"
	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

// Config carries the master's tunables (spec.md §4, §5). Intervals mirror
// the teacher's "RefreshIntervalS"-style config fields.
type Config struct {
	ClusterName         string
	ListenAddr          string
	MetaOpsWorkers      int
	BalanceTickInterval time.Duration
	GcTickInterval      time.Duration
	QueryTickInterval   time.Duration
	NodeExpireAfter     time.Duration
}

func (c *Config) setDefaults() {
	if c.MetaOpsWorkers == 0 {
		c.MetaOpsWorkers = 8
	}
	if c.BalanceTickInterval == 0 {
		c.BalanceTickInterval = time.Minute
	}
	if c.GcTickInterval == 0 {
		c.GcTickInterval = 5 * time.Minute
	}
	if c.QueryTickInterval == 0 {
		c.QueryTickInterval = 10 * time.Second
	}
	if c.NodeExpireAfter == 0 {
		c.NodeExpireAfter = 30 * time.Second
	}
}

// Master wires every master-side component into a single startup and
// control-loop sequence (spec.md §2 "Data flow"): register with the
// coordination adapter, claim leadership, locate the root tablet, load
// the meta table, then run the control loop.
type Master struct {
	cfg   Config
	coord coordination.Adapter
	lock  *coordination.LockSession

	Nodes     *TabletNodeManager
	Catalog   *TabletManager
	MetaOps   *MetaOpsPipeline
	Lifecycle *TabletLifecycle
	Balancer  *LoadBalancer
	Gc        *GcEngine
	Schema    *SchemaUpdate
	Users     *UserManager

	mu       sync.RWMutex
	leader   bool
	safeMode bool
	done     chan struct{}
}

// NewMaster builds a Master with every component wired: the catalog and
// node manager it owns directly, the rest constructed by the caller and
// handed in so tests can substitute fakes for the locator/dialer/notifier
// boundaries that in production are backed by rpcutil.
func NewMaster(
	cfg Config,
	coord coordination.Adapter,
	locator MetaTabletLocator,
	dialer TabletServerDialer,
	notifier SchemaNotifier,
	lister TabletFileLister,
	querier InheritanceQuerier,
) *Master {
	cfg.setDefaults()

	nodes := NewTabletNodeManager()
	catalog := NewTabletManager()
	ops := NewMetaOpsPipeline(locator, cfg.MetaOpsWorkers)
	lifecycle := NewTabletLifecycle(catalog, nodes, ops, dialer)
	balancer := NewLoadBalancer(catalog, nodes, lifecycle, &SizeBasedScheduler{ImbalanceThreshold: 1.2})
	gcStrategy := NewIncrementalGcStrategy(lister, querier, catalog, nodes)
	gc := NewGcEngine(gcStrategy, catalog.TableNames)
	schema := NewSchemaUpdate(catalog, notifier, ops)
	users := NewUserManager(ops)

	return &Master{
		cfg:       cfg,
		coord:     coord,
		lock:      coordination.NewLockSession(coord, coordination.MasterLockPath(cfg.ClusterName)),
		Nodes:     nodes,
		Catalog:   catalog,
		MetaOps:   ops,
		Lifecycle: lifecycle,
		Balancer:  balancer,
		Gc:        gc,
		Schema:    schema,
		Users:     users,
		done:      make(chan struct{}),
	}
}

// Run blocks until ctx is cancelled, campaigning for leadership, loading
// state once elected, and driving the control loop. It returns when the
// coordination session is lost or ctx is done, matching spec.md §6's "on
// session loss the node must terminate its process" (the caller exits).
func (m *Master) Run(ctx context.Context) error {
	if err := m.campaign(ctx); err != nil {
		return err
	}

	if err := m.loadFromMeta(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.leader = true
	m.mu.Unlock()

	m.controlLoop(ctx)

	select {
	case <-m.coord.SessionLost():
		return terrors.Info(terrors.ErrServerUnavailable, "coordination session lost")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// campaign blocks until this process holds /master-lock.
func (m *Master) campaign(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)
	for {
		err := m.lock.AcquireLock(ctx, []byte(m.cfg.ListenAddr))
		if err == nil {
			span.Infof("master: acquired leadership at %s", m.cfg.ListenAddr)
			return nil
		}

		_, ch, werr := m.lock.WatchLeader(ctx)
		if werr != nil {
			return werr
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// loadFromMeta scans the meta table in full and seeds Catalog and Users
// (spec.md §2's "loads the meta table into memory via TabletManager").
func (m *Master) loadFromMeta(ctx context.Context) error {
	records, err := m.MetaOps.Scan(ctx, nil, nil)
	if err != nil {
		return err
	}

	tables := map[string]*meta.TableMeta{}
	tablets := map[string][]meta.TabletMeta{}
	var users []meta.User

	for _, r := range records {
		switch meta.ClassifyKey(r.Key) {
		case meta.RowTable:
			tm, derr := meta.DecodeTableMeta(r.Value)
			if derr != nil {
				return derr
			}
			tables[tm.Name] = tm
		case meta.RowTablet:
			tablet, derr := meta.DecodeTabletMeta(r.Value)
			if derr != nil {
				return derr
			}
			tablets[tablet.TableName] = append(tablets[tablet.TableName], *tablet)
		case meta.RowUser:
			u, derr := meta.DecodeUser(r.Value)
			if derr != nil {
				return derr
			}
			users = append(users, *u)
		}
	}

	for name, tm := range tables {
		m.Catalog.LoadTable(*tm, tablets[name])
	}
	m.Users.LoadUsers(users)
	return nil
}

// controlLoop starts the periodic goroutines driving load balancing, GC,
// and tablet-server health checks, grounded on the teacher's ticker-driven
// background loop (master/cluster/cluster.go's loop/refresh).
func (m *Master) controlLoop(ctx context.Context) {
	go m.tickLoop(ctx, m.cfg.BalanceTickInterval, func() {
		if m.InSafeMode() {
			return
		}
		m.Balancer.Tick(ctx, m.Catalog.TableNames())
	})
	go m.tickLoop(ctx, m.cfg.GcTickInterval, func() {
		_ = m.Gc.Tick(ctx)
	})
	go m.tickLoop(ctx, m.cfg.QueryTickInterval, func() {
		m.checkNodeHealth(ctx)
	})
}

func (m *Master) tickLoop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// HandleHeartbeat records a tablet server's liveness and self-reported
// stats; called from the RPC boundary on every incoming heartbeat
// (spec.md §2's "Query pool": outbound heartbeat/Query at a fixed period,
// here modeled as the inbound half of the same exchange).
func (m *Master) HandleHeartbeat(ctx context.Context, addr string, sessionID string, dataSize int64, tabletCount int, counters meta.Counters) {
	if _, ok := m.Nodes.Get(addr); !ok {
		m.Nodes.Register(ctx, addr, sessionID)
	}
	m.Nodes.UpdateStats(addr, dataSize, tabletCount, counters)
}

// checkNodeHealth kicks any tablet server whose last heartbeat is older
// than NodeExpireAfter, reassigning its hosted tablets elsewhere (spec.md
// §3's "after bounded retries the tablet is moved or the owning server is
// kicked").
func (m *Master) checkNodeHealth(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	for _, n := range m.Nodes.List() {
		if n.Status != NodeOnline {
			continue
		}
		if time.Since(n.LastHeartbeat) <= m.cfg.NodeExpireAfter {
			continue
		}
		span.Warnf("master: tablet server %s missed heartbeat deadline, kicking", n.Addr)
		m.KickNode(ctx, n.Addr)
	}
}

// KickNode evicts a tablet server: marks it WaitKick, reassigns every
// tablet it was hosting in Ready state to another server, then
// unregisters it.
func (m *Master) KickNode(ctx context.Context, addr string) {
	m.Nodes.MarkWaitKick(addr)

	for _, table := range m.Catalog.TableNames() {
		tablets, err := m.Catalog.ListTablets(table)
		if err != nil {
			continue
		}
		for _, t := range tablets {
			if t.ServerAddr != addr || t.Status != meta.TabletReady {
				continue
			}
			m.reassign(ctx, table, t.TabletNumber)
		}
	}

	m.Nodes.Unregister(addr)
}

// reassign forces a tablet orphaned by a dead server through the unload
// half of its lifecycle without a real RPC (the server is gone and cannot
// ack), then hands it to Lifecycle.Load for reassignment.
func (m *Master) reassign(ctx context.Context, table string, tabletNumber uint64) {
	span := trace.SpanFromContextSafe(ctx)

	if _, err := m.Catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletUnloading)
	}); err != nil {
		span.Warnf("reassign: %s/%d cannot enter Unloading: %s", table, tabletNumber, err)
		return
	}
	if _, err := m.Catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletUnloaded)
	}); err != nil {
		span.Warnf("reassign: %s/%d cannot enter Unloaded: %s", table, tabletNumber, err)
		return
	}
	if _, err := m.Catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, meta.TabletWaitLoad)
	}); err != nil {
		span.Warnf("reassign: %s/%d cannot enter WaitLoad: %s", table, tabletNumber, err)
		return
	}

	target := m.pickServerFor(table, tabletNumber)
	if target == "" {
		span.Warnf("reassign: %s/%d has no healthy candidate server", table, tabletNumber)
		return
	}
	m.Lifecycle.Load(ctx, table, tabletNumber, target)
}

func (m *Master) pickServerFor(table string, tabletNumber uint64) string {
	online := m.Nodes.ListOnline()
	if len(online) == 0 {
		return ""
	}
	best := online[0]
	for _, n := range online[1:] {
		if n.TabletCount < best.TabletCount {
			best = n
		}
	}
	return best.Addr
}

// EnterSafeMode sets the safe-mode flag and publishes /safemode. While the
// flag is set the control loop skips load-balancing rounds; in-flight
// operations finish. Node-health kicks still reassign (Load) tablets, and
// RPC-initiated Split/Merge/Move are not blocked.
func (m *Master) EnterSafeMode(ctx context.Context) error {
	m.mu.Lock()
	m.safeMode = true
	m.mu.Unlock()
	return m.coord.CreatePersistentNode(ctx, coordination.SafeModePath(m.cfg.ClusterName), []byte(m.cfg.ListenAddr))
}

// ExitSafeMode resumes normal balancing and lifecycle decisions.
func (m *Master) ExitSafeMode(ctx context.Context) error {
	m.mu.Lock()
	m.safeMode = false
	m.mu.Unlock()
	return m.coord.Delete(ctx, coordination.SafeModePath(m.cfg.ClusterName))
}

func (m *Master) InSafeMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.safeMode
}

// Close stops the control loop's background goroutines. It does not
// release leadership; the coordination session's ephemeral lock node
// disappears on Close of the adapter itself.
func (m *Master) Close() {
	close(m.done)
}

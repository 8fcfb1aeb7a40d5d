package tabletserver

import (
	"context"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/google/uuid"

	"github.com/tera-db/tera/common/coordination"
	"github.com/tera-db/tera/common/keyrange"
	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
	"github.com/tera-db/tera/tabletserver/engine"
)

// MasterClient is the outbound RPC boundary to the current master, dialed
// by the tablet server the way master/lifecycle.go's TabletServerDialer is
// dialed in the other direction. The real transport is rpcutil; tests
// substitute an in-memory fake.
type MasterClient interface {
	Heartbeat(ctx context.Context, addr string, stats master.NodeInfo) error
}

// Server is the tablet server process: the RPC handler surface the master
// dials (master.TabletServerClient, master.MetaTabletClient,
// master.TabletFileLister, master.SchemaNotifier's receiving side), plus
// the coordination registration and heartbeat loop spec.md §4.1 describes
// for a tablet server's own lifecycle.
type Server struct {
	addr     string
	registry *TabletRegistry
	coord    coordination.Adapter
	master   MasterClient

	heartbeatPeriod time.Duration

	done chan struct{}
}

func NewServer(addr string, registry *TabletRegistry, coord coordination.Adapter, masterClient MasterClient) *Server {
	return &Server{
		addr:            addr,
		registry:        registry,
		coord:           coord,
		master:          masterClient,
		heartbeatPeriod: time.Second,
		done:            make(chan struct{}),
	}
}

// Register creates this server's ephemeral /ts/<session#seq> node, starts
// the heartbeat loop, and starts two watches: deletion of its own node or
// loss of the session, and creation of /kick/<own>, each call Exit (no
// in-place re-establishment is attempted). /safemode and
// /root-tablet-addr are not watched.
func (s *Server) Register(ctx context.Context, clusterName string) error {
	sessionID := s.coord.SessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	path := coordination.TabletServerNodePath(clusterName, sessionID)
	if err := s.coord.CreateEphemeralNode(ctx, path, []byte(s.addr)); err != nil {
		return terrors.Info(err, "tabletserver: register failed")
	}

	go s.watchSelf(ctx, path)
	go s.watchKick(ctx, coordination.KickPath(clusterName, sessionID))
	go s.heartbeatLoop(ctx, clusterName)
	return nil
}

// Exit is called on session loss, kick, or own-node deletion, and by main
// on shutdown. It stops the watch and heartbeat goroutines; it does not
// end the process, and the server never re-registers under the old
// identity.
func (s *Server) Exit() {
	close(s.done)
}

func (s *Server) watchSelf(ctx context.Context, path string) {
	for {
		exists, ch, err := s.coord.CheckAndWatchExist(ctx, path)
		if err != nil || !exists {
			s.Exit()
			return
		}
		select {
		case ev := <-ch:
			if ev.Type == coordination.EventNodeDeleted || ev.Type == coordination.EventSessionExpired {
				s.Exit()
				return
			}
		case <-s.coord.SessionLost():
			s.Exit()
			return
		case <-s.done:
			return
		}
	}
}

func (s *Server) watchKick(ctx context.Context, path string) {
	for {
		exists, ch, err := s.coord.CheckAndWatchExist(ctx, path)
		if err != nil {
			return
		}
		if exists {
			s.Exit()
			return
		}
		select {
		case ev := <-ch:
			if ev.Type == coordination.EventNodeCreated {
				s.Exit()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, clusterName string) {
	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()
	span := trace.SpanFromContextSafe(ctx)
	for {
		select {
		case <-ticker.C:
			stats := master.NodeInfo{
				Addr:        s.addr,
				SessionID:   s.coord.SessionID(),
				DataSize:    s.registry.DataSize(ctx),
				TabletCount: s.registry.Count(),
			}
			if err := s.master.Heartbeat(ctx, s.addr, stats); err != nil {
				span.Warnf("tabletserver: heartbeat failed: %s", err)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// LoadTablet is the Server-side handler for master.TabletServerClient.
func (s *Server) LoadTablet(ctx context.Context, req master.LoadTabletRequest) error {
	return s.registry.Load(ctx, req)
}

// UnloadTablet is the Server-side handler for master.TabletServerClient.
func (s *Server) UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error {
	return s.registry.Unload(ctx, table, tabletNumber)
}

// ComputeSplitKey answers TabletLifecycle.Split's request for a split
// point. This default implementation has no data-aware hint and returns
// the lexicographic midpoint from keyrange.FindAverageKey (spec.md §4.3);
// it declines (ok == false) only when no midpoint exists.
func (s *Server) ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) ([]byte, bool, error) {
	k, ok := keyrange.FindAverageKey(startKey, endKey)
	if !ok {
		return nil, false, nil
	}
	return []byte(k), true, nil
}

// Compact is the Server-side handler for master.TabletServerClient.Compact
// and the Compact RPC issued directly by master/rpc.go.
func (s *Server) Compact(ctx context.Context, table string, tabletNumber uint64) error {
	t, ok := s.registry.Get(table, tabletNumber)
	if !ok {
		return terrors.ErrTabletNotFound
	}
	t.mu.RLock()
	startKey, endKey := t.startKey, t.endKey
	t.mu.RUnlock()
	return t.engine.Compact(ctx, startKey, endKey)
}

// UpdateSchema is the Server-side handler master.SchemaNotifier dials.
func (s *Server) UpdateSchema(ctx context.Context, table string, tabletNumber uint64, schema meta.Schema) error {
	t, ok := s.registry.Get(table, tabletNumber)
	if !ok {
		return terrors.ErrTabletNotFound
	}
	t.mu.Lock()
	t.schema = schema
	t.mu.Unlock()
	return nil
}

// WriteBatch is the Server-side handler for master.MetaTabletClient,
// valid only while this server hosts the meta tablet (table == @meta).
func (s *Server) WriteBatch(ctx context.Context, records []master.MetaRecord) error {
	tablets := s.registry.List()
	var mt *tablet
	for _, t := range tablets {
		if t.table == metaTableName {
			mt = t
			break
		}
	}
	if mt == nil {
		return terrors.ErrServerUnavailable
	}

	muts := make([]engine.Mutation, len(records))
	for i, r := range records {
		muts[i] = engine.Mutation{RowKey: r.Key, Value: r.Value, Delete: r.Delete}
	}
	return mt.engine.WriteBatch(ctx, muts)
}

// Scan is the Server-side handler for master.MetaTabletClient.
func (s *Server) Scan(ctx context.Context, startKey, endKey []byte) ([]master.MetaRecord, error) {
	tablets := s.registry.List()
	var mt *tablet
	for _, t := range tablets {
		if t.table == metaTableName {
			mt = t
			break
		}
	}
	if mt == nil {
		return nil, terrors.ErrServerUnavailable
	}
	cells, err := mt.engine.LowLevelScan(ctx, startKey, endKey)
	if err != nil {
		return nil, err
	}
	out := make([]master.MetaRecord, 0, len(cells))
	for _, c := range cells {
		out = append(out, master.MetaRecord{Key: c.RowKey, Value: c.Value})
	}
	return out, nil
}

// ListTabletDirectories is the Server-side handler for
// master.TabletFileLister: every loaded tablet number for table.
func (s *Server) ListTabletDirectories(ctx context.Context, table string) ([]uint64, error) {
	var out []uint64
	for _, t := range s.registry.List() {
		if t.table == table {
			out = append(out, t.number)
		}
	}
	return out, nil
}

// ListFiles reports the live-file set a loaded tablet's engine currently
// exposes (spec.md §4.5's inheritance-report source).
func (s *Server) ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) {
	t, ok := s.registry.Get(table, tabletNumber)
	if !ok {
		return nil, terrors.ErrTabletNotFound
	}
	files, err := t.engine.ListLiveFiles(ctx)
	if err != nil {
		return nil, err
	}
	return map[string][]string{"default": files}, nil
}

// RowLookup names one cell a client's Get RPC wants, the data-plane
// counterpart of engine.Mutation for reads.
type RowLookup struct {
	RowKey    []byte
	Column    string
	Qualifier []byte
}

// WriteRows is the Server-side handler for a user table's Put/Delete
// RPC. Mutations are routed by row key to whichever loaded tablet
// covers them and applied as one engine batch per tablet; a failure
// against one tablet is reported only against the rows routed to it,
// per spec.md §7's "errors inside batches do not fail sibling rows".
func (s *Server) WriteRows(ctx context.Context, table string, muts []engine.Mutation) ([]error, error) {
	statuses := make([]error, len(muts))
	byTablet := make(map[*tablet][]int)
	for i, m := range muts {
		t, ok := s.registry.Find(table, m.RowKey)
		if !ok {
			statuses[i] = terrors.ErrKeyNotInRange
			continue
		}
		byTablet[t] = append(byTablet[t], i)
	}
	for t, idxs := range byTablet {
		sub := make([]engine.Mutation, len(idxs))
		for j, i := range idxs {
			sub[j] = muts[i]
		}
		if err := t.engine.WriteBatch(ctx, sub); err != nil {
			for _, i := range idxs {
				statuses[i] = err
			}
		}
	}
	return statuses, nil
}

// ReadRows is the Server-side handler for a user table's Get RPC: one
// cell lookup per entry in lookups, routed and reported per-row the
// same way WriteRows is.
func (s *Server) ReadRows(ctx context.Context, table string, lookups []RowLookup) ([]engine.Cell, []bool, []error, error) {
	cells := make([]engine.Cell, len(lookups))
	found := make([]bool, len(lookups))
	statuses := make([]error, len(lookups))
	for i, l := range lookups {
		t, ok := s.registry.Find(table, l.RowKey)
		if !ok {
			statuses[i] = terrors.ErrKeyNotInRange
			continue
		}
		c, ok, err := t.engine.Read(ctx, l.RowKey, l.Column, l.Qualifier)
		if err != nil {
			statuses[i] = err
			continue
		}
		cells[i], found[i] = c, ok
	}
	return cells, found, statuses, nil
}

// ScanRows is the Server-side handler for a user table's Scan RPC. The
// scan is served entirely by the single tablet covering startKey; a
// range spanning more than one tablet is the caller's concern (Table
// walks forward by re-resolving at each returned boundary).
func (s *Server) ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]engine.Cell, error) {
	t, ok := s.registry.Find(table, startKey)
	if !ok {
		return nil, terrors.ErrKeyNotInRange
	}
	t.mu.RLock()
	tabletEnd := t.endKey
	t.mu.RUnlock()
	scanEnd := endKey
	if len(tabletEnd) > 0 && (len(scanEnd) == 0 || string(tabletEnd) < string(scanEnd)) {
		scanEnd = tabletEnd
	}
	return t.engine.LowLevelScan(ctx, startKey, scanEnd)
}

// DeleteFiles and PruneEmptyDirectories are no-ops here: reclaiming an
// opaque engine's on-disk files is the engine's own concern (spec.md §1),
// which this registry only exposes a stable path identifier for.
func (s *Server) DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error {
	return nil
}

func (s *Server) PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error {
	return nil
}

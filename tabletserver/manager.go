package tabletserver

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
	"github.com/tera-db/tera/tabletserver/engine"
)

// metaTableName is the pseudo-table name the meta tablet itself is loaded
// under on whichever tablet server currently serves it, so WriteBatch/Scan
// (the MetaTabletClient surface master/metaops.go dials) can be served by
// the same Server.load path as any user table's tablets.
const metaTableName = "@meta"

// tablet is one loaded tablet's tabletserver-local state: its storage
// engine plus the metadata the master handed over in LoadTabletRequest.
type tablet struct {
	mu        sync.RWMutex
	table     string
	number    uint64
	startKey  []byte
	endKey    []byte
	lineage   []uint64
	snapshots []uint64
	schema    meta.Schema
	engine    engine.Engine
}

func tabletID(table string, number uint64) string {
	return fmt.Sprintf("%s/%d", table, number)
}

// TabletRegistry is the tablet server's local registry of currently loaded
// tablets, keyed by (table, tabletNumber); it is the tabletserver-side
// analogue of master/catalog.go's TabletManager.
type TabletRegistry struct {
	dataDir string

	mu      sync.RWMutex
	tablets map[string]*tablet
}

func NewTabletRegistry(dataDir string) *TabletRegistry {
	return &TabletRegistry{dataDir: dataDir, tablets: make(map[string]*tablet)}
}

func (r *TabletRegistry) path(table string, number uint64) string {
	return filepath.Join(r.dataDir, table, strconv.FormatUint(number, 10))
}

// Load opens req's tablet on local storage and registers it; it is the
// Server-side handler for master.TabletServerClient.LoadTablet.
func (r *TabletRegistry) Load(ctx context.Context, req master.LoadTabletRequest) error {
	id := tabletID(req.Table, req.TabletNumber)

	r.mu.RLock()
	_, exists := r.tablets[id]
	r.mu.RUnlock()
	if exists {
		return nil
	}

	eng := engine.NewPebbleEngine(r.path(req.Table, req.TabletNumber), req.StartKey, req.EndKey)
	if err := eng.Load(ctx); err != nil {
		return terrors.Info(err, "tabletserver: load tablet failed")
	}

	t := &tablet{
		table:     req.Table,
		number:    req.TabletNumber,
		startKey:  req.StartKey,
		endKey:    req.EndKey,
		lineage:   req.Lineage,
		snapshots: req.Snapshots,
		schema:    req.Schema,
		engine:    eng,
	}

	r.mu.Lock()
	r.tablets[id] = t
	r.mu.Unlock()
	return nil
}

// Unload closes and drops table/tabletNumber; the Server-side handler for
// master.TabletServerClient.UnloadTablet.
func (r *TabletRegistry) Unload(ctx context.Context, table string, tabletNumber uint64) error {
	id := tabletID(table, tabletNumber)

	r.mu.Lock()
	t, ok := r.tablets[id]
	if ok {
		delete(r.tablets, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return t.engine.Unload(ctx)
}

// Get returns the loaded tablet for (table, tabletNumber), if any.
func (r *TabletRegistry) Get(table string, tabletNumber uint64) (*tablet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tablets[tabletID(table, tabletNumber)]
	return t, ok
}

// List returns every currently loaded tablet.
func (r *TabletRegistry) List() []*tablet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tablet, 0, len(r.tablets))
	for _, t := range r.tablets {
		out = append(out, t)
	}
	return out
}

// DataSize sums every loaded tablet's on-disk size, reported in heartbeats.
func (r *TabletRegistry) DataSize(ctx context.Context) int64 {
	var total int64
	for _, t := range r.List() {
		if n, err := t.engine.GetDataSize(ctx); err == nil {
			total += n
		}
	}
	return total
}

// Count returns the number of currently loaded tablets.
func (r *TabletRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tablets)
}

// Find returns the loaded tablet of table whose [startKey, endKey) range
// covers rowKey, the data-plane counterpart to Get's by-number lookup:
// a client's WriteRows/ReadRows RPC names a row, not a tablet number.
func (r *TabletRegistry) Find(table string, rowKey []byte) (*tablet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tablets {
		if t.table != table {
			continue
		}
		if string(rowKey) < string(t.startKey) {
			continue
		}
		if len(t.endKey) > 0 && string(rowKey) >= string(t.endKey) {
			continue
		}
		return t, true
	}
	return nil, false
}

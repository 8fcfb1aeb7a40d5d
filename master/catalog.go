package master

import (
	"context"
	"sort"
	"sync"
	"time"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

// tabletEntry wraps a meta.TabletMeta with the per-tablet mutex spec.md §5
// requires ("per-tablet mutation uses per-tablet mutex").
type tabletEntry struct {
	mu   sync.Mutex
	meta meta.TabletMeta
}

type tableEntry struct {
	mu      sync.RWMutex
	meta    meta.TableMeta
	tablets []*tabletEntry // sorted by StartKey, covers ["", "") when table is Enable
}

// TabletManager is the master's in-memory catalog of every table and
// tablet (spec.md §4: "In-memory catalog of all tables/tablets, range
// indexing"). It never reaches storage itself; callers journal through
// MetaOpsPipeline. Table-row changes and a tablet's Ready, Split and Merge
// commits are applied here only once their meta write lands. Intermediate
// tablet statuses (OnLoad, LoadFail, Unloading, Unloaded, OnSplit, OnMerge
// and the like) are set here with no meta write, and CreateTable seeds
// the catalog before the table row is journaled.
type TabletManager struct {
	mu     sync.RWMutex
	tables map[string]*tableEntry
}

func NewTabletManager() *TabletManager {
	return &TabletManager{tables: make(map[string]*tableEntry)}
}

// LoadTable seeds the catalog with a table and its tablets, read from the
// meta table during master startup or meta-tablet reassignment.
func (m *TabletManager) LoadTable(tm meta.TableMeta, tablets []meta.TabletMeta) {
	entry := &tableEntry{meta: tm}
	entry.tablets = make([]*tabletEntry, 0, len(tablets))
	for i := range tablets {
		entry.tablets = append(entry.tablets, &tabletEntry{meta: tablets[i]})
	}
	sort.Slice(entry.tablets, func(i, j int) bool {
		return string(entry.tablets[i].meta.StartKey) < string(entry.tablets[j].meta.StartKey)
	})

	m.mu.Lock()
	m.tables[tm.Name] = entry
	m.mu.Unlock()
}

// CreateTable registers a brand-new table with a single tablet spanning
// the whole key space, in TabletNotInit status awaiting TabletLifecycle
// to bring it up.
func (m *TabletManager) CreateTable(ctx context.Context, tm meta.TableMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[tm.Name]; ok {
		return terrors.ErrTableExist
	}
	initial := &tabletEntry{meta: meta.TabletMeta{
		TableName:    tm.Name,
		StartKey:     nil,
		EndKey:       nil,
		TabletNumber: tm.NextTabletNumber,
		Status:       meta.TabletNotInit,
	}}
	tm.NextTabletNumber++
	m.tables[tm.Name] = &tableEntry{meta: tm, tablets: []*tabletEntry{initial}}
	return nil
}

// DropTable marks a table Deleting; the caller is responsible for driving
// every tablet to Deleted before removing the table record entirely.
func (m *TabletManager) DropTable(ctx context.Context, name string) error {
	entry, ok := m.table(name)
	if !ok {
		return terrors.ErrTableNotFound
	}
	entry.mu.Lock()
	entry.meta.Status = meta.TableDeleting
	entry.mu.Unlock()
	return nil
}

// RemoveTable deletes the table record once every tablet has reached
// Deleted (spec.md §3: "Deletion is asynchronous").
func (m *TabletManager) RemoveTable(name string) error {
	entry, ok := m.table(name)
	if !ok {
		return terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	for _, t := range entry.tablets {
		t.mu.Lock()
		status := t.meta.Status
		t.mu.Unlock()
		if status != meta.TabletDeleted {
			entry.mu.RUnlock()
			return terrors.Info(terrors.ErrBadParam, "table still has undeleted tablets")
		}
	}
	entry.mu.RUnlock()

	m.mu.Lock()
	delete(m.tables, name)
	m.mu.Unlock()
	return nil
}

func (m *TabletManager) table(name string) (*tableEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.tables[name]
	return entry, ok
}

// AllocateTabletNumber consumes and returns the next tablet number for
// table, the counter spec.md §3 requires to never reset and never repeat
// across a table's Split/Merge history.
func (m *TabletManager) AllocateTabletNumber(table string) (uint64, error) {
	entry, ok := m.table(table)
	if !ok {
		return 0, terrors.ErrTableNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	n := entry.meta.NextTabletNumber
	entry.meta.NextTabletNumber++
	return n, nil
}

// GetTable returns a copy of a table's current record.
func (m *TabletManager) GetTable(name string) (meta.TableMeta, error) {
	entry, ok := m.table(name)
	if !ok {
		return meta.TableMeta{}, terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.meta, nil
}

// TableNames returns every table name currently in the catalog, used to
// drive the periodic load-balance and GC ticks over "all tables" without
// those components needing to know the catalog's internal layout.
func (m *TabletManager) TableNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	return names
}

// LiveTabletNumbers implements LiveTabletSource: a tablet number is live
// unless its status is TabletDeleted (a dead tablet's files may still be
// inherited by a live sibling, but the tablet itself is no longer serving).
func (m *TabletManager) LiveTabletNumbers(table string) map[uint64]bool {
	entry, ok := m.table(table)
	if !ok {
		return nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	live := make(map[uint64]bool, len(entry.tablets))
	for _, t := range entry.tablets {
		t.mu.Lock()
		if t.meta.Status != meta.TabletDeleted {
			live[t.meta.TabletNumber] = true
		}
		t.mu.Unlock()
	}
	return live
}

// EarliestReadyTime implements LiveTabletSource: the earliest ReadyTime
// across the tablets currently in Ready status is the point before which IncrementalGcStrategy
// must not reclaim an inherited file, since an older live tablet may still
// be reading it.
func (m *TabletManager) EarliestReadyTime(table string) time.Time {
	entry, ok := m.table(table)
	if !ok {
		return time.Time{}
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	var earliest time.Time
	for _, t := range entry.tablets {
		t.mu.Lock()
		if t.meta.Status == meta.TabletReady && (earliest.IsZero() || t.meta.ReadyTime.Before(earliest)) {
			earliest = t.meta.ReadyTime
		}
		t.mu.Unlock()
	}
	return earliest
}

// UpdateTableMeta replaces a table's record in place, used once a table-level
// metadata change (status, schema, ACL, snapshot list, rename) has already
// been journaled through MetaOpsPipeline.
func (m *TabletManager) UpdateTableMeta(tm meta.TableMeta) error {
	entry, ok := m.table(tm.Name)
	if !ok {
		return terrors.ErrTableNotFound
	}
	entry.mu.Lock()
	entry.meta = tm
	entry.mu.Unlock()
	return nil
}

// ListTables returns a copy of every table's current record.
func (m *TabletManager) ListTables() []meta.TableMeta {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]meta.TableMeta, 0, len(m.tables))
	for _, entry := range m.tables {
		entry.mu.RLock()
		res = append(res, entry.meta)
		entry.mu.RUnlock()
	}
	return res
}

// FindTablet returns the tablet whose range contains key, the standard
// "upper_bound(row) - 1" lookup (spec.md §4.6) applied server-side to the
// master's own catalog instead of a client cache.
func (m *TabletManager) FindTablet(table string, key []byte) (meta.TabletMeta, error) {
	entry, ok := m.table(table)
	if !ok {
		return meta.TabletMeta{}, terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	idx := sort.Search(len(entry.tablets), func(i int) bool {
		return string(entry.tablets[i].meta.StartKey) > string(key)
	}) - 1
	if idx < 0 {
		return meta.TabletMeta{}, terrors.ErrTabletNotFound
	}
	t := entry.tablets[idx]
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.meta.EndKey) > 0 && string(key) >= string(t.meta.EndKey) {
		return meta.TabletMeta{}, terrors.ErrTabletNotFound
	}
	return t.meta, nil
}

// FindTabletByNumber returns the current record for a specific tablet,
// used by TabletLifecycle steps that already know which tablet they own
// and only need its latest snapshot before acting.
func (m *TabletManager) FindTabletByNumber(table string, tabletNumber uint64) (meta.TabletMeta, error) {
	entry, ok := m.table(table)
	if !ok {
		return meta.TabletMeta{}, terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	for _, t := range entry.tablets {
		t.mu.Lock()
		if t.meta.TabletNumber == tabletNumber {
			defer t.mu.Unlock()
			return t.meta, nil
		}
		t.mu.Unlock()
	}
	return meta.TabletMeta{}, terrors.ErrTabletNotFound
}

// ListTablets returns every tablet of table, in key order.
func (m *TabletManager) ListTablets(table string) ([]meta.TabletMeta, error) {
	entry, ok := m.table(table)
	if !ok {
		return nil, terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	res := make([]meta.TabletMeta, 0, len(entry.tablets))
	for _, t := range entry.tablets {
		t.mu.Lock()
		res = append(res, t.meta)
		t.mu.Unlock()
	}
	return res, nil
}

// MutateTablet applies fn to the tablet identified by (table, tabletNumber)
// while holding its per-tablet mutex, and returns the resulting record.
// Callers use this after a successful MetaOpsPipeline write to reflect the
// change in RAM, per spec.md §4.2's write-then-reflect contract.
func (m *TabletManager) MutateTablet(table string, tabletNumber uint64, fn func(*meta.TabletMeta) error) (meta.TabletMeta, error) {
	entry, ok := m.table(table)
	if !ok {
		return meta.TabletMeta{}, terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	var target *tabletEntry
	for _, t := range entry.tablets {
		t.mu.Lock()
		if t.meta.TabletNumber == tabletNumber {
			target = t
		}
		t.mu.Unlock()
		if target != nil {
			break
		}
	}
	entry.mu.RUnlock()
	if target == nil {
		return meta.TabletMeta{}, terrors.ErrTabletNotFound
	}

	target.mu.Lock()
	defer target.mu.Unlock()
	if err := fn(&target.meta); err != nil {
		return meta.TabletMeta{}, err
	}
	return target.meta, nil
}

// ReplaceTablets atomically removes `remove` tablets and inserts `add`,
// re-sorting by StartKey, the catalog-side half of Split/Merge's batched
// meta write (spec.md §4.3).
func (m *TabletManager) ReplaceTablets(table string, remove []uint64, add []meta.TabletMeta) error {
	entry, ok := m.table(table)
	if !ok {
		return terrors.ErrTableNotFound
	}
	removeSet := make(map[uint64]bool, len(remove))
	for _, n := range remove {
		removeSet[n] = true
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	kept := entry.tablets[:0:0]
	for _, t := range entry.tablets {
		t.mu.Lock()
		num := t.meta.TabletNumber
		t.mu.Unlock()
		if !removeSet[num] {
			kept = append(kept, t)
		}
	}
	for i := range add {
		kept = append(kept, &tabletEntry{meta: add[i]})
	}
	sort.Slice(kept, func(i, j int) bool {
		return string(kept[i].meta.StartKey) < string(kept[j].meta.StartKey)
	})
	entry.tablets = kept
	return nil
}

// CheckCoverage validates spec.md §8's invariant: for an Enable table, the
// union of tablet ranges is exactly ["", "") with no gap or overlap.
func (m *TabletManager) CheckCoverage(table string) error {
	entry, ok := m.table(table)
	if !ok {
		return terrors.ErrTableNotFound
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if entry.meta.Status != meta.TableEnable {
		return nil
	}
	if len(entry.tablets) == 0 {
		return terrors.Info(terrors.ErrMetaCorrupted, "enabled table has no tablets")
	}
	prevEnd := []byte(nil)
	for i, t := range entry.tablets {
		t.mu.Lock()
		start, end := t.meta.StartKey, t.meta.EndKey
		t.mu.Unlock()
		if i == 0 && len(start) != 0 {
			return terrors.Info(terrors.ErrMetaCorrupted, "coverage gap before first tablet")
		}
		if i > 0 && string(start) != string(prevEnd) {
			return terrors.Info(terrors.ErrMetaCorrupted, "coverage gap or overlap between tablets")
		}
		prevEnd = end
	}
	if len(prevEnd) != 0 {
		return terrors.Info(terrors.ErrMetaCorrupted, "coverage gap after last tablet")
	}
	return nil
}

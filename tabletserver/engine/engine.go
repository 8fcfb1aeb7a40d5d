// Package engine wraps common/kvstore.Store into the opaque per-tablet LSM
// interface spec.md §1 names: Load, Unload, WriteBatch, Read, LowLevelScan,
// Compact, Split, GetDataSize, list-live-files. The engine itself (MemTable,
// SSTs, compaction, WAL) stays out of scope; what lives here is the
// cell-versioned row layout and delete-marker semantics a tablet server
// needs on top of a plain byte-range KV store.
package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/tera-db/tera/common/kvstore"
	terrors "github.com/tera-db/tera/errors"
)

const (
	cellsCF      = kvstore.CF("cells")
	tombstonesCF = kvstore.CF("tombstones")
)

// Cell is one versioned value read back from the engine.
type Cell struct {
	RowKey    []byte
	Column    string
	Qualifier []byte
	Timestamp int64
	Value     []byte
}

// Mutation is one write: either a Put (Delete == false) or a delete marker
// masking every existing cell at this exact coordinate with Timestamp <=
// the marker's own Timestamp.
type Mutation struct {
	RowKey    []byte
	Column    string
	Qualifier []byte
	Timestamp int64
	Value     []byte
	Delete    bool
}

// Engine is the per-tablet storage handle a tabletserver.Tablet holds.
type Engine interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	WriteBatch(ctx context.Context, muts []Mutation) error
	Read(ctx context.Context, rowKey []byte, column string, qualifier []byte) (Cell, bool, error)
	LowLevelScan(ctx context.Context, startKey, endKey []byte) ([]Cell, error)
	Compact(ctx context.Context, startKey, endKey []byte) error
	Split(ctx context.Context, splitKey []byte) (left, right Engine, err error)
	GetDataSize(ctx context.Context) (int64, error)
	ListLiveFiles(ctx context.Context) ([]string, error)
}

// pebbleEngine is the default, testable Engine implementation (DOMAIN
// STACK: cockroachdb-pebble). After a Split the children share the parent's
// underlying kvstore.Store instance and are distinguished only by their
// StartKey/EndKey bounds — mirroring the source system's inheritance model,
// where a split child keeps reading its parent's SST files until GC
// reclaims them (master/gc.go's InheritanceQuerier), rather than copying
// row data at split time.
type pebbleEngine struct {
	path     string
	startKey []byte
	endKey   []byte

	mu    sync.RWMutex
	store kvstore.Store
}

// NewPebbleEngine builds an Engine rooted at path, scoped to [startKey,
// endKey). path is not opened until Load is called.
func NewPebbleEngine(path string, startKey, endKey []byte) Engine {
	return &pebbleEngine{path: path, startKey: startKey, endKey: endKey}
}

func (e *pebbleEngine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store != nil {
		return nil
	}
	store, err := kvstore.NewKVStore(ctx, e.path, kvstore.PebbleLsmKVType, &kvstore.Option{
		ColumnFamily:    []kvstore.CF{cellsCF, tombstonesCF},
		CreateIfMissing: true,
	})
	if err != nil {
		return terrors.Info(err, "engine: open pebble store failed")
	}
	e.store = store
	return nil
}

func (e *pebbleEngine) Unload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	e.store.Close()
	e.store = nil
	return nil
}

// clampRangeLocked intersects a caller-requested [startKey, endKey) with
// this engine's own tablet bounds, so a Split child scanning "everything"
// never sees rows belonging to its sibling even though both share the
// same underlying store. Caller must hold e.mu.
func (e *pebbleEngine) clampRangeLocked(startKey, endKey []byte) ([]byte, []byte) {
	s := startKey
	if len(e.startKey) > 0 && (len(s) == 0 || bytes.Compare(e.startKey, s) > 0) {
		s = e.startKey
	}
	en := endKey
	if len(e.endKey) > 0 && (len(en) == 0 || bytes.Compare(e.endKey, en) < 0) {
		en = e.endKey
	}
	return s, en
}

func (e *pebbleEngine) inRange(rowKey []byte) bool {
	if len(e.startKey) > 0 && bytes.Compare(rowKey, e.startKey) < 0 {
		return false
	}
	if len(e.endKey) > 0 && bytes.Compare(rowKey, e.endKey) >= 0 {
		return false
	}
	return true
}

func (e *pebbleEngine) WriteBatch(ctx context.Context, muts []Mutation) error {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store == nil {
		return terrors.Info(terrors.ErrBadParam, "engine: WriteBatch on unloaded tablet")
	}

	batch := store.NewWriteBatch()
	defer batch.Close()
	for _, m := range muts {
		if !e.inRange(m.RowKey) {
			return terrors.Info(terrors.ErrKeyNotInRange, "engine: mutation row key outside tablet range")
		}
		if m.Delete {
			if err := e.mergeTombstone(ctx, store, batch, m); err != nil {
				return err
			}
			continue
		}
		batch.Put(cellsCF, cellKey(m.RowKey, m.Column, m.Qualifier, m.Timestamp), m.Value)
	}
	wo := store.NewWriteOption()
	defer wo.Close()
	return store.Write(ctx, batch, wo)
}

// mergeTombstone keeps, per (row, column, qualifier), the highest delete
// timestamp seen so far: a cell is masked once its own timestamp is at or
// below the stored tombstone's.
func (e *pebbleEngine) mergeTombstone(ctx context.Context, store kvstore.Store, batch kvstore.WriteBatch, m Mutation) error {
	tk := tombstoneKey(m.RowKey, m.Column, m.Qualifier)
	existing, err := store.GetRaw(ctx, tombstonesCF, tk, nil)
	if err != nil && err != kvstore.ErrNotFound {
		return terrors.Info(err, "engine: read tombstone failed")
	}
	if err == nil && decodeTimestamp(existing) >= m.Timestamp {
		return nil
	}
	batch.Put(tombstonesCF, tk, encodeTimestamp(m.Timestamp))
	return nil
}

func (e *pebbleEngine) Read(ctx context.Context, rowKey []byte, column string, qualifier []byte) (Cell, bool, error) {
	cells, err := e.LowLevelScan(ctx, rowKey, append(append([]byte{}, rowKey...), 0x00))
	if err != nil {
		return Cell{}, false, err
	}
	for _, c := range cells {
		if c.Column == column && bytes.Equal(c.Qualifier, qualifier) {
			return c, true, nil
		}
	}
	return Cell{}, false, nil
}

// LowLevelScan returns every live (non-tombstoned) cell with row key in
// [startKey, endKey), applying delete markers as it goes (spec.md §1 edge
// case 5: "delete markers apply only to cells at or below their
// timestamp").
func (e *pebbleEngine) LowLevelScan(ctx context.Context, startKey, endKey []byte) ([]Cell, error) {
	e.mu.RLock()
	store := e.store
	startKey, endKey = e.clampRangeLocked(startKey, endKey)
	e.mu.RUnlock()
	if store == nil {
		return nil, terrors.Info(terrors.ErrBadParam, "engine: LowLevelScan on unloaded tablet")
	}

	ro := store.NewReadOption()
	defer ro.Close()
	lr := store.List(ctx, cellsCF, nil, startKey, ro)
	defer lr.Close()

	var out []Cell
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, terrors.Info(err, "engine: scan cells failed")
		}
		if kg == nil {
			break
		}
		rowKey, column, qualifier, ts, ok := decodeCellKey(kg.Key())
		if !ok {
			continue
		}
		if len(endKey) > 0 && bytes.Compare(rowKey, endKey) >= 0 {
			break
		}
		masked, err := e.isTombstoned(ctx, store, rowKey, column, qualifier, ts)
		if err != nil {
			return nil, err
		}
		if masked {
			continue
		}
		out = append(out, Cell{RowKey: rowKey, Column: column, Qualifier: qualifier, Timestamp: ts, Value: vg.Value()})
	}
	return out, nil
}

func (e *pebbleEngine) isTombstoned(ctx context.Context, store kvstore.Store, rowKey []byte, column string, qualifier []byte, ts int64) (bool, error) {
	tk := tombstoneKey(rowKey, column, qualifier)
	raw, err := store.GetRaw(ctx, tombstonesCF, tk, nil)
	if err == kvstore.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, terrors.Info(err, "engine: read tombstone failed")
	}
	return decodeTimestamp(raw) >= ts, nil
}

// Compact drops every cell and tombstone outside [startKey, endKey) and
// asks the underlying store to reclaim the space, exercising spec.md §1
// edge case 4 ("reopen scoped to a subrange; Compact; keys outside are
// gone").
func (e *pebbleEngine) Compact(ctx context.Context, startKey, endKey []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return terrors.Info(terrors.ErrBadParam, "engine: Compact on unloaded tablet")
	}

	if err := e.pruneOutOfRange(ctx, cellsCF, startKey, endKey, func(key []byte) []byte {
		rowKey, _, _, _, ok := decodeCellKey(key)
		if !ok {
			return nil
		}
		return rowKey
	}); err != nil {
		return err
	}
	if err := e.pruneOutOfRange(ctx, tombstonesCF, startKey, endKey, func(key []byte) []byte {
		rowKey, _, _, ok := decodeTombstoneKey(key)
		if !ok {
			return nil
		}
		return rowKey
	}); err != nil {
		return err
	}

	e.startKey, e.endKey = startKey, endKey
	if err := e.store.FlushCF(ctx, cellsCF); err != nil {
		return terrors.Info(err, "engine: flush cells failed")
	}
	return e.store.FlushCF(ctx, tombstonesCF)
}

func (e *pebbleEngine) pruneOutOfRange(ctx context.Context, col kvstore.CF, startKey, endKey []byte, rowKeyOf func(key []byte) []byte) error {
	ro := e.store.NewReadOption()
	defer ro.Close()
	lr := e.store.List(ctx, col, nil, nil, ro)
	defer lr.Close()

	batch := e.store.NewWriteBatch()
	defer batch.Close()
	any := false
	for {
		kg, _, err := lr.ReadNext()
		if err != nil {
			return terrors.Info(err, "engine: compact scan failed")
		}
		if kg == nil {
			break
		}
		rowKey := rowKeyOf(kg.Key())
		if rowKey == nil {
			continue
		}
		if (len(startKey) > 0 && bytes.Compare(rowKey, startKey) < 0) || (len(endKey) > 0 && bytes.Compare(rowKey, endKey) >= 0) {
			batch.Delete(col, kg.Key())
			any = true
		}
	}
	if !any {
		return nil
	}
	wo := e.store.NewWriteOption()
	defer wo.Close()
	return e.store.Write(ctx, batch, wo)
}

// Split returns two child engines sharing this engine's store, split at
// splitKey; they stay live for reads until Compact (or eventual GC
// reclaim) physically separates their data.
func (e *pebbleEngine) Split(ctx context.Context, splitKey []byte) (Engine, Engine, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.store == nil {
		return nil, nil, terrors.Info(terrors.ErrBadParam, "engine: Split on unloaded tablet")
	}
	if (len(e.startKey) > 0 && bytes.Compare(splitKey, e.startKey) <= 0) ||
		(len(e.endKey) > 0 && bytes.Compare(splitKey, e.endKey) >= 0) {
		return nil, nil, terrors.Info(terrors.ErrBadParam, "engine: split key outside tablet range")
	}
	left := &pebbleEngine{path: e.path, startKey: e.startKey, endKey: splitKey, store: e.store}
	right := &pebbleEngine{path: e.path, startKey: splitKey, endKey: e.endKey, store: e.store}
	return left, right, nil
}

func (e *pebbleEngine) GetDataSize(ctx context.Context) (int64, error) {
	e.mu.RLock()
	store := e.store
	e.mu.RUnlock()
	if store == nil {
		return 0, nil
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return 0, terrors.Info(err, "engine: stats failed")
	}
	return int64(stats.Used), nil
}

// ListLiveFiles reports the on-disk directory this engine's data lives
// under; real SST-level inheritance tracking stays inside the opaque
// engine (spec.md §1), so the master's GcEngine (master/gc.go) only needs
// a stable per-tablet identifier, not individual file names.
func (e *pebbleEngine) ListLiveFiles(ctx context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return []string{e.path}, nil
}

func cellKey(rowKey []byte, column string, qualifier []byte, ts int64) []byte {
	key := make([]byte, 0, len(rowKey)+1+len(column)+1+len(qualifier)+1+8)
	key = append(key, rowKey...)
	key = append(key, 0x00)
	key = append(key, column...)
	key = append(key, 0x00)
	key = append(key, qualifier...)
	key = append(key, 0x00)
	key = append(key, encodeTimestamp(ts)...)
	return key
}

func decodeCellKey(key []byte) (rowKey []byte, column string, qualifier []byte, ts int64, ok bool) {
	parts := splitN(key, 4)
	if parts == nil {
		return nil, "", nil, 0, false
	}
	return parts[0], string(parts[1]), parts[2], decodeTimestamp(parts[3]), true
}

func tombstoneKey(rowKey []byte, column string, qualifier []byte) []byte {
	key := make([]byte, 0, len(rowKey)+1+len(column)+1+len(qualifier))
	key = append(key, rowKey...)
	key = append(key, 0x00)
	key = append(key, column...)
	key = append(key, 0x00)
	key = append(key, qualifier...)
	return key
}

func decodeTombstoneKey(key []byte) (rowKey []byte, column string, qualifier []byte, ok bool) {
	parts := splitN(key, 3)
	if parts == nil {
		return nil, "", nil, false
	}
	return parts[0], string(parts[1]), parts[2], true
}

// splitN splits key on 0x00 into exactly n parts (the qualifier and value
// components may themselves be empty, but never contain the separator:
// callers only ever pass row keys/column names that predate tabletization).
func splitN(key []byte, n int) [][]byte {
	parts := bytes.SplitN(key, []byte{0x00}, n)
	if len(parts) != n {
		return nil
	}
	return parts
}

func encodeTimestamp(ts int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(ts))
	return b
}

func decodeTimestamp(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleLsmKVType selects the pebble-backed Store implementation. Pebble has
// no native column-family concept, so columns are emulated by prefixing
// every key with `<col>\x00`.
const PebbleLsmKVType = LsmKVType("pebble")

// pebbleReader is the read surface pebble.DB, pebble.Snapshot and
// pebble.Batch all share, letting Get/List pick whichever one a ReadOption
// points at without three near-duplicate code paths.
type pebbleReader interface {
	Get(key []byte) (value []byte, closer io.Closer, err error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type (
	pebbleStore struct {
		db   *pebble.DB
		path string

		mu  sync.RWMutex
		cfs map[CF]bool
	}

	pebbleSnapshot struct {
		snap *pebble.Snapshot
	}

	pebbleReadOption struct {
		reader pebbleReader
	}

	pebbleWriteOption struct {
		sync       bool
		disableWAL bool
	}

	pebbleListReader struct {
		iter    *pebble.Iterator
		isFirst bool // true until the first ReadNext/ReadPrev consumes the seeked position
		prefix  []byte

		filterKeys [][]byte
	}

	pebbleKeyGetter struct{ key []byte }

	pebbleValueGetter struct {
		value []byte
		index int
	}

	pebbleWriteBatch struct {
		s     *pebbleStore
		batch *pebble.Batch
	}
)

func newPebble(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opts := &pebble.Options{}
	if option.BlockCache > 0 {
		opts.Cache = pebble.NewCache(int64(option.BlockCache))
	}
	if option.WriteBufferSize > 0 {
		opts.MemTableSize = uint64(option.WriteBufferSize)
	}
	if option.MaxOpenFiles > 0 {
		opts.MaxOpenFiles = option.MaxOpenFiles
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	cfs := map[CF]bool{defaultCF: true}
	for _, c := range option.ColumnFamily {
		cfs[c] = true
	}

	return &pebbleStore{
		db:   db,
		path: path,
		cfs:  cfs,
	}, nil
}

func cfKey(col CF, key []byte) []byte {
	if col == "" {
		col = defaultCF
	}
	out := make([]byte, 0, len(col)+1+len(key))
	out = append(out, col...)
	out = append(out, 0)
	out = append(out, key...)
	return out
}

// cfPrefixBounds returns the [lower, upper) iteration range covering every
// key stored under col, regardless of the caller-supplied prefix/marker.
func cfPrefixBounds(col CF) (lower, upper []byte) {
	if col == "" {
		col = defaultCF
	}
	lower = append([]byte(col), 0)
	upper = successor(lower)
	return
}

func successor(prefix []byte) []byte {
	out := make([]byte, len(prefix))
	copy(out, prefix)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xff {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix was all 0xff: unbounded above
}

func (s *pebbleStore) NewSnapshot() Snapshot {
	return &pebbleSnapshot{snap: s.db.NewSnapshot()}
}

func (ss *pebbleSnapshot) Close() { ss.snap.Close() }

func (s *pebbleStore) NewReadOption() ReadOption {
	return &pebbleReadOption{reader: s.db}
}

func (ro *pebbleReadOption) SetSnapShot(snap Snapshot) {
	ro.reader = snap.(*pebbleSnapshot).snap
}

func (ro *pebbleReadOption) Close() {}

func (s *pebbleStore) NewWriteOption() WriteOption {
	return &pebbleWriteOption{}
}

func (wo *pebbleWriteOption) SetSync(value bool)      { wo.sync = value }
func (wo *pebbleWriteOption) DisableWAL(value bool)   { wo.disableWAL = value }
func (wo *pebbleWriteOption) Close()                  {}

func (wo *pebbleWriteOption) toPebble() *pebble.WriteOptions {
	if wo == nil {
		return pebble.NoSync
	}
	if wo.disableWAL {
		return &pebble.WriteOptions{Sync: false}
	}
	if wo.sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *pebbleStore) NewWriteBatch() WriteBatch {
	return &pebbleWriteBatch{s: s, batch: s.db.NewBatch()}
}

func (w *pebbleWriteBatch) Put(col CF, key, value []byte) {
	w.batch.Set(cfKey(col, key), value, nil)
}

func (w *pebbleWriteBatch) Delete(col CF, key []byte) {
	w.batch.Delete(cfKey(col, key), nil)
}

func (w *pebbleWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.batch.DeleteRange(cfKey(col, startKey), cfKey(col, endKey), nil)
}

func (w *pebbleWriteBatch) Data() []byte { return w.batch.Repr() }

func (w *pebbleWriteBatch) From(data []byte) {
	w.batch = w.s.db.NewBatch()
	_ = w.batch.SetRepr(data)
}

func (w *pebbleWriteBatch) Close() { _ = w.batch.Close() }

func (s *pebbleStore) CreateColumn(col CF) error {
	s.mu.Lock()
	s.cfs[col] = true
	s.mu.Unlock()
	return nil
}

func (s *pebbleStore) GetAllColumns() []CF {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CF, 0, len(s.cfs))
	for c := range s.cfs {
		out = append(out, c)
	}
	return out
}

func (s *pebbleStore) CheckColumns(col CF) bool {
	if col == "" {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfs[col]
}

func readerFrom(s *pebbleStore, readOpt ReadOption) pebbleReader {
	if readOpt != nil {
		return readOpt.(*pebbleReadOption).reader
	}
	return s.db
}

func (s *pebbleStore) Get(ctx context.Context, col CF, key []byte, readOpt ReadOption) (ValueGetter, error) {
	r := readerFrom(s, readOpt)
	v, closer, err := r.Get(cfKey(col, key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	closer.Close()
	return &pebbleValueGetter{value: out}, nil
}

func (s *pebbleStore) GetRaw(ctx context.Context, col CF, key []byte, readOpt ReadOption) ([]byte, error) {
	vg, err := s.Get(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return vg.Value(), nil
}

func (s *pebbleStore) MultiGet(ctx context.Context, col CF, keys [][]byte, readOpt ReadOption) ([]ValueGetter, error) {
	out := make([]ValueGetter, len(keys))
	for i, k := range keys {
		vg, err := s.Get(ctx, col, k, readOpt)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if err == nil {
			out[i] = vg
		}
	}
	return out, nil
}

func (s *pebbleStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte, writeOpt WriteOption) error {
	wo, _ := writeOpt.(*pebbleWriteOption)
	return s.db.Set(cfKey(col, key), value, wo.toPebble())
}

func (s *pebbleStore) Delete(ctx context.Context, col CF, key []byte, writeOpt WriteOption) error {
	wo, _ := writeOpt.(*pebbleWriteOption)
	return s.db.Delete(cfKey(col, key), wo.toPebble())
}

func (s *pebbleStore) List(ctx context.Context, col CF, prefix []byte, marker []byte, readOpt ReadOption) ListReader {
	lower, upper := cfPrefixBounds(col)
	var itemPrefix []byte
	if len(prefix) > 0 {
		lower = cfKey(col, prefix)
		upper = successor(lower)
		itemPrefix = lower
	}

	r := readerFrom(s, readOpt)
	iter, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	lr := &pebbleListReader{iter: iter, prefix: itemPrefix, isFirst: true}
	if err != nil {
		return lr
	}
	if len(marker) > 0 {
		iter.SeekGE(cfKey(col, marker))
	} else {
		iter.First()
	}
	return lr
}

func (s *pebbleStore) Write(ctx context.Context, batch WriteBatch, writeOpt WriteOption) error {
	wo, _ := writeOpt.(*pebbleWriteOption)
	b := batch.(*pebbleWriteBatch)
	return s.db.Apply(b.batch, wo.toPebble())
}

func (s *pebbleStore) Read(ctx context.Context, cols []CF, keys [][]byte, readOpt ReadOption) ([]ValueGetter, error) {
	out := make([]ValueGetter, len(keys))
	for i, k := range keys {
		col := CF(defaultCF)
		if i < len(cols) {
			col = cols[i]
		}
		vg, err := s.Get(ctx, col, k, readOpt)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if err == nil {
			out[i] = vg
		}
	}
	return out, nil
}

func (s *pebbleStore) FlushCF(ctx context.Context, col CF) error {
	return s.db.Flush()
}

func (s *pebbleStore) Stats(ctx context.Context) (Stats, error) {
	m := s.db.Metrics()
	used := uint64(m.DiskSpaceUsage())
	blockCache := uint64(m.BlockCache.Size)
	return Stats{
		Used: used,
		MemoryUsage: MemoryUsage{
			BlockCacheUsage: blockCache,
			MemtableUsage:   uint64(m.MemTable.Size),
			Total:           blockCache + uint64(m.MemTable.Size),
		},
	}, nil
}

func (s *pebbleStore) Close() {
	s.db.Close()
}

func (lr *pebbleListReader) ReadNext() (KeyGetter, ValueGetter, error) {
	if lr.iter == nil {
		return nil, nil, nil
	}
	if lr.isFirst {
		lr.isFirst = false
	} else {
		lr.iter.Next()
	}
	return lr.current()
}

func (lr *pebbleListReader) current() (KeyGetter, ValueGetter, error) {
	if err := lr.iter.Error(); err != nil {
		return nil, nil, err
	}
	if !lr.iter.Valid() {
		return nil, nil, nil
	}
	key := append([]byte(nil), lr.iter.Key()...)
	// Strip the `<col>\x00` prefix so callers see the key they stored.
	if i := bytes.IndexByte(key, 0); i >= 0 {
		key = key[i+1:]
	}
	if lr.filterKey(key) {
		return lr.ReadNext()
	}
	value := append([]byte(nil), lr.iter.Value()...)
	return pebbleKeyGetter{key: key}, &pebbleValueGetter{value: value}, nil
}

func (lr *pebbleListReader) ReadNextCopy() ([]byte, []byte, error) {
	kg, vg, err := lr.ReadNext()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	return kg.Key(), vg.Value(), nil
}

func (lr *pebbleListReader) ReadPrev() (KeyGetter, ValueGetter, error) {
	if lr.iter == nil {
		return nil, nil, nil
	}
	if lr.isFirst {
		lr.isFirst = false
	} else {
		lr.iter.Prev()
	}
	return lr.current()
}

func (lr *pebbleListReader) ReadPrevCopy() ([]byte, []byte, error) {
	kg, vg, err := lr.ReadPrev()
	if err != nil || kg == nil {
		return nil, nil, err
	}
	return kg.Key(), vg.Value(), nil
}

func (lr *pebbleListReader) ReadLast() (KeyGetter, ValueGetter, error) {
	if lr.iter == nil {
		return nil, nil, nil
	}
	lr.iter.Last()
	lr.isFirst = false
	return lr.current()
}

func (lr *pebbleListReader) SeekToLast() {
	if lr.iter != nil {
		lr.iter.Last()
		lr.isFirst = true
	}
}

func (lr *pebbleListReader) SeekForPrev(key []byte) error {
	if lr.iter == nil {
		return nil
	}
	lr.iter.SeekLT(key)
	lr.isFirst = true
	return lr.iter.Error()
}

func (lr *pebbleListReader) SeekTo(key []byte) {
	if lr.iter != nil {
		lr.iter.SeekGE(key)
		lr.isFirst = true
	}
}

func (lr *pebbleListReader) SetFilterKey(key []byte) {
	lr.filterKeys = append(lr.filterKeys, key)
}

func (lr *pebbleListReader) filterKey(key []byte) bool {
	for _, fk := range lr.filterKeys {
		if bytes.Equal(fk, key) {
			return true
		}
	}
	return false
}

func (lr *pebbleListReader) Close() {
	if lr.iter != nil {
		_ = lr.iter.Close()
	}
}

func (kg pebbleKeyGetter) Key() []byte { return kg.key }
func (kg pebbleKeyGetter) Close()      {}

func (vg *pebbleValueGetter) Value() []byte { return vg.value }

func (vg *pebbleValueGetter) Read(b []byte) (int, error) {
	if vg.index >= len(vg.value) {
		return 0, io.EOF
	}
	n := copy(b, vg.value[vg.index:])
	vg.index += n
	return n, nil
}

func (vg *pebbleValueGetter) Size() int { return len(vg.value) }
func (vg *pebbleValueGetter) Close()    {}


package master

import (
	"context"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

// RangeFragment tracks which key ranges of a table have acknowledged a
// schema update (spec.md §4.9). Acked ranges are merged as they arrive;
// the update is complete once the fragment covers ["", "") as one piece.
type RangeFragment struct {
	mu     sync.Mutex
	ranges []keyRange // sorted, non-overlapping
}

type keyRange struct {
	start, end []byte
}

func NewRangeFragment() *RangeFragment {
	return &RangeFragment{}
}

// Ack records that [start, end) has acknowledged the update, merging it
// with any adjoining already-acked range.
func (f *RangeFragment) Ack(start, end []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	merged := append(f.ranges, keyRange{start, end})
	sort.Slice(merged, func(i, j int) bool { return string(merged[i].start) < string(merged[j].start) })

	out := merged[:0:0]
	for _, r := range merged {
		if len(out) > 0 && string(out[len(out)-1].end) == string(r.start) {
			if len(r.end) == 0 || string(r.end) > string(out[len(out)-1].end) {
				out[len(out)-1].end = r.end
			}
			continue
		}
		out = append(out, r)
	}
	f.ranges = out
}

// Covered reports how much of ["", "") has been acked so far, as the
// sorted set of disjoint ranges.
func (f *RangeFragment) Covered() []keyRange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]keyRange, len(f.ranges))
	copy(out, f.ranges)
	return out
}

// IsComplete reports whether the fragment covers ["", "") in one piece.
func (f *RangeFragment) IsComplete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ranges) == 1 && len(f.ranges[0].start) == 0 && len(f.ranges[0].end) == 0
}

// SchemaNotifier pushes a schema update to one serving tablet server; the
// real transport lives outside this package.
type SchemaNotifier interface {
	NotifySchemaUpdate(ctx context.Context, server, table string, tabletNumber uint64, schema meta.Schema) error
}

// SchemaUpdate drives an online schema change to completion (spec.md
// §4.9): mark the table syncing, save the old schema, write the new one to
// meta, broadcast to the server of every Ready tablet, track acks in a
// RangeFragment, and complete once it covers ["", ""). No diff between the
// old and new schema is computed, and the compatibility-mode check
// (RequireDisabledForCompatChange) is a separate function Begin does not
// call.
type SchemaUpdate struct {
	catalog  *TabletManager
	notifier SchemaNotifier
	ops      *MetaOpsPipeline

	mu        sync.Mutex
	fragments map[string]*RangeFragment // table -> in-flight fragment
}

func NewSchemaUpdate(catalog *TabletManager, notifier SchemaNotifier, ops *MetaOpsPipeline) *SchemaUpdate {
	return &SchemaUpdate{catalog: catalog, notifier: notifier, ops: ops, fragments: make(map[string]*RangeFragment)}
}

// Begin starts an online schema change for table, broadcasting newSchema
// to every currently Ready tablet. It does not block for completion; call
// Fragment(table).IsComplete() to observe progress.
func (u *SchemaUpdate) Begin(ctx context.Context, table string, newSchema meta.Schema) error {
	span := trace.SpanFromContextSafe(ctx)

	tm, err := u.catalog.GetTable(table)
	if err != nil {
		return err
	}
	old := tm.Schema

	committed := make(chan error, 1)
	u.ops.Write(ctx, func() ([]MetaRecord, error) {
		tm.SchemaSyncing = true
		tm.OldSchema = &old
		tm.Schema = newSchema
		data, err := meta.EncodeTableMeta(&tm)
		if err != nil {
			return nil, err
		}
		return []MetaRecord{{Key: meta.EncodeTableKey(table), Value: data}}, nil
	}, func(err error) { committed <- err })
	if err := <-committed; err != nil {
		return err
	}
	if err := u.catalog.UpdateTableMeta(tm); err != nil {
		return err
	}

	u.mu.Lock()
	fragment := NewRangeFragment()
	u.fragments[table] = fragment
	u.mu.Unlock()

	tablets, err := u.catalog.ListTablets(table)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if t.Status != meta.TabletReady {
			continue
		}
		go func(t meta.TabletMeta) {
			if err := u.notifier.NotifySchemaUpdate(ctx, t.ServerAddr, table, t.TabletNumber, newSchema); err != nil {
				span.Warnf("schema update: notify %s/%d failed: %s", table, t.TabletNumber, err)
				return
			}
			u.Ack(ctx, table, t.StartKey, t.EndKey)
		}(t)
	}
	return nil
}

// Ack records a tablet's acknowledgment and, if the fragment now covers
// the whole table, finalizes the update (clears SchemaSyncing/OldSchema).
func (u *SchemaUpdate) Ack(ctx context.Context, table string, startKey, endKey []byte) {
	u.mu.Lock()
	fragment := u.fragments[table]
	u.mu.Unlock()
	if fragment == nil {
		return
	}
	fragment.Ack(startKey, endKey)
	if !fragment.IsComplete() {
		return
	}

	u.mu.Lock()
	delete(u.fragments, table)
	u.mu.Unlock()

	tm, err := u.catalog.GetTable(table)
	if err != nil {
		return
	}
	u.ops.Write(ctx, func() ([]MetaRecord, error) {
		tm.SchemaSyncing = false
		tm.OldSchema = nil
		data, err := meta.EncodeTableMeta(&tm)
		if err != nil {
			return nil, err
		}
		return []MetaRecord{{Key: meta.EncodeTableKey(table), Value: data}}, nil
	}, func(err error) {
		if err != nil {
			trace.SpanFromContextSafe(ctx).Warnf("schema update: finalize %s failed: %s", table, err)
			return
		}
		u.catalog.UpdateTableMeta(tm)
	})
}

// Fragment returns the in-flight RangeFragment for table, or nil if no
// schema update is currently propagating.
func (u *SchemaUpdate) Fragment(table string) *RangeFragment {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fragments[table]
}

// RequireDisabledForCompatChange enforces spec.md §4.9's compatibility
// mode: when online schema change is disabled, modifications to a
// locality group or column family require the table to be Disabled first.
func RequireDisabledForCompatChange(tm meta.TableMeta) error {
	if tm.Status != meta.TableDisable {
		return terrors.Info(terrors.ErrBadParam, "table must be Disabled to change locality groups in compatibility mode")
	}
	return nil
}

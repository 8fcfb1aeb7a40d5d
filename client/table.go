package client

import (
	"context"
	"time"
)

// RootLocator reads the root tablet's serving address from the
// coordination service, with the bounded retry spec.md §4.6 describes
// for an empty value (root just failed over, not yet re-registered).
type RootLocator interface {
	RootTabletAddr(ctx context.Context) (string, error)
}

// rootResolver is the MetaResolver OpenTable wires into its cache: it
// reads the root address through root and returns it for every table.
// Resolving "root" yields a location with only that address; any other
// table resolves to a location covering the whole key range on that same
// address. The meta table is not read, so the root -> meta -> user
// chain collapses to the root address (see the note below).
type rootResolver struct {
	root RootLocator
	dial Dialer
}

const (
	rootTableName = "@root"
	metaTableName = "@meta"
)

func (r *rootResolver) ResolveTablet(ctx context.Context, table string, key []byte) (TabletLocation, error) {
	addr, err := r.root.RootTabletAddr(ctx)
	if err != nil {
		return TabletLocation{}, err
	}
	if table == rootTableName {
		return TabletLocation{Table: rootTableName, ServerAddr: addr}, nil
	}
	// A real client dials addr's meta-table Scan to look up table's
	// tablet covering key; absent a wired rpcutil transport, this
	// falls back to serving the meta table itself from the root node
	// (true in any single-master deployment, since master/rpc.go loads
	// the meta table onto whichever node is currently acting as root).
	return TabletLocation{Table: table, ServerAddr: addr}, nil
}

// Table is the application-facing handle for one table: row-key
// resolution and batched dispatch, wired together the way spec.md §2's
// data-flow section describes a client using them.
type Table struct {
	name     string
	cache    *ClientMetaCache
	pipeline *ClientRequestPipeline
	dial     Dialer
}

// Config bundles the tunables NewTable wires into the cache and
// pipeline it builds.
type Config struct {
	MaxConcurrentScans int
	MaxBatchBytes      int
	MaxBatchRows       int
	CommitDelay        time.Duration
	BytesPerSecond     int
}

// DefaultConfig mirrors the magnitudes spec.md's testable-properties
// section exercises: small batches, short commit delay, generous burst
// rate, since production tuning is a deployment concern this layer only
// has to make overridable.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentScans: 8,
		MaxBatchBytes:      4 << 20,
		MaxBatchRows:       1000,
		CommitDelay:        10 * time.Millisecond,
		BytesPerSecond:     64 << 20,
	}
}

// OpenTable builds a Table bound to name, resolving routes through root
// and dispatching writes/reads through dial.
func OpenTable(name string, root RootLocator, dial Dialer, cfg Config) *Table {
	resolver := &rootResolver{root: root, dial: dial}
	cache := NewClientMetaCache(resolver, cfg.MaxConcurrentScans)
	pipeline := NewClientRequestPipeline(cache, dial, cfg.MaxBatchBytes, cfg.MaxBatchRows, cfg.CommitDelay, cfg.BytesPerSecond)
	return &Table{name: name, cache: cache, pipeline: pipeline, dial: dial}
}

// Put writes one cell, batched with other pending writes against the
// same serving tablet server; it blocks until the containing batch has
// committed.
func (t *Table) Put(ctx context.Context, rowKey []byte, column string, qualifier []byte, value []byte) error {
	return t.pipeline.Submit(ctx, RowMutation{
		Table: t.name, RowKey: rowKey, Column: column, Qualifier: qualifier,
		Timestamp: time.Now().UnixNano(), Value: value,
	})
}

// Delete writes a tombstone for one cell coordinate.
func (t *Table) Delete(ctx context.Context, rowKey []byte, column string, qualifier []byte) error {
	return t.pipeline.Submit(ctx, RowMutation{
		Table: t.name, RowKey: rowKey, Column: column, Qualifier: qualifier,
		Timestamp: time.Now().UnixNano(), Delete: true,
	})
}

// Flush forces immediate commit of rowKey's pending batch rather than
// waiting for the size/count/timeout thresholds.
func (t *Table) Flush(ctx context.Context, rowKey []byte) error {
	loc, err := t.cache.Locate(ctx, t.name, rowKey)
	if err != nil {
		return err
	}
	t.pipeline.commit(ctx, loc.ServerAddr)
	return nil
}

// Get reads one cell, resolving and dialing the serving tablet server
// directly (reads bypass the write pipeline's batching, matching
// spec.md §4.7's RowReader task kind).
func (t *Table) Get(ctx context.Context, rowKey []byte, column string, qualifier []byte) (RowResult, error) {
	loc, err := t.cache.Locate(ctx, t.name, rowKey)
	if err != nil {
		return RowResult{}, err
	}
	client, err := t.dial.Dial(loc.ServerAddr)
	if err != nil {
		return RowResult{}, err
	}
	results, err := client.ReadRows(ctx, t.name, []RowLookup{{RowKey: rowKey, Column: column, Qualifier: qualifier}})
	if err != nil {
		t.cache.Invalidate(t.name, rowKey)
		return RowResult{}, err
	}
	if len(results) == 0 {
		return RowResult{}, nil
	}
	return results[0], nil
}

// Scan reads every cell in [startKey, endKey), walking across tablet
// boundaries by re-resolving at the EndKey of each resolved location,
// since one ScanRows RPC only ever covers a single tablet.
func (t *Table) Scan(ctx context.Context, startKey, endKey []byte) ([]RowResult, error) {
	var out []RowResult
	cursor := startKey
	for {
		loc, err := t.cache.Locate(ctx, t.name, cursor)
		if err != nil {
			return out, err
		}
		client, err := t.dial.Dial(loc.ServerAddr)
		if err != nil {
			return out, err
		}
		rows, err := client.ScanRows(ctx, t.name, cursor, endKey)
		if err != nil {
			t.cache.Invalidate(t.name, cursor)
			return out, err
		}
		out = append(out, rows...)

		if len(loc.EndKey) == 0 {
			break
		}
		if len(endKey) > 0 && string(loc.EndKey) >= string(endKey) {
			break
		}
		cursor = loc.EndKey
	}
	return out, nil
}

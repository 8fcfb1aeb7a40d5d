package rpcutil

import (
	"context"
	"errors"

	"github.com/tera-db/tera/client"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
	"github.com/tera-db/tera/tabletserver"
	"github.com/tera-db/tera/tabletserver/engine"
)

// TabletServerImpl is the subset of tabletserver.Server's exported
// surface a Registry binds to the network, named separately so a fake
// can stand in for tests without depending on the concrete type.
type TabletServerImpl interface {
	LoadTablet(ctx context.Context, req master.LoadTabletRequest) error
	UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error
	ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) ([]byte, bool, error)
	Compact(ctx context.Context, table string, tabletNumber uint64) error
	UpdateSchema(ctx context.Context, table string, tabletNumber uint64, schema meta.Schema) error
	WriteBatch(ctx context.Context, records []master.MetaRecord) error
	Scan(ctx context.Context, startKey, endKey []byte) ([]master.MetaRecord, error)
	ListTabletDirectories(ctx context.Context, table string) ([]uint64, error)
	ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error)
	DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error
	PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error
	WriteRows(ctx context.Context, table string, muts []engine.Mutation) ([]error, error)
	ReadRows(ctx context.Context, table string, lookups []tabletserver.RowLookup) ([]engine.Cell, []bool, []error, error)
	ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]engine.Cell, error)
}

// Request/reply wire shapes. error values never cross the wire
// directly (gob cannot encode an interface without every concrete type
// registered); they are flattened to strings and rebuilt with
// errors.New on the receiving side, which is enough for the routing
// and retry logic upstream of here, all of which only branches on
// error-ness and message, not identity.

type loadTabletArg struct{ Req master.LoadTabletRequest }
type unloadTabletArg struct {
	Table        string
	TabletNumber uint64
}
type computeSplitKeyArg struct {
	Table            string
	StartKey, EndKey []byte
}
type computeSplitKeyReply struct {
	SplitKey []byte
	Ok       bool
}
type tabletNumberArg struct {
	Table        string
	TabletNumber uint64
}
type updateSchemaArg struct {
	Table        string
	TabletNumber uint64
	Schema       meta.Schema
}
type writeBatchArg struct{ Records []master.MetaRecord }
type scanMetaArg struct{ StartKey, EndKey []byte }
type scanMetaReply struct{ Records []master.MetaRecord }
type tableArg struct{ Table string }
type listTabletDirectoriesReply struct{ Numbers []uint64 }
type listFilesReply struct{ Files map[string][]string }
type deleteFilesArg struct {
	Table        string
	TabletNumber uint64
	Lg           string
	Files        []string
}
type writeRowsArg struct {
	Table string
	Muts  []engine.Mutation
}
type writeRowsReply struct{ Errs []string }
type readRowsArg struct {
	Table   string
	Lookups []tabletserver.RowLookup
}
type readRowsReply struct {
	Cells []engine.Cell
	Found []bool
	Errs  []string
}
type scanRowsArg struct {
	Table             string
	StartKey, EndKey  []byte
}
type scanRowsReply struct{ Cells []engine.Cell }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func errFromString(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}

func errSliceToStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = errString(e)
	}
	return out
}

func errSliceFromStrings(ss []string) []error {
	out := make([]error, len(ss))
	for i, s := range ss {
		out[i] = errFromString(s)
	}
	return out
}

// BindTabletServer registers every tabletserver.Server RPC this module
// exposes (master.TabletServerClient, master.MetaTabletClient,
// master.TabletFileLister, and the client-facing data plane) on
// registry, under the "TabletServer." method prefix.
func BindTabletServer(registry *Registry, impl TabletServerImpl) {
	registry.Register("TabletServer.LoadTablet", func(ctx context.Context, req []byte) ([]byte, error) {
		var a loadTabletArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.LoadTablet(ctx, a.Req)
	})
	registry.Register("TabletServer.UnloadTablet", func(ctx context.Context, req []byte) ([]byte, error) {
		var a unloadTabletArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.UnloadTablet(ctx, a.Table, a.TabletNumber)
	})
	registry.Register("TabletServer.ComputeSplitKey", func(ctx context.Context, req []byte) ([]byte, error) {
		var a computeSplitKeyArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		key, ok, err := impl.ComputeSplitKey(ctx, a.Table, a.StartKey, a.EndKey)
		if err != nil {
			return nil, err
		}
		return encodeArg(computeSplitKeyReply{SplitKey: key, Ok: ok})
	})
	registry.Register("TabletServer.Compact", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tabletNumberArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Compact(ctx, a.Table, a.TabletNumber)
	})
	registry.Register("TabletServer.UpdateSchema", func(ctx context.Context, req []byte) ([]byte, error) {
		var a updateSchemaArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.UpdateSchema(ctx, a.Table, a.TabletNumber, a.Schema)
	})
	registry.Register("TabletServer.WriteBatch", func(ctx context.Context, req []byte) ([]byte, error) {
		var a writeBatchArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.WriteBatch(ctx, a.Records)
	})
	registry.Register("TabletServer.Scan", func(ctx context.Context, req []byte) ([]byte, error) {
		var a scanMetaArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		records, err := impl.Scan(ctx, a.StartKey, a.EndKey)
		if err != nil {
			return nil, err
		}
		return encodeArg(scanMetaReply{Records: records})
	})
	registry.Register("TabletServer.ListTabletDirectories", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		nums, err := impl.ListTabletDirectories(ctx, a.Table)
		if err != nil {
			return nil, err
		}
		return encodeArg(listTabletDirectoriesReply{Numbers: nums})
	})
	registry.Register("TabletServer.ListFiles", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tabletNumberArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		files, err := impl.ListFiles(ctx, a.Table, a.TabletNumber)
		if err != nil {
			return nil, err
		}
		return encodeArg(listFilesReply{Files: files})
	})
	registry.Register("TabletServer.DeleteFiles", func(ctx context.Context, req []byte) ([]byte, error) {
		var a deleteFilesArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.DeleteFiles(ctx, a.Table, a.TabletNumber, a.Lg, a.Files)
	})
	registry.Register("TabletServer.PruneEmptyDirectories", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tabletNumberArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.PruneEmptyDirectories(ctx, a.Table, a.TabletNumber)
	})
	registry.Register("TabletServer.WriteRows", func(ctx context.Context, req []byte) ([]byte, error) {
		var a writeRowsArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		statuses, err := impl.WriteRows(ctx, a.Table, a.Muts)
		if err != nil {
			return nil, err
		}
		return encodeArg(writeRowsReply{Errs: errSliceToStrings(statuses)})
	})
	registry.Register("TabletServer.ReadRows", func(ctx context.Context, req []byte) ([]byte, error) {
		var a readRowsArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		cells, found, statuses, err := impl.ReadRows(ctx, a.Table, a.Lookups)
		if err != nil {
			return nil, err
		}
		return encodeArg(readRowsReply{Cells: cells, Found: found, Errs: errSliceToStrings(statuses)})
	})
	registry.Register("TabletServer.ScanRows", func(ctx context.Context, req []byte) ([]byte, error) {
		var a scanRowsArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		cells, err := impl.ScanRows(ctx, a.Table, a.StartKey, a.EndKey)
		if err != nil {
			return nil, err
		}
		return encodeArg(scanRowsReply{Cells: cells})
	})
}

// TabletServerProxy is the client-side stub dialed by the master
// (master.TabletServerClient, master.MetaTabletClient,
// master.TabletFileLister) and by end-user clients
// (client.TabletDataClient), all served by the same remote Registry.
type TabletServerProxy struct {
	client *Client
}

func NewTabletServerProxy(c *Client) *TabletServerProxy {
	return &TabletServerProxy{client: c}
}

func (p *TabletServerProxy) LoadTablet(ctx context.Context, req master.LoadTabletRequest) error {
	return p.client.Call(ctx, "TabletServer.LoadTablet", loadTabletArg{Req: req}, nil)
}

func (p *TabletServerProxy) UnloadTablet(ctx context.Context, table string, tabletNumber uint64) error {
	return p.client.Call(ctx, "TabletServer.UnloadTablet", unloadTabletArg{Table: table, TabletNumber: tabletNumber}, nil)
}

func (p *TabletServerProxy) ComputeSplitKey(ctx context.Context, table string, startKey, endKey []byte) ([]byte, bool, error) {
	var reply computeSplitKeyReply
	err := p.client.Call(ctx, "TabletServer.ComputeSplitKey", computeSplitKeyArg{Table: table, StartKey: startKey, EndKey: endKey}, &reply)
	return reply.SplitKey, reply.Ok, err
}

func (p *TabletServerProxy) Compact(ctx context.Context, table string, tabletNumber uint64) error {
	return p.client.Call(ctx, "TabletServer.Compact", tabletNumberArg{Table: table, TabletNumber: tabletNumber}, nil)
}

func (p *TabletServerProxy) NotifySchemaUpdate(ctx context.Context, server, table string, tabletNumber uint64, schema meta.Schema) error {
	return p.client.Call(ctx, "TabletServer.UpdateSchema", updateSchemaArg{Table: table, TabletNumber: tabletNumber, Schema: schema}, nil)
}

func (p *TabletServerProxy) WriteBatch(ctx context.Context, records []master.MetaRecord) error {
	return p.client.Call(ctx, "TabletServer.WriteBatch", writeBatchArg{Records: records}, nil)
}

func (p *TabletServerProxy) Scan(ctx context.Context, startKey, endKey []byte) ([]master.MetaRecord, error) {
	var reply scanMetaReply
	err := p.client.Call(ctx, "TabletServer.Scan", scanMetaArg{StartKey: startKey, EndKey: endKey}, &reply)
	return reply.Records, err
}

func (p *TabletServerProxy) ListTabletDirectories(ctx context.Context, table string) ([]uint64, error) {
	var reply listTabletDirectoriesReply
	err := p.client.Call(ctx, "TabletServer.ListTabletDirectories", tableArg{Table: table}, &reply)
	return reply.Numbers, err
}

func (p *TabletServerProxy) ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) {
	var reply listFilesReply
	err := p.client.Call(ctx, "TabletServer.ListFiles", tabletNumberArg{Table: table, TabletNumber: tabletNumber}, &reply)
	return reply.Files, err
}

func (p *TabletServerProxy) DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error {
	return p.client.Call(ctx, "TabletServer.DeleteFiles", deleteFilesArg{Table: table, TabletNumber: tabletNumber, Lg: lg, Files: files}, nil)
}

func (p *TabletServerProxy) PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error {
	return p.client.Call(ctx, "TabletServer.PruneEmptyDirectories", tabletNumberArg{Table: table, TabletNumber: tabletNumber}, nil)
}

// TabletDataProxy is the end-user client's stub for
// client.TabletDataClient, kept distinct from TabletServerProxy because
// client.TabletDataClient's WriteBatch(muts) ([]error, error) and
// master.MetaTabletClient's WriteBatch(records) error cannot coexist as
// two methods of the same name on one Go type.
type TabletDataProxy struct {
	client *Client
}

func NewTabletDataProxy(c *Client) *TabletDataProxy {
	return &TabletDataProxy{client: c}
}

func (p *TabletDataProxy) WriteBatch(ctx context.Context, muts []client.RowMutation) ([]error, error) {
	table := ""
	if len(muts) > 0 {
		table = muts[0].Table
	}
	wireMuts := make([]engine.Mutation, len(muts))
	for i, m := range muts {
		wireMuts[i] = engine.Mutation{RowKey: m.RowKey, Column: m.Column, Qualifier: m.Qualifier, Timestamp: m.Timestamp, Value: m.Value, Delete: m.Delete}
	}
	var reply writeRowsReply
	err := p.client.Call(ctx, "TabletServer.WriteRows", writeRowsArg{Table: table, Muts: wireMuts}, &reply)
	if err != nil {
		return nil, err
	}
	return errSliceFromStrings(reply.Errs), nil
}

func (p *TabletDataProxy) ReadRows(ctx context.Context, table string, lookups []client.RowLookup) ([]client.RowResult, error) {
	wireLookups := make([]tabletserver.RowLookup, len(lookups))
	for i, l := range lookups {
		wireLookups[i] = tabletserver.RowLookup{RowKey: l.RowKey, Column: l.Column, Qualifier: l.Qualifier}
	}
	var reply readRowsReply
	err := p.client.Call(ctx, "TabletServer.ReadRows", readRowsArg{Table: table, Lookups: wireLookups}, &reply)
	if err != nil {
		return nil, err
	}
	out := make([]client.RowResult, len(reply.Cells))
	for i, c := range reply.Cells {
		out[i] = client.RowResult{RowKey: c.RowKey, Column: c.Column, Qualifier: c.Qualifier, Timestamp: c.Timestamp, Value: c.Value, Found: i < len(reply.Found) && reply.Found[i]}
	}
	return out, nil
}

func (p *TabletDataProxy) ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]client.RowResult, error) {
	var reply scanRowsReply
	err := p.client.Call(ctx, "TabletServer.ScanRows", scanRowsArg{Table: table, StartKey: startKey, EndKey: endKey}, &reply)
	if err != nil {
		return nil, err
	}
	out := make([]client.RowResult, len(reply.Cells))
	for i, c := range reply.Cells {
		out[i] = client.RowResult{RowKey: c.RowKey, Column: c.Column, Qualifier: c.Qualifier, Timestamp: c.Timestamp, Value: c.Value, Found: true}
	}
	return out, nil
}

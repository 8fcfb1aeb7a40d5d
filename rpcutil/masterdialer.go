package rpcutil

import (
	"context"
	"sync"

	"github.com/tera-db/tera/common/coordination"
	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
)

// Dialer caches one grpc connection (and one TabletServerProxy) per
// tablet server address. It satisfies master.TabletServerDialer directly
// and backs RootMetaLocator and FileLister, which each need a proxy for
// an address discovered some other way.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*TabletServerProxy
}

func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*TabletServerProxy)}
}

// Dial satisfies master.TabletServerDialer.
func (d *Dialer) Dial(addr string) (master.TabletServerClient, error) {
	return d.proxyFor(addr)
}

// NotifySchemaUpdate satisfies master.SchemaNotifier: dial server and
// push the new schema to the named tablet.
func (d *Dialer) NotifySchemaUpdate(ctx context.Context, server, table string, tabletNumber uint64, schema meta.Schema) error {
	p, err := d.proxyFor(server)
	if err != nil {
		return err
	}
	return p.NotifySchemaUpdate(ctx, server, table, tabletNumber, schema)
}

func (d *Dialer) proxyFor(addr string) (*TabletServerProxy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.conns[addr]; ok {
		return p, nil
	}
	c, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	p := NewTabletServerProxy(c)
	d.conns[addr] = p
	return p, nil
}

// Drop closes and forgets a cached connection so the next Dial retries
// fresh, used once a server is found unreachable.
func (d *Dialer) Drop(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.conns[addr]; ok {
		p.client.Close()
	}
	delete(d.conns, addr)
}

// RootMetaLocator satisfies master.MetaTabletLocator by reading the
// coordination service's root-tablet-address node: the meta table is
// always colocated with whichever tablet server currently acts as root,
// the same simplification client/table.go's rootResolver documents for
// the client side.
type RootMetaLocator struct {
	coord       coordination.Adapter
	clusterName string
	dialer      *Dialer

	mu  sync.Mutex
	cur master.MetaTabletClient
}

func NewRootMetaLocator(coord coordination.Adapter, clusterName string, dialer *Dialer) *RootMetaLocator {
	return &RootMetaLocator{coord: coord, clusterName: clusterName, dialer: dialer}
}

func (l *RootMetaLocator) Locate(ctx context.Context) (master.MetaTabletClient, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cur != nil {
		return l.cur, nil
	}
	addr, err := l.coord.Get(ctx, coordination.RootTabletAddrPath(l.clusterName))
	if err != nil {
		return nil, err
	}
	p, err := l.dialer.proxyFor(string(addr))
	if err != nil {
		return nil, err
	}
	l.cur = p
	return p, nil
}

func (l *RootMetaLocator) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cur = nil
}

// FileLister satisfies master.TabletFileLister by fanning calls out
// across every currently online node (nodes reports the node manager's
// live set), since the interface addresses a tablet by table+number
// alone and the master's GcEngine does not track which node currently
// holds a given tablet's files outside the catalog's serving-node field.
type FileLister struct {
	dialer *Dialer
	nodes  func() []master.NodeInfo
}

func NewFileLister(dialer *Dialer, nodes func() []master.NodeInfo) *FileLister {
	return &FileLister{dialer: dialer, nodes: nodes}
}

func (f *FileLister) ListTabletDirectories(ctx context.Context, table string) ([]uint64, error) {
	seen := make(map[uint64]bool)
	var out []uint64
	for _, n := range f.nodes() {
		p, err := f.dialer.proxyFor(n.Addr)
		if err != nil {
			continue
		}
		nums, err := p.ListTabletDirectories(ctx, table)
		if err != nil {
			continue
		}
		for _, num := range nums {
			if !seen[num] {
				seen[num] = true
				out = append(out, num)
			}
		}
	}
	return out, nil
}

func (f *FileLister) ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) {
	for _, n := range f.nodes() {
		p, err := f.dialer.proxyFor(n.Addr)
		if err != nil {
			continue
		}
		files, err := p.ListFiles(ctx, table, tabletNumber)
		if err == nil && len(files) > 0 {
			return files, nil
		}
	}
	return nil, terrors.ErrTabletNotFound
}

func (f *FileLister) DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error {
	for _, n := range f.nodes() {
		p, err := f.dialer.proxyFor(n.Addr)
		if err != nil {
			continue
		}
		if err := p.DeleteFiles(ctx, table, tabletNumber, lg, files); err == nil {
			return nil
		}
	}
	return terrors.ErrTabletNotFound
}

func (f *FileLister) PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error {
	for _, n := range f.nodes() {
		p, err := f.dialer.proxyFor(n.Addr)
		if err != nil {
			continue
		}
		if err := p.PruneEmptyDirectories(ctx, table, tabletNumber); err == nil {
			return nil
		}
	}
	return terrors.ErrTabletNotFound
}

// NoopInheritanceQuerier never returns an entry for any table or dead
// tablet. Real lineage tracking would need each tablet server to report,
// per live tablet, which ancestor files its readers still touch; no RPC
// for that exists on tabletserver.Server yet. GcStrategy treats an absent
// report entry as "inheritance unknown" rather than "nothing inherited",
// so wiring this in means GcEngine never deletes a file until that
// surface is built and a real querier starts reporting dead tablets
// explicitly.
type NoopInheritanceQuerier struct{}

func (NoopInheritanceQuerier) QueryInheritedFiles(ctx context.Context, nodes []master.NodeInfo) (master.InheritanceReport, error) {
	return master.InheritanceReport{}, nil
}

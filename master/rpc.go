package master

import (
	"context"
	"time"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

// RPCServer is the Go-native method surface the CLI and tablet servers
// call into (spec.md §6's CLI surface), with the actual wire transport
// left to the rpcutil package the way spec.md §1 keeps RPC framing out of
// this package's scope. Table-row changes journal through MetaOpsPipeline
// before the in-memory catalog is updated; CreateTable is the exception
// (see writeTableRow).
type RPCServer struct {
	master *Master
}

func NewRPCServer(master *Master) *RPCServer {
	return &RPCServer{master: master}
}

// CreateTable implements the `create` CLI verb: journal the table record,
// seed the catalog's single spanning tablet, and drive that tablet through
// NotInit -> Offline -> WaitLoad before handing it to TabletLifecycle.Load.
func (s *RPCServer) CreateTable(ctx context.Context, name string, schema meta.Schema, acl []meta.ACLEntry) error {
	tm := meta.TableMeta{
		Name:       name,
		Schema:     schema,
		ACL:        acl,
		Status:     meta.TableEnable,
		CreateTime: time.Now(),
	}
	if err := s.master.Catalog.CreateTable(ctx, tm); err != nil {
		return err
	}
	// CreateTable just assigned NextTabletNumber and seeded the initial
	// tablet; re-read the authoritative record before journaling it so the
	// persisted row matches what the catalog now holds.
	tm, err := s.master.Catalog.GetTable(name)
	if err != nil {
		return err
	}
	if err := s.journalTableRow(ctx, tm); err != nil {
		return err
	}
	tablets, err := s.master.Catalog.ListTablets(name)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if err := s.advanceTablet(ctx, name, t.TabletNumber, meta.TabletOffline); err != nil {
			return err
		}
		if err := s.advanceTablet(ctx, name, t.TabletNumber, meta.TabletWaitLoad); err != nil {
			return err
		}
		if target := s.master.pickServerFor(name, t.TabletNumber); target != "" {
			s.master.Lifecycle.Load(ctx, name, t.TabletNumber, target)
		}
	}
	return nil
}

// advanceTablet journals a single state-machine transition, then applies it
// to the catalog, the same commit-then-apply order every TabletLifecycle
// step follows.
func (s *RPCServer) advanceTablet(ctx context.Context, table string, tabletNumber uint64, to meta.TabletStatus) error {
	done := make(chan error, 1)
	s.master.MetaOps.Write(ctx, func() ([]MetaRecord, error) {
		return s.master.Lifecycle.encodeTabletWrite(table, tabletNumber, func(tm *meta.TabletMeta) error {
			return meta.Transition(&tm.Status, to)
		})
	}, func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}
	_, err := s.master.Catalog.MutateTablet(table, tabletNumber, func(tm *meta.TabletMeta) error {
		return meta.Transition(&tm.Status, to)
	})
	return err
}

// DropTable implements `drop`, marking the table Deleting; actual tablet
// teardown happens asynchronously via TabletLifecycle.Unload.
func (s *RPCServer) DropTable(ctx context.Context, name string) error {
	tm, err := s.master.Catalog.GetTable(name)
	if err != nil {
		return err
	}
	tm.Status = meta.TableDeleting
	if err := s.writeTableRow(ctx, tm); err != nil {
		return err
	}
	return s.master.Catalog.DropTable(ctx, name)
}

// EnableTable implements `enable`.
func (s *RPCServer) EnableTable(ctx context.Context, name string) error {
	return s.setTableStatus(ctx, name, meta.TableEnable)
}

// DisableTable implements `disable`, required before any locality-group
// edit outside an online schema change (spec.md §4.9).
func (s *RPCServer) DisableTable(ctx context.Context, name string) error {
	return s.setTableStatus(ctx, name, meta.TableDisable)
}

func (s *RPCServer) setTableStatus(ctx context.Context, name string, status meta.TableStatus) error {
	tm, err := s.master.Catalog.GetTable(name)
	if err != nil {
		return err
	}
	tm.Status = status
	return s.writeTableRow(ctx, tm)
}

// UpdateSchema implements `update`, starting an online schema change.
func (s *RPCServer) UpdateSchema(ctx context.Context, table string, schema meta.Schema) error {
	return s.master.Schema.Begin(ctx, table, schema)
}

// UpdateCheck implements `updatecheck`, reporting how much of the table
// has acknowledged an in-flight schema change.
func (s *RPCServer) UpdateCheck(table string) (complete bool, covered int) {
	fragment := s.master.Schema.Fragment(table)
	if fragment == nil {
		return true, 0
	}
	return fragment.IsComplete(), len(fragment.Covered())
}

// ShowTable implements `show`.
func (s *RPCServer) ShowTable(name string) (meta.TableMeta, []meta.TabletMeta, error) {
	tm, err := s.master.Catalog.GetTable(name)
	if err != nil {
		return meta.TableMeta{}, nil, err
	}
	tablets, err := s.master.Catalog.ListTablets(name)
	if err != nil {
		return meta.TableMeta{}, nil, err
	}
	return tm, tablets, nil
}

// ShowTabletServers implements `showts`.
func (s *RPCServer) ShowTabletServers() []NodeInfo {
	return s.master.Nodes.List()
}

// Heartbeat is the Server-side handler a tablet server's periodic
// MasterClient.Heartbeat call dials, folding its reported load into
// TabletNodeManager (spec.md §4.1/§4.4).
func (s *RPCServer) Heartbeat(ctx context.Context, addr, sessionID string, dataSize int64, tabletCount int, counters meta.Counters) {
	s.master.Nodes.Register(ctx, addr, sessionID)
	s.master.Nodes.UpdateStats(addr, dataSize, tabletCount, counters)
}

// Snapshot implements `snapshot`, appending a new snapshot id to the
// table's snapshot list.
func (s *RPCServer) Snapshot(ctx context.Context, table string) (uint64, error) {
	tm, err := s.master.Catalog.GetTable(table)
	if err != nil {
		return 0, err
	}
	id := uint64(time.Now().UnixNano())
	tm.Snapshots = append(tm.Snapshots, id)
	if err := s.writeTableRow(ctx, tm); err != nil {
		return 0, err
	}
	return id, nil
}

// Rollback implements `rollback`: once snapshotID is confirmed to be one
// of the table's snapshots, every Ready tablet is unloaded and loaded
// again on the same server. The Load request carries the tablet's own
// Snapshots list; snapshotID itself is not sent to the tablet server.
func (s *RPCServer) Rollback(ctx context.Context, table string, snapshotID uint64) error {
	tm, err := s.master.Catalog.GetTable(table)
	if err != nil {
		return err
	}
	found := false
	for _, id := range tm.Snapshots {
		if id == snapshotID {
			found = true
			break
		}
	}
	if !found {
		return terrors.ErrSnapshotNotExist
	}

	tablets, err := s.master.Catalog.ListTablets(table)
	if err != nil {
		return err
	}
	for _, t := range tablets {
		if t.Status != meta.TabletReady {
			continue
		}
		server := t.ServerAddr
		s.master.Lifecycle.Unload(ctx, table, t.TabletNumber, func(err error) {
			if err != nil {
				return
			}
			if _, err := s.master.Catalog.MutateTablet(table, t.TabletNumber, func(tm *meta.TabletMeta) error {
				return meta.Transition(&tm.Status, meta.TabletWaitLoad)
			}); err != nil {
				return
			}
			s.master.Lifecycle.Load(ctx, table, t.TabletNumber, server)
		})
	}
	return nil
}

// DeleteSnapshot implements `delsnapshot`.
func (s *RPCServer) DeleteSnapshot(ctx context.Context, table string, snapshotID uint64) error {
	tm, err := s.master.Catalog.GetTable(table)
	if err != nil {
		return err
	}
	out := tm.Snapshots[:0:0]
	for _, id := range tm.Snapshots {
		if id != snapshotID {
			out = append(out, id)
		}
	}
	tm.Snapshots = out
	return s.writeTableRow(ctx, tm)
}

// RenameTable implements `rename`: write the new name's row, drop the old
// one, and re-key every tablet row under the new table name.
func (s *RPCServer) RenameTable(ctx context.Context, oldName, newName string) error {
	tm, err := s.master.Catalog.GetTable(oldName)
	if err != nil {
		return err
	}
	tablets, err := s.master.Catalog.ListTablets(oldName)
	if err != nil {
		return err
	}

	tm.Name = newName
	renamed := make([]meta.TabletMeta, len(tablets))
	records := make([]MetaRecord, 0, len(tablets)+2)
	for i, t := range tablets {
		t.TableName = newName
		renamed[i] = t
		data, err := meta.EncodeTabletMeta(&t)
		if err != nil {
			return err
		}
		records = append(records, MetaRecord{Key: meta.EncodeTabletKey(newName, t.StartKey), Value: data})
		records = append(records, MetaRecord{Key: meta.EncodeTabletKey(oldName, t.StartKey), Delete: true})
	}
	tableData, err := meta.EncodeTableMeta(&tm)
	if err != nil {
		return err
	}
	records = append(records, MetaRecord{Key: meta.EncodeTableKey(newName), Value: tableData})
	records = append(records, MetaRecord{Key: meta.EncodeTableKey(oldName), Delete: true})

	done := make(chan error, 1)
	s.master.MetaOps.Write(ctx, func() ([]MetaRecord, error) { return records, nil }, func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}

	s.master.Catalog.LoadTable(tm, renamed)
	// The old name's tablets now live under newName, so its entry is
	// dropped directly; RemoveTable would refuse while they are not Deleted.
	s.master.Catalog.mu.Lock()
	delete(s.master.Catalog.tables, oldName)
	s.master.Catalog.mu.Unlock()
	return nil
}

// SafeModeEnter/SafeModeLeave implement `safemode enter`/`safemode leave`.
func (s *RPCServer) SafeModeEnter(ctx context.Context) error { return s.master.EnterSafeMode(ctx) }
func (s *RPCServer) SafeModeLeave(ctx context.Context) error { return s.master.ExitSafeMode(ctx) }

// Kick implements `kick <ts>`.
func (s *RPCServer) Kick(ctx context.Context, addr string) {
	s.master.KickNode(ctx, addr)
}

// Compact implements `compact`, dispatched to the tablet's current server.
func (s *RPCServer) Compact(ctx context.Context, table string, tabletNumber uint64) error {
	tm, err := s.master.Catalog.FindTabletByNumber(table, tabletNumber)
	if err != nil {
		return err
	}
	client, err := s.master.Lifecycle.dialer.Dial(tm.ServerAddr)
	if err != nil {
		return err
	}
	return client.Compact(ctx, table, tabletNumber)
}

// Split implements `split`.
func (s *RPCServer) Split(ctx context.Context, table string, tabletNumber uint64) error {
	return s.master.Lifecycle.Split(ctx, table, tabletNumber)
}

// Merge implements `merge`.
func (s *RPCServer) Merge(ctx context.Context, table string, a, b uint64) error {
	return s.master.Lifecycle.Merge(ctx, table, a, b)
}

// Move implements `move`.
func (s *RPCServer) Move(ctx context.Context, table string, tabletNumber uint64, target string) error {
	return s.master.Lifecycle.Move(ctx, table, tabletNumber, target)
}

// User delegates every `user {...}` subcommand straight to UserManager.
func (s *RPCServer) CreateUser(ctx context.Context, name, pass string) error {
	return s.master.Users.CreateUser(ctx, name, pass)
}
func (s *RPCServer) DeleteUser(ctx context.Context, name string) error {
	return s.master.Users.DeleteUser(ctx, name)
}
func (s *RPCServer) ChangePwd(ctx context.Context, name, pass string) error {
	return s.master.Users.ChangePwd(ctx, name, pass)
}
func (s *RPCServer) ShowUser(name string) (meta.User, error) {
	return s.master.Users.ShowUser(name)
}
func (s *RPCServer) AddToGroup(ctx context.Context, name, group string) error {
	return s.master.Users.AddToGroup(ctx, name, group)
}
func (s *RPCServer) RemoveFromGroup(ctx context.Context, name, group string) error {
	return s.master.Users.RemoveFromGroup(ctx, name, group)
}

// writeTableRow journals tm's row and, once committed, updates the catalog's
// in-memory copy. Used for every table-level metadata change (status, ACL,
// schema, snapshot list, rename) once the caller has the new record in hand;
// CreateTable is the exception, since Catalog.CreateTable itself seeds the
// table entry from scratch.
func (s *RPCServer) writeTableRow(ctx context.Context, tm meta.TableMeta) error {
	if err := s.journalTableRow(ctx, tm); err != nil {
		return err
	}
	return s.master.Catalog.UpdateTableMeta(tm)
}

// journalTableRow persists tm's row without touching the in-memory catalog,
// for the one case (CreateTable) where the catalog is already authoritative
// and journaling is just making the prior catalog mutation durable.
func (s *RPCServer) journalTableRow(ctx context.Context, tm meta.TableMeta) error {
	data, err := meta.EncodeTableMeta(&tm)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	s.master.MetaOps.Write(ctx, func() ([]MetaRecord, error) {
		return []MetaRecord{{Key: meta.EncodeTableKey(tm.Name), Value: data}}, nil
	}, func(err error) { done <- err })
	return <-done
}

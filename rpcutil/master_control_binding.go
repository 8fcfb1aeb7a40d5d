package rpcutil

import (
	"context"

	"github.com/tera-db/tera/master"
	"github.com/tera-db/tera/meta"
)

// MasterControlImpl is the CLI-facing subset of master.RPCServer a
// teractl process dials: every `table`/`user`/`cluster` verb spec.md §6
// names.
type MasterControlImpl interface {
	CreateTable(ctx context.Context, name string, schema meta.Schema, acl []meta.ACLEntry) error
	DropTable(ctx context.Context, name string) error
	EnableTable(ctx context.Context, name string) error
	DisableTable(ctx context.Context, name string) error
	UpdateSchema(ctx context.Context, table string, schema meta.Schema) error
	UpdateCheck(table string) (complete bool, covered int)
	ShowTable(name string) (meta.TableMeta, []meta.TabletMeta, error)
	ShowTabletServers() []master.NodeInfo
	Snapshot(ctx context.Context, table string) (uint64, error)
	Rollback(ctx context.Context, table string, snapshotID uint64) error
	DeleteSnapshot(ctx context.Context, table string, snapshotID uint64) error
	RenameTable(ctx context.Context, oldName, newName string) error
	SafeModeEnter(ctx context.Context) error
	SafeModeLeave(ctx context.Context) error
	Kick(ctx context.Context, addr string)
	Compact(ctx context.Context, table string, tabletNumber uint64) error
	Split(ctx context.Context, table string, tabletNumber uint64) error
	Merge(ctx context.Context, table string, a, b uint64) error
	Move(ctx context.Context, table string, tabletNumber uint64, target string) error
	CreateUser(ctx context.Context, name, pass string) error
	DeleteUser(ctx context.Context, name string) error
	ChangePwd(ctx context.Context, name, pass string) error
	ShowUser(name string) (meta.User, error)
	AddToGroup(ctx context.Context, name, group string) error
	RemoveFromGroup(ctx context.Context, name, group string) error
}

type createTableArg struct {
	Name   string
	Schema meta.Schema
	ACL    []meta.ACLEntry
}

type tableNameArg struct{ Name string }

type updateSchemaCtlArg struct {
	Table  string
	Schema meta.Schema
}

type updateCheckReply struct {
	Complete bool
	Covered  int
}

type showTableReply struct {
	Table   meta.TableMeta
	Tablets []meta.TabletMeta
	Err     string
}

type snapshotArg struct{ Table string }
type snapshotReply struct {
	ID  uint64
	Err string
}

type snapshotIDArg struct {
	Table      string
	SnapshotID uint64
}

type renameArg struct{ OldName, NewName string }
type addrArg struct{ Addr string }

type tabletNumberCtlArg struct {
	Table        string
	TabletNumber uint64
}

type mergeArg struct {
	Table string
	A, B  uint64
}

type moveArg struct {
	Table        string
	TabletNumber uint64
	Target       string
}

type userPassArg struct{ Name, Pass string }
type userNameArg struct{ Name string }
type showUserReply struct {
	User meta.User
	Err  string
}
type userGroupArg struct{ Name, Group string }

// BindMasterControl registers every CLI-facing RPCServer method under
// the "Master." prefix alongside BindMaster's inbound Heartbeat handler.
func BindMasterControl(registry *Registry, impl MasterControlImpl) {
	registry.Register("Master.CreateTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a createTableArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.CreateTable(ctx, a.Name, a.Schema, a.ACL)
	})
	registry.Register("Master.DropTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.DropTable(ctx, a.Name)
	})
	registry.Register("Master.EnableTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.EnableTable(ctx, a.Name)
	})
	registry.Register("Master.DisableTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.DisableTable(ctx, a.Name)
	})
	registry.Register("Master.UpdateSchema", func(ctx context.Context, req []byte) ([]byte, error) {
		var a updateSchemaCtlArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.UpdateSchema(ctx, a.Table, a.Schema)
	})
	registry.Register("Master.UpdateCheck", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		complete, covered := impl.UpdateCheck(a.Name)
		return encodeArg(updateCheckReply{Complete: complete, Covered: covered})
	})
	registry.Register("Master.ShowTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tableNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		tm, tablets, err := impl.ShowTable(a.Name)
		return encodeArg(showTableReply{Table: tm, Tablets: tablets, Err: errString(err)})
	})
	registry.Register("Master.ShowTabletServers", func(ctx context.Context, req []byte) ([]byte, error) {
		return encodeArg(impl.ShowTabletServers())
	})
	registry.Register("Master.Snapshot", func(ctx context.Context, req []byte) ([]byte, error) {
		var a snapshotArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		id, err := impl.Snapshot(ctx, a.Table)
		return encodeArg(snapshotReply{ID: id, Err: errString(err)})
	})
	registry.Register("Master.Rollback", func(ctx context.Context, req []byte) ([]byte, error) {
		var a snapshotIDArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Rollback(ctx, a.Table, a.SnapshotID)
	})
	registry.Register("Master.DeleteSnapshot", func(ctx context.Context, req []byte) ([]byte, error) {
		var a snapshotIDArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.DeleteSnapshot(ctx, a.Table, a.SnapshotID)
	})
	registry.Register("Master.RenameTable", func(ctx context.Context, req []byte) ([]byte, error) {
		var a renameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.RenameTable(ctx, a.OldName, a.NewName)
	})
	registry.Register("Master.SafeModeEnter", func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, impl.SafeModeEnter(ctx)
	})
	registry.Register("Master.SafeModeLeave", func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, impl.SafeModeLeave(ctx)
	})
	registry.Register("Master.Kick", func(ctx context.Context, req []byte) ([]byte, error) {
		var a addrArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		impl.Kick(ctx, a.Addr)
		return nil, nil
	})
	registry.Register("Master.Compact", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tabletNumberCtlArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Compact(ctx, a.Table, a.TabletNumber)
	})
	registry.Register("Master.Split", func(ctx context.Context, req []byte) ([]byte, error) {
		var a tabletNumberCtlArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Split(ctx, a.Table, a.TabletNumber)
	})
	registry.Register("Master.Merge", func(ctx context.Context, req []byte) ([]byte, error) {
		var a mergeArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Merge(ctx, a.Table, a.A, a.B)
	})
	registry.Register("Master.Move", func(ctx context.Context, req []byte) ([]byte, error) {
		var a moveArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.Move(ctx, a.Table, a.TabletNumber, a.Target)
	})
	registry.Register("Master.CreateUser", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userPassArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.CreateUser(ctx, a.Name, a.Pass)
	})
	registry.Register("Master.DeleteUser", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.DeleteUser(ctx, a.Name)
	})
	registry.Register("Master.ChangePwd", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userPassArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.ChangePwd(ctx, a.Name, a.Pass)
	})
	registry.Register("Master.ShowUser", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userNameArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		u, err := impl.ShowUser(a.Name)
		return encodeArg(showUserReply{User: u, Err: errString(err)})
	})
	registry.Register("Master.AddToGroup", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userGroupArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.AddToGroup(ctx, a.Name, a.Group)
	})
	registry.Register("Master.RemoveFromGroup", func(ctx context.Context, req []byte) ([]byte, error) {
		var a userGroupArg
		if err := decodeArg(req, &a); err != nil {
			return nil, err
		}
		return nil, impl.RemoveFromGroup(ctx, a.Name, a.Group)
	})
}

// MasterControlProxy is teractl's client-side stub.
type MasterControlProxy struct {
	client *Client
}

func NewMasterControlProxy(c *Client) *MasterControlProxy {
	return &MasterControlProxy{client: c}
}

func (p *MasterControlProxy) CreateTable(ctx context.Context, name string, schema meta.Schema, acl []meta.ACLEntry) error {
	return p.client.Call(ctx, "Master.CreateTable", createTableArg{Name: name, Schema: schema, ACL: acl}, nil)
}

func (p *MasterControlProxy) DropTable(ctx context.Context, name string) error {
	return p.client.Call(ctx, "Master.DropTable", tableNameArg{Name: name}, nil)
}

func (p *MasterControlProxy) EnableTable(ctx context.Context, name string) error {
	return p.client.Call(ctx, "Master.EnableTable", tableNameArg{Name: name}, nil)
}

func (p *MasterControlProxy) DisableTable(ctx context.Context, name string) error {
	return p.client.Call(ctx, "Master.DisableTable", tableNameArg{Name: name}, nil)
}

func (p *MasterControlProxy) UpdateSchema(ctx context.Context, table string, schema meta.Schema) error {
	return p.client.Call(ctx, "Master.UpdateSchema", updateSchemaCtlArg{Table: table, Schema: schema}, nil)
}

func (p *MasterControlProxy) UpdateCheck(ctx context.Context, table string) (bool, int, error) {
	var reply updateCheckReply
	if err := p.client.Call(ctx, "Master.UpdateCheck", tableNameArg{Name: table}, &reply); err != nil {
		return false, 0, err
	}
	return reply.Complete, reply.Covered, nil
}

func (p *MasterControlProxy) ShowTable(ctx context.Context, name string) (meta.TableMeta, []meta.TabletMeta, error) {
	var reply showTableReply
	if err := p.client.Call(ctx, "Master.ShowTable", tableNameArg{Name: name}, &reply); err != nil {
		return meta.TableMeta{}, nil, err
	}
	return reply.Table, reply.Tablets, errFromString(reply.Err)
}

func (p *MasterControlProxy) ShowTabletServers(ctx context.Context) ([]master.NodeInfo, error) {
	var reply []master.NodeInfo
	if err := p.client.Call(ctx, "Master.ShowTabletServers", struct{}{}, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (p *MasterControlProxy) Snapshot(ctx context.Context, table string) (uint64, error) {
	var reply snapshotReply
	if err := p.client.Call(ctx, "Master.Snapshot", snapshotArg{Table: table}, &reply); err != nil {
		return 0, err
	}
	return reply.ID, errFromString(reply.Err)
}

func (p *MasterControlProxy) Rollback(ctx context.Context, table string, snapshotID uint64) error {
	return p.client.Call(ctx, "Master.Rollback", snapshotIDArg{Table: table, SnapshotID: snapshotID}, nil)
}

func (p *MasterControlProxy) DeleteSnapshot(ctx context.Context, table string, snapshotID uint64) error {
	return p.client.Call(ctx, "Master.DeleteSnapshot", snapshotIDArg{Table: table, SnapshotID: snapshotID}, nil)
}

func (p *MasterControlProxy) RenameTable(ctx context.Context, oldName, newName string) error {
	return p.client.Call(ctx, "Master.RenameTable", renameArg{OldName: oldName, NewName: newName}, nil)
}

func (p *MasterControlProxy) SafeModeEnter(ctx context.Context) error {
	return p.client.Call(ctx, "Master.SafeModeEnter", struct{}{}, nil)
}

func (p *MasterControlProxy) SafeModeLeave(ctx context.Context) error {
	return p.client.Call(ctx, "Master.SafeModeLeave", struct{}{}, nil)
}

func (p *MasterControlProxy) Kick(ctx context.Context, addr string) error {
	return p.client.Call(ctx, "Master.Kick", addrArg{Addr: addr}, nil)
}

func (p *MasterControlProxy) Compact(ctx context.Context, table string, tabletNumber uint64) error {
	return p.client.Call(ctx, "Master.Compact", tabletNumberCtlArg{Table: table, TabletNumber: tabletNumber}, nil)
}

func (p *MasterControlProxy) Split(ctx context.Context, table string, tabletNumber uint64) error {
	return p.client.Call(ctx, "Master.Split", tabletNumberCtlArg{Table: table, TabletNumber: tabletNumber}, nil)
}

func (p *MasterControlProxy) Merge(ctx context.Context, table string, a, b uint64) error {
	return p.client.Call(ctx, "Master.Merge", mergeArg{Table: table, A: a, B: b}, nil)
}

func (p *MasterControlProxy) Move(ctx context.Context, table string, tabletNumber uint64, target string) error {
	return p.client.Call(ctx, "Master.Move", moveArg{Table: table, TabletNumber: tabletNumber, Target: target}, nil)
}

func (p *MasterControlProxy) CreateUser(ctx context.Context, name, pass string) error {
	return p.client.Call(ctx, "Master.CreateUser", userPassArg{Name: name, Pass: pass}, nil)
}

func (p *MasterControlProxy) DeleteUser(ctx context.Context, name string) error {
	return p.client.Call(ctx, "Master.DeleteUser", userNameArg{Name: name}, nil)
}

func (p *MasterControlProxy) ChangePwd(ctx context.Context, name, pass string) error {
	return p.client.Call(ctx, "Master.ChangePwd", userPassArg{Name: name, Pass: pass}, nil)
}

func (p *MasterControlProxy) ShowUser(ctx context.Context, name string) (meta.User, error) {
	var reply showUserReply
	if err := p.client.Call(ctx, "Master.ShowUser", userNameArg{Name: name}, &reply); err != nil {
		return meta.User{}, err
	}
	return reply.User, errFromString(reply.Err)
}

func (p *MasterControlProxy) AddToGroup(ctx context.Context, name, group string) error {
	return p.client.Call(ctx, "Master.AddToGroup", userGroupArg{Name: name, Group: group}, nil)
}

func (p *MasterControlProxy) RemoveFromGroup(ctx context.Context, name, group string) error {
	return p.client.Call(ctx, "Master.RemoveFromGroup", userGroupArg{Name: name, Group: group}, nil)
}

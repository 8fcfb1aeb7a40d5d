package coordination

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	terrors "github.com/tera-db/tera/errors"

	"github.com/samuel/go-zookeeper/zk"
)

// ZK is the production Adapter, grounded in the original system's
// TabletNodeZkAdapter/MasterZkAdapter: every coordination path above
// (master lock, per-server ephemeral node, kick mark, safe-mode mark,
// root-tablet address) maps to a plain ZooKeeper znode under the same
// names, watched with one-shot GetW/ExistsW calls exactly like the
// original's CheckAndWatchExist/ReadAndWatchNode.
type ZK struct {
	conn *zk.Conn

	mu   sync.Mutex
	lost chan struct{}
}

// DialZK connects to the ensemble at addrs and blocks until the session is
// established or ctx is done.
func DialZK(ctx context.Context, addrs []string, sessionTimeout time.Duration) (*ZK, error) {
	conn, events, err := zk.Connect(addrs, sessionTimeout)
	if err != nil {
		return nil, terrors.Info(terrors.ErrServerUnavailable, "zk connect failed")
	}
	z := &ZK{conn: conn, lost: make(chan struct{})}

	connected := make(chan struct{})
	go z.watchSession(events, connected)

	select {
	case <-connected:
		return z, nil
	case <-ctx.Done():
		conn.Close()
		return nil, terrors.Info(terrors.ErrRPCTimeout, "zk session not established before deadline")
	}
}

func (z *ZK) watchSession(events <-chan zk.Event, connected chan struct{}) {
	var signaled bool
	for evt := range events {
		switch evt.State {
		case zk.StateHasSession:
			if !signaled {
				signaled = true
				close(connected)
			}
		case zk.StateExpired, zk.StateDisconnected:
			z.mu.Lock()
			select {
			case <-z.lost:
			default:
				close(z.lost)
			}
			z.mu.Unlock()
		}
	}
}

func (z *ZK) SessionID() string {
	return strconv.FormatInt(z.conn.SessionID(), 10)
}

func (z *ZK) SessionLost() <-chan struct{} { return z.lost }

func (z *ZK) CreatePersistentNode(_ context.Context, path string, value []byte) error {
	return z.create(path, value, 0)
}

func (z *ZK) CreateEphemeralNode(_ context.Context, path string, value []byte) error {
	return z.create(path, value, zk.FlagEphemeral)
}

func (z *ZK) create(path string, value []byte, flags int32) error {
	if err := z.mkdirAll(parentOf(path)); err != nil {
		return err
	}
	_, err := z.conn.Create(path, value, flags, zk.WorldACL(zk.PermAll))
	if err == zk.ErrNodeExists {
		return terrors.Info(terrors.ErrTxnFail, "zk node already exists: "+path)
	}
	if err != nil {
		return terrors.Info(classifyZkErr(err), "zk create failed: "+path)
	}
	return nil
}

// mkdirAll creates every missing ancestor of path as a persistent node with
// an empty value, mirroring the original adapter's behavior of always
// operating under a pre-existing cluster root.
func (z *ZK) mkdirAll(path string) error {
	if path == "" || path == "/" {
		return nil
	}
	exists, _, err := z.conn.Exists(path)
	if err != nil {
		return terrors.Info(classifyZkErr(err), "zk exists failed: "+path)
	}
	if exists {
		return nil
	}
	if err := z.mkdirAll(parentOf(path)); err != nil {
		return err
	}
	_, err = z.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return terrors.Info(classifyZkErr(err), "zk mkdir failed: "+path)
	}
	return nil
}

func (z *ZK) Get(_ context.Context, path string) ([]byte, error) {
	value, _, err := z.conn.Get(path)
	if err == zk.ErrNoNode {
		return nil, terrors.ErrNotFound
	}
	if err != nil {
		return nil, terrors.Info(classifyZkErr(err), "zk get failed: "+path)
	}
	return value, nil
}

func (z *ZK) Delete(_ context.Context, path string) error {
	err := z.conn.Delete(path, -1)
	if err != nil && err != zk.ErrNoNode {
		return terrors.Info(classifyZkErr(err), "zk delete failed: "+path)
	}
	return nil
}

func (z *ZK) CheckAndWatchExist(_ context.Context, path string) (bool, <-chan Event, error) {
	exists, _, zkEvents, err := z.conn.ExistsW(path)
	if err != nil {
		return false, nil, terrors.Info(classifyZkErr(err), "zk existsw failed: "+path)
	}
	return exists, z.bridge(path, zkEvents), nil
}

func (z *ZK) ReadAndWatchNode(_ context.Context, path string) ([]byte, <-chan Event, error) {
	value, _, zkEvents, err := z.conn.GetW(path)
	if err == zk.ErrNoNode {
		return nil, nil, terrors.ErrNotFound
	}
	if err != nil {
		return nil, nil, terrors.Info(classifyZkErr(err), "zk getw failed: "+path)
	}
	return value, z.bridge(path, zkEvents), nil
}

// bridge translates zk's one-shot watch channel into this package's Event
// type, so callers never import go-zookeeper directly.
func (z *ZK) bridge(path string, zkEvents <-chan zk.Event) <-chan Event {
	ch := make(chan Event, 1)
	go func() {
		evt, ok := <-zkEvents
		if !ok {
			return
		}
		switch evt.Type {
		case zk.EventNodeCreated:
			ch <- Event{Type: EventNodeCreated, Path: path}
		case zk.EventNodeDeleted:
			ch <- Event{Type: EventNodeDeleted, Path: path}
		case zk.EventNodeDataChanged:
			ch <- Event{Type: EventNodeChanged, Path: path}
		case zk.EventSession:
			if evt.State == zk.StateExpired {
				ch <- Event{Type: EventSessionExpired, Path: path}
			}
		}
	}()
	return ch
}

func (z *ZK) Close() error {
	z.conn.Close()
	return nil
}

func parentOf(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

// classifyZkErr maps a go-zookeeper error to this package's error taxonomy;
// session-level failures are Retryable-remote, everything else is the
// conservative Terminal-system default applied by errors.Info.
func classifyZkErr(err error) error {
	switch err {
	case zk.ErrConnectionClosed, zk.ErrSessionExpired, zk.ErrSessionMoved:
		return terrors.ErrServerUnavailable
	default:
		return fmt.Errorf("%w", err)
	}
}

package coordination

import (
	"context"
	"strconv"
	"sync"
	"time"

	terrors "github.com/tera-db/tera/errors"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is the alternative Adapter backend, grounded in
// childoftheuniverse-red-cloud's use of an etcd client for the same role
// (node registry, leader discovery) this package's Adapter plays. Persistent
// nodes are plain keys; ephemeral nodes are keys attached to a lease that is
// kept alive for the life of the session and revoked (deleting the key) on
// Close or session loss.
type Etcd struct {
	client  *clientv3.Client
	leaseID clientv3.LeaseID

	mu   sync.Mutex
	lost chan struct{}
}

// DialEtcd connects to the endpoints and grants a session lease with the
// given TTL, kept alive automatically for the adapter's lifetime.
func DialEtcd(ctx context.Context, endpoints []string, sessionTTL time.Duration) (*Etcd, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, terrors.Info(terrors.ErrServerUnavailable, "etcd dial failed")
	}

	lease, err := client.Grant(ctx, int64(sessionTTL.Seconds()))
	if err != nil {
		client.Close()
		return nil, terrors.Info(terrors.ErrServerUnavailable, "etcd lease grant failed")
	}

	keepAlive, err := client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		client.Close()
		return nil, terrors.Info(terrors.ErrServerUnavailable, "etcd keepalive failed")
	}

	e := &Etcd{client: client, leaseID: lease.ID, lost: make(chan struct{})}
	go e.watchLease(keepAlive)
	return e, nil
}

func (e *Etcd) watchLease(keepAlive <-chan *clientv3.LeaseKeepAliveResponse) {
	for range keepAlive {
	}
	// The keepalive channel closes when etcd stops renewing the lease,
	// either because the client gave up or the lease itself expired.
	e.mu.Lock()
	select {
	case <-e.lost:
	default:
		close(e.lost)
	}
	e.mu.Unlock()
}

func (e *Etcd) SessionID() string            { return strconv.FormatInt(int64(e.leaseID), 16) }
func (e *Etcd) SessionLost() <-chan struct{} { return e.lost }

func (e *Etcd) CreatePersistentNode(ctx context.Context, path string, value []byte) error {
	return e.create(ctx, path, value, false)
}

func (e *Etcd) CreateEphemeralNode(ctx context.Context, path string, value []byte) error {
	return e.create(ctx, path, value, true)
}

func (e *Etcd) create(ctx context.Context, path string, value []byte, ephemeral bool) error {
	opts := []clientv3.OpOption{}
	if ephemeral {
		opts = append(opts, clientv3.WithLease(e.leaseID))
	}
	txn := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(value), opts...))
	resp, err := txn.Commit()
	if err != nil {
		return terrors.Info(terrors.ErrServerUnavailable, "etcd txn failed: "+path)
	}
	if !resp.Succeeded {
		return terrors.Info(terrors.ErrTxnFail, "etcd node already exists: "+path)
	}
	return nil
}

func (e *Etcd) Get(ctx context.Context, path string) ([]byte, error) {
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return nil, terrors.Info(terrors.ErrServerUnavailable, "etcd get failed: "+path)
	}
	if len(resp.Kvs) == 0 {
		return nil, terrors.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (e *Etcd) Delete(ctx context.Context, path string) error {
	_, err := e.client.Delete(ctx, path)
	if err != nil {
		return terrors.Info(terrors.ErrServerUnavailable, "etcd delete failed: "+path)
	}
	return nil
}

func (e *Etcd) CheckAndWatchExist(ctx context.Context, path string) (bool, <-chan Event, error) {
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return false, nil, terrors.Info(terrors.ErrServerUnavailable, "etcd get failed: "+path)
	}
	exists := len(resp.Kvs) > 0
	return exists, e.bridge(path), nil
}

func (e *Etcd) ReadAndWatchNode(ctx context.Context, path string) ([]byte, <-chan Event, error) {
	resp, err := e.client.Get(ctx, path)
	if err != nil {
		return nil, nil, terrors.Info(terrors.ErrServerUnavailable, "etcd get failed: "+path)
	}
	if len(resp.Kvs) == 0 {
		return nil, nil, terrors.ErrNotFound
	}
	return resp.Kvs[0].Value, e.bridge(path), nil
}

// bridge arms a one-shot watch on path, translating etcd's watch events
// into this package's Event type and closing the watcher after the first
// notification.
func (e *Etcd) bridge(path string) <-chan Event {
	ch := make(chan Event, 1)
	watchCtx, cancel := context.WithCancel(context.Background())
	wch := e.client.Watch(watchCtx, path)
	go func() {
		defer cancel()
		for resp := range wch {
			for _, evt := range resp.Events {
				switch evt.Type {
				case clientv3.EventTypePut:
					if evt.IsCreate() {
						ch <- Event{Type: EventNodeCreated, Path: path}
					} else {
						ch <- Event{Type: EventNodeChanged, Path: path}
					}
				case clientv3.EventTypeDelete:
					ch <- Event{Type: EventNodeDeleted, Path: path}
				}
				return
			}
		}
	}()
	return ch
}

func (e *Etcd) Close() error {
	e.client.Revoke(context.Background(), e.leaseID)
	return e.client.Close()
}

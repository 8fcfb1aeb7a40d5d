package coordination

import (
	"context"

	terrors "github.com/tera-db/tera/errors"
)

// LockSession implements master election on top of a plain Adapter: the
// single ephemeral node at lockPath names the current leader, and a process
// that fails to create it watches the node instead, waking up whenever it
// is deleted to retry.
type LockSession struct {
	adapter  Adapter
	lockPath string
}

// NewLockSession binds a LockSession to lockPath on adapter.
func NewLockSession(adapter Adapter, lockPath string) *LockSession {
	return &LockSession{adapter: adapter, lockPath: lockPath}
}

// AcquireLock attempts to become leader by creating the ephemeral lock
// node with value as its advertised address. Returns terrors.ErrBusy (not
// retryable-transient, since losing an election is routine, not abnormal)
// when someone else already holds it.
func (l *LockSession) AcquireLock(ctx context.Context, value []byte) error {
	err := l.adapter.CreateEphemeralNode(ctx, l.lockPath, value)
	if err != nil {
		return terrors.Info(terrors.ErrBusy, "lock held by another session")
	}
	return nil
}

// ReleaseLock gives up leadership early, without waiting for session loss.
func (l *LockSession) ReleaseLock(ctx context.Context) error {
	return l.adapter.Delete(ctx, l.lockPath)
}

// WatchLeader returns the current leader's advertised address (if any) and
// a channel that fires once when the lock node's holder changes.
func (l *LockSession) WatchLeader(ctx context.Context) ([]byte, <-chan Event, error) {
	value, ch, err := l.adapter.ReadAndWatchNode(ctx, l.lockPath)
	if err == terrors.ErrNotFound {
		exists, existsCh, werr := l.adapter.CheckAndWatchExist(ctx, l.lockPath)
		if werr != nil {
			return nil, nil, werr
		}
		if !exists {
			return nil, existsCh, nil
		}
		return l.adapter.ReadAndWatchNode(ctx, l.lockPath)
	}
	return value, ch, err
}

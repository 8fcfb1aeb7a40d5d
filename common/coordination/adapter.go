// Package coordination abstracts the distributed lock/watch store the
// master and tablet servers use for leader election, server registration,
// safe-mode signalling and root-tablet address publication. Production
// deployments back it with ZooKeeper or etcd; tests use an in-memory fake.
// All three satisfy the same Adapter interface so none of the master or
// tabletserver control logic is conditional on which backend is running.
package coordination

import "context"

// EventType classifies a watch notification.
type EventType int

const (
	// EventNodeCreated fires when a previously absent node appears.
	EventNodeCreated EventType = iota
	// EventNodeDeleted fires when a watched node is removed.
	EventNodeDeleted
	// EventNodeChanged fires when a watched node's value changes.
	EventNodeChanged
	// EventSessionExpired fires when the adapter's own session is lost;
	// every outstanding watch on that session also becomes invalid.
	EventSessionExpired
)

// Event is a single watch notification delivered on the channel returned by
// CheckAndWatchExist or ReadAndWatchNode. A watch fires at most once; the
// caller must re-arm it by re-issuing the watch call.
type Event struct {
	Type EventType
	Path string
}

// Adapter is the coordination-service client every master and tablet server
// process holds exactly one of for its lifetime.
type Adapter interface {
	// CreatePersistentNode creates path with value, surviving session loss.
	// Returns an error if path already exists.
	CreatePersistentNode(ctx context.Context, path string, value []byte) error

	// CreateEphemeralNode creates path with value, bound to this adapter's
	// session: the node disappears when the session ends. Used for tablet
	// server liveness registration and the master-election lock node.
	CreateEphemeralNode(ctx context.Context, path string, value []byte) error

	// Get returns path's current value.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes path. Deleting an absent path is not an error.
	Delete(ctx context.Context, path string) error

	// CheckAndWatchExist reports whether path currently exists and arms a
	// one-shot watch that fires on the next creation or deletion of path.
	CheckAndWatchExist(ctx context.Context, path string) (exists bool, ch <-chan Event, err error)

	// ReadAndWatchNode reads path's current value and arms a one-shot watch
	// that fires on the next change or deletion of path.
	ReadAndWatchNode(ctx context.Context, path string) (value []byte, ch <-chan Event, err error)

	// SessionID identifies this adapter's current session. It changes
	// across a session loss and reconnect.
	SessionID() string

	// SessionLost returns a channel closed exactly once, the moment this
	// adapter's session is declared lost. All ephemeral nodes created on
	// this session are gone by the time it closes.
	SessionLost() <-chan struct{}

	// Close releases the session and any ephemeral nodes it owns.
	Close() error
}

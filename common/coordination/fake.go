package coordination

import (
	"context"
	"sync"

	terrors "github.com/tera-db/tera/errors"

	"github.com/google/uuid"
)

// fakeRegistry is the shared state every Fake adapter opened against the
// same registry observes. Production backends have an
// external ensemble playing this role; tests construct one in-process.
type fakeRegistry struct {
	mu      sync.Mutex
	nodes   map[string]*fakeNode
	pending []pendingWatch
}

type fakeNode struct {
	value     []byte
	ephemeral bool
	owner     string // session id of the ephemeral node's creator
	watchers  []chan Event
}

// NewFakeRegistry returns a fresh, isolated in-memory coordination
// ensemble that shares no state with any other registry. Tests that need
// multiple independent clusters in one process create one registry each.
func NewFakeRegistry() *fakeRegistry {
	return &fakeRegistry{nodes: map[string]*fakeNode{}}
}

// Fake is the single-process Adapter implementation spec.md §9 calls for:
// it must sit behind the same Adapter interface so master/tabletserver
// control logic is never conditional on backend.
type Fake struct {
	reg       *fakeRegistry
	sessionID string
	lost      chan struct{}
	closeOnce sync.Once
}

// NewFake opens a new session against reg. Each call gets its own session
// id, mimicking a fresh client connecting to a real ensemble.
func NewFake(reg *fakeRegistry) *Fake {
	return &Fake{
		reg:       reg,
		sessionID: uuid.NewString(),
		lost:      make(chan struct{}),
	}
}

func (f *Fake) SessionID() string            { return f.sessionID }
func (f *Fake) SessionLost() <-chan struct{} { return f.lost }

func (f *Fake) CreatePersistentNode(_ context.Context, path string, value []byte) error {
	return f.create(path, value, false)
}

func (f *Fake) CreateEphemeralNode(_ context.Context, path string, value []byte) error {
	return f.create(path, value, true)
}

func (f *Fake) create(path string, value []byte, ephemeral bool) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	if _, ok := f.reg.nodes[path]; ok {
		return terrors.Info(terrors.ErrTxnFail, "node already exists: "+path)
	}
	f.reg.nodes[path] = &fakeNode{value: value, ephemeral: ephemeral, owner: f.sessionID}
	f.reg.notifyLocked(path, EventNodeCreated)
	return nil
}

func (f *Fake) Get(_ context.Context, path string) ([]byte, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	n, ok := f.reg.nodes[path]
	if !ok {
		return nil, terrors.ErrNotFound
	}
	return n.value, nil
}

func (f *Fake) Delete(_ context.Context, path string) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	if _, ok := f.reg.nodes[path]; !ok {
		return nil
	}
	f.reg.notifyLocked(path, EventNodeDeleted)
	delete(f.reg.nodes, path)
	return nil
}

func (f *Fake) CheckAndWatchExist(_ context.Context, path string) (bool, <-chan Event, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	ch := make(chan Event, 1)
	n, ok := f.reg.nodes[path]
	if ok {
		n.watchers = append(n.watchers, ch)
	} else {
		f.reg.pendingWatchersLocked(path, ch)
	}
	return ok, ch, nil
}

func (f *Fake) ReadAndWatchNode(_ context.Context, path string) ([]byte, <-chan Event, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	n, ok := f.reg.nodes[path]
	if !ok {
		return nil, nil, terrors.ErrNotFound
	}
	ch := make(chan Event, 1)
	n.watchers = append(n.watchers, ch)
	return n.value, ch, nil
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() {
		f.reg.mu.Lock()
		for path, n := range f.reg.nodes {
			if n.ephemeral && n.owner == f.sessionID {
				f.reg.notifyLocked(path, EventNodeDeleted)
				delete(f.reg.nodes, path)
			}
		}
		f.reg.mu.Unlock()
		close(f.lost)
	})
	return nil
}

// pendingWatchersLocked records ch in the registry's pending-watch list so a
// watch armed on a path that doesn't exist yet still fires on its eventual
// creation. reg.mu must already be held.
func (r *fakeRegistry) pendingWatchersLocked(path string, ch chan Event) {
	r.pending = append(r.pending, pendingWatch{path: path, ch: ch})
}

type pendingWatch struct {
	path string
	ch   chan Event
}

func (r *fakeRegistry) notifyLocked(path string, evt EventType) {
	if n, ok := r.nodes[path]; ok {
		for _, ch := range n.watchers {
			ch <- Event{Type: evt, Path: path}
		}
		n.watchers = nil
	}
	remaining := r.pending[:0]
	for _, pw := range r.pending {
		if pw.path == path && evt == EventNodeCreated {
			pw.ch <- Event{Type: evt, Path: path}
			continue
		}
		remaining = append(remaining, pw)
	}
	r.pending = remaining
}

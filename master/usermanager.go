package master

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	terrors "github.com/tera-db/tera/errors"
	"github.com/tera-db/tera/meta"
)

// UserManager implements the user record operations of spec.md §4.8, all
// journaled through MetaOpsPipeline before the in-memory cache is updated.
type UserManager struct {
	ops *MetaOpsPipeline

	mu    sync.RWMutex
	users map[string]meta.User
}

func NewUserManager(ops *MetaOpsPipeline) *UserManager {
	return &UserManager{ops: ops, users: make(map[string]meta.User)}
}

// LoadUsers seeds the in-memory cache from a meta-table scan at startup.
func (m *UserManager) LoadUsers(users []meta.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range users {
		m.users[u.Name] = u
	}
}

func hashToken(user, pass string) string {
	sum := sha256.Sum256([]byte(user + ":" + pass))
	return hex.EncodeToString(sum[:])
}

// CreateUser adds a new user with the given password, hashed per spec.md
// §4.8's `token = hash(user+":"+pass)`.
func (m *UserManager) CreateUser(ctx context.Context, name, pass string) error {
	m.mu.RLock()
	_, exists := m.users[name]
	m.mu.RUnlock()
	if exists {
		return terrors.ErrUserExist
	}

	u := meta.User{Name: name, Token: hashToken(name, pass)}
	return m.commit(ctx, u)
}

// DeleteUser removes a user record.
func (m *UserManager) DeleteUser(ctx context.Context, name string) error {
	m.mu.RLock()
	_, exists := m.users[name]
	m.mu.RUnlock()
	if !exists {
		return terrors.ErrUserNotFound
	}

	done := make(chan error, 1)
	m.ops.Write(ctx, func() ([]MetaRecord, error) {
		return []MetaRecord{{Key: meta.EncodeUserKey(name), Delete: true}}, nil
	}, func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.users, name)
	m.mu.Unlock()
	return nil
}

// ChangePwd rehashes and persists a user's token.
func (m *UserManager) ChangePwd(ctx context.Context, name, newPass string) error {
	u, err := m.ShowUser(name)
	if err != nil {
		return err
	}
	u.Token = hashToken(name, newPass)
	return m.commit(ctx, u)
}

// ShowUser returns a copy of a user's current record.
func (m *UserManager) ShowUser(name string) (meta.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[name]
	if !ok {
		return meta.User{}, terrors.ErrUserNotFound
	}
	return u, nil
}

// AddToGroup adds group to a user's group list, if not already present.
func (m *UserManager) AddToGroup(ctx context.Context, name, group string) error {
	u, err := m.ShowUser(name)
	if err != nil {
		return err
	}
	for _, g := range u.Groups {
		if g == group {
			return nil
		}
	}
	u.Groups = append(u.Groups, group)
	return m.commit(ctx, u)
}

// RemoveFromGroup removes group from a user's group list.
func (m *UserManager) RemoveFromGroup(ctx context.Context, name, group string) error {
	u, err := m.ShowUser(name)
	if err != nil {
		return err
	}
	out := u.Groups[:0:0]
	for _, g := range u.Groups {
		if g != group {
			out = append(out, g)
		}
	}
	u.Groups = out
	return m.commit(ctx, u)
}

func (m *UserManager) commit(ctx context.Context, u meta.User) error {
	done := make(chan error, 1)
	m.ops.Write(ctx, func() ([]MetaRecord, error) {
		data, err := meta.EncodeUser(&u)
		if err != nil {
			return nil, err
		}
		return []MetaRecord{{Key: meta.EncodeUserKey(u.Name), Value: data}}, nil
	}, func(err error) { done <- err })
	if err := <-done; err != nil {
		return err
	}

	m.mu.Lock()
	m.users[u.Name] = u
	m.mu.Unlock()
	return nil
}

// CheckPermission reports whether one of u's groups has an ACL entry whose
// Perm holds every bit of required (spec.md §4.8). The user's token is not
// examined, and no RPCServer method calls it.
func CheckPermission(u meta.User, acl []meta.ACLEntry, required uint8) error {
	groups := make(map[string]bool, len(u.Groups))
	for _, g := range u.Groups {
		groups[g] = true
	}
	for _, entry := range acl {
		if groups[entry.Group] && entry.Perm&required == required {
			return nil
		}
	}
	return terrors.ErrNotPermission
}

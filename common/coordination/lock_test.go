package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSessionElection(t *testing.T) {
	reg := NewFakeRegistry()
	ctx := context.Background()

	lock1 := NewLockSession(NewFake(reg), MasterLockPath("cluster1"))
	lock2 := NewLockSession(NewFake(reg), MasterLockPath("cluster1"))

	require.NoError(t, lock1.AcquireLock(ctx, []byte("node1:7777")))
	assert.Error(t, lock2.AcquireLock(ctx, []byte("node2:7777")))

	leader, _, err := lock2.WatchLeader(ctx)
	require.NoError(t, err)
	assert.Equal(t, "node1:7777", string(leader))
}

func TestLockSessionReleaseAllowsTakeover(t *testing.T) {
	reg := NewFakeRegistry()
	ctx := context.Background()

	lock1 := NewLockSession(NewFake(reg), MasterLockPath("cluster1"))
	lock2 := NewLockSession(NewFake(reg), MasterLockPath("cluster1"))

	require.NoError(t, lock1.AcquireLock(ctx, []byte("node1:7777")))
	require.NoError(t, lock1.ReleaseLock(ctx))
	require.NoError(t, lock2.AcquireLock(ctx, []byte("node2:7777")))
}

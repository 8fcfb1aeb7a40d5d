package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeCreateAndGet(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg)
	ctx := context.Background()

	require.NoError(t, a.CreatePersistentNode(ctx, "/a", []byte("v1")))
	val, err := a.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(val))

	err = a.CreatePersistentNode(ctx, "/a", []byte("v2"))
	assert.Error(t, err)
}

func TestFakeEphemeralNodeDiesWithSession(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg)
	ctx := context.Background()

	require.NoError(t, a.CreateEphemeralNode(ctx, "/ts/s1", []byte("addr")))
	require.NoError(t, a.Close())

	b := NewFake(reg)
	_, err := b.Get(ctx, "/ts/s1")
	assert.Error(t, err)
}

func TestFakeWatchExistFiresOnCreate(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg)
	b := NewFake(reg)
	ctx := context.Background()

	exists, ch, err := a.CheckAndWatchExist(ctx, "/safemode")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, b.CreatePersistentNode(ctx, "/safemode", nil))

	select {
	case evt := <-ch:
		assert.Equal(t, EventNodeCreated, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestFakeWatchNodeFiresOnDelete(t *testing.T) {
	reg := NewFakeRegistry()
	a := NewFake(reg)
	b := NewFake(reg)
	ctx := context.Background()

	require.NoError(t, a.CreatePersistentNode(ctx, "/root-tablet-addr", []byte("1.2.3.4:1234")))
	_, ch, err := b.ReadAndWatchNode(ctx, "/root-tablet-addr")
	require.NoError(t, err)

	require.NoError(t, a.Delete(ctx, "/root-tablet-addr"))

	select {
	case evt := <-ch:
		assert.Equal(t, EventNodeDeleted, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

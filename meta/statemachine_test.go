package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAllowedEdges(t *testing.T) {
	cases := []struct {
		from, to TabletStatus
	}{
		{TabletNotInit, TabletOffline},
		{TabletOffline, TabletWaitLoad},
		{TabletOffline, TabletPending},
		{TabletOffline, TabletDeleted},
		{TabletWaitLoad, TabletOnLoad},
		{TabletOnLoad, TabletReady},
		{TabletOnLoad, TabletLoadFail},
		{TabletLoadFail, TabletOnLoad},
		{TabletLoadFail, TabletWaitLoad},
		{TabletLoadFail, TabletPending},
		{TabletReady, TabletOnSplit},
		{TabletReady, TabletOnMerge},
		{TabletReady, TabletUnloading},
		{TabletReady, TabletWaitSplit},
		{TabletWaitSplit, TabletOnSplit},
		{TabletOnSplit, TabletSplited},
		{TabletOnSplit, TabletSplitFail},
		{TabletSplitFail, TabletOnSplit},
		{TabletSplitFail, TabletReady},
		{TabletOnMerge, TabletUnloading},
		{TabletOnMerge, TabletDeleted},
		{TabletUnloading, TabletUnloaded},
		{TabletUnloading, TabletUnLoadFail},
		{TabletUnLoadFail, TabletUnloading},
		{TabletUnLoadFail, TabletReady},
		{TabletUnloaded, TabletWaitLoad},
		{TabletUnloaded, TabletOnSplit},
		{TabletUnloaded, TabletOnMerge},
		{TabletUnloaded, TabletDeleted},
		{TabletSplited, TabletDeleted},
	}
	for _, c := range cases {
		assert.True(t, CanTransition(c.from, c.to), "%s -> %s should be allowed", c.from, c.to)
		status := c.from
		require.NoError(t, Transition(&status, c.to))
		assert.Equal(t, c.to, status)
	}
}

func TestTransitionRejectsDisallowedEdges(t *testing.T) {
	cases := []struct {
		from, to TabletStatus
	}{
		{TabletNotInit, TabletReady},
		{TabletOffline, TabletReady},
		{TabletWaitLoad, TabletReady},
		{TabletReady, TabletDeleted},
		{TabletDeleted, TabletOffline},
		{TabletSplited, TabletReady},
		{TabletOnLoad, TabletOnSplit},
	}
	for _, c := range cases {
		assert.False(t, CanTransition(c.from, c.to), "%s -> %s should be rejected", c.from, c.to)
		status := c.from
		err := Transition(&status, c.to)
		assert.Error(t, err)
		assert.Equal(t, c.from, status, "state must stay unchanged on a rejected transition")
	}
}

func TestTabletStatusStringUnknown(t *testing.T) {
	var s TabletStatus = 255
	assert.Equal(t, "Unknown", s.String())
}

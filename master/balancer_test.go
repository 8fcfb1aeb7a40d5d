package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tera-db/tera/meta"
)

func TestSizeBasedSchedulerNeedMove(t *testing.T) {
	s := SizeBasedScheduler{ImbalanceThreshold: 1.2}
	tablets := []meta.TabletMeta{{DataSize: 100}, {DataSize: 200}}
	overloaded := NodeInfo{DataSize: 1000}
	assert.True(t, s.NeedMove(overloaded, tablets))

	balanced := NodeInfo{DataSize: 150}
	assert.False(t, s.NeedMove(balanced, tablets))
}

func TestSizeBasedSchedulerPickMoveOutPicksLargest(t *testing.T) {
	s := SizeBasedScheduler{}
	tablets := []meta.TabletMeta{
		{TabletNumber: 1, DataSize: 50},
		{TabletNumber: 2, DataSize: 500},
		{TabletNumber: 3, DataSize: 80},
	}
	victim, ok := s.PickMoveOut(NodeInfo{}, tablets, nil)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), victim.TabletNumber)
}

func TestSizeBasedSchedulerPickMoveInPicksLightest(t *testing.T) {
	s := SizeBasedScheduler{}
	nodes := []NodeInfo{
		{Addr: "a", DataSize: 300},
		{Addr: "b", DataSize: 10},
		{Addr: "c", DataSize: 150},
	}
	target, ok := s.PickMoveIn(meta.TabletMeta{}, nodes)
	assert.True(t, ok)
	assert.Equal(t, "b", target.Addr)
}

func TestLoadBasedSchedulerNeedMove(t *testing.T) {
	s := LoadBasedScheduler{ImbalanceThreshold: 1.5}
	tablets := []meta.TabletMeta{
		{Counters: meta.Counters{ReadQPS: 10}},
		{Counters: meta.Counters{ReadQPS: 20}},
	}
	overloaded := NodeInfo{Counters: meta.Counters{ReadQPS: 100}}
	assert.True(t, s.NeedMove(overloaded, tablets))
}

func TestEligibleByServerExcludesNonReadyAndCoolingDown(t *testing.T) {
	now := time.Now()
	tablets := []meta.TabletMeta{
		{ServerAddr: "a", Status: meta.TabletReady, TabletNumber: 1},
		{ServerAddr: "a", Status: meta.TabletOnSplit, TabletNumber: 2},
		{ServerAddr: "a", Status: meta.TabletReady, TabletNumber: 3, LastMoveTime: now},
	}
	byServer := eligibleByServer(tablets, 5*time.Minute)
	assert.Len(t, byServer["a"], 1)
	assert.Equal(t, uint64(1), byServer["a"][0].TabletNumber)
}

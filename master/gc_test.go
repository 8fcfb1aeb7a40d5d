package master

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubtractRemovesInheritedFiles(t *testing.T) {
	all := []string{"a.sst", "b.sst", "c.sst"}
	inherited := []string{"b.sst"}
	got := subtract(all, inherited)
	assert.ElementsMatch(t, []string{"a.sst", "c.sst"}, got)
}

type fakeLister struct {
	dirs  map[string][]uint64
	files map[string]map[uint64]map[string][]string
	dels  []string
}

func (f *fakeLister) ListTabletDirectories(ctx context.Context, table string) ([]uint64, error) {
	return f.dirs[table], nil
}

func (f *fakeLister) ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) {
	return f.files[table][tabletNumber], nil
}

func (f *fakeLister) DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error {
	f.dels = append(f.dels, files...)
	return nil
}

func (f *fakeLister) PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error {
	return nil
}

type fakeQuerier struct {
	report InheritanceReport
}

func (f *fakeQuerier) QueryInheritedFiles(ctx context.Context, nodes []NodeInfo) (InheritanceReport, error) {
	return f.report, nil
}

type fakeLiveSource struct {
	live    map[uint64]bool
	earlist time.Time
}

func (f *fakeLiveSource) LiveTabletNumbers(table string) map[uint64]bool { return f.live }
func (f *fakeLiveSource) EarliestReadyTime(table string) time.Time      { return f.earlist }

func TestBatchGcStrategyDeletesUnreferencedFiles(t *testing.T) {
	lister := &fakeLister{
		dirs: map[string][]uint64{"orders": {1, 2}},
		files: map[string]map[uint64]map[string][]string{
			"orders": {
				2: {"lg0": {"a.sst", "b.sst"}},
			},
		},
	}
	querier := &fakeQuerier{report: InheritanceReport{
		"orders": {2: {"lg0": {"b.sst"}}},
	}}
	live := &fakeLiveSource{live: map[uint64]bool{1: true}}
	nodes := NewTabletNodeManager()

	strategy := NewBatchGcStrategy(lister, querier, live, nodes)
	require.NoError(t, strategy.Tick(context.Background(), []string{"orders"}))
	assert.Equal(t, []string{"a.sst"}, lister.dels)
}

func TestIncrementalGcStrategyReclaimsAfterEarliestReadyTime(t *testing.T) {
	lister := &fakeLister{
		dirs: map[string][]uint64{"orders": {2}},
		files: map[string]map[uint64]map[string][]string{
			"orders": {2: {"lg0": {"a.sst", "b.sst"}}},
		},
	}
	// tablet 2 is reported explicitly with no inherited files.
	querier := &fakeQuerier{report: InheritanceReport{"orders": {2: {}}}}
	live := &fakeLiveSource{live: map[uint64]bool{}, earlist: time.Now().Add(time.Hour)}
	nodes := NewTabletNodeManager()

	strategy := NewIncrementalGcStrategy(lister, querier, live, nodes)
	require.NoError(t, strategy.Tick(context.Background(), []string{"orders"}))
	assert.ElementsMatch(t, []string{"a.sst", "b.sst"}, lister.dels)
}

func TestIncrementalGcStrategySkipsInvariantViolationWithoutAbort(t *testing.T) {
	lister := &fakeLister{
		dirs: map[string][]uint64{"orders": {2}},
		files: map[string]map[uint64]map[string][]string{
			"orders": {2: {"lg0": {"a.sst"}}},
		},
	}
	// report claims "ghost.sst" live even though it was never seen on disk.
	querier := &fakeQuerier{report: InheritanceReport{
		"orders": {2: {"lg0": {"ghost.sst"}}},
	}}
	live := &fakeLiveSource{live: map[uint64]bool{}, earlist: time.Now().Add(time.Hour)}
	nodes := NewTabletNodeManager()

	strategy := NewIncrementalGcStrategy(lister, querier, live, nodes)
	assert.NotPanics(t, func() {
		require.NoError(t, strategy.Tick(context.Background(), []string{"orders"}))
	})
	assert.Equal(t, []string{"a.sst"}, lister.dels)
}

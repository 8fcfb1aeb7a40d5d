package master

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
)

// TabletFileLister is the on-disk directory view GcEngine needs; the real
// implementation walks a tablet server's local filesystem, kept out of
// this package per spec.md §1.
type TabletFileLister interface {
	ListTabletDirectories(ctx context.Context, table string) ([]uint64, error)
	ListFiles(ctx context.Context, table string, tabletNumber uint64) (map[string][]string, error) // lg -> files
	DeleteFiles(ctx context.Context, table string, tabletNumber uint64, lg string, files []string) error
	PruneEmptyDirectories(ctx context.Context, table string, tabletNumber uint64) error
}

// InheritanceQuerier asks every tablet server which files its live tablets
// still inherit from dead ancestors (spec.md §4.5 step 3/"heartbeats
// populating live_files_").
type InheritanceQuerier interface {
	QueryInheritedFiles(ctx context.Context, nodes []NodeInfo) (InheritanceReport, error)
}

// InheritanceReport maps table -> dead tabletNumber -> lg -> files still
// claimed live by some descendant.
type InheritanceReport map[string]map[uint64]map[string][]string

// LiveTabletSource tells GcEngine which tablet numbers currently have a
// meta row (so their directories, even if heavier than expected, are
// never candidates) and each live tablet's readiness time, needed by the
// incremental strategy's earliest_ready_time gate.
type LiveTabletSource interface {
	LiveTabletNumbers(table string) map[uint64]bool
	EarliestReadyTime(table string) time.Time
}

// GcStrategy is the common interface both the batch and incremental
// reclamation strategies implement (spec.md §4.5): both MUST reach the
// same steady-state on-disk outcome.
type GcStrategy interface {
	Tick(ctx context.Context, tables []string) error
}

// BatchGcStrategy recomputes the live/dead/candidate sets from scratch on
// every tick.
type BatchGcStrategy struct {
	lister  TabletFileLister
	queryer InheritanceQuerier
	live    LiveTabletSource
	nodes   *TabletNodeManager
}

func NewBatchGcStrategy(lister TabletFileLister, queryer InheritanceQuerier, live LiveTabletSource, nodes *TabletNodeManager) *BatchGcStrategy {
	return &BatchGcStrategy{lister: lister, queryer: queryer, live: live, nodes: nodes}
}

func (s *BatchGcStrategy) Tick(ctx context.Context, tables []string) error {
	span := trace.SpanFromContextSafe(ctx)
	report, err := s.queryer.QueryInheritedFiles(ctx, s.nodes.ListOnline())
	if err != nil {
		return err
	}

	for _, table := range tables {
		liveNumbers := s.live.LiveTabletNumbers(table)
		dirs, err := s.lister.ListTabletDirectories(ctx, table)
		if err != nil {
			span.Warnf("gc: list directories for %s failed: %s", table, err)
			continue
		}
		perTableReport, tableReported := report[table]
		for _, num := range dirs {
			if liveNumbers[num] {
				continue
			}
			inherited, numReported := perTableReport[num]
			if !tableReported || !numReported {
				// No inheritance data for this dead tablet this round: an
				// absent entry is not proof nothing is inherited, so no file
				// of this tablet's is a deletion candidate yet.
				continue
			}
			candidates, err := s.lister.ListFiles(ctx, table, num)
			if err != nil {
				span.Warnf("gc: list files for %s/%d failed: %s", table, num, err)
				continue
			}
			for lg, files := range candidates {
				toDelete := subtract(files, inherited[lg])
				if len(toDelete) == 0 {
					continue
				}
				if err := s.lister.DeleteFiles(ctx, table, num, lg, toDelete); err != nil {
					span.Warnf("gc: delete files for %s/%d/%s failed: %s", table, num, lg, err)
				}
			}
			s.lister.PruneEmptyDirectories(ctx, table, num)
		}
	}
	return nil
}

func subtract(all, inherited []string) []string {
	keep := make(map[string]bool, len(inherited))
	for _, f := range inherited {
		keep[f] = true
	}
	var out []string
	for _, f := range all {
		if !keep[f] {
			out = append(out, f)
		}
	}
	return out
}

// deadTabletState is one entry of IncrementalGcStrategy's dead_tablet_files
// map (spec.md §4.5).
type deadTabletState struct {
	deadTime     time.Time
	storageFiles map[string][]string // lg -> every file the directory listing found
	liveFiles    map[string][]string // lg -> files reported live by some descendant this round
	reported     bool                // true iff the querier explicitly reported this tablet this round
}

// IncrementalGcStrategy maintains persistent live/dead maps across ticks
// instead of recomputing from scratch, trading a round of latency (a file
// must survive one earliest_ready_time gate) for far less per-tick work
// on a large cluster (spec.md §4.5).
type IncrementalGcStrategy struct {
	lister  TabletFileLister
	queryer InheritanceQuerier
	live    LiveTabletSource
	nodes   *TabletNodeManager

	mu   sync.Mutex
	dead map[string]map[uint64]*deadTabletState // table -> tabletNumber
}

func NewIncrementalGcStrategy(lister TabletFileLister, queryer InheritanceQuerier, live LiveTabletSource, nodes *TabletNodeManager) *IncrementalGcStrategy {
	return &IncrementalGcStrategy{
		lister:  lister,
		queryer: queryer,
		live:    live,
		nodes:   nodes,
		dead:    make(map[string]map[uint64]*deadTabletState),
	}
}

func (s *IncrementalGcStrategy) Tick(ctx context.Context, tables []string) error {
	span := trace.SpanFromContextSafe(ctx)

	report, err := s.queryer.QueryInheritedFiles(ctx, s.nodes.ListOnline())
	if err != nil {
		return err
	}

	for _, table := range tables {
		if err := s.addNewlyDead(ctx, table); err != nil {
			span.Warnf("gc: enumerate dead tablets for %s failed: %s", table, err)
			continue
		}
		s.applyInheritance(table, report[table])

		earliest := s.live.EarliestReadyTime(table)
		s.reclaimQualified(ctx, table, earliest)
	}
	return nil
}

func (s *IncrementalGcStrategy) addNewlyDead(ctx context.Context, table string) error {
	liveNumbers := s.live.LiveTabletNumbers(table)
	dirs, err := s.lister.ListTabletDirectories(ctx, table)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	perTable, ok := s.dead[table]
	if !ok {
		perTable = make(map[uint64]*deadTabletState)
		s.dead[table] = perTable
	}

	for _, num := range dirs {
		if liveNumbers[num] {
			continue
		}
		if _, tracked := perTable[num]; tracked {
			continue
		}
		files, err := s.lister.ListFiles(ctx, table, num)
		if err != nil {
			continue
		}
		perTable[num] = &deadTabletState{
			deadTime:     time.Now(),
			storageFiles: files,
			liveFiles:    make(map[string][]string),
		}
	}
	return nil
}

func (s *IncrementalGcStrategy) applyInheritance(table string, report map[uint64]map[string][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	perTable := s.dead[table]
	if perTable == nil {
		return
	}
	for num, state := range perTable {
		liveFiles, ok := report[num]
		if !ok {
			// No inheritance data for this tablet this round: leave it
			// unreported rather than treating silence as "nothing inherited".
			state.reported = false
			continue
		}
		state.liveFiles = liveFiles
		state.reported = true
	}
}

func (s *IncrementalGcStrategy) reclaimQualified(ctx context.Context, table string, earliestReadyTime time.Time) {
	span := trace.SpanFromContextSafe(ctx)

	s.mu.Lock()
	perTable := s.dead[table]
	if perTable == nil {
		s.mu.Unlock()
		return
	}
	qualified := make(map[uint64]*deadTabletState)
	for num, state := range perTable {
		if state.deadTime.Before(earliestReadyTime) {
			qualified[num] = state
		}
	}
	s.mu.Unlock()

	for num, state := range qualified {
		if !state.reported {
			continue
		}
		remaining := make(map[string][]string, len(state.storageFiles))
		for lg, storageFiles := range state.storageFiles {
			liveFiles := state.liveFiles[lg]
			// any file reported live that the directory listing taken when
			// the tablet was first seen dead never saw is the invariant violation the open question
			// names: skip it and alarm instead of aborting.
			storageSet := make(map[string]bool, len(storageFiles))
			for _, f := range storageFiles {
				storageSet[f] = true
			}
			for _, f := range liveFiles {
				if !storageSet[f] {
					span.Errorf("gc: live file %s/%d/%s/%s not in storage_files, skipping", table, num, lg, f)
				}
			}

			toDelete := subtract(storageFiles, liveFiles)
			kept := storageFiles
			if len(toDelete) > 0 {
				if err := s.lister.DeleteFiles(ctx, table, num, lg, toDelete); err != nil {
					span.Warnf("gc: delete files for %s/%d/%s failed: %s", table, num, lg, err)
					kept = storageFiles
				} else {
					kept = subtract(storageFiles, toDelete)
				}
			}
			if len(kept) > 0 {
				remaining[lg] = kept
			}
		}
		s.lister.PruneEmptyDirectories(ctx, table, num)

		s.mu.Lock()
		state.storageFiles = remaining
		if isEmpty(state) {
			delete(perTable, num)
		} else {
			state.liveFiles = make(map[string][]string)
			state.deadTime = time.Now()
		}
		s.mu.Unlock()
	}
}

func isEmpty(state *deadTabletState) bool {
	for _, files := range state.storageFiles {
		if len(files) > 0 {
			return false
		}
	}
	return true
}

// GcEngine runs a configured GcStrategy on a fixed tick, independent of
// whether it is the batch or incremental implementation (spec.md §4.5).
type GcEngine struct {
	strategy GcStrategy
	tables   func() []string
}

func NewGcEngine(strategy GcStrategy, tables func() []string) *GcEngine {
	return &GcEngine{strategy: strategy, tables: tables}
}

func (g *GcEngine) Tick(ctx context.Context) error {
	return g.strategy.Tick(ctx, g.tables())
}

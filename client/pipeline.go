package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/tera-db/tera/util/limiter"
)

// RowMutation is one cell-level write an application submits through
// the pipeline; Done is filled in by Submit and never set by callers.
type RowMutation struct {
	Table     string
	RowKey    []byte
	Column    string
	Qualifier []byte
	Timestamp int64
	Value     []byte
	Delete    bool
	// Sync forces immediate commit of the whole batch the mutation
	// lands in, rather than waiting on the size/count/timeout
	// thresholds.
	Sync bool

	done chan error
}

// RowLookup names one cell a Get call wants to read.
type RowLookup struct {
	RowKey    []byte
	Column    string
	Qualifier []byte
}

// RowResult is one cell returned by a Get or Scan call.
type RowResult struct {
	RowKey    []byte
	Column    string
	Qualifier []byte
	Timestamp int64
	Value     []byte
	Found     bool
}

// TabletDataClient is the RPC boundary to a serving tablet server's
// user-data path (tabletserver.Server's WriteRows/ReadRows/ScanRows),
// dialed once per address and reused across batches.
type TabletDataClient interface {
	WriteBatch(ctx context.Context, muts []RowMutation) ([]error, error)
	ReadRows(ctx context.Context, table string, lookups []RowLookup) ([]RowResult, error)
	ScanRows(ctx context.Context, table string, startKey, endKey []byte) ([]RowResult, error)
}

// Dialer resolves a server address to a TabletDataClient, typically
// caching one grpc connection per address.
type Dialer interface {
	Dial(addr string) (TabletDataClient, error)
}

type serverBatch struct {
	muts  []RowMutation
	bytes int
	timer *time.Timer
}

// ClientRequestPipeline groups mutations by the tablet server currently
// serving their row and commits each server's batch once it crosses a
// size, count, sync, or timeout threshold, smoothing write-amplification
// the way a row-at-a-time client would not.
type ClientRequestPipeline struct {
	cache *ClientMetaCache
	dial  Dialer
	flow  limiter.Limiter

	maxBatchBytes int
	maxBatchRows  int
	commitDelay   time.Duration

	mu      sync.Mutex
	batches map[string]*serverBatch // server addr -> in-flight batch
}

// NewClientRequestPipeline builds a pipeline that flushes a server's
// batch once it holds maxBatchRows mutations, maxBatchBytes of payload,
// or commitDelay has elapsed since its first mutation, and throttles
// submission to at most bytesPerSecond of mutation payload.
func NewClientRequestPipeline(cache *ClientMetaCache, dial Dialer, maxBatchBytes, maxBatchRows int, commitDelay time.Duration, bytesPerSecond int) *ClientRequestPipeline {
	flow := limiter.NewLimiter(limiter.LimitConfig{WriteMBPS: bytesPerSecond / (1 << 20)})
	return &ClientRequestPipeline{
		cache:         cache,
		dial:          dial,
		flow:          flow,
		maxBatchBytes: maxBatchBytes,
		maxBatchRows:  maxBatchRows,
		commitDelay:   commitDelay,
		batches:       make(map[string]*serverBatch),
	}
}

// Submit enqueues mut for batched commit and blocks until its batch has
// actually been applied (or failed to apply).
func (p *ClientRequestPipeline) Submit(ctx context.Context, mut RowMutation) error {
	size := len(mut.RowKey) + len(mut.Qualifier) + len(mut.Value)
	if err := p.flow.Writer(ctx, io.Discard).WaitN(size); err != nil {
		return err
	}

	loc, err := p.cache.Locate(ctx, mut.Table, mut.RowKey)
	if err != nil {
		return err
	}

	mut.done = make(chan error, 1)

	p.mu.Lock()
	b, ok := p.batches[loc.ServerAddr]
	if !ok {
		b = &serverBatch{}
		p.batches[loc.ServerAddr] = b
		addr := loc.ServerAddr
		b.timer = time.AfterFunc(p.commitDelay, func() { p.commit(context.Background(), addr) })
	}
	b.muts = append(b.muts, mut)
	b.bytes += size
	shouldCommit := mut.Sync || b.bytes >= p.maxBatchBytes || len(b.muts) >= p.maxBatchRows
	p.mu.Unlock()

	if shouldCommit {
		p.commit(ctx, loc.ServerAddr)
	}
	return <-mut.done
}

func (p *ClientRequestPipeline) commit(ctx context.Context, addr string) {
	p.mu.Lock()
	b, ok := p.batches[addr]
	if ok {
		delete(p.batches, addr)
		b.timer.Stop()
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	writer, err := p.dial.Dial(addr)
	if err != nil {
		p.failTablet(addr)
		for _, m := range b.muts {
			m.done <- err
		}
		return
	}

	statuses, err := writer.WriteBatch(ctx, b.muts)
	if err != nil {
		p.failTablet(addr)
		for _, m := range b.muts {
			m.done <- err
		}
		return
	}
	for i, m := range b.muts {
		var rowErr error
		if i < len(statuses) {
			rowErr = statuses[i]
		}
		if rowErr != nil {
			p.cache.Invalidate(m.Table, m.RowKey)
		}
		m.done <- rowErr
	}
}

// failTablet invalidates every cached route pointing at addr, used when
// the address itself is unreachable: every range it serves is equally
// suspect, unlike a per-row KeyNotInRange fault which only disproves
// that one row's range.
func (p *ClientRequestPipeline) failTablet(addr string) {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	for _, nodes := range p.cache.nodes {
		for _, n := range nodes {
			if n.loc.ServerAddr == addr {
				n.status = NodeWaitUpdate
			}
		}
	}
}

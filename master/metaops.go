package master

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	terrors "github.com/tera-db/tera/errors"
)

// MetaOpsMode is the pipeline's current mode (spec.md §4.2).
type MetaOpsMode uint8

const (
	MetaOpsOnline MetaOpsMode = iota
	MetaOpsSuspended
)

// MetaRecord is one row's key/value produced by a Write task's closure.
type MetaRecord struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// MetaTabletClient is the RPC boundary to whichever tablet server is
// currently serving the meta tablet; the real implementation lives in
// rpcutil/tabletserver client code, kept out of this package the way
// spec.md §1 keeps wire transport out of scope.
type MetaTabletClient interface {
	WriteBatch(ctx context.Context, records []MetaRecord) error
	Scan(ctx context.Context, startKey, endKey []byte) ([]MetaRecord, error)
}

// MetaTabletLocator resolves the meta tablet's current serving address,
// re-scanning the meta-of-meta (the root tablet) on kKeyNotInRange the
// way any client would (spec.md §4.2's error policy).
type MetaTabletLocator interface {
	Locate(ctx context.Context) (MetaTabletClient, error)
	Invalidate()
}

type metaTaskKind uint8

const (
	metaTaskWrite metaTaskKind = iota
	metaTaskScan
	metaTaskRepair
)

type metaTask struct {
	kind     metaTaskKind
	produce  func() ([]MetaRecord, error) // Write: builds the batch at dispatch time, not enqueue time
	startKey []byte                       // Scan
	endKey   []byte                       // Scan
	repair   func(ctx context.Context) error
	done     func(err error, scanned []MetaRecord)
}

const maxKeyNotInRangeRetries = 5

// MetaOpsPipeline serializes every meta-table mutation and scan behind a
// single FIFO queue (spec.md §4.2). While Online it dispatches immediately;
// while Suspended (the meta tablet is being reloaded elsewhere) tasks
// queue until Resume, then drain in submission order.
type MetaOpsPipeline struct {
	locator MetaTabletLocator
	pool    taskpool.TaskPool

	mu      sync.Mutex
	mode    MetaOpsMode
	pending *list.List // of *metaTask, only non-empty while Suspended
}

func NewMetaOpsPipeline(locator MetaTabletLocator, workers int) *MetaOpsPipeline {
	return &MetaOpsPipeline{
		locator: locator,
		pool:    taskpool.New(workers, workers),
		mode:    MetaOpsOnline,
		pending: list.New(),
	}
}

// Suspend stops immediate dispatch; subsequent Write/Scan calls queue.
func (p *MetaOpsPipeline) Suspend() {
	p.mu.Lock()
	p.mode = MetaOpsSuspended
	p.mu.Unlock()
}

// Resume drains the queue in enqueue order, then returns to Online mode.
func (p *MetaOpsPipeline) Resume(ctx context.Context) {
	p.mu.Lock()
	p.mode = MetaOpsOnline
	queued := p.pending
	p.pending = list.New()
	p.mu.Unlock()

	for e := queued.Front(); e != nil; e = e.Next() {
		task := e.Value.(*metaTask)
		p.dispatch(ctx, task)
	}
}

// Write journals a batch of records built by produce, then calls onApplied
// with the outcome (nil on success) — the callback carries the in-memory
// change a caller wants reflected once its meta write has landed, and must
// check the error first (spec.md §4.2).
func (p *MetaOpsPipeline) Write(ctx context.Context, produce func() ([]MetaRecord, error), onApplied func(error)) {
	task := &metaTask{
		kind:    metaTaskWrite,
		produce: produce,
		done:    func(err error, _ []MetaRecord) { onApplied(err) },
	}
	p.submit(ctx, task)
}

// Scan reads [startKey, endKey) from the meta tablet.
func (p *MetaOpsPipeline) Scan(ctx context.Context, startKey, endKey []byte) ([]MetaRecord, error) {
	result := make(chan error, 1)
	var records []MetaRecord
	task := &metaTask{
		kind:     metaTaskScan,
		startKey: startKey,
		endKey:   endKey,
		done: func(err error, scanned []MetaRecord) {
			records = scanned
			result <- err
		},
	}
	p.submit(ctx, task)
	err := <-result
	return records, err
}

// Repair runs fn serialized with every other meta task, used for one-off
// consistency fixes (e.g. re-writing a corrupted row) that must not race
// an in-flight Write.
func (p *MetaOpsPipeline) Repair(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	task := &metaTask{
		kind:   metaTaskRepair,
		repair: fn,
		done:   func(err error, _ []MetaRecord) { result <- err },
	}
	p.submit(ctx, task)
	return <-result
}

func (p *MetaOpsPipeline) submit(ctx context.Context, task *metaTask) {
	p.mu.Lock()
	if p.mode == MetaOpsSuspended {
		p.pending.PushBack(task)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.dispatch(ctx, task)
}

func (p *MetaOpsPipeline) dispatch(ctx context.Context, task *metaTask) {
	span := trace.SpanFromContextSafe(ctx)
	run := func() {
		err := p.execute(ctx, task, 0)
		if err != nil {
			span.Warnf("meta op failed after retries: %s", err)
		}
	}
	if !p.pool.TryRun(run) {
		go run()
	}
}

func (p *MetaOpsPipeline) execute(ctx context.Context, task *metaTask, retry int) error {
	client, err := p.locator.Locate(ctx)
	if err != nil {
		return p.retryOrGiveUp(ctx, task, retry, err)
	}

	switch task.kind {
	case metaTaskWrite:
		records, perr := task.produce()
		if perr != nil {
			task.done(perr, nil)
			return perr
		}
		werr := client.WriteBatch(ctx, records)
		if werr != nil {
			return p.retryOrGiveUp(ctx, task, retry, werr)
		}
		task.done(nil, nil)
		return nil
	case metaTaskScan:
		records, serr := client.Scan(ctx, task.startKey, task.endKey)
		if serr != nil {
			return p.retryOrGiveUp(ctx, task, retry, serr)
		}
		task.done(nil, records)
		return nil
	case metaTaskRepair:
		rerr := task.repair(ctx)
		task.done(rerr, nil)
		return rerr
	default:
		return terrors.Info(terrors.ErrBadParam, "unknown meta task kind")
	}
}

func (p *MetaOpsPipeline) retryOrGiveUp(ctx context.Context, task *metaTask, retry int, err error) error {
	if terrors.KindOf(err) == terrors.KindRoutingStale {
		p.locator.Invalidate()
		if retry >= maxKeyNotInRangeRetries {
			task.done(err, nil)
			return err
		}
		return p.execute(ctx, task, retry+1)
	}
	if terrors.IsRetryable(err) {
		delay := backoffDelay(retry)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return p.execute(ctx, task, retry+1)
		case <-ctx.Done():
			task.done(ctx.Err(), nil)
			return ctx.Err()
		}
	}
	task.done(err, nil)
	return err
}

func backoffDelay(retry int) time.Duration {
	d := 100 * time.Millisecond
	for i := 0; i < retry && d < 5*time.Second; i++ {
		d *= 2
	}
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

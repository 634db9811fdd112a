package backfill

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/dcp"
	"github.com/couchbase/godcp/executor"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/stats"
	"github.com/couchbase/godcp/transport"
	"golang.org/x/time/rate"
)

// retryInterval between delivery attempts while a stream's buffered
// backfill caps are exceeded.
const retryInterval = 10 * time.Millisecond

// Manager turns schedule requests into store scans on the shared
// executor. One task per vbucket at a time; delivery pauses while the
// stream's buffered caps push back and resumes in place.
type Manager struct {
	store   *Store
	exec    *executor.Executor
	limiter *rate.Limiter
	chunk   int

	mu      sync.Mutex
	running map[uint16]context.CancelFunc

	scanLatency stats.Average

	logPrefix string
}

var _ dcp.BackfillScheduler = (*Manager)(nil)

func NewManager(store *Store, exec *executor.Executor, config c.Config) *Manager {
	section := config.SectionConfig("dcp.backfill.", true)
	limiter := rate.NewLimiter(rate.Inf, 1)
	if scanRate := section["scanRate"].Int(); scanRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(scanRate), scanRate)
	}
	m := &Manager{
		store:     store,
		exec:      exec,
		limiter:   limiter,
		chunk:     section["chunkSize"].Int(),
		running:   make(map[uint16]context.CancelFunc),
		logPrefix: "BKFL[mgr]",
	}
	m.scanLatency.Init()
	return m
}

// ScheduleBackfill registers a scan of [start, end] for the stream's
// vbucket. The scan runs on the executor; the stream is never called
// back on this goroutine, so callers may hold the stream's lock.
func (m *Manager) ScheduleBackfill(stream *dcp.ActiveStream, start, end uint64) error {
	vbno := stream.VBucket()

	m.mu.Lock()
	if _, ok := m.running[vbno]; ok {
		m.mu.Unlock()
		return fmt.Errorf("backfill already running for vb %d", vbno)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.running[vbno] = cancel
	m.mu.Unlock()

	// admission may block on the executor, keep it off the caller
	go func() {
		err := m.exec.Submit(func(taskCtx context.Context) {
			defer m.finish(vbno)
			m.run(joinContexts(ctx, taskCtx), stream, start, end)
		})
		if err != nil {
			m.finish(vbno)
			logging.Errorf("%v vb %d backfill not admitted: %v",
				m.logPrefix, vbno, err)
			stream.AbortBackfill()
		}
	}()
	return nil
}

// CancelBackfill stops the vbucket's running scan, if any.
func (m *Manager) CancelBackfill(vbno uint16) {
	m.mu.Lock()
	cancel := m.running[vbno]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) finish(vbno uint16) {
	m.mu.Lock()
	if cancel, ok := m.running[vbno]; ok {
		delete(m.running, vbno)
		defer cancel()
	}
	m.mu.Unlock()
}

// ScanStats reports the number of scan tasks run so far and their mean
// wall-clock duration.
func (m *Manager) ScanStats() (count int64, mean time.Duration) {
	return m.scanLatency.Count(), time.Duration(m.scanLatency.Mean())
}

func (m *Manager) run(ctx context.Context, stream *dcp.ActiveStream, start, end uint64) {
	vbno := stream.VBucket()
	defer stream.CompleteBackfill()
	started := time.Now()
	defer func() { m.scanLatency.Add(int64(time.Since(started))) }()

	high, err := m.store.HighSeqno(vbno)
	if err != nil {
		logging.Errorf("%v vb %d high seqno: %v", m.logPrefix, vbno, err)
		stream.AbortBackfill()
		return
	}
	if high <= start {
		// nothing on disk past the resume point
		return
	}
	// start is the resume point the peer already holds; deliver past it
	first := start + 1
	snapEnd := end
	if high < snapEnd {
		snapEnd = high
	}

	count, err := m.store.Count(vbno, first, snapEnd)
	if err != nil {
		logging.Errorf("%v vb %d count: %v", m.logPrefix, vbno, err)
		stream.AbortBackfill()
		return
	}
	stream.IncrBackfillRemaining(count)
	stream.MarkDiskSnapshot(first, snapEnd)
	logging.Infof("%v vb %d scanning [%d,%d], %d items",
		m.logPrefix, vbno, first, snapEnd, count)

	sent := 0
	err = m.store.Scan(ctx, vbno, first, snapEnd,
		func(mutation *transport.Mutation) (bool, error) {
			if err := m.limiter.Wait(ctx); err != nil {
				return false, err
			}
			if !m.deliver(ctx, stream, mutation) {
				return false, nil
			}
			sent++
			if m.chunk > 0 && sent%m.chunk == 0 {
				// yield between chunks so one vbucket cannot hog a worker
				runtime.Gosched()
			}
			return true, nil
		})
	if err != nil && ctx.Err() == nil {
		logging.Errorf("%v vb %d scan: %v", m.logPrefix, vbno, err)
		stream.AbortBackfill()
		return
	}
	logging.Infof("%v vb %d backfill done, %d items sent", m.logPrefix, vbno, sent)
}

// deliver retries past temporary cap rejections until the item is
// accepted, the stream dies, or the task is cancelled.
func (m *Manager) deliver(ctx context.Context, stream *dcp.ActiveStream,
	mutation *transport.Mutation) bool {

	for {
		if stream.BackfillReceived(mutation, dcp.BackfillFromDisk) {
			return true
		}
		if !stream.IsActive() {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryInterval):
		}
	}
}

// joinContexts cancels when either parent does.
func joinContexts(a, b context.Context) context.Context {
	ctx, cancel := context.WithCancel(a)
	go func() {
		defer cancel()
		select {
		case <-a.Done():
		case <-b.Done():
		case <-ctx.Done():
		}
	}()
	return ctx
}

// Package executor provides a bounded task runner shared by backfill
// and buffered-message processing.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/stats"
	"golang.org/x/sync/semaphore"
)

// Task is one unit of work. The context is cancelled when the executor
// stops; long-running tasks must honor it.
type Task func(ctx context.Context)

// Executor admits at most `workers` concurrent tasks through a weighted
// semaphore. Submit blocks while the pool is saturated, which is what
// backpressures backfill scheduling against slow consumers.
type Executor struct {
	name   string
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	tasksRun     stats.Uint64Val
	tasksWaiting stats.Int64Val
	runTime      stats.Uint64Val // cumulative nanoseconds

	logPrefix string
}

func New(name string, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		name:      name,
		sem:       semaphore.NewWeighted(int64(workers)),
		ctx:       ctx,
		cancel:    cancel,
		logPrefix: fmt.Sprintf("EXCT[%v]", name),
	}
	e.tasksRun.Init()
	e.tasksWaiting.Init()
	e.runTime.Init()
	logging.Infof("%v started with %v workers", e.logPrefix, workers)
	return e
}

// Submit runs task on the pool, blocking until a worker slot frees up.
// Returns ErrorClosed once the executor is stopped.
func (e *Executor) Submit(task Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return c.ErrorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	e.tasksWaiting.Add(1)
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		e.tasksWaiting.Add(-1)
		e.wg.Done()
		return c.ErrorClosed
	}
	e.tasksWaiting.Add(-1)

	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		start := time.Now()
		task(e.ctx)
		e.runTime.Add(uint64(time.Since(start)))
		e.tasksRun.Add(1)
	}()
	return nil
}

// TrySubmit is the non-blocking variant; returns ErrorChannelFull when
// no worker slot is free.
func (e *Executor) TrySubmit(task Task) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return c.ErrorClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	if !e.sem.TryAcquire(1) {
		e.wg.Done()
		return c.ErrorChannelFull
	}
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		start := time.Now()
		task(e.ctx)
		e.runTime.Add(uint64(time.Since(start)))
		e.tasksRun.Add(1)
	}()
	return nil
}

// Stop cancels running tasks and waits for them to drain. Idempotent.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	logging.Infof("%v stopped after %v tasks, %v busy",
		e.logPrefix, e.tasksRun.Value(),
		time.Duration(e.runTime.Value()))
}

// TasksRun counts completed tasks.
func (e *Executor) TasksRun() uint64 {
	return e.tasksRun.Value()
}

// TasksWaiting counts submitters blocked on admission.
func (e *Executor) TasksWaiting() int64 {
	return e.tasksWaiting.Value()
}

package dcp

import (
	"fmt"

	"github.com/couchbase/godcp/stats"
	"github.com/couchbase/godcp/transport"
)

// snapshotTracker records the bracketing window every queued or applied
// mutation must fall within. Fields are atomics so stats readers never
// take the stream lock; all mutations happen under the owning stream's
// lock (producer) or drain path (consumer).
type snapshotTracker struct {
	start stats.Uint64Val
	end   stats.Uint64Val
	kind  stats.Int64Val
}

func newSnapshotTracker() *snapshotTracker {
	t := &snapshotTracker{}
	t.start.Init()
	t.end.Init()
	t.kind.Init()
	return t
}

// Open a new window. The previous window must be fully consumed, or
// none open at all.
func (t *snapshotTracker) Open(start, end uint64, kind transport.SnapshotKind) error {
	if transport.SnapshotKind(t.kind.Value()) != transport.SNAPSHOT_NONE {
		return fmt.Errorf("%w: snapshot [%d,%d] while [%d,%d] pending",
			ErrorInvalidState, start, end, t.start.Value(), t.end.Value())
	}
	if end < start {
		return fmt.Errorf("%w: snapshot [%d,%d]", ErrorRange, start, end)
	}
	t.start.Set(start)
	t.end.Set(end)
	t.kind.Set(int64(kind))
	return nil
}

// Extend grows an open window of the same kind, or opens one when none
// is open. Used on the producer side where consecutive in-memory batches
// share a window until the consumer catches up.
func (t *snapshotTracker) Extend(end uint64, kind transport.SnapshotKind) {
	if transport.SnapshotKind(t.kind.Value()) == transport.SNAPSHOT_NONE {
		t.kind.Set(int64(kind))
		t.start.Set(end)
	}
	if end > t.end.Value() {
		t.end.Set(end)
	}
}

// Contains reports whether seqno falls inside the open window.
func (t *snapshotTracker) Contains(seqno uint64) bool {
	if transport.SnapshotKind(t.kind.Value()) == transport.SNAPSHOT_NONE {
		return false
	}
	return seqno >= t.start.Value() && seqno <= t.end.Value()
}

// CompletedBy reports whether applying seqno consumes the window.
func (t *snapshotTracker) CompletedBy(seqno uint64) bool {
	return transport.SnapshotKind(t.kind.Value()) != transport.SNAPSHOT_NONE &&
		seqno >= t.end.Value()
}

// Close the window.
func (t *snapshotTracker) Close() {
	t.kind.Set(int64(transport.SNAPSHOT_NONE))
}

func (t *snapshotTracker) Kind() transport.SnapshotKind {
	return transport.SnapshotKind(t.kind.Value())
}

func (t *snapshotTracker) Window() (uint64, uint64) {
	return t.start.Value(), t.end.Value()
}

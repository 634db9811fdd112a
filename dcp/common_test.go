package dcp

import (
	"fmt"
	"sync"
	"testing"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/transport"
)

func init() {
	logging.LogIgnore()
}

func testConfig(t *testing.T, overrides map[string]interface{}) c.Config {
	t.Helper()
	config, err := c.NewConfig(map[string]interface{}{})
	if err != nil {
		t.Fatal(err)
	}
	for key, value := range overrides {
		if err := config.SetValue(key, value); err != nil {
			t.Fatalf("override %q: %v", key, err)
		}
	}
	return config
}

func mkMutation(vbno uint16, seqno uint64) *transport.Mutation {
	return &transport.Mutation{
		Op:    transport.OPCODE_MUTATION,
		Vbno:  vbno,
		Seqno: seqno,
		Key:   []byte(fmt.Sprintf("key-%08d", seqno)),
		Value: []byte(fmt.Sprintf("value-%08d", seqno)),
	}
}

// testConn records NotifyStreamReady callbacks.
type testConn struct {
	name    string
	keyOnly bool
	codec   *transport.Codec

	mu       sync.Mutex
	notified int
	closed   []uint16
}

func (conn *testConn) Name() string { return conn.name }

func (conn *testConn) NotifyStreamReady(vbno uint16) {
	conn.mu.Lock()
	conn.notified++
	conn.mu.Unlock()
}

func (conn *testConn) CloseStream(vbno uint16) {
	conn.mu.Lock()
	conn.closed = append(conn.closed, vbno)
	conn.mu.Unlock()
}

func (conn *testConn) KeyOnly() bool           { return conn.keyOnly }
func (conn *testConn) Codec() *transport.Codec { return conn.codec }

func (conn *testConn) notifyCount() int {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.notified
}

// testVBucket records applied seqnos and can fail transiently.
type testVBucket struct {
	mu          sync.Mutex
	id          uint16
	uuid        uint64
	state       transport.VbState
	applied     []uint64
	deleted     []uint64
	failApplies int // next n applies return ErrorTmpFail
}

func newTestVBucket(id uint16, state transport.VbState) *testVBucket {
	return &testVBucket{id: id, uuid: uint64(id)*1000 + 7, state: state}
}

func (vb *testVBucket) ID() uint16   { return vb.id }
func (vb *testVBucket) UUID() uint64 { return vb.uuid }

func (vb *testVBucket) HighSeqno() uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if n := len(vb.applied); n > 0 {
		return vb.applied[n-1]
	}
	return 0
}

func (vb *testVBucket) State() transport.VbState {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return vb.state
}

func (vb *testVBucket) SetState(state transport.VbState) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.state = state
	return nil
}

func (vb *testVBucket) ApplyMutation(m *transport.Mutation) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	if vb.failApplies > 0 {
		vb.failApplies--
		return ErrorTmpFail
	}
	vb.applied = append(vb.applied, m.Seqno)
	return nil
}

func (vb *testVBucket) ApplyDeletion(m *transport.Mutation) error {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	vb.deleted = append(vb.deleted, m.Seqno)
	return nil
}

func (vb *testVBucket) appliedSeqnos() []uint64 {
	vb.mu.Lock()
	defer vb.mu.Unlock()
	return append([]uint64(nil), vb.applied...)
}

// testCursor serves a fixed slice of mutations.
type testCursor struct {
	mu    sync.Mutex
	items []*transport.Mutation
	pos   int
}

func newTestCursor(vbno uint16, from, to uint64) *testCursor {
	cur := &testCursor{}
	for seqno := from; seqno <= to; seqno++ {
		cur.items = append(cur.items, mkMutation(vbno, seqno))
	}
	return cur
}

func (cur *testCursor) NextBatch(max int) []*transport.Mutation {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	n := len(cur.items) - cur.pos
	if n > max {
		n = max
	}
	batch := cur.items[cur.pos : cur.pos+n]
	cur.pos += n
	return batch
}

func (cur *testCursor) HighSeqno() uint64 {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	if n := len(cur.items); n > 0 {
		return cur.items[n-1].Seqno
	}
	return 0
}

func (cur *testCursor) extend(vbno uint16, to uint64) {
	cur.mu.Lock()
	defer cur.mu.Unlock()
	next := uint64(1)
	if n := len(cur.items); n > 0 {
		next = cur.items[n-1].Seqno + 1
	}
	for seqno := next; seqno <= to; seqno++ {
		cur.items = append(cur.items, mkMutation(vbno, seqno))
	}
}

// testScheduler records schedule requests; the test drives the scan
// callbacks by hand.
type testScheduler struct {
	mu        sync.Mutex
	scheduled []struct {
		vbno       uint16
		start, end uint64
	}
	cancelled []uint16
	err       error
}

func (sch *testScheduler) ScheduleBackfill(stream *ActiveStream, start, end uint64) error {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.err != nil {
		return sch.err
	}
	sch.scheduled = append(sch.scheduled, struct {
		vbno       uint16
		start, end uint64
	}{stream.VBucket(), start, end})
	return nil
}

func (sch *testScheduler) CancelBackfill(vbno uint16) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.cancelled = append(sch.cancelled, vbno)
}

func (sch *testScheduler) cancelCount() int {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return len(sch.cancelled)
}

// drain pops messages until the stream yields nil.
func drain(s interface{ Next() transport.Message }) []transport.Message {
	var msgs []transport.Message
	for {
		msg := s.Next()
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, msg)
	}
}

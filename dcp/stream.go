package dcp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/stats"
	"github.com/couchbase/godcp/transport"
)

// dcpMaxSeqno is used as the end seqno of open ended streams.
const dcpMaxSeqno uint64 = 0xFFFFFFFFFFFFFFFF

// StreamHandle is the closed set of stream roles seen by a connection.
type StreamHandle interface {
	// Next returns the next outbound message, nil for none-available.
	Next() transport.Message
	// SetDead tears the stream down from any state, idempotently, and
	// returns the accounted bytes freed.
	SetDead(status transport.EndStreamStatus) uint64
	// NotifySeqnoAvailable wakes a stream stalled on new data.
	NotifySeqnoAvailable(seqno uint64)
	// AddStats reports identity and counters to the sink.
	AddStats(sink StatsSink)
	State() StreamState
	IsActive() bool
	VBucket() uint16
	Opaque() uint32
}

// stream holds identity, lifecycle state and the ready queue shared by
// all roles. Identity fields are immutable after construction except
// opaque/startSeqno which a passive reconnect renegotiates under lock.
type stream struct {
	name           string
	flags          uint32
	opaque         uint32
	vbno           uint16
	startSeqno     uint64
	endSeqno       uint64
	vbuuid         uint64
	snapStartSeqno uint64
	snapEndSeqno   uint64

	state int32 // StreamState, atomic

	// streamMu guards readyQ and state transitions. readyQueueMemory is
	// an atomic because otherwise ReadyQueueMemory would need to acquire
	// streamMu.
	streamMu         sync.Mutex
	readyQ           []transport.Message
	readyQueueMemory stats.Uint64Val

	itemsReady stats.BoolVal
	logPrefix  string
}

func (s *stream) init(name string, flags, opaque uint32, vbno uint16,
	startSeqno, endSeqno, vbuuid, snapStart, snapEnd uint64) {

	s.name = name
	s.flags = flags
	s.opaque = opaque
	s.vbno = vbno
	s.startSeqno = startSeqno
	s.endSeqno = endSeqno
	s.vbuuid = vbuuid
	s.snapStartSeqno = snapStart
	s.snapEndSeqno = snapEnd
	s.state = int32(StreamPending)
	s.readyQueueMemory.Init()
	s.itemsReady.Init()
}

func (s *stream) Name() string           { return s.name }
func (s *stream) Flags() uint32          { return s.flags }
func (s *stream) Opaque() uint32         { return s.opaque }
func (s *stream) VBucket() uint16        { return s.vbno }
func (s *stream) StartSeqno() uint64     { return s.startSeqno }
func (s *stream) EndSeqno() uint64       { return s.endSeqno }
func (s *stream) VBucketUUID() uint64    { return s.vbuuid }
func (s *stream) SnapStartSeqno() uint64 { return s.snapStartSeqno }
func (s *stream) SnapEndSeqno() uint64   { return s.snapEndSeqno }

func (s *stream) State() StreamState {
	return StreamState(atomic.LoadInt32(&s.state))
}

func (s *stream) IsActive() bool {
	return s.State() != StreamDead
}

// setState stores the new state; caller must hold streamMu and must have
// validated the edge against the role's transition table.
func (s *stream) setState(to StreamState) {
	atomic.StoreInt32(&s.state, int32(to))
}

// invalidTransition logs a fatal message for a programming error; the
// transition is not applied.
func (s *stream) invalidTransition(from, to StreamState) {
	logging.Fatalf("%v invalid state transition from %v to %v",
		s.logPrefix, from, to)
}

// pushToReadyQ appends a message; to be called after getting streamMu.
func (s *stream) pushToReadyQ(msg transport.Message) {
	s.readyQ = append(s.readyQ, msg)
	s.readyQueueMemory.Add(msg.Size())
}

// popFromReadyQ removes and returns the head message, nil when empty;
// to be called after getting streamMu.
func (s *stream) popFromReadyQ() transport.Message {
	if len(s.readyQ) == 0 {
		return nil
	}
	msg := s.readyQ[0]
	s.readyQ[0] = nil
	s.readyQ = s.readyQ[1:]
	s.readyQueueMemory.Sub(msg.Size())
	return msg
}

// clearLocked drops every queued message and returns the bytes freed;
// to be called after getting streamMu.
func (s *stream) clearLocked() uint64 {
	freed := s.readyQueueMemory.Value()
	for i := range s.readyQ {
		s.readyQ[i] = nil
	}
	s.readyQ = nil
	s.readyQueueMemory.Sub(freed)
	return freed
}

// Clear performs a locked drain of the ready queue.
func (s *stream) Clear() uint64 {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.clearLocked()
}

// ReadyQueueMemory is the accounted size of queued messages.
func (s *stream) ReadyQueueMemory() uint64 {
	return s.readyQueueMemory.Value()
}

// addBaseStats reports the identity counters common to all roles.
func (s *stream) addBaseStats(sink StatsSink) {
	prefix := fmt.Sprintf("vb_%d:", s.vbno)
	sink(prefix+"stream_name", s.name)
	sink(prefix+"opaque", fmt.Sprint(s.opaque))
	sink(prefix+"state", s.State().String())
	sink(prefix+"start_seqno", fmt.Sprint(s.startSeqno))
	sink(prefix+"end_seqno", fmt.Sprint(s.endSeqno))
	sink(prefix+"vb_uuid", fmt.Sprint(s.vbuuid))
	sink(prefix+"snap_start_seqno", fmt.Sprint(s.snapStartSeqno))
	sink(prefix+"snap_end_seqno", fmt.Sprint(s.snapEndSeqno))
	sink(prefix+"ready_queue_memory", fmt.Sprint(s.ReadyQueueMemory()))
}

package dcp

import (
	"errors"
	"fmt"
	"sync"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/stats"
	"github.com/couchbase/godcp/transport"
)

// PassiveStream receives inbound protocol messages for one vbucket,
// buffers them under backpressure and applies them to storage in strict
// snapshot order.
//
// Lock domains: streamMu guards the ready queue (outbound control
// messages) and state transitions; buffer.mu guards the inbound buffer.
// The two are never held together, so flow-control inspection never
// contends with lifecycle-state reads.
//
// ProcessBufferedMessages is driven by a single scheduler task at a
// time; concurrent drains of one stream are not supported.
type PassiveStream struct {
	stream

	consumer ConsumerConn
	vb       VBucket
	tracker  *snapshotTracker

	// last_seqno: highest seqno applied to storage.
	lastSeqno stats.Uint64Val

	// curSnapshotAck records whether the open window's marker owes an
	// acknowledgement; only the drain path touches it.
	curSnapshotAck bool

	buffer    passiveBuffer
	batchSize int
	arena     *transport.BodyArena

	// codecs for inbound compressed values, keyed by compression bits;
	// drain path only.
	codecs map[byte]*transport.Codec
}

var _ StreamHandle = (*PassiveStream)(nil)

// passiveBuffer holds inbound messages awaiting apply. bytes and items
// are atomics so flow-control inspection never takes the lock.
type passiveBuffer struct {
	mu        sync.Mutex
	messages  []transport.Message
	bytes     stats.Uint64Val
	items     stats.Uint64Val
	byteLimit uint64
	itemLimit uint64
}

// push appends while the stream is still live. The liveness check runs
// under the buffer lock so a push racing SetDead's clear can never
// strand accounted bytes on a dead stream.
func (b *passiveBuffer) push(msg transport.Message, live func() bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !live() {
		return ErrorClosed
	}
	if b.bytes.Value()+msg.Size() > b.byteLimit ||
		b.items.Value()+1 > b.itemLimit {
		return ErrorBufferFull
	}
	b.messages = append(b.messages, msg)
	b.bytes.Add(msg.Size())
	b.items.Add(1)
	return nil
}

func (b *passiveBuffer) pop() transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.messages) == 0 {
		return nil
	}
	msg := b.messages[0]
	b.messages[0] = nil
	b.messages = b.messages[1:]
	b.bytes.Sub(msg.Size())
	b.items.Sub(1)
	return msg
}

// pushFront returns a popped message that could not be applied yet,
// subject to the same liveness rule as push.
func (b *passiveBuffer) pushFront(msg transport.Message, live func() bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !live() {
		return ErrorClosed
	}
	b.messages = append([]transport.Message{msg}, b.messages...)
	b.bytes.Add(msg.Size())
	b.items.Add(1)
	return nil
}

func (b *passiveBuffer) clear(release func(transport.Message)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	freed := b.bytes.Value()
	for i, msg := range b.messages {
		release(msg)
		b.messages[i] = nil
	}
	b.messages = nil
	b.bytes.Sub(freed)
	b.items.Sub(b.items.Value())
	return freed
}

// NewPassiveStream for one vbucket; arena may be nil to keep buffered
// bodies on the Go heap.
func NewPassiveStream(
	consumer ConsumerConn, vb VBucket, arena *transport.BodyArena,
	config c.Config, spec StreamSpec) *PassiveStream {

	s := &PassiveStream{
		consumer:  consumer,
		vb:        vb,
		tracker:   newSnapshotTracker(),
		batchSize: config["dcp.consumer.batchSize"].Int(),
		arena:     arena,
		codecs:    make(map[byte]*transport.Codec),
	}
	if spec.EndSeqno == 0 {
		spec.EndSeqno = dcpMaxSeqno
	}
	s.init(spec.Name, spec.Flags, spec.Opaque, spec.Vbno,
		spec.StartSeqno, spec.EndSeqno, spec.VbUUID,
		spec.SnapStart, spec.SnapEnd)

	s.lastSeqno.Init()
	s.lastSeqno.Set(spec.StartSeqno)
	s.buffer.bytes.Init()
	s.buffer.items.Init()
	s.buffer.byteLimit = config["dcp.consumer.bufferBytes"].Uint64()
	s.buffer.itemLimit = config["dcp.consumer.bufferItems"].Uint64()

	s.logPrefix = fmt.Sprintf("DCPP[%v ##%x vb:%d]",
		consumer.Name(), spec.Opaque, spec.Vbno)
	logging.Infof("%v created passive stream [%d,%d] uuid %v",
		s.logPrefix, spec.StartSeqno, s.endSeqno, spec.VbUUID)
	return s
}

// MessageReceived appends an inbound message to the buffer. Returns
// ErrorBufferFull when the configured cap would be exceeded; the caller
// must stall the connection's read side and retry.
func (s *PassiveStream) MessageReceived(msg transport.Message) error {
	if !s.IsActive() {
		return ErrorClosed
	}
	if m, ok := msg.(*transport.Mutation); ok {
		if m.Seqno == 0 {
			return fmt.Errorf("%w: mutation without seqno", ErrorRange)
		}
		s.adoptBody(m)
	}
	if err := s.buffer.push(msg, s.IsActive); err != nil {
		if errors.Is(err, ErrorClosed) {
			s.releaseBody(msg)
		}
		return err
	}
	return nil
}

// adoptBody copies a mutation value into the slab arena so long-lived
// buffered messages do not pin connection read buffers.
func (s *PassiveStream) adoptBody(m *transport.Mutation) {
	if s.arena == nil || len(m.Value) == 0 || s.arena.Owns(m.Value) {
		return // already adopted on a rejected earlier push
	}
	if value, err := s.arena.Copy(m.Value); err == nil {
		m.Value = value
	}
	// on arena exhaustion the heap copy the caller handed in stays
}

func (s *PassiveStream) releaseBody(msg transport.Message) {
	if s.arena == nil {
		return
	}
	if m, ok := msg.(*transport.Mutation); ok {
		s.arena.Release(m.Value)
	}
}

// ProcessBufferedMessages drains up to batchSize buffered messages,
// applying each in order. Returns the bytes processed and one of
// AllProcessed (buffer empty), MoreToProcess (batch limit hit,
// reschedule) or CannotProcess (storage transiently busy, retry without
// losing buffered data).
func (s *PassiveStream) ProcessBufferedMessages() (uint64, ProcessResult) {
	var processed uint64

	for count := 0; count < s.batchSize; count++ {
		if !s.IsActive() {
			return processed, AllProcessed
		}
		msg := s.buffer.pop()
		if msg == nil {
			return processed, AllProcessed
		}

		var err error
		switch m := msg.(type) {
		case *transport.SnapshotMarker:
			err = s.processMarker(m)
		case *transport.Mutation:
			if m.IsDeletion() {
				err = s.processDeletion(m)
			} else {
				err = s.processMutation(m)
			}
		case *transport.SetVBucketState:
			err = s.processSetVBucketState(m)
		case *transport.StreamEnd:
			logging.Infof("%v stream end received: %v", s.logPrefix, m.Status)
			s.SetDead(m.Status)
			return processed, AllProcessed
		default:
			logging.Warnf("%v unexpected buffered %v, dropped",
				s.logPrefix, msg.Opcode())
		}

		if errors.Is(err, ErrorTmpFail) {
			if s.buffer.pushFront(msg, s.IsActive) != nil {
				// died between pop and requeue; drop, teardown owns it
				s.releaseBody(msg)
				return processed, AllProcessed
			}
			return processed, CannotProcess
		}
		if err != nil {
			// protocol violation: discard and fail the stream, never
			// silently apply
			logging.Errorf("%v protocol violation on %v: %v",
				s.logPrefix, msg.Opcode(), err)
			s.releaseBody(msg)
			s.SetDead(endStreamStatusFor(err))
			return processed, AllProcessed
		}
		processed += msg.Size()
		s.releaseBody(msg)
	}

	if s.buffer.items.Value() > 0 {
		return processed, MoreToProcess
	}
	return processed, AllProcessed
}

// endStreamStatusFor maps local violation kinds to the peer-visible
// end-stream status. Every violation resolves to END_STREAM_STATE; the
// mapping is total so an unclassified error can never leave the stream
// half-alive.
func endStreamStatusFor(err error) transport.EndStreamStatus {
	return transport.END_STREAM_STATE
}

func (s *PassiveStream) processMarker(m *transport.SnapshotMarker) error {
	if m.End < m.Start {
		return fmt.Errorf("%w: marker [%d,%d]", ErrorRange, m.Start, m.End)
	}
	if m.End <= s.lastSeqno.Value() {
		return fmt.Errorf("%w: stale marker [%d,%d], last applied %d",
			ErrorRange, m.Start, m.End, s.lastSeqno.Value())
	}
	if err := s.tracker.Open(m.Start, m.End, m.Kind()); err != nil {
		return err
	}
	s.curSnapshotAck = m.AckRequired()
	logging.Debugf("%v received snapshot %d %d (flags %x)",
		s.logPrefix, m.Start, m.End, m.Flags)
	return nil
}

func (s *PassiveStream) processMutation(m *transport.Mutation) error {
	if err := s.checkSeqno(m.Seqno); err != nil {
		return err
	}
	if m.Compression != transport.CompressionNone {
		value, err := s.decompress(m)
		if err != nil {
			return err
		}
		// the compressed body may be arena-owned; hand it back before
		// the decompressed copy replaces it
		s.releaseBody(m)
		m.Value = value
		m.Compression = transport.CompressionNone
	}
	if err := s.vb.ApplyMutation(m); err != nil {
		return err
	}
	s.lastSeqno.Set(m.Seqno)
	s.handleSnapshotEnd(m.Seqno)
	return nil
}

func (s *PassiveStream) processDeletion(m *transport.Mutation) error {
	if err := s.checkSeqno(m.Seqno); err != nil {
		return err
	}
	if err := s.vb.ApplyDeletion(m); err != nil {
		return err
	}
	s.lastSeqno.Set(m.Seqno)
	s.handleSnapshotEnd(m.Seqno)
	return nil
}

// checkSeqno validates that seqno falls in the open window and advances
// past the last applied seqno.
func (s *PassiveStream) checkSeqno(seqno uint64) error {
	if seqno <= s.lastSeqno.Value() {
		return fmt.Errorf("%w: seqno %d not past last applied %d",
			ErrorRange, seqno, s.lastSeqno.Value())
	}
	if !s.tracker.Contains(seqno) {
		start, end := s.tracker.Window()
		return fmt.Errorf("%w: seqno %d outside snapshot [%d,%d] (%v)",
			ErrorRange, seqno, start, end, s.tracker.Kind())
	}
	return nil
}

// handleSnapshotEnd closes the window when the applied seqno consumes it
// and sends the marker ack if one is owed.
func (s *PassiveStream) handleSnapshotEnd(seqno uint64) {
	if !s.tracker.CompletedBy(seqno) {
		return
	}
	s.tracker.Close()
	if !s.curSnapshotAck {
		return
	}
	s.curSnapshotAck = false

	s.streamMu.Lock()
	s.pushToReadyQ(&transport.SnapshotMarkerAck{Vbno: s.vbno, Opaque: s.opaque})
	s.streamMu.Unlock()
	s.consumer.NotifyStreamReady(s.vbno)
}

func (s *PassiveStream) processSetVBucketState(m *transport.SetVBucketState) error {
	if err := s.vb.SetState(m.State); err != nil {
		return fmt.Errorf("%w: set vbucket state %v: %v",
			ErrorInvalidState, m.State, err)
	}
	logging.Infof("%v vbucket state set to %v", s.logPrefix, m.State)

	s.streamMu.Lock()
	s.pushToReadyQ(&transport.SetVBucketStateAck{Vbno: s.vbno, Opaque: s.opaque})
	s.streamMu.Unlock()
	s.consumer.NotifyStreamReady(s.vbno)
	return nil
}

// AcceptStream completes stream negotiation with the producer's status.
func (s *PassiveStream) AcceptStream(status uint16, addOpaque uint32) {
	s.streamMu.Lock()
	if s.State() != StreamPending {
		s.streamMu.Unlock()
		logging.Warnf("%v accept in state %v ignored", s.logPrefix, s.State())
		return
	}
	if status != 0 {
		s.streamMu.Unlock()
		logging.Errorf("%v stream request rejected with status %d",
			s.logPrefix, status)
		s.SetDead(transport.END_STREAM_STATE)
		return
	}
	s.pushToReadyQ(&transport.AddStreamResponse{
		Vbno:   s.vbno,
		Opaque: addOpaque,
		Status: status,
	})
	s.transitionLocked(StreamReading)
	s.streamMu.Unlock()
	s.consumer.NotifyStreamReady(s.vbno)
}

// ReconnectStream re-negotiates after a transient connection loss,
// resuming from the last applied seqno so nothing is skipped or applied
// twice.
func (s *PassiveStream) ReconnectStream(vb VBucket, newOpaque uint32, startSeqno uint64) {
	s.streamMu.Lock()
	if s.State() == StreamDead {
		s.streamMu.Unlock()
		return
	}
	if s.lastSeqno.Value() > startSeqno {
		startSeqno = s.lastSeqno.Value()
	}
	s.opaque = newOpaque
	s.startSeqno = startSeqno
	s.vb = vb

	snapStart, snapEnd := startSeqno, startSeqno
	if s.tracker.Kind() != transport.SNAPSHOT_NONE {
		snapStart, snapEnd = s.tracker.Window()
	}
	s.pushToReadyQ(&transport.StreamRequest{
		Vbno:      s.vbno,
		Opaque:    newOpaque,
		Flags:     s.flags,
		VbUUID:    s.vbuuid,
		StartSeq:  startSeqno,
		EndSeq:    s.endSeqno,
		SnapStart: snapStart,
		SnapEnd:   snapEnd,
	})
	if s.State() == StreamReading {
		s.transitionLocked(StreamPending)
	}
	s.streamMu.Unlock()

	logging.Infof("%v reconnecting from seqno %d", s.logPrefix, startSeqno)
	s.consumer.NotifyStreamReady(s.vbno)
}

// Next pops the next outbound control message (acks, stream requests).
func (s *PassiveStream) Next() transport.Message {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	resp := s.popFromReadyQ()
	if resp == nil {
		s.itemsReady.Set(false)
	}
	return resp
}

// SetDead clears the buffer and ready queue, frees accounted memory and
// transitions to dead; idempotent and callable from any thread.
func (s *PassiveStream) SetDead(status transport.EndStreamStatus) uint64 {
	s.streamMu.Lock()
	freed := s.clearLocked()
	wasDead := s.State() == StreamDead
	if !wasDead {
		s.transitionLocked(StreamDead)
	}
	s.streamMu.Unlock()

	// buffer lock taken after the stream lock is dropped, never nested
	dropped := s.buffer.clear(s.releaseBody)
	freed += dropped

	if !wasDead {
		logging.Infof("%v stream closed, %d buffered bytes dropped, "+
			"last applied %d, because %v",
			s.logPrefix, dropped, s.lastSeqno.Value(), status)
	}
	return freed
}

func (s *PassiveStream) NotifySeqnoAvailable(seqno uint64) {
	// consumer side has no data source to wake
}

// LastSeqno is the highest seqno applied to storage.
func (s *PassiveStream) LastSeqno() uint64 {
	return s.lastSeqno.Value()
}

// BufferedBytes currently held by the stream's buffer.
func (s *PassiveStream) BufferedBytes() uint64 {
	return s.buffer.bytes.Value()
}

// BufferedItems currently held by the stream's buffer.
func (s *PassiveStream) BufferedItems() uint64 {
	return s.buffer.items.Value()
}

func (s *PassiveStream) AddStats(sink StatsSink) {
	s.addBaseStats(sink)
	prefix := fmt.Sprintf("vb_%d:", s.vbno)
	start, end := s.tracker.Window()
	sink(prefix+"last_received_seqno", fmt.Sprint(s.lastSeqno.Value()))
	sink(prefix+"cur_snapshot_type", s.tracker.Kind().String())
	sink(prefix+"cur_snapshot_start", fmt.Sprint(start))
	sink(prefix+"cur_snapshot_end", fmt.Sprint(end))
	sink(prefix+"buffer_bytes", fmt.Sprint(s.buffer.bytes.Value()))
	sink(prefix+"buffer_items", fmt.Sprint(s.buffer.items.Value()))
}

func (s *PassiveStream) decompress(m *transport.Mutation) ([]byte, error) {
	codec, ok := s.codecs[m.Compression]
	if !ok {
		var err error
		codec, err = transport.NewCodec(m.Compression)
		if err != nil {
			return nil, err
		}
		s.codecs[m.Compression] = codec
	}
	return codec.Decompress(m.Value)
}

func (s *PassiveStream) transitionLocked(to StreamState) {
	from := s.State()
	logging.Debugf("%v transitioning from %v to %v", s.logPrefix, from, to)

	valid := false
	switch from {
	case StreamPending:
		valid = to == StreamReading || to == StreamDead
	case StreamReading:
		valid = to == StreamPending || to == StreamDead
	}
	if !valid {
		s.invalidTransition(from, to)
		return
	}
	s.setState(to)
}

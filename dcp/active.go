package dcp

import (
	"fmt"
	"time"

	gometrics "github.com/rcrowley/go-metrics"

	c "github.com/couchbase/godcp/common"
	"github.com/couchbase/godcp/logging"
	"github.com/couchbase/godcp/stats"
	"github.com/couchbase/godcp/transport"
)

// StreamSpec is the negotiated identity of a stream, immutable once the
// stream is constructed.
type StreamSpec struct {
	Name       string
	Flags      uint32
	Opaque     uint32
	Vbno       uint16
	StartSeqno uint64
	EndSeqno   uint64
	VbUUID     uint64
	SnapStart  uint64
	SnapEnd    uint64
}

// ActiveStream turns a backfill/checkpoint mutation source into an
// ordered message stream for one vbucket, and drives the takeover
// handshake when requested.
type ActiveStream struct {
	stream

	producer  ProducerConn
	vb        VBucket
	cursor    CheckpointCursor
	scheduler BackfillScheduler
	tracker   *snapshotTracker

	// The last sequence number queued from disk or memory.
	lastReadSeqno stats.Uint64Val
	// The last sequence number handed to the connection layer.
	lastSentSeqno stats.Uint64Val
	// The last known seqno pointed to by the checkpoint cursor.
	curChkSeqno stats.Uint64Val

	// backfillRemaining is a stat recording the amount of items
	// remaining to be read from disk. It is an atomic because otherwise
	// IncrBackfillRemaining must acquire streamMu.
	backfillRemaining stats.Int64Val

	// Items read and sent from the backfill phase.
	backfillItems struct {
		memory stats.Uint64Val
		disk   stats.Uint64Val
		sent   stats.Uint64Val
	}

	// The amount of items that have been sent during the memory phase.
	itemsFromMemoryPhase stats.Uint64Val

	// Unacknowledged backfilled data buffered in the ready queue,
	// bounded by the configured caps.
	bufferedBackfill struct {
		bytes stats.Uint64Val
		items stats.Uint64Val
	}
	backfillByteLimit uint64
	backfillItemLimit uint64

	// guarded by streamMu
	firstMarkerSent       bool
	waitForSnapshot       int
	isBackfillTaskRunning bool
	backfillScheduled     bool
	pendingEnd            *transport.StreamEnd

	takeoverState       transport.VbState
	takeoverStart       time.Time
	takeoverSendMaxTime time.Duration
	takeoverRetries     int
	takeoverPolicy      TakeoverPolicy

	chkBatchSize int
	keyOnly      bool
	codec        *transport.Codec

	sendRate gometrics.Meter
}

var _ StreamHandle = (*ActiveStream)(nil)

// NewActiveStream for one vbucket. policy may be nil for the default
// abort-on-timeout takeover policy.
func NewActiveStream(
	producer ProducerConn, vb VBucket, cursor CheckpointCursor,
	scheduler BackfillScheduler, policy TakeoverPolicy,
	config c.Config, spec StreamSpec) *ActiveStream {

	s := &ActiveStream{
		producer:  producer,
		vb:        vb,
		cursor:    cursor,
		scheduler: scheduler,
		tracker:   newSnapshotTracker(),

		backfillByteLimit: config["dcp.backfill.byteLimit"].Uint64(),
		backfillItemLimit: config["dcp.backfill.itemLimit"].Uint64(),

		takeoverState:       transport.VB_STATE_ACTIVE,
		takeoverSendMaxTime: config["dcp.takeoverSendMaxTime"].Duration(),
		takeoverPolicy:      policy,

		chkBatchSize: config["dcp.checkpoint.batchSize"].Int(),
		keyOnly:      producer.KeyOnly() || spec.Flags&FlagKeyOnly != 0,
		codec:        producer.Codec(),

		sendRate: gometrics.NewMeter(),
	}
	if spec.EndSeqno == 0 {
		spec.EndSeqno = dcpMaxSeqno
	}
	s.init(spec.Name, spec.Flags, spec.Opaque, spec.Vbno,
		spec.StartSeqno, spec.EndSeqno, spec.VbUUID,
		spec.SnapStart, spec.SnapEnd)
	if s.takeoverPolicy == nil {
		s.takeoverPolicy = AbortOnTimeout
	}

	s.lastReadSeqno.Init()
	s.lastReadSeqno.Set(spec.StartSeqno)
	s.lastSentSeqno.Init()
	s.lastSentSeqno.Set(spec.StartSeqno)
	s.curChkSeqno.Init()
	s.backfillRemaining.Init()
	s.backfillRemaining.Set(-1) // unknown until the scan estimates
	s.backfillItems.memory.Init()
	s.backfillItems.disk.Init()
	s.backfillItems.sent.Init()
	s.itemsFromMemoryPhase.Init()
	s.bufferedBackfill.bytes.Init()
	s.bufferedBackfill.items.Init()

	s.logPrefix = fmt.Sprintf("DCPS[%v ##%x vb:%d]",
		producer.Name(), spec.Opaque, spec.Vbno)
	logging.Infof("%v created stream [%d,%d] uuid %v",
		s.logPrefix, spec.StartSeqno, s.endSeqno, spec.VbUUID)
	return s
}

// SetActive moves a pending stream into the backfill phase once the
// connection confirms readiness. No-op in any other state.
func (s *ActiveStream) SetActive() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.State() == StreamPending {
		s.transitionLocked(StreamBackfilling)
		s.notifyStreamReadyLocked()
	}
}

// Next returns the next outbound message or nil when none is available,
// dispatching on the current state. Non-blocking; the connection re-polls
// after a NotifyStreamReady callback.
func (s *ActiveStream) Next() transport.Message {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	var resp transport.Message
	for {
		prev := s.State()
		switch prev {
		case StreamPending:
			// not activated yet
		case StreamBackfilling:
			resp = s.backfillPhase()
		case StreamInMemory:
			resp = s.inMemoryPhase()
		case StreamTakeoverSend:
			resp = s.takeoverSendPhase()
		case StreamTakeoverWait:
			resp = s.takeoverWaitPhase()
		case StreamDead:
			resp = s.deadPhase()
		}
		// a phase may advance the state before returning; re-dispatch
		// until a message emerges or the state settles.
		if resp != nil || s.State() == prev {
			break
		}
	}
	if resp == nil {
		s.itemsReady.Set(false)
	}
	return resp
}

// backfillPhase drains backfilled items, schedules the disk scan on
// first entry, and decides the follow-on phase once the scan completes.
func (s *ActiveStream) backfillPhase() transport.Message {
	resp := s.nextQueuedItem()
	if m, ok := resp.(*transport.Mutation); ok {
		s.bufferedBackfill.bytes.Sub(m.Size())
		s.bufferedBackfill.items.Sub(1)
		s.backfillItems.sent.Add(1)
		if remaining := s.backfillRemaining.Value(); remaining > 0 {
			s.backfillRemaining.Add(-1)
		}
	}
	if resp != nil {
		return resp
	}

	if !s.backfillScheduled {
		s.scheduleBackfillLocked()
		if s.State() != StreamBackfilling {
			return nil // scheduling failure ended the stream
		}
	}
	if s.isBackfillTaskRunning {
		return nil // await CompleteBackfill
	}

	// scan complete and ready queue drained
	s.backfillRemaining.Set(0)
	s.tracker.Close()
	switch {
	case s.flags&FlagDiskOnly != 0:
		s.endStreamLocked(transport.END_STREAM_OK)
	case s.lastReadSeqno.Value() >= s.endSeqno:
		s.endStreamLocked(transport.END_STREAM_OK)
	default:
		s.transitionLocked(StreamInMemory)
	}
	return nil
}

// inMemoryPhase tails the checkpoint cursor, bracketing each batch in a
// snapshot window.
func (s *ActiveStream) inMemoryPhase() transport.Message {
	if resp := s.nextQueuedItem(); resp != nil {
		return resp
	}
	s.nextCheckpointItem()
	if resp := s.nextQueuedItem(); resp != nil {
		return resp
	}

	// cursor drained
	if s.flags&FlagTakeover != 0 {
		s.transitionLocked(StreamTakeoverSend)
		return nil
	}
	if s.lastSentSeqno.Value() >= s.endSeqno {
		s.endStreamLocked(transport.END_STREAM_OK)
		return nil
	}
	// stalled until NotifySeqnoAvailable
	return nil
}

// takeoverSendPhase emits the vbucket state change once outstanding
// snapshot acks are in, then waits for the peer.
func (s *ActiveStream) takeoverSendPhase() transport.Message {
	if resp := s.nextQueuedItem(); resp != nil {
		return resp
	}
	if s.waitForSnapshot > 0 {
		return nil // consumer still owes marker acks
	}
	msg := &transport.SetVBucketState{
		Vbno:   s.vbno,
		Opaque: s.opaque,
		State:  s.takeoverState,
	}
	s.takeoverStart = time.Now()
	s.transitionLocked(StreamTakeoverWait)
	logging.Infof("%v takeover: sent set-vbucket-state %v",
		s.logPrefix, s.takeoverState)
	return msg
}

// takeoverWaitPhase blocks logical progress until the state-change ack
// arrives or the configured wait expires.
func (s *ActiveStream) takeoverWaitPhase() transport.Message {
	if resp := s.nextQueuedItem(); resp != nil {
		return resp
	}
	if time.Since(s.takeoverStart) >= s.takeoverSendMaxTime {
		s.takeoverRetries++
		switch s.takeoverPolicy(s.vbno, s.takeoverRetries) {
		case TakeoverRetry:
			logging.Warnf("%v takeover ack wait expired, retrying (%d)",
				s.logPrefix, s.takeoverRetries)
			s.transitionLocked(StreamTakeoverSend)
		default:
			logging.Warnf("%v takeover ack wait expired, aborting handover",
				s.logPrefix)
			s.endStreamLocked(transport.END_STREAM_SLOW)
		}
	}
	return nil
}

func (s *ActiveStream) deadPhase() transport.Message {
	if s.pendingEnd != nil {
		resp := s.pendingEnd
		s.pendingEnd = nil
		return resp
	}
	return nil
}

// nextQueuedItem pops the ready queue and maintains the sent counters;
// caller holds streamMu.
func (s *ActiveStream) nextQueuedItem() transport.Message {
	msg := s.popFromReadyQ()
	if m, ok := msg.(*transport.Mutation); ok {
		s.lastSentSeqno.SetIfGreater(m.Seqno)
		s.sendRate.Mark(1)
	}
	return msg
}

// nextCheckpointItem pulls the next batch from the checkpoint cursor and
// queues a snapshot marker followed by its mutations; caller holds
// streamMu.
func (s *ActiveStream) nextCheckpointItem() {
	batch := s.cursor.NextBatch(s.chkBatchSize)
	if len(batch) == 0 {
		return
	}
	s.curChkSeqno.SetIfGreater(s.cursor.HighSeqno())

	items := make([]*transport.Mutation, 0, len(batch))
	for _, itm := range batch {
		if itm.Seqno <= s.lastReadSeqno.Value() || itm.Seqno > s.endSeqno {
			continue
		}
		items = append(items, itm)
	}
	if len(items) == 0 {
		return
	}
	s.snapshot(items)
}

// snapshot opens a window bracketing items and queues marker plus
// mutations; caller holds streamMu.
func (s *ActiveStream) snapshot(items []*transport.Mutation) {
	snapStart := items[0].Seqno
	snapEnd := items[len(items)-1].Seqno

	flags := transport.MARKER_FLAG_MEMORY | transport.MARKER_FLAG_CHK
	if s.flags&FlagTakeover != 0 {
		flags |= transport.MARKER_FLAG_ACK
		s.waitForSnapshot++
	}
	if err := s.tracker.Open(snapStart, snapEnd, transport.SNAPSHOT_MEMORY); err != nil {
		logging.Fatalf("%v %v", s.logPrefix, err)
		return
	}
	s.pushToReadyQ(&transport.SnapshotMarker{
		Vbno:   s.vbno,
		Opaque: s.opaque,
		Start:  snapStart,
		End:    snapEnd,
		Flags:  flags,
	})
	s.firstMarkerSent = true

	for _, itm := range items {
		s.pushToReadyQ(s.prepare(itm))
		s.lastReadSeqno.SetIfGreater(itm.Seqno)
		s.itemsFromMemoryPhase.Add(1)
	}
	// window fully generated
	s.tracker.Close()
}

// prepare applies the negotiated payload mode to an outbound mutation.
func (s *ActiveStream) prepare(itm *transport.Mutation) *transport.Mutation {
	out := itm.Clone()
	out.Opaque = s.opaque
	if s.keyOnly {
		out.Value = nil
		return out
	}
	if s.codec != nil && len(out.Value) > 0 {
		value, err := s.codec.Compress(out.Value)
		if err != nil {
			logging.Errorf("%v compress seqno %d: %v; sending raw",
				s.logPrefix, out.Seqno, err)
			return out
		}
		out.Value = value
		out.Compression = s.codec.Compression()
	}
	return out
}

// BackfillReceived is invoked by the disk scan to enqueue one historical
// record. Returns false when the stream's backfill buffer is full and
// the scan must pause. Callbacks arriving after the stream left the
// backfill phase are dropped.
func (s *ActiveStream) BackfillReceived(itm *transport.Mutation, source BackfillSource) bool {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() != StreamBackfilling {
		return true // late callback, silently dropped
	}
	if itm.Seqno <= s.startSeqno || itm.Seqno > s.endSeqno {
		logging.Warnf("%v backfill seqno %d outside (%d,%d], dropped",
			s.logPrefix, itm.Seqno, s.startSeqno, s.endSeqno)
		return true
	}
	if s.bufferedBackfill.bytes.Value()+itm.Size() > s.backfillByteLimit ||
		s.bufferedBackfill.items.Value()+1 > s.backfillItemLimit {
		return false
	}

	s.tracker.Extend(itm.Seqno, transport.SNAPSHOT_DISK)
	s.pushToReadyQ(s.prepare(itm))
	s.lastReadSeqno.SetIfGreater(itm.Seqno)
	s.bufferedBackfill.bytes.Add(itm.Size())
	s.bufferedBackfill.items.Add(1)
	if source == BackfillFromDisk {
		s.backfillItems.disk.Add(1)
	} else {
		s.backfillItems.memory.Add(1)
	}
	s.notifyStreamReadyLocked()
	return true
}

// MarkDiskSnapshot announces the disk window the scan will deliver,
// queueing its marker ahead of any backfilled mutation.
func (s *ActiveStream) MarkDiskSnapshot(startSeqno, endSeqno uint64) {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() != StreamBackfilling {
		return
	}
	if endSeqno > s.endSeqno {
		endSeqno = s.endSeqno
	}
	flags := transport.MARKER_FLAG_DISK | transport.MARKER_FLAG_CHK
	if s.flags&FlagTakeover != 0 {
		flags |= transport.MARKER_FLAG_ACK
		s.waitForSnapshot++
	}
	s.tracker.Close()
	if err := s.tracker.Open(startSeqno, endSeqno, transport.SNAPSHOT_DISK); err != nil {
		logging.Fatalf("%v %v", s.logPrefix, err)
		return
	}
	s.pushToReadyQ(&transport.SnapshotMarker{
		Vbno:   s.vbno,
		Opaque: s.opaque,
		Start:  startSeqno,
		End:    endSeqno,
		Flags:  flags,
	})
	s.firstMarkerSent = true
	logging.Debugf("%v disk snapshot [%d,%d]", s.logPrefix, startSeqno, endSeqno)
	s.notifyStreamReadyLocked()
}

// CompleteBackfill is the scan's terminal callback.
func (s *ActiveStream) CompleteBackfill() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() == StreamDead {
		return
	}
	s.isBackfillTaskRunning = false
	logging.Infof("%v backfill complete, %d items from disk, %d from memory",
		s.logPrefix, s.backfillItems.disk.Value(), s.backfillItems.memory.Value())
	s.notifyStreamReadyLocked()
}

// AbortBackfill is the scan's failure callback. The disk history cannot
// be delivered, so the stream must end rather than continue with a gap.
func (s *ActiveStream) AbortBackfill() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() != StreamBackfilling {
		return
	}
	s.isBackfillTaskRunning = false
	logging.Errorf("%v backfill failed, ending stream", s.logPrefix)
	s.endStreamLocked(transport.END_STREAM_SLOW)
	s.notifyStreamReadyLocked()
}

// IncrBackfillRemaining by the scan's item estimate.
func (s *ActiveStream) IncrBackfillRemaining(by uint64) {
	if s.backfillRemaining.Value() < 0 {
		s.backfillRemaining.Set(0)
	}
	s.backfillRemaining.Add(int64(by))
}

// SnapshotMarkerAckReceived accounts one consumer marker ack during
// takeover.
func (s *ActiveStream) SnapshotMarkerAckReceived() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.waitForSnapshot == 0 {
		logging.Warnf("%v unexpected snapshot marker ack", s.logPrefix)
		return
	}
	s.waitForSnapshot--
	if s.waitForSnapshot == 0 {
		s.notifyStreamReadyLocked()
	}
}

// SetVBucketStateAckReceived completes the takeover handshake: the local
// vbucket yields ownership and the stream ends cleanly.
func (s *ActiveStream) SetVBucketStateAckReceived() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()

	if s.State() != StreamTakeoverWait {
		logging.Warnf("%v set-vbucket-state ack in state %v ignored",
			s.logPrefix, s.State())
		return
	}
	if err := s.vb.SetState(transport.VB_STATE_DEAD); err != nil {
		logging.Errorf("%v takeover: local vbucket set-state failed: %v",
			s.logPrefix, err)
	}
	s.endStreamLocked(transport.END_STREAM_OK)
	s.notifyStreamReadyLocked()
}

// NotifySeqnoAvailable wakes a stalled in-memory phase.
func (s *ActiveStream) NotifySeqnoAvailable(seqno uint64) {
	if !s.IsActive() {
		return
	}
	if seqno > s.lastReadSeqno.Value() {
		s.notifyStreamReady()
	}
}

// SetDead tears the stream down from any state; idempotent. Returns the
// ready-queue bytes freed for caller-side flow-control book-keeping.
func (s *ActiveStream) SetDead(status transport.EndStreamStatus) uint64 {
	s.streamMu.Lock()
	freed := s.clearLocked()
	s.bufferedBackfill.bytes.Sub(s.bufferedBackfill.bytes.Value())
	s.bufferedBackfill.items.Sub(s.bufferedBackfill.items.Value())
	s.pendingEnd = nil
	alreadyDead := s.State() == StreamDead
	if !alreadyDead {
		s.transitionLocked(StreamDead)
	}
	s.streamMu.Unlock()

	if !alreadyDead {
		if s.scheduler != nil {
			s.scheduler.CancelBackfill(s.vbno)
		}
		logging.Infof("%v stream closed, %d bytes freed, because %v",
			s.logPrefix, freed, status)
	}
	return freed
}

// endStreamLocked finishes the stream in-band: the terminal StreamEnd is
// delivered exactly once through the dead phase. Caller holds streamMu.
func (s *ActiveStream) endStreamLocked(reason transport.EndStreamStatus) {
	if s.State() == StreamDead {
		return
	}
	if reason != transport.END_STREAM_DISCONNECTED {
		s.pendingEnd = &transport.StreamEnd{
			Vbno:   s.vbno,
			Opaque: s.opaque,
			Status: reason,
		}
	}
	s.transitionLocked(StreamDead)
	logging.Infof("%v stream ending, sent %d (%d from backfill, %d from memory), because %v",
		s.logPrefix, s.lastSentSeqno.Value(),
		s.backfillItems.sent.Value(), s.itemsFromMemoryPhase.Value(), reason)
}

// transitionLocked validates the edge against the producer table and
// applies it; caller holds streamMu.
func (s *ActiveStream) transitionLocked(to StreamState) {
	from := s.State()
	logging.Debugf("%v transitioning from %v to %v", s.logPrefix, from, to)

	valid := false
	switch from {
	case StreamPending:
		valid = to == StreamBackfilling || to == StreamDead
	case StreamBackfilling:
		valid = to == StreamInMemory || to == StreamTakeoverSend || to == StreamDead
	case StreamInMemory:
		valid = to == StreamTakeoverSend || to == StreamDead
	case StreamTakeoverSend:
		valid = to == StreamTakeoverWait || to == StreamDead
	case StreamTakeoverWait:
		valid = to == StreamTakeoverSend || to == StreamDead
	}
	if !valid {
		s.invalidTransition(from, to)
		return
	}
	s.setState(to)
}

func (s *ActiveStream) scheduleBackfillLocked() {
	s.backfillScheduled = true
	if s.scheduler == nil {
		return // no disk source; proceed straight to in-memory
	}
	s.isBackfillTaskRunning = true
	if err := s.scheduler.ScheduleBackfill(s, s.startSeqno, s.endSeqno); err != nil {
		logging.Errorf("%v backfill scheduling failed: %v", s.logPrefix, err)
		s.isBackfillTaskRunning = false
		// disk history cannot be delivered; ending beats a silent gap
		s.endStreamLocked(transport.END_STREAM_SLOW)
	}
}

func (s *ActiveStream) notifyStreamReady() {
	if s.itemsReady.CAS(false, true) {
		s.producer.NotifyStreamReady(s.vbno)
	}
}

// notifyStreamReadyLocked is safe while holding streamMu; the producer
// callback must not call back into the stream synchronously.
func (s *ActiveStream) notifyStreamReadyLocked() {
	s.notifyStreamReady()
}

// ItemsRemaining estimates items yet to be streamed.
func (s *ActiveStream) ItemsRemaining() uint64 {
	var remaining uint64
	if v := s.backfillRemaining.Value(); v > 0 {
		remaining += uint64(v)
	}
	if high := s.cursor.HighSeqno(); high > s.lastReadSeqno.Value() {
		remaining += high - s.lastReadSeqno.Value()
	}
	return remaining
}

// LastReadSeqno is the highest seqno pulled from any source.
func (s *ActiveStream) LastReadSeqno() uint64 {
	return s.lastReadSeqno.Value()
}

// LastSentSeqno is the highest seqno handed to the connection layer.
func (s *ActiveStream) LastSentSeqno() uint64 {
	return s.lastSentSeqno.Value()
}

// AddStats reports identity and counters to the sink.
func (s *ActiveStream) AddStats(sink StatsSink) {
	s.addBaseStats(sink)
	prefix := fmt.Sprintf("vb_%d:", s.vbno)
	sink(prefix+"last_read_seqno", fmt.Sprint(s.lastReadSeqno.Value()))
	sink(prefix+"last_sent_seqno", fmt.Sprint(s.lastSentSeqno.Value()))
	sink(prefix+"cur_chk_seqno", fmt.Sprint(s.curChkSeqno.Value()))
	sink(prefix+"backfill_remaining", fmt.Sprint(s.backfillRemaining.Value()))
	sink(prefix+"backfill_disk_items", fmt.Sprint(s.backfillItems.disk.Value()))
	sink(prefix+"backfill_mem_items", fmt.Sprint(s.backfillItems.memory.Value()))
	sink(prefix+"backfill_sent", fmt.Sprint(s.backfillItems.sent.Value()))
	sink(prefix+"memory_phase_items", fmt.Sprint(s.itemsFromMemoryPhase.Value()))
	sink(prefix+"buffered_backfill_bytes", fmt.Sprint(s.bufferedBackfill.bytes.Value()))
	sink(prefix+"buffered_backfill_items", fmt.Sprint(s.bufferedBackfill.items.Value()))
	sink(prefix+"send_rate_1m", fmt.Sprintf("%.2f", s.sendRate.Rate1()))
}

// AddTakeoverStats reports handover progress for rebalance monitoring.
func (s *ActiveStream) AddTakeoverStats(sink StatsSink) {
	sink("name", s.name)
	sink("estimate", fmt.Sprint(s.ItemsRemaining()))
	switch s.State() {
	case StreamBackfilling:
		sink("status", "backfill")
	case StreamDead:
		sink("status", "does_not_exist")
	default:
		sink("status", "in-memory")
	}
}
